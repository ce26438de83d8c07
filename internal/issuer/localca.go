package issuer

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	caCertFile = "ca.crt"
	caKeyFile  = "ca.key"
	caKeyBits  = 4096
	leafBits   = 2048
)

// LocalCACapability issues certificates from a self-managed CA persisted to
// disk. It exists for development and staging where no ACME directory is
// reachable; browsers will not trust its output.
type LocalCACapability struct {
	caDir      string
	storageDir string
	validFor   time.Duration

	mu     sync.Mutex
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
}

// NewLocalCACapability returns a capability that keeps its CA in caDir and
// writes issued material below storageDir.
func NewLocalCACapability(caDir, storageDir string, validFor time.Duration) *LocalCACapability {
	if validFor == 0 {
		validFor = 90 * 24 * time.Hour
	}
	return &LocalCACapability{caDir: caDir, storageDir: storageDir, validFor: validFor}
}

// LoadOrCreate loads the CA from disk if it exists; creates a new one otherwise.
func (l *LocalCACapability) LoadOrCreate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.caCert != nil {
		return nil
	}
	if err := l.load(); err == nil {
		return nil
	}
	return l.create()
}

// CACertPEM returns the CA certificate encoded as PEM.
func (l *LocalCACapability) CACertPEM() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.caCert == nil {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: l.caCert.Raw})
}

// Issue implements Capability.
func (l *LocalCACapability) Issue(ctx context.Context, domains []string, email string) (Issued, error) {
	if err := l.LoadOrCreate(); err != nil {
		return Issued{}, err
	}
	if err := ctx.Err(); err != nil {
		return Issued{}, err
	}
	dir := materialDir(l.storageDir, domains[0])
	notAfter, err := l.signInto(dir, domains, email)
	if err != nil {
		return Issued{}, err
	}
	return Issued{RawExpiry: FormatExpiry(notAfter), StoragePath: dir}, nil
}

// Renew implements Capability. The full domain list comes from the manifest.
func (l *LocalCACapability) Renew(ctx context.Context, primaryDomain, storagePath string) (string, error) {
	if err := l.LoadOrCreate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m, err := ReadManifest(storagePath)
	if err != nil {
		return "", err
	}
	if m.Domains[0] != primaryDomain {
		return "", fmt.Errorf("manifest primary domain %q does not match %q", m.Domains[0], primaryDomain)
	}
	notAfter, err := l.signInto(storagePath, m.Domains, m.Email)
	if err != nil {
		return "", err
	}
	return FormatExpiry(notAfter), nil
}

// signInto issues a fresh leaf for domains and writes it to dir.
func (l *LocalCACapability) signInto(dir string, domains []string, email string) (time.Time, error) {
	key, err := rsa.GenerateKey(rand.Reader, leafBits)
	if err != nil {
		return time.Time{}, fmt.Errorf("generate key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return time.Time{}, err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domains[0]},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(l.validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     domains,
	}

	l.mu.Lock()
	der, err := x509.CreateCertificate(rand.Reader, template, l.caCert, &key.PublicKey, l.caKey)
	chainPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: l.caCert.Raw})
	l.mu.Unlock()
	if err != nil {
		return time.Time{}, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse issued certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	m := Manifest{Domains: domains, Email: email, Issuer: "localca", IssuedAt: now, NotAfter: cert.NotAfter}
	if err := writeMaterial(dir, certPEM, keyPEM, chainPEM, m); err != nil {
		return time.Time{}, err
	}
	return cert.NotAfter, nil
}

func (l *LocalCACapability) load() error {
	certPEM, err := os.ReadFile(filepath.Join(l.caDir, caCertFile))
	if err != nil {
		return fmt.Errorf("read CA cert: %w", err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(l.caDir, caKeyFile))
	if err != nil {
		return fmt.Errorf("read CA key: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("failed to decode CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse CA certificate: %w", err)
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return fmt.Errorf("failed to decode CA key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse CA key: %w", err)
	}
	l.caCert, l.caKey = cert, key
	return nil
}

func (l *LocalCACapability) create() error {
	if err := os.MkdirAll(l.caDir, 0o700); err != nil {
		return fmt.Errorf("create CA dir %q: %w", l.caDir, err)
	}
	key, err := rsa.GenerateKey(rand.Reader, caKeyBits)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "freessl Development CA",
			Organization: []string{"freessl"},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parse CA certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(filepath.Join(l.caDir, caCertFile), certPEM, 0o644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.caDir, caKeyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}
	l.caCert, l.caKey = cert, key
	return nil
}

// randomSerial generates a cryptographically random 128-bit certificate serial.
func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}
