package issuer

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/providers/dns/cloudflare"
	"github.com/go-acme/lego/v4/registration"
	"go.uber.org/zap"
)

// ACMEConfig configures the lego-backed issuer.
type ACMEConfig struct {
	DirectoryURL string // default Let's Encrypt production
	Email        string // account contact
	StorageDir   string
	// HTTP01Address is the bind address for the HTTP-01 challenge server.
	// Ignored when DNSProvider is set.
	HTTP01Address string
	// DNSProvider selects DNS-01; only "cloudflare" is supported.
	DNSProvider     string
	CloudflareToken string
}

// acmeHTTPTimeout bounds each request to the ACME directory, including
// account registration.
const acmeHTTPTimeout = 30 * time.Second

// dns01Parallel bounds concurrent DNS-01 orders. HTTP-01 orders share one
// challenge listener and run one at a time.
const dns01Parallel = 4

// ACMECapability obtains certificates from an ACME directory with lego.
type ACMECapability struct {
	cfg    ACMEConfig
	logger *zap.Logger

	// slots is held by a running lego flow until it returns, including a
	// flow whose caller gave up on it.
	slots chan struct{}
	flow  func(certificate.ObtainRequest) (*certificate.Resource, error)

	mu     sync.Mutex
	client *lego.Client
}

// NewACMECapability validates cfg and returns an ACMECapability. The ACME
// account is registered lazily on first use.
func NewACMECapability(cfg ACMEConfig, logger *zap.Logger) (*ACMECapability, error) {
	cfg.Email = strings.TrimSpace(cfg.Email)
	if cfg.Email == "" {
		return nil, errors.New("acme: account email is required")
	}
	if cfg.StorageDir == "" {
		return nil, errors.New("acme: storage dir is required")
	}
	if cfg.DirectoryURL == "" {
		cfg.DirectoryURL = lego.LEDirectoryProduction
	}
	if cfg.DNSProvider != "" && cfg.DNSProvider != "cloudflare" {
		return nil, fmt.Errorf("acme: unsupported dns provider %q", cfg.DNSProvider)
	}
	n := 1
	if cfg.DNSProvider != "" {
		n = dns01Parallel
	}
	a := &ACMECapability{cfg: cfg, logger: logger, slots: make(chan struct{}, n)}
	a.flow = a.legoObtain
	return a, nil
}

// Issue implements Capability.
func (a *ACMECapability) Issue(ctx context.Context, domains []string, email string) (Issued, error) {
	res, err := a.obtain(ctx, certificate.ObtainRequest{
		Domains:        domains,
		Bundle:         true,
		EmailAddresses: []string{email},
	})
	if err != nil {
		return Issued{}, err
	}
	dir := materialDir(a.cfg.StorageDir, domains[0])
	notAfter, err := a.store(dir, res, domains, email)
	if err != nil {
		return Issued{}, err
	}
	return Issued{RawExpiry: notAfter.Format(time.RFC3339), StoragePath: dir}, nil
}

// Renew implements Capability. The certificate is re-obtained for the
// manifest's domains with the existing private key.
func (a *ACMECapability) Renew(ctx context.Context, primaryDomain, storagePath string) (string, error) {
	m, err := ReadManifest(storagePath)
	if err != nil {
		return "", err
	}
	if m.Domains[0] != primaryDomain {
		return "", fmt.Errorf("manifest primary domain %q does not match %q", m.Domains[0], primaryDomain)
	}

	req := certificate.ObtainRequest{Domains: m.Domains, Bundle: true}
	if keyPEM, err := os.ReadFile(filepath.Join(storagePath, KeyFile)); err == nil {
		key, err := certcrypto.ParsePEMPrivateKey(keyPEM)
		if err != nil {
			return "", fmt.Errorf("parse stored private key: %w", err)
		}
		req.PrivateKey = key
	}

	res, err := a.obtain(ctx, req)
	if err != nil {
		return "", err
	}
	notAfter, err := a.store(storagePath, res, m.Domains, m.Email)
	if err != nil {
		return "", err
	}
	return notAfter.Format(time.RFC3339), nil
}

// obtain runs the blocking lego flow, abandoning it when ctx ends. The flow
// keeps its slot until lego returns, so an abandoned HTTP-01 order still
// owns the challenge port and the next order waits for it.
func (a *ACMECapability) obtain(ctx context.Context, req certificate.ObtainRequest) (*certificate.Resource, error) {
	select {
	case a.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for acme slot: %w", ctx.Err())
	}

	type result struct {
		res *certificate.Resource
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() { <-a.slots }()
		res, err := a.flow(req)
		done <- result{res, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return r.res, nil
	case <-ctx.Done():
		a.logger.Warn("acme: obtain abandoned", zap.Strings("domains", req.Domains), zap.Error(ctx.Err()))
		return nil, ctx.Err()
	}
}

// legoObtain registers the account on first use and obtains one certificate.
// It runs off the caller's goroutine so registration is bounded by the
// caller's context too.
func (a *ACMECapability) legoObtain(req certificate.ObtainRequest) (*certificate.Resource, error) {
	client, err := a.legoClient()
	if err != nil {
		return nil, err
	}
	res, err := client.Certificate.Obtain(req)
	if err != nil {
		return nil, fmt.Errorf("obtain certificate: %w", err)
	}
	return res, nil
}

func (a *ACMECapability) store(dir string, res *certificate.Resource, domains []string, email string) (time.Time, error) {
	if res == nil || len(res.Certificate) == 0 {
		return time.Time{}, errors.New("empty certificate payload received from ACME server")
	}
	leaf, err := certcrypto.ParsePEMCertificate(res.Certificate)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse issued certificate: %w", err)
	}
	m := Manifest{
		Domains:  domains,
		Email:    email,
		Issuer:   "acme",
		IssuedAt: time.Now().UTC(),
		NotAfter: leaf.NotAfter.UTC(),
	}
	if err := writeMaterial(dir, res.Certificate, res.PrivateKey, res.IssuerCertificate, m); err != nil {
		return time.Time{}, err
	}
	return leaf.NotAfter.UTC(), nil
}

// legoClient builds, configures and registers the lego client once.
func (a *ACMECapability) legoClient() (*lego.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	user := &acmeUser{email: a.cfg.Email, key: key}

	legoCfg := lego.NewConfig(user)
	legoCfg.CADirURL = a.cfg.DirectoryURL
	legoCfg.Certificate.KeyType = certcrypto.RSA2048
	legoCfg.HTTPClient.Timeout = acmeHTTPTimeout

	client, err := lego.NewClient(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("create acme client: %w", err)
	}

	if a.cfg.DNSProvider == "cloudflare" {
		cfCfg := cloudflare.NewDefaultConfig()
		cfCfg.AuthToken = a.cfg.CloudflareToken
		provider, err := cloudflare.NewDNSProviderConfig(cfCfg)
		if err != nil {
			return nil, fmt.Errorf("create cloudflare provider: %w", err)
		}
		if err := client.Challenge.SetDNS01Provider(provider, dns01.AddDNSTimeout(10*time.Minute)); err != nil {
			return nil, fmt.Errorf("configure dns-01 provider: %w", err)
		}
	} else {
		host, port := "", "80"
		if a.cfg.HTTP01Address != "" {
			h, p, err := net.SplitHostPort(a.cfg.HTTP01Address)
			if err != nil {
				return nil, fmt.Errorf("invalid http-01 address %q: %w", a.cfg.HTTP01Address, err)
			}
			host, port = h, p
		}
		if err := client.Challenge.SetHTTP01Provider(http01.NewProviderServer(host, port)); err != nil {
			return nil, fmt.Errorf("configure http-01 provider: %w", err)
		}
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, fmt.Errorf("register acme account: %w", err)
	}
	user.registration = reg
	a.logger.Info("acme account registered", zap.String("directory", a.cfg.DirectoryURL))

	a.client = client
	return client, nil
}

type acmeUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.key }
