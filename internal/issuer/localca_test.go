package issuer_test

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmerrifield20/freessl/internal/certs"
	"github.com/jmerrifield20/freessl/internal/issuer"
	"go.uber.org/zap"
)

func TestLocalCA_issueAndRenew(t *testing.T) {
	root := t.TempDir()
	lc := issuer.NewLocalCACapability(filepath.Join(root, "ca"), filepath.Join(root, "live"), 48*time.Hour)
	a := issuer.NewAdapter(lc, time.Minute, zap.NewNop())

	res, err := a.Issue(ctx, []string{"example.com", "www.example.com"}, "ops@example.com")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if res.StoragePath != filepath.Join(root, "live", "example.com") {
		t.Errorf("StoragePath = %q", res.StoragePath)
	}
	for _, f := range []string{issuer.CertFile, issuer.KeyFile, issuer.ChainFile, issuer.ManifestFile} {
		if _, err := os.Stat(filepath.Join(res.StoragePath, f)); err != nil {
			t.Errorf("missing %s: %v", f, err)
		}
	}

	leaf := readLeaf(t, filepath.Join(res.StoragePath, issuer.CertFile))
	if len(leaf.DNSNames) != 2 || leaf.DNSNames[1] != "www.example.com" {
		t.Errorf("DNSNames = %v", leaf.DNSNames)
	}
	if !leaf.NotAfter.Equal(res.ExpiresAt) {
		t.Errorf("parsed expiry %v != certificate NotAfter %v", res.ExpiresAt, leaf.NotAfter)
	}

	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(lc.CACertPEM())
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: pool, DNSName: "www.example.com"}); err != nil {
		t.Errorf("leaf does not verify against the CA: %v", err)
	}

	m, err := issuer.ReadManifest(res.StoragePath)
	if err != nil {
		t.Fatal(err)
	}
	if m.Issuer != "localca" || m.Email != "ops@example.com" {
		t.Errorf("manifest = %+v", m)
	}

	time.Sleep(1100 * time.Millisecond) // NotAfter has second resolution
	c := &certs.Certificate{Domains: res.Domains, StoragePath: res.StoragePath, ExpiresAt: res.ExpiresAt}
	renewed, err := a.Renew(ctx, c)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if !renewed.After(res.ExpiresAt) {
		t.Errorf("renewed expiry %v not after %v", renewed, res.ExpiresAt)
	}
	if got := readLeaf(t, filepath.Join(res.StoragePath, issuer.CertFile)); len(got.DNSNames) != 2 {
		t.Errorf("renewal dropped SANs: %v", got.DNSNames)
	}
}

func TestLocalCA_reloadsExistingCA(t *testing.T) {
	root := t.TempDir()
	first := issuer.NewLocalCACapability(filepath.Join(root, "ca"), filepath.Join(root, "live"), 0)
	if err := first.LoadOrCreate(); err != nil {
		t.Fatal(err)
	}
	second := issuer.NewLocalCACapability(filepath.Join(root, "ca"), filepath.Join(root, "live"), 0)
	if err := second.LoadOrCreate(); err != nil {
		t.Fatal(err)
	}
	if string(first.CACertPEM()) != string(second.CACertPEM()) {
		t.Error("second instance generated a new CA instead of loading the stored one")
	}
}

func TestRenew_missingManifest(t *testing.T) {
	root := t.TempDir()
	lc := issuer.NewLocalCACapability(filepath.Join(root, "ca"), filepath.Join(root, "live"), 0)
	a := issuer.NewAdapter(lc, time.Minute, zap.NewNop())

	c := &certs.Certificate{Domains: []string{"gone.example"}, StoragePath: filepath.Join(root, "live", "gone.example")}
	if _, err := a.Renew(ctx, c); err == nil {
		t.Fatal("expected an error when the manifest is missing")
	}
}

func readLeaf(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		t.Fatal("no PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}
