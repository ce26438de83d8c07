package issuer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Material file names inside a certificate's storage directory.
const (
	CertFile     = "cert.pem"
	KeyFile      = "privkey.pem"
	ChainFile    = "chain.pem"
	ManifestFile = "manifest.toml"
)

// Manifest describes the material stored under a certificate's storage path.
// Renewals read it to recover the full domain list.
type Manifest struct {
	Domains  []string  `toml:"domains"`
	Email    string    `toml:"email"`
	Issuer   string    `toml:"issuer"`
	IssuedAt time.Time `toml:"issued_at"`
	NotAfter time.Time `toml:"not_after"`
}

// WriteManifest writes m into dir.
func WriteManifest(dir string, m Manifest) error {
	data, err := toml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest reads the manifest stored in dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Domains) == 0 {
		return nil, fmt.Errorf("manifest in %s lists no domains", dir)
	}
	return &m, nil
}

// materialDir returns <root>/<primary domain> with the domain made safe for
// use as a single path segment.
func materialDir(root, primary string) string {
	return filepath.Join(root, safeSegment(primary))
}

func safeSegment(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == '*':
			b.WriteString("_wildcard")
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "certificate"
	}
	return out
}

// writeMaterial stores PEM material and its manifest under dir.
func writeMaterial(dir string, certPEM, keyPEM, chainPEM []byte, m Manifest) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create material dir: %w", err)
	}
	if len(keyPEM) > 0 {
		if err := os.WriteFile(filepath.Join(dir, KeyFile), keyPEM, 0o600); err != nil {
			return fmt.Errorf("write private key: %w", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, CertFile), certPEM, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	if len(chainPEM) > 0 {
		if err := os.WriteFile(filepath.Join(dir, ChainFile), chainPEM, 0o644); err != nil {
			return fmt.Errorf("write chain: %w", err)
		}
	}
	return WriteManifest(dir, m)
}
