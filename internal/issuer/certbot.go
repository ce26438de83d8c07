package issuer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// CertbotConfig locates the certbot installation and its state directories.
type CertbotConfig struct {
	Binary    string // default "certbot"
	OpenSSL   string // default "openssl"
	ConfigDir string
	WorkDir   string
	LogsDir   string
	// ChallengeArgs selects the authenticator, e.g. ["--dns-route53"].
	ChallengeArgs []string
}

// CertbotCapability drives a locally installed certbot. Material lives in
// certbot's own layout, <config_dir>/live/<primary domain>.
type CertbotCapability struct {
	cfg CertbotConfig
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewCertbotCapability creates a CertbotCapability.
func NewCertbotCapability(cfg CertbotConfig) *CertbotCapability {
	if cfg.Binary == "" {
		cfg.Binary = "certbot"
	}
	if cfg.OpenSSL == "" {
		cfg.OpenSSL = "openssl"
	}
	return &CertbotCapability{cfg: cfg, run: runCommand}
}

// Issue implements Capability.
func (c *CertbotCapability) Issue(ctx context.Context, domains []string, email string) (Issued, error) {
	args := []string{"certonly", "--non-interactive", "--agree-tos", "--email", email}
	args = append(args, c.cfg.ChallengeArgs...)
	args = append(args, "--domains", strings.Join(domains, ","))
	args = append(args, c.dirArgs()...)

	if out, err := c.run(ctx, c.cfg.Binary, args...); err != nil {
		return Issued{}, WithDiagnostic(fmt.Errorf("certbot certonly: %w", err), string(out))
	}

	path := filepath.Join(c.cfg.ConfigDir, "live", domains[0])
	raw, err := c.endDate(ctx, path)
	if err != nil {
		return Issued{}, err
	}
	return Issued{RawExpiry: raw, StoragePath: path}, nil
}

// Renew implements Capability.
func (c *CertbotCapability) Renew(ctx context.Context, primaryDomain, storagePath string) (string, error) {
	args := []string{"renew", "--non-interactive", "--force-renewal", "--cert-name", primaryDomain}
	args = append(args, c.dirArgs()...)

	if out, err := c.run(ctx, c.cfg.Binary, args...); err != nil {
		return "", WithDiagnostic(fmt.Errorf("certbot renew: %w", err), string(out))
	}
	return c.endDate(ctx, storagePath)
}

// endDate returns the raw "notAfter=..." line for the stored certificate.
func (c *CertbotCapability) endDate(ctx context.Context, path string) (string, error) {
	out, err := c.run(ctx, c.cfg.OpenSSL, "x509", "-enddate", "-noout", "-in", filepath.Join(path, CertFile))
	if err != nil {
		return "", WithDiagnostic(fmt.Errorf("openssl enddate: %w", err), string(out))
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *CertbotCapability) dirArgs() []string {
	var args []string
	if c.cfg.ConfigDir != "" {
		args = append(args, "--config-dir", c.cfg.ConfigDir)
	}
	if c.cfg.WorkDir != "" {
		args = append(args, "--work-dir", c.cfg.WorkDir)
	}
	if c.cfg.LogsDir != "" {
		args = append(args, "--logs-dir", c.cfg.LogsDir)
	}
	return args
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}
