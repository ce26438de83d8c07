// Package issuer wraps the external certificate issuer.
//
// The Adapter is the only entry point used by the rest of the service: it
// validates input, bounds each call with a timeout, translates failures into
// ValidationError, IssuanceError, RenewalError and ParseError, and parses the
// issuer's printed expiry in one place (ParseExpiry).
//
// Capability implementations:
//   - ACMECapability: lego against an ACME directory (HTTP-01 or Cloudflare DNS-01).
//   - CertbotCapability: a locally installed certbot plus openssl.
//   - LocalCACapability: a self-managed development CA.
//
// Material is stored per certificate as cert.pem, privkey.pem, chain.pem and
// manifest.toml.
package issuer
