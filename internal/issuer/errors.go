package issuer

import "fmt"

// ValidationError is returned for bad issuance input. It is never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// IssuanceError reports a failed first issuance. Diagnostic carries the
// external issuer's own output when it produced any.
type IssuanceError struct {
	Diagnostic string
	Err        error
}

func (e *IssuanceError) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("issuance failed: %v", e.Err)
	}
	return fmt.Sprintf("issuance failed: %v: %s", e.Err, e.Diagnostic)
}

func (e *IssuanceError) Unwrap() error { return e.Err }

// RenewalError reports a failed renewal of an existing certificate.
type RenewalError struct {
	Domain     string
	Diagnostic string
	Err        error
}

func (e *RenewalError) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("renewal of %s failed: %v", e.Domain, e.Err)
	}
	return fmt.Sprintf("renewal of %s failed: %v: %s", e.Domain, e.Err, e.Diagnostic)
}

func (e *RenewalError) Unwrap() error { return e.Err }

// ParseError reports an expiry string in no known format.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("unrecognised expiry %q", e.Raw)
	}
	return fmt.Sprintf("unrecognised expiry %q: %v", e.Raw, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// diagnosticError lets a Capability attach the issuer's raw output to a failure.
type diagnosticError struct {
	err    error
	output string
}

func (e *diagnosticError) Error() string { return e.err.Error() }
func (e *diagnosticError) Unwrap() error { return e.err }

// WithDiagnostic annotates err with external process output. The Adapter
// lifts the output into IssuanceError/RenewalError.Diagnostic.
func WithDiagnostic(err error, output string) error {
	if err == nil {
		return nil
	}
	return &diagnosticError{err: err, output: output}
}
