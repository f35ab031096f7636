package icap

import (
	"errors"
	"fmt"
)

// Request-level failures. Each one is answered at the connection boundary
// with an error page of the matching status class.
var (
	ErrProtocolSyntax     = errors.New("icap: protocol syntax error")
	ErrUnsupportedVersion = errors.New("icap: unsupported ICAP version")
	ErrUnknownService     = errors.New("icap: unknown service")
	ErrUnsupportedMethod  = errors.New("icap: method not supported by service")
	ErrAdmissionRejected  = errors.New("icap: per-peer connection limit reached")
	ErrUpgradeUnavailable = errors.New("icap: TLS upgrade not available")
	ErrProcessingTimeout  = errors.New("icap: service processing timed out")
	ErrTransportReset     = errors.New("icap: connection reset by peer")
	ErrBodyTooLarge       = errors.New("icap: encapsulated body too large")
)

// Build-time failures: the response is rejected before anything is written.
var (
	ErrMultipleHeaders = errors.New("icap: response carries more than one header of a kind")
	ErrPartOrder       = errors.New("icap: body or null-body must be the last part")
	ErrUnknownStatus   = errors.New("icap: unknown status code")
)

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("icap: server closed")

// ErrLastChunk is returned by ReadChunk for the zero-length chunk that
// terminates a chunked body.
var ErrLastChunk = errors.New("icap: last chunk")

// SyntaxError describes malformed input. It unwraps to ErrProtocolSyntax.
type SyntaxError struct {
	Stage string // "icap-line", "http-line", "header", "chunk", "encapsulated", "body"
	Line  string
	Err   error
}

func (e *SyntaxError) Error() string {
	msg := fmt.Sprintf("icap: malformed %s", e.Stage)
	if e.Line != "" {
		msg += fmt.Sprintf(" %q", e.Line)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyntaxError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProtocolSyntax}
	}
	return []error{ErrProtocolSyntax, e.Err}
}

func syntaxErr(stage, line string, err error) error {
	return &SyntaxError{Stage: stage, Line: line, Err: err}
}
