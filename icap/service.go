package icap

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ServiceConfig is the static description of a service. OPTIONS is handled
// by the framework and must not be listed in Methods.
type ServiceConfig struct {
	// Name is sent as Service-Name. It defaults to the registration path.
	Name    string
	Methods []Method

	// PreviewSize is nil when the service does not take previews.
	PreviewSize *int

	// MaxConnections caps concurrent requests per peer IP; 0 is unlimited.
	MaxConnections int
	// Timeout bounds Process; 0 disables it.
	Timeout time.Duration
	// OptionsTTL is advertised in seconds; 0 omits the header.
	OptionsTTL int

	ISTag     string
	ServiceID string

	TransferPreview  []string
	TransferIgnore   []string
	TransferComplete []string
}

// Preview returns a pointer to n for ServiceConfig.PreviewSize.
func Preview(n int) *int {
	return &n
}

// SupportsPreview reports whether a preview size is configured.
func (c *ServiceConfig) SupportsPreview() bool {
	return c.PreviewSize != nil && *c.PreviewSize >= 0
}

// Supports reports whether m is in Methods.
func (c *ServiceConfig) Supports(m Method) bool {
	for _, sm := range c.Methods {
		if sm == m {
			return true
		}
	}
	return false
}

func (c *ServiceConfig) validate() error {
	for _, m := range c.Methods {
		switch m {
		case MethodReqMod, MethodRespMod:
		case MethodOptions:
			return fmt.Errorf("service %q: OPTIONS is implicit and must not be listed", c.Name)
		default:
			return fmt.Errorf("service %q: unknown method %v", c.Name, m)
		}
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("service %q: negative max connections", c.Name)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("service %q: negative timeout", c.Name)
	}
	return nil
}

// ResponseWriter is the service's handle on the connection.
type ResponseWriter interface {
	// NewResponse returns a response carrying the service's ISTag.
	NewResponse(status int) *Response
	// WriteResponse writes resp with its body chunk-encoded and flushes.
	WriteResponse(resp *Response) error
	// Write sends raw bytes, for services that stream their own bodies
	// after WriteResponse of a header-only response.
	io.Writer
	Flush() error
	PeerIP() string
}

// Service is a pluggable adaptation service.
type Service interface {
	Config() *ServiceConfig
	// Process answers req through w. It runs with the service timeout
	// applied to ctx, if one is configured.
	Process(ctx context.Context, w ResponseWriter, req *Request) error
}

// dispatchEnv carries what doProcess needs from the connection.
type dispatchEnv struct {
	log       zerolog.Logger
	metrics   *Metrics
	closeConn func()
}

// doProcess admits, checks, runs and releases one request against the
// service. The per-peer slot is released on every return path, including
// a panic unwinding through it.
//
// ErrAdmissionRejected and ErrUnsupportedMethod are returned after the
// error page was written. ErrProcessingTimeout is returned after the
// connection was closed.
func (s *registration) doProcess(ctx context.Context, env dispatchEnv, w ResponseWriter, req *Request) error {
	cfg := s.cfg
	if !s.peers.Enter(req.PeerIP, cfg.MaxConnections) {
		env.metrics.admissionRejected(cfg.Name)
		env.log.Warn().Str("service", cfg.Name).Int("max_connections", cfg.MaxConnections).Msg("per-peer limit reached")
		if err := WriteErrorPage(w, overloadedPage); err != nil {
			return err
		}
		return ErrAdmissionRejected
	}
	defer s.peers.Leave(req.PeerIP)

	if !cfg.Supports(req.Method) {
		if err := WriteErrorPage(w, notImplementedPage); err != nil {
			return err
		}
		return ErrUnsupportedMethod
	}

	if cfg.Timeout <= 0 {
		return s.svc.Process(ctx, w, req)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("icap: service %q panicked: %v", cfg.Name, p)
			}
		}()
		done <- s.svc.Process(ctx, w, req)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// The peer may be mid-write, so there is no graceful answer.
		env.metrics.timedOut(cfg.Name)
		env.log.Error().Str("service", cfg.Name).Dur("timeout", cfg.Timeout).Msg("service timed out, closing connection")
		env.closeConn()
		return fmt.Errorf("%w: %s after %s", ErrProcessingTimeout, cfg.Name, cfg.Timeout)
	}
}

// optionsResponse answers OPTIONS for the service.
func (s *registration) optionsResponse(w ResponseWriter) *Response {
	cfg := s.cfg
	resp := w.NewResponse(StatusOK)
	methods := make([]string, 0, len(cfg.Methods))
	for _, m := range []Method{MethodReqMod, MethodRespMod} {
		if cfg.Supports(m) {
			methods = append(methods, m.String())
		}
	}
	h := &resp.Header
	h.Set("Methods", strings.Join(methods, ", "))
	h.Set("Service-Name", cfg.Name)
	if cfg.ServiceID != "" {
		h.Set("Service-ID", cfg.ServiceID)
	}
	if cfg.MaxConnections > 0 {
		h.Set("Max-Connections", strconv.Itoa(cfg.MaxConnections))
	}
	if cfg.OptionsTTL > 0 {
		h.Set("Options-TTL", strconv.Itoa(cfg.OptionsTTL))
	}
	if cfg.SupportsPreview() {
		h.Set("Preview", strconv.Itoa(*cfg.PreviewSize))
	}
	if len(cfg.TransferIgnore) > 0 {
		h.Set("Transfer-Ignore", strings.Join(cfg.TransferIgnore, ", "))
	}
	if len(cfg.TransferComplete) > 0 {
		h.Set("Transfer-Complete", strings.Join(cfg.TransferComplete, ", "))
	}
	if len(cfg.TransferPreview) > 0 {
		h.Set("Transfer-Preview", strings.Join(cfg.TransferPreview, ", "))
	}
	h.Set("Allow", "204")
	return resp.Add(NullBody{})
}

// WriteErrorPage answers with page through w, carrying w's ISTag.
func WriteErrorPage(w ResponseWriter, page ErrorPage) error {
	resp := w.NewResponse(page.Status)
	if err := page.fill(resp); err != nil {
		return err
	}
	return w.WriteResponse(resp)
}
