package icap

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Error pages sent by the framework. The embedded HTTP status is chosen per
// page and does not follow the ICAP status.
var (
	badRequestPage = ErrorPage{
		Status: StatusBadRequest, HTTPStatus: 400, HTTPVersion: "1.0",
		Title:   "Invalid Request",
		Content: "Your client sent a malformed request - please fix it and try it again.",
	}
	versionPage = ErrorPage{
		Status: StatusVersionNotSupported, HTTPStatus: 500, HTTPVersion: "1.0",
		Title:   "Unknown ICAP-version used",
		Content: "We are sorry but your ICAP version is not known by this server.",
	}
	notFoundPage = ErrorPage{
		Status: StatusServiceNotFound, HTTPStatus: 500, HTTPVersion: "1.0",
		Title:   "Not Found",
		Content: "Sorry, but the ICAP service does not exist.",
	}
	methodNotAllowedPage = ErrorPage{
		Status: StatusMethodNotAllowed, HTTPStatus: 500, HTTPVersion: "1.0",
		Title:   "ICAP Error",
		Content: "Your client accessed the service with the wrong method.",
	}
	notImplementedPage = ErrorPage{
		Status: StatusMethodNotImplemented, HTTPStatus: 500, HTTPVersion: "1.1",
		Title:   "Method not implemented",
		Content: "I do not know what to do with that...",
	}
	overloadedPage = ErrorPage{
		Status: StatusServiceOverloaded, HTTPStatus: 500, HTTPVersion: "1.1",
		Title:   "ICAP Error",
		Content: "Sorry, too much work for me",
	}
	noTLSPage = ErrorPage{
		Status: StatusServerError, HTTPStatus: 500, HTTPVersion: "1.1",
		Title:   "ICAP Error",
		Content: "This server has no TLS support.",
	}
	badUpgradePage = ErrorPage{
		Status: StatusServerError, HTTPStatus: 500, HTTPVersion: "1.1",
		Title:   "ICAP Error",
		Content: "Upgrade header is missing",
	}
	serverErrorPage = ErrorPage{
		Status: StatusServerError, HTTPStatus: 500, HTTPVersion: "1.1",
		Title:   "ICAP Error",
		Content: "The service failed to process the request.",
	}
)

var upgradeHeaderRe = regexp.MustCompile(`^TLS/[\d.]+, ICAP/[\d.]+$`)

// supportedVersions lists the ICAP versions the server speaks.
var supportedVersions = map[string]bool{"1.0": true}

// bufferSize bounds a single protocol line.
const bufferSize = 64 << 10

// conn serves one client connection. Requests are handled strictly in
// sequence: the next request is read only after the previous response was
// written.
type conn struct {
	srv    *Server
	raw    net.Conn
	rwc    net.Conn
	rw     *bufio.ReadWriter
	id     string
	peerIP string
	log    zerolog.Logger

	tlsActive bool
	idle      atomic.Bool
}

func (s *Server) newConn(rwc net.Conn) *conn {
	c := &conn{
		srv: s,
		raw: rwc,
		rwc: rwc,
		rw:  newReadWriter(rwc),
		id:  uuid.NewString(),
	}
	if host, _, err := net.SplitHostPort(rwc.RemoteAddr().String()); err == nil {
		c.peerIP = host
	} else {
		c.peerIP = rwc.RemoteAddr().String()
	}
	_, c.tlsActive = rwc.(*tls.Conn)
	c.log = s.Logger.With().Str("conn_id", c.id).Str("peer", rwc.RemoteAddr().String()).Logger()
	return c
}

func newReadWriter(rwc net.Conn) *bufio.ReadWriter {
	return bufio.NewReadWriter(bufio.NewReaderSize(rwc, bufferSize), bufio.NewWriter(rwc))
}

func (c *conn) close() {
	_ = c.rwc.Close()
}

// forceClose closes the underlying transport. It is safe to call from other
// goroutines.
func (c *conn) forceClose() {
	_ = c.raw.Close()
}

// serve runs the request loop until the peer closes, a transport error
// occurs, or the server shuts down.
func (c *conn) serve() {
	defer c.srv.trackConn(c, false)
	defer c.close()
	defer func() {
		if p := recover(); p != nil {
			c.log.Error().Interface("panic", p).Bytes("stack", debug.Stack()).Msg("panic serving connection")
		}
	}()

	c.log.Debug().Bool("tls", c.tlsActive).Msg("client connected")
	for {
		if c.srv.shuttingDown() {
			return
		}
		if c.srv.IdleTimeout > 0 {
			_ = c.rwc.SetReadDeadline(time.Now().Add(c.srv.IdleTimeout))
		}
		c.idle.Store(true)
		if _, err := c.rw.Reader.Peek(1); err != nil {
			c.idle.Store(false)
			c.logReadError(err)
			return
		}
		c.idle.Store(false)
		_ = c.rwc.SetReadDeadline(time.Time{})

		req, err := ReadRequest(c.rw, c.srv.Services, c.srv.MaxBodySize)
		if err != nil {
			if errors.Is(err, ErrProtocolSyntax) {
				c.srv.Metrics.parseError()
				c.log.Warn().Err(err).Msg("malformed request")
				w := c.newResponseWriter()
				if werr := WriteErrorPage(w, badRequestPage); werr != nil {
					c.logWriteError(werr)
					return
				}
				continue
			}
			c.logReadError(err)
			return
		}
		req.PeerIP = c.peerIP

		if err := c.handle(req); err != nil {
			c.logWriteError(err)
			return
		}
	}
}

// handle answers one request. A non-nil error ends the connection.
func (c *conn) handle(req *Request) error {
	started := time.Now()
	w := c.newResponseWriter()
	err := c.route(w, req)
	status, _ := w.result()
	c.srv.Metrics.observeRequest(req.Method, status, time.Since(started))
	c.logTransaction(req, status, started)
	return err
}

func (c *conn) route(w *responseWriter, req *Request) error {
	if !supportedVersions[req.Version] {
		c.log.Warn().Err(ErrUnsupportedVersion).Str("version", req.Version).Msg("rejecting request")
		return WriteErrorPage(w, versionPage)
	}

	path := req.ServicePath()
	if path == "*" && req.Method == MethodOptions {
		return c.upgrade(w, req)
	}

	reg, ok := c.srv.Services.lookup(path)
	if !ok {
		c.log.Info().Err(ErrUnknownService).Str("service", path).Msg("rejecting request")
		return WriteErrorPage(w, notFoundPage)
	}
	w.istag = reg.cfg.ISTag

	if req.Method == MethodOptions {
		return w.WriteResponse(reg.optionsResponse(w))
	}
	if !reg.cfg.Supports(req.Method) {
		return WriteErrorPage(w, methodNotAllowedPage)
	}

	env := dispatchEnv{
		log:     c.log.With().Str("service", reg.cfg.Name).Logger(),
		metrics: c.srv.Metrics,
		// The transport is closed first so a write in progress fails and
		// releases w.
		closeConn: func() {
			c.forceClose()
			w.abandon()
		},
	}
	err := reg.doProcess(context.Background(), env, w, req)
	_, wrote := w.result()
	switch {
	case err == nil,
		errors.Is(err, ErrAdmissionRejected),
		errors.Is(err, ErrUnsupportedMethod):
		return nil
	case errors.Is(err, ErrProcessingTimeout):
		return err
	case wrote:
		// The response is partially on the wire; the stream cannot be
		// resynchronized.
		return err
	default:
		c.log.Error().Err(err).Str("service", reg.cfg.Name).Msg("service failed")
		return WriteErrorPage(w, serverErrorPage)
	}
}

// upgrade handles OPTIONS * with Connection: Upgrade: it answers 101 and
// runs the TLS handshake on the same transport.
func (c *conn) upgrade(w *responseWriter, req *Request) error {
	if !strings.EqualFold(req.Header.Value("Connection"), "Upgrade") || !c.upgradable() {
		c.log.Info().Err(ErrUpgradeUnavailable).Bool("tls", c.tlsActive).Msg("rejecting upgrade")
		return WriteErrorPage(w, noTLSPage)
	}
	if !upgradeHeaderRe.MatchString(req.Header.Value("Upgrade")) {
		return WriteErrorPage(w, badUpgradePage)
	}
	if c.rw.Reader.Buffered() > 0 {
		return errors.New("icap: data sent ahead of TLS upgrade")
	}

	resp := w.NewResponse(StatusSwitchingProtocols)
	resp.Header.Set("Upgrade", upgradeProtocol+", ICAP/"+req.Version)
	if err := w.WriteResponse(resp); err != nil {
		return err
	}

	tlsConn := tls.Server(c.rwc, c.srv.TLSConfig)
	ctx := context.Background()
	if c.srv.IdleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.srv.IdleTimeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}
	c.rwc = tlsConn
	c.rw = newReadWriter(tlsConn)
	c.tlsActive = true
	c.srv.Metrics.upgraded()
	c.log.Info().Str("tls_version", tls.VersionName(tlsConn.ConnectionState().Version)).Msg("connection upgraded to TLS")
	return nil
}

func (c *conn) upgradable() bool {
	return c.srv.TLSMode == TLSUpgrade && c.srv.TLSConfig != nil && !c.tlsActive
}

func (c *conn) logReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		c.log.Debug().Msg("client closed connection")
	case isReset(err):
		c.log.Error().Err(ErrTransportReset).Msg("client got disconnected")
	case isTimeout(err):
		c.log.Debug().Msg("idle timeout")
	case errors.Is(err, net.ErrClosed):
	default:
		c.log.Warn().Err(err).Msg("read error")
	}
}

func (c *conn) logWriteError(err error) {
	switch {
	case errors.Is(err, ErrProcessingTimeout), errors.Is(err, net.ErrClosed):
	case isReset(err):
		c.log.Error().Err(ErrTransportReset).Msg("client got disconnected")
	default:
		c.log.Warn().Err(err).Msg("closing connection")
	}
}

func isReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// responseWriter implements ResponseWriter for one request. A service
// goroutine abandoned after a timeout may still hold it, so the write state
// is guarded by mu.
type responseWriter struct {
	c     *conn
	istag string

	mu     sync.Mutex
	status int
	wrote  bool
	closed bool
}

func (c *conn) newResponseWriter() *responseWriter {
	return &responseWriter{c: c}
}

func (w *responseWriter) NewResponse(status int) *Response {
	resp := NewResponse(status)
	switch {
	case w.istag != "":
		resp.Header.Set("ISTag", w.istag)
	case w.c.srv.ISTag != "":
		resp.Header.Set("ISTag", w.c.srv.ISTag)
	}
	return resp
}

// abandon detaches w from the connection. Later writes fail with
// net.ErrClosed.
func (w *responseWriter) abandon() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// result returns the status written and whether any bytes were sent.
func (w *responseWriter) result() (status int, wrote bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status, w.wrote
}

func (w *responseWriter) WriteResponse(resp *Response) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return net.ErrClosed
	}
	if w.c.srv.WriteTimeout > 0 {
		_ = w.c.rwc.SetWriteDeadline(time.Now().Add(w.c.srv.WriteTimeout))
	}
	n, err := resp.WriteTo(w.c.rw)
	if n > 0 {
		w.wrote = true
		w.status = resp.Status
	}
	if err != nil {
		return err
	}
	return w.c.rw.Flush()
}

func (w *responseWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, net.ErrClosed
	}
	w.wrote = true
	return w.c.rw.Write(p)
}

func (w *responseWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return net.ErrClosed
	}
	return w.c.rw.Flush()
}

func (w *responseWriter) PeerIP() string {
	return w.c.peerIP
}
