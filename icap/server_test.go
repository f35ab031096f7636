package icap

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// startServer serves srv on a loopback listener until the test ends.
func startServer(t *testing.T, srv *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		if err := <-errc; !errors.Is(err, ErrServerClosed) {
			t.Errorf("Serve returned %v, expected ErrServerClosed", err)
		}
	})
	return ln.Addr().String()
}

func newEchoServer(t *testing.T) *Server {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register("echo", NewEchoService()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return NewServer("", reg)
}

func dial(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	return c, bufio.NewReader(c)
}

func send(t *testing.T, c net.Conn, raw string) {
	t.Helper()
	if _, err := c.Write([]byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// clientResponse is an ICAP response as seen by a client.
type clientResponse struct {
	status int
	header Header
	reqHdr *RequestHeader
	resHdr *ResponseHeader
	body   []byte
}

func readResponse(t *testing.T, br *bufio.Reader) *clientResponse {
	t.Helper()
	line, err := readLine(br)
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "ICAP/") {
		t.Fatalf("bad status line %q", line)
	}
	r := &clientResponse{}
	r.status, _ = strconv.Atoi(fields[1])
	if r.header, err = readHeader(br); err != nil {
		t.Fatalf("read header: %v", err)
	}
	entries, err := ParseEncapsulated(r.header.Value("Encapsulated"))
	if err != nil {
		t.Fatalf("bad Encapsulated: %v", err)
	}
	for _, e := range entries {
		switch e.Kind {
		case KindRequestHeader:
			r.reqHdr, err = ReadHTTPRequestHeader(br)
		case KindResponseHeader:
			r.resHdr, err = ReadHTTPResponseHeader(br)
		case KindRequestBody, KindResponseBody:
			r.body, _, err = readChunks(br, nil, 0)
		}
		if err != nil {
			t.Fatalf("read %s: %v", e.Kind, err)
		}
	}
	return r
}

func optionsRequest(service string) string {
	return "OPTIONS icap://127.0.0.1/" + service + " ICAP/1.0\r\nHost: 127.0.0.1\r\n\r\n"
}

func reqmodRequest(service, body string) string {
	return buildICAP(
		"REQMOD icap://127.0.0.1/"+service+" ICAP/1.0",
		"Host: 127.0.0.1\r\nEncapsulated: req-hdr=0, req-body="+strconv.Itoa(len(testHTTPRequest))+"\r\n",
		testHTTPRequest+string(EncodeChunk([]byte(body)))+"0\r\n\r\n",
	)
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ── request handling ──────────────────────────────────────────────────────────

func TestServer_ReqModEcho(t *testing.T) {
	srv := newEchoServer(t)
	c, br := dial(t, startServer(t, srv))

	send(t, c, reqmodRequest("echo", "hello world"))
	resp := readResponse(t, br)
	if resp.status != StatusOK {
		t.Fatalf("expected 200, got %d", resp.status)
	}
	wantEnc := "req-hdr=0, req-body=" + strconv.Itoa(len(testHTTPRequest))
	if got := resp.header.Value("Encapsulated"); got != wantEnc {
		t.Errorf("expected Encapsulated %q, got %q", wantEnc, got)
	}
	if resp.header.Value("ISTag") != srv.ISTag {
		t.Errorf("expected server ISTag %s, got %q", srv.ISTag, resp.header.Value("ISTag"))
	}
	if resp.reqHdr == nil || resp.reqHdr.URI != "/upload" {
		t.Errorf("expected echoed HTTP request, got %+v", resp.reqHdr)
	}
	if string(resp.body) != "hello world" {
		t.Errorf("expected echoed body, got %q", resp.body)
	}
}

func TestServer_RespModHeaderOnly(t *testing.T) {
	c, br := dial(t, startServer(t, newEchoServer(t)))
	send(t, c, buildICAP("RESPMOD icap://127.0.0.1/echo ICAP/1.0", "Encapsulated: res-hdr=0\r\n", testHTTPResponse))

	line, err := br.Peek(len("ICAP/1.0 200"))
	if err != nil || string(line) != "ICAP/1.0 200" {
		t.Fatalf("expected ICAP/1.0 200, got %q, %v", line, err)
	}
	resp := readResponse(t, br)
	if !strings.HasPrefix(resp.header.Value("Encapsulated"), "res-hdr=0, null-body=") {
		t.Errorf("unexpected Encapsulated: %q", resp.header.Value("Encapsulated"))
	}
	if resp.resHdr == nil || resp.resHdr.Status != 200 {
		t.Errorf("expected echoed HTTP response, got %+v", resp.resHdr)
	}
}

func TestServer_PreviewContinue(t *testing.T) {
	c, br := dial(t, startServer(t, newEchoServer(t)))
	send(t, c, previewRequest(4, "4\r\ntest\r\n0\r\n\r\n"))

	if cont := readResponse(t, br); cont.status != StatusContinue {
		t.Fatalf("expected 100 Continue, got %d", cont.status)
	}
	send(t, c, "5\r\n more\r\n0\r\n\r\n")
	resp := readResponse(t, br)
	if resp.status != StatusOK || string(resp.body) != "test more" {
		t.Errorf("expected full body echoed, got %d %q", resp.status, resp.body)
	}
}

func TestServer_Options(t *testing.T) {
	c, br := dial(t, startServer(t, newEchoServer(t)))
	send(t, c, optionsRequest("echo"))

	resp := readResponse(t, br)
	if resp.status != StatusOK {
		t.Fatalf("expected 200, got %d", resp.status)
	}
	for name, want := range map[string]string{
		"Methods":      "REQMOD, RESPMOD",
		"Preview":      "1024",
		"Options-TTL":  "60",
		"Encapsulated": "null-body=0",
	} {
		if got := resp.header.Value(name); got != want {
			t.Errorf("%s: expected %q, got %q", name, want, got)
		}
	}
}

func TestServer_ErrorPages(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register("echo", NewEchoService())
	_ = reg.Register("reqonly", newFuncService(ServiceConfig{Methods: []Method{MethodReqMod}}, okProcess))
	addr := startServer(t, NewServer("", reg))

	tests := []struct {
		name       string
		raw        string
		status     int
		httpStatus int
		content    string
	}{
		{"unknown service", optionsRequest("nope"), 404, 500, "does not exist"},
		{"method not allowed", buildICAP("RESPMOD icap://127.0.0.1/reqonly ICAP/1.0", "Encapsulated: res-hdr=0\r\n", testHTTPResponse), 405, 500, "wrong method"},
		{"unsupported version", "OPTIONS icap://127.0.0.1/echo ICAP/2.0\r\n\r\n", 505, 500, "ICAP version"},
		{"malformed request", "ASDF icap://127.0.0.1/echo ICAP/1.0\r\n\r\n", 400, 400, "malformed request"},
		{"upgrade unavailable", "OPTIONS * ICAP/1.0\r\nConnection: Upgrade\r\nUpgrade: TLS/1.2, ICAP/1.0\r\n\r\n", 500, 500, "no TLS support"},
		{"star without upgrade", "OPTIONS * ICAP/1.0\r\n\r\n", 500, 500, "no TLS support"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, br := dial(t, addr)
			send(t, c, tt.raw)
			resp := readResponse(t, br)
			if resp.status != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.status)
			}
			if resp.resHdr == nil || resp.resHdr.Status != tt.httpStatus {
				t.Errorf("expected embedded HTTP %d, got %+v", tt.httpStatus, resp.resHdr)
			}
			if !strings.Contains(string(resp.body), tt.content) {
				t.Errorf("expected %q in page, got %q", tt.content, resp.body)
			}

			// The connection stays usable after an error page.
			send(t, c, optionsRequest("echo"))
			if next := readResponse(t, br); next.status != StatusOK {
				t.Errorf("expected 200 on the same connection, got %d", next.status)
			}
		})
	}
}

func TestServer_ServiceErrorAnswers500(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register("broken", newFuncService(ServiceConfig{}, func(context.Context, ResponseWriter, *Request) error {
		return errors.New("backend unavailable")
	}))
	c, br := dial(t, startServer(t, NewServer("", reg)))

	send(t, c, reqmodRequest("broken", "x"))
	if resp := readResponse(t, br); resp.status != StatusServerError {
		t.Errorf("expected 500, got %d", resp.status)
	}
}

func TestServer_SequentialRequests(t *testing.T) {
	c, br := dial(t, startServer(t, newEchoServer(t)))
	send(t, c, reqmodRequest("echo", "one")+reqmodRequest("echo", "two"))
	for _, want := range []string{"one", "two"} {
		if resp := readResponse(t, br); string(resp.body) != want {
			t.Errorf("expected %q, got %q", want, resp.body)
		}
	}
}

func TestServer_RequestAfterBodyResponse(t *testing.T) {
	c, br := dial(t, startServer(t, newEchoServer(t)))
	send(t, c, reqmodRequest("echo", "hello"))
	if resp := readResponse(t, br); string(resp.body) != "hello" {
		t.Fatalf("expected echoed body, got %q", resp.body)
	}
	if br.Buffered() != 0 {
		t.Errorf("expected the whole response to be consumed, %d bytes left", br.Buffered())
	}
	send(t, c, optionsRequest("echo"))
	if resp := readResponse(t, br); resp.status != StatusOK {
		t.Errorf("expected 200 for OPTIONS, got %d", resp.status)
	}
}

func TestServer_SlowBodyOutlivesIdleTimeout(t *testing.T) {
	srv := newEchoServer(t)
	srv.IdleTimeout = 200 * time.Millisecond
	c, br := dial(t, startServer(t, srv))

	raw := reqmodRequest("echo", "hello")
	head := len(raw) - len(EncodeChunk([]byte("hello"))) - len("0\r\n\r\n")
	send(t, c, raw[:head])
	time.Sleep(2 * srv.IdleTimeout)
	send(t, c, raw[head:])

	if resp := readResponse(t, br); resp.status != StatusOK || string(resp.body) != "hello" {
		t.Errorf("expected the request to complete, got %d %q", resp.status, resp.body)
	}
}

// ── admission and timeouts ────────────────────────────────────────────────────

func TestServer_AdmissionLimit(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	reg := NewRegistry()
	_ = reg.Register("slow", newFuncService(ServiceConfig{MaxConnections: 1}, func(ctx context.Context, w ResponseWriter, req *Request) error {
		entered <- struct{}{}
		<-release
		return okProcess(ctx, w, req)
	}))
	addr := startServer(t, NewServer("", reg))

	first, firstBR := dial(t, addr)
	send(t, first, reqmodRequest("slow", "a"))
	<-entered

	second, secondBR := dial(t, addr)
	send(t, second, reqmodRequest("slow", "b"))
	if resp := readResponse(t, secondBR); resp.status != StatusServiceOverloaded {
		t.Errorf("expected 503 for the second request, got %d", resp.status)
	}

	close(release)
	if resp := readResponse(t, firstBR); resp.status != StatusNoModifications {
		t.Errorf("expected 204 for the first request, got %d", resp.status)
	}
	waitFor(t, "counter release", func() bool { return reg.Active("slow", "127.0.0.1") == 0 })
}

func TestServer_ProcessingTimeoutClosesConnection(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	reg := NewRegistry()
	_ = reg.Register("stuck", newFuncService(ServiceConfig{Timeout: 50 * time.Millisecond}, func(context.Context, ResponseWriter, *Request) error {
		<-release
		return nil
	}))
	c, br := dial(t, startServer(t, NewServer("", reg)))

	send(t, c, reqmodRequest("stuck", "x"))
	if _, err := br.ReadByte(); err == nil {
		t.Fatal("expected the connection to be closed without a response")
	}
	waitFor(t, "counter release", func() bool { return reg.Active("stuck", "127.0.0.1") == 0 })
}

func TestServer_TimedOutServiceCannotWrite(t *testing.T) {
	writeErr := make(chan error, 1)
	reg := NewRegistry()
	_ = reg.Register("late", newFuncService(ServiceConfig{Timeout: 50 * time.Millisecond}, func(_ context.Context, w ResponseWriter, _ *Request) error {
		time.Sleep(150 * time.Millisecond)
		err := w.WriteResponse(w.NewResponse(StatusNoModifications))
		writeErr <- err
		return err
	}))
	c, br := dial(t, startServer(t, NewServer("", reg)))

	send(t, c, reqmodRequest("late", "x"))
	if _, err := br.ReadByte(); err == nil {
		t.Fatal("expected the connection to be closed without a response")
	}
	select {
	case err := <-writeErr:
		if !errors.Is(err, net.ErrClosed) {
			t.Errorf("expected net.ErrClosed for a write after the timeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("service never returned")
	}
}

// ── TLS ───────────────────────────────────────────────────────────────────────

func TestServer_TLSUpgrade(t *testing.T) {
	srv := newEchoServer(t)
	srv.TLSMode = TLSUpgrade
	srv.TLSConfig = testTLSConfig(t)
	c, br := dial(t, startServer(t, srv))

	send(t, c, "OPTIONS * ICAP/1.0\r\nHost: 127.0.0.1\r\nConnection: Upgrade\r\nUpgrade: TLS/1.2, ICAP/1.0\r\n\r\n")
	resp := readResponse(t, br)
	if resp.status != StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.status)
	}
	if got := resp.header.Value("Upgrade"); got != "TLS/1.2, ICAP/1.0" {
		t.Errorf("unexpected Upgrade header %q", got)
	}

	// #nosec G402 -- self-signed test certificate
	tc := tls.Client(c, &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12})
	if err := tc.Handshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if v := tc.ConnectionState().Version; v != tls.VersionTLS12 {
		t.Errorf("expected TLS 1.2, got %s", tls.VersionName(v))
	}
	tbr := bufio.NewReader(tc)

	send(t, tc, reqmodRequest("echo", "secret"))
	if resp := readResponse(t, tbr); string(resp.body) != "secret" {
		t.Errorf("expected echo over TLS, got %d %q", resp.status, resp.body)
	}

	// A second upgrade on an encrypted connection is refused.
	send(t, tc, "OPTIONS * ICAP/1.0\r\nConnection: Upgrade\r\nUpgrade: TLS/1.2, ICAP/1.0\r\n\r\n")
	if resp := readResponse(t, tbr); resp.status != StatusServerError {
		t.Errorf("expected 500 for upgrade over TLS, got %d", resp.status)
	}
}

func TestServer_TLSUpgradeBadHeader(t *testing.T) {
	srv := newEchoServer(t)
	srv.TLSMode = TLSUpgrade
	srv.TLSConfig = testTLSConfig(t)
	c, br := dial(t, startServer(t, srv))

	send(t, c, "OPTIONS * ICAP/1.0\r\nConnection: Upgrade\r\nUpgrade: SSL\r\n\r\n")
	resp := readResponse(t, br)
	if resp.status != StatusServerError || !strings.Contains(string(resp.body), "Upgrade header") {
		t.Errorf("expected 500 for a malformed Upgrade header, got %d %q", resp.status, resp.body)
	}
}

func TestServer_ImplicitTLS(t *testing.T) {
	srv := newEchoServer(t)
	srv.TLSMode = TLSImplicit
	srv.TLSConfig = testTLSConfig(t)
	addr := startServer(t, srv)

	// #nosec G402 -- self-signed test certificate
	c, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	send(t, c, optionsRequest("echo"))
	if resp := readResponse(t, bufio.NewReader(c)); resp.status != StatusOK {
		t.Errorf("expected 200 over implicit TLS, got %d", resp.status)
	}
}

func TestServer_TLSModeRequiresConfig(t *testing.T) {
	srv := newEchoServer(t)
	srv.TLSMode = TLSUpgrade
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	if err := srv.Serve(ln); err == nil || errors.Is(err, ErrServerClosed) {
		t.Errorf("expected a configuration error, got %v", err)
	}
}

// ── shutdown ──────────────────────────────────────────────────────────────────

func TestServer_ShutdownClosesIdleConnections(t *testing.T) {
	srv := newEchoServer(t)
	c, br := dial(t, startServer(t, srv))
	send(t, c, optionsRequest("echo"))
	readResponse(t, br)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := br.ReadByte(); err == nil {
		t.Error("expected idle connection to be closed")
	}
	if err := srv.ListenAndServe(); !errors.Is(err, ErrServerClosed) {
		t.Errorf("expected ErrServerClosed after Shutdown, got %v", err)
	}
}

func TestServer_ShutdownAfterBodyRequest(t *testing.T) {
	srv := newEchoServer(t)
	c, br := dial(t, startServer(t, srv))
	send(t, c, reqmodRequest("echo", "hello"))
	readResponse(t, br)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	started := time.Now()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown after %s: %v", time.Since(started), err)
	}
	if _, err := br.ReadByte(); err == nil {
		t.Error("expected the idle connection to be closed")
	}
}

func TestServer_ShutdownWaitsForActiveRequest(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	reg := NewRegistry()
	_ = reg.Register("slow", newFuncService(ServiceConfig{}, func(ctx context.Context, w ResponseWriter, req *Request) error {
		close(entered)
		<-release
		return okProcess(ctx, w, req)
	}))
	srv := NewServer("", reg)
	c, br := dial(t, startServer(t, srv))
	send(t, c, reqmodRequest("slow", "x"))
	<-entered

	var wg sync.WaitGroup
	var shutdownErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		shutdownErr = srv.Shutdown(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	close(release)
	if resp := readResponse(t, br); resp.status != StatusNoModifications {
		t.Errorf("expected the in-flight request to complete, got %d", resp.status)
	}
	wg.Wait()
	if shutdownErr != nil {
		t.Errorf("Shutdown: %v", shutdownErr)
	}
}

func TestServer_ShutdownDeadlineForcesClose(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	reg := NewRegistry()
	_ = reg.Register("slow", newFuncService(ServiceConfig{}, func(context.Context, ResponseWriter, *Request) error {
		close(entered)
		<-release
		return nil
	}))
	srv := NewServer("", reg)
	c, br := dial(t, startServer(t, srv))
	send(t, c, reqmodRequest("slow", "x"))
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
	if _, err := br.ReadByte(); err == nil {
		t.Error("expected the connection to be force-closed")
	}
}
