package icap

import (
	"errors"
	"testing"
)

// ── ICAP request line ─────────────────────────────────────────────────────────

func TestParseRequestLine_ReqMod(t *testing.T) {
	rl, err := ParseRequestLine("REQMOD icap://localhost/echo ICAP/1.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rl.Method != MethodReqMod {
		t.Errorf("expected REQMOD, got %v", rl.Method)
	}
	if rl.Version != "1.0" {
		t.Errorf("expected version 1.0, got %q", rl.Version)
	}
	if rl.URI == nil || rl.URI.Host != "localhost" {
		t.Fatalf("expected parsed URI with host localhost, got %v", rl.URI)
	}
	if rl.ServicePath() != "echo" {
		t.Errorf("expected service path echo, got %q", rl.ServicePath())
	}
}

func TestParseRequestLine_MethodIgnoresCase(t *testing.T) {
	rl, err := ParseRequestLine("respmod icap://localhost:1344/av?mode=scan ICAP/1.0\r\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rl.Method != MethodRespMod || rl.ServicePath() != "av" {
		t.Errorf("unexpected request line: %+v path=%q", rl, rl.ServicePath())
	}
}

func TestParseRequestLine_Star(t *testing.T) {
	rl, err := ParseRequestLine("OPTIONS * ICAP/1.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rl.URI != nil || rl.ServicePath() != "*" || rl.RawURI != "*" {
		t.Errorf("expected * target, got %+v", rl)
	}
}

func TestParseRequestLine_Invalid(t *testing.T) {
	for _, line := range []string{
		"ASDF icap://localhost/server ICAP/1.0",
		"REQMOD icap://:abc:abc:abc/server ICAP/1.0",
		"REQMOD icap://localhost/server HTTP/1.1",
		"GET /index.html HTTP/1.1",
		"REQMOD icap://localhost/server",
		"",
	} {
		if _, err := ParseRequestLine(line); !errors.Is(err, ErrProtocolSyntax) {
			t.Errorf("%q: expected ErrProtocolSyntax, got %v", line, err)
		}
	}
}

func TestParseRequestLine_SyntaxErrorDetails(t *testing.T) {
	_, err := ParseRequestLine("ASDF icap://localhost/server ICAP/1.0")
	var se *SyntaxError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SyntaxError, got %T", err)
	}
	if se.Line != "ASDF icap://localhost/server ICAP/1.0" {
		t.Errorf("expected offending line in error, got %q", se.Line)
	}
}

// ── embedded HTTP lines ───────────────────────────────────────────────────────

func TestParseHTTPRequestLine(t *testing.T) {
	rh, err := ParseHTTPRequestLine("CONNECT example.com:443 HTTP/1.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rh.Method != "CONNECT" || rh.URI != "example.com:443" || rh.Version != "1.1" {
		t.Errorf("unexpected request header: %+v", rh)
	}
}

func TestParseHTTPRequestLine_RejectsICAP(t *testing.T) {
	if _, err := ParseHTTPRequestLine("REQMOD icap://localhost/echo ICAP/1.0"); !errors.Is(err, ErrProtocolSyntax) {
		t.Errorf("expected ErrProtocolSyntax, got %v", err)
	}
}

func TestParseHTTPResponseLine(t *testing.T) {
	rh, err := ParseHTTPResponseLine("HTTP/1.1 404 Not Found")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rh.Status != 404 || rh.Reason != "Not Found" || rh.Version != "1.1" {
		t.Errorf("unexpected response header: %+v", rh)
	}
}

func TestParseHTTPResponseLine_RejectsICAP(t *testing.T) {
	for _, line := range []string{"ICAP/1.0 200 OK", "HTTP/1.1 OK", "GET / HTTP/1.1"} {
		if _, err := ParseHTTPResponseLine(line); !errors.Is(err, ErrProtocolSyntax) {
			t.Errorf("%q: expected ErrProtocolSyntax, got %v", line, err)
		}
	}
}

func TestParseMethod(t *testing.T) {
	if m, ok := ParseMethod("options"); !ok || m != MethodOptions {
		t.Errorf("expected OPTIONS, got %v, %v", m, ok)
	}
	if _, ok := ParseMethod("GET"); ok {
		t.Error("GET is not an ICAP method")
	}
	if MethodRespMod.String() != "RESPMOD" {
		t.Errorf("unexpected method name %q", MethodRespMod.String())
	}
}
