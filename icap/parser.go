package icap

import (
	"bufio"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Method is an ICAP request method.
type Method int

const (
	MethodReqMod Method = iota + 1
	MethodRespMod
	MethodOptions
)

// String returns the wire token.
func (m Method) String() string {
	switch m {
	case MethodReqMod:
		return "REQMOD"
	case MethodRespMod:
		return "RESPMOD"
	case MethodOptions:
		return "OPTIONS"
	}
	return "Method(" + strconv.Itoa(int(m)) + ")"
}

// ParseMethod maps a wire token to a Method, ignoring case.
func ParseMethod(s string) (Method, bool) {
	switch strings.ToUpper(s) {
	case "REQMOD":
		return MethodReqMod, true
	case "RESPMOD":
		return MethodRespMod, true
	case "OPTIONS":
		return MethodOptions, true
	}
	return 0, false
}

var (
	icapRequestLineRe  = regexp.MustCompile(`(?i)^(REQMOD|RESPMOD|OPTIONS) (\S+) ICAP/([\d.]+)\s*$`)
	httpRequestLineRe  = regexp.MustCompile(`(?i)^(GET|POST|PUT|DELETE|PATCH|OPTIONS|TRACE|HEAD|CONNECT) (\S+) HTTP/([\d.]+)\s*$`)
	httpResponseLineRe = regexp.MustCompile(`(?i)^HTTP/([\d.]+) (\d{3})(?: (.*))?$`)
)

// RequestLine is a parsed ICAP request line. URI is nil when the target is
// "*".
type RequestLine struct {
	Method  Method
	RawURI  string
	URI     *url.URL
	Version string
}

// ParseRequestLine parses "METHOD target ICAP/version".
func ParseRequestLine(line string) (RequestLine, error) {
	line = strings.TrimRight(line, "\r\n")
	m := icapRequestLineRe.FindStringSubmatch(line)
	if m == nil {
		return RequestLine{}, syntaxErr("icap-line", line, nil)
	}
	method, _ := ParseMethod(m[1])
	rl := RequestLine{Method: method, RawURI: m[2], Version: m[3]}
	if m[2] != "*" {
		u, err := url.Parse(m[2])
		if err != nil {
			return RequestLine{}, syntaxErr("icap-line", line, err)
		}
		rl.URI = u
	}
	return rl, nil
}

// ServicePath is the registry key for the request target: the URI path
// without its leading slash, or "*".
func (rl RequestLine) ServicePath() string {
	if rl.URI == nil {
		return "*"
	}
	return strings.TrimPrefix(rl.URI.Path, "/")
}

// ParseHTTPRequestLine parses an embedded "METHOD uri HTTP/version" line.
func ParseHTTPRequestLine(line string) (*RequestHeader, error) {
	line = strings.TrimRight(line, "\r\n")
	m := httpRequestLineRe.FindStringSubmatch(line)
	if m == nil {
		return nil, syntaxErr("http-line", line, nil)
	}
	return &RequestHeader{Method: m[1], URI: m[2], Version: m[3]}, nil
}

// ParseHTTPResponseLine parses an embedded "HTTP/version code reason" line.
func ParseHTTPResponseLine(line string) (*ResponseHeader, error) {
	line = strings.TrimRight(line, "\r\n")
	m := httpResponseLineRe.FindStringSubmatch(line)
	if m == nil {
		return nil, syntaxErr("http-line", line, nil)
	}
	code, _ := strconv.Atoi(m[2])
	return &ResponseHeader{Version: m[1], Status: code, Reason: strings.TrimSpace(m[3])}, nil
}

// readICAPHead reads the request line and the ICAP header block. Blank lines
// ahead of the request line are skipped; io.EOF means the peer closed the
// connection between requests.
func readICAPHead(br *bufio.Reader) (RequestLine, Header, error) {
	var line string
	for line == "" {
		var err error
		line, err = readLine(br)
		if err != nil {
			return RequestLine{}, Header{}, err
		}
	}
	rl, err := ParseRequestLine(line)
	if err != nil {
		return RequestLine{}, Header{}, err
	}
	h, err := readHeader(br)
	if err != nil {
		return RequestLine{}, Header{}, err
	}
	return rl, h, nil
}

// ReadHTTPRequestHeader reads an embedded HTTP request line and its header
// fields.
func ReadHTTPRequestHeader(br *bufio.Reader) (*RequestHeader, error) {
	line, err := readLine(br)
	if err != nil {
		return nil, eofAsUnexpected(err)
	}
	rh, err := ParseHTTPRequestLine(line)
	if err != nil {
		return nil, err
	}
	if rh.Header, err = readHeader(br); err != nil {
		return nil, err
	}
	return rh, nil
}

// ReadHTTPResponseHeader reads an embedded HTTP status line and its header
// fields.
func ReadHTTPResponseHeader(br *bufio.Reader) (*ResponseHeader, error) {
	line, err := readLine(br)
	if err != nil {
		return nil, eofAsUnexpected(err)
	}
	rh, err := ParseHTTPResponseLine(line)
	if err != nil {
		return nil, err
	}
	if rh.Header, err = readHeader(br); err != nil {
		return nil, err
	}
	return rh, nil
}

func eofAsUnexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
