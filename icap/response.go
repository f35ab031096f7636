package icap

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultISTag is sent when neither the service nor the server configures
// one.
const DefaultISTag = `"icapd-default"`

// ServerName is the default value of the Server header.
const ServerName = "icapd/1.0"

// Response is an outbound ICAP message.
type Response struct {
	Version string
	Status  int
	Header  Header
	Parts   []Part
}

// NewResponse returns a response with the default Date, Server, Connection
// and ISTag headers. Callers may overwrite any of them.
func NewResponse(status int) *Response {
	r := &Response{Version: "1.0", Status: status}
	r.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	r.Header.Set("Server", ServerName)
	r.Header.Set("Connection", "keep-alive")
	r.Header.Set("ISTag", DefaultISTag)
	return r
}

// Add appends a part.
func (r *Response) Add(p Part) *Response {
	r.Parts = append(r.Parts, p)
	return r
}

// MarshalHeaders serializes the status line, the ICAP header block with the
// computed Encapsulated header, and the embedded HTTP headers. Bodies are
// not included; they are streamed chunk-encoded after the headers.
func (r *Response) MarshalHeaders() ([]byte, error) {
	reason, err := reasonPhrase(r.Status)
	if err != nil {
		return nil, err
	}
	parts := append([]Part(nil), r.Parts...)
	SortParts(parts)
	if err := validateParts(parts); err != nil {
		return nil, err
	}

	version := r.Version
	if version == "" {
		version = "1.0"
	}
	h := r.Header.Clone()
	if len(parts) > 0 {
		h.Set("Encapsulated", EncapsulatedHeader(parts))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "ICAP/%s %d %s\r\n", version, r.Status, reason)
	h.writeTo(&sb)
	sb.WriteString("\r\n")
	for _, p := range parts {
		if p.Kind() == KindRequestHeader || p.Kind() == KindResponseHeader {
			sb.Write(p.WireText())
		}
	}
	return []byte(sb.String()), nil
}

// body returns the body part, if any.
func (r *Response) body() *Body {
	for _, p := range r.Parts {
		if b, ok := p.(*Body); ok {
			return b
		}
	}
	return nil
}

// WriteTo writes the headers followed by the chunk-encoded body and the
// last chunk.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	head, err := r.MarshalHeaders()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(head)
	total := int64(n)
	if err != nil {
		return total, err
	}
	b := r.body()
	if b == nil {
		return total, nil
	}
	if len(b.Data) > 0 {
		n, err = w.Write(EncodeChunk(b.Data))
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	if err := WriteLastChunk(w, false); err != nil {
		return total, err
	}
	return total + 5, nil
}

var errorTemplate = template.Must(template.New("error").Parse(
	`<html><head><meta charset="utf-8" /><title>icapd{{if .Title}} :: {{.Title}}{{end}}</title></head>` +
		`<body><h1>{{or .Title "Error"}}</h1><div>{{or .Content "Content missing"}}</div></body></html>`))

// ErrorPage describes an error answered with an embedded HTML response. The
// embedded HTTP status is independent of the ICAP status.
type ErrorPage struct {
	Status      int
	HTTPStatus  int
	HTTPVersion string
	Title       string
	Content     string
}

// Response builds the ICAP response carrying the page.
func (p ErrorPage) Response() (*Response, error) {
	resp := NewResponse(p.Status)
	if err := p.fill(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// fill adds the HTTP header and the rendered page to resp.
func (p ErrorPage) fill(resp *Response) error {
	var buf bytes.Buffer
	if err := errorTemplate.Execute(&buf, p); err != nil {
		return err
	}
	httpStatus := p.HTTPStatus
	if httpStatus == 0 {
		httpStatus = http.StatusInternalServerError
	}
	httpVersion := p.HTTPVersion
	if httpVersion == "" {
		httpVersion = "1.1"
	}
	hdr := &ResponseHeader{Version: httpVersion, Status: httpStatus}
	hdr.Header.Set("Content-Type", "text/html; charset=utf-8")
	hdr.Header.Set("Content-Length", strconv.Itoa(buf.Len()))

	resp.Add(hdr).Add(NewResponseBody(buf.Bytes(), false))
	return nil
}

// NewErrorResponse returns a 500 response without an HTTP payload.
func NewErrorResponse() *Response {
	return NewResponse(StatusServerError).Add(NullBody{})
}
