package icap

import (
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// maxLoggedBody caps the text kept from a body in the access log.
const maxLoggedBody = 4096

// bodyLog renders an encapsulated body as an access log object: multipart
// bodies as a list of form parts, binary bodies by size only, text
// truncated to maxLoggedBody.
type bodyLog struct {
	body        *Body
	contentType string
}

func (l bodyLog) MarshalZerologObject(e *zerolog.Event) {
	data := l.body.Data
	e.Int("size", len(data))
	if l.body.IEOF {
		e.Bool("ieof", true)
	}
	if boundary := multipartBoundary(l.contentType); boundary != "" {
		e.Array("parts", formParts(data, boundary))
		return
	}
	if looksBinary(data) {
		e.Bool("binary", true)
		return
	}
	if len(data) > maxLoggedBody {
		e.Str("text", string(data[:maxLoggedBody])).Bool("truncated", true)
		return
	}
	e.Str("text", string(data))
}

func multipartBoundary(contentType string) string {
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mt, "multipart/") {
		return ""
	}
	return params["boundary"]
}

// formPart is one part of a multipart body. Files and binary fields are
// logged without their content.
type formPart struct {
	name, filename, contentType string
	data                        []byte
}

func (p formPart) MarshalZerologObject(e *zerolog.Event) {
	e.Str("name", p.name).Int("size", len(p.data))
	switch {
	case p.filename != "":
		e.Str("filename", p.filename).Str("content_type", p.contentType)
	case looksBinary(p.data):
		e.Bool("binary", true)
	case len(p.data) > maxLoggedBody:
		e.Str("value", string(p.data[:maxLoggedBody])).Bool("truncated", true)
	default:
		e.Str("value", string(p.data))
	}
}

// formParts reads the parts of a multipart body. A malformed body yields
// the parts read before the error.
func formParts(data []byte, boundary string) *zerolog.Array {
	arr := zerolog.Arr()
	mr := multipart.NewReader(strings.NewReader(string(data)), boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			return arr
		}
		content, _ := io.ReadAll(part)
		ct := part.Header.Get("Content-Type")
		if ct == "" {
			ct = "application/octet-stream"
		}
		arr.Object(formPart{name: part.FormName(), filename: part.FileName(), contentType: ct, data: content})
	}
}

// looksBinary reports whether more than a tenth of the first 512 bytes are
// control characters other than tab, CR and LF.
func looksBinary(data []byte) bool {
	if len(data) > 512 {
		data = data[:512]
	}
	ctl := 0
	for _, b := range data {
		switch {
		case b == '\t', b == '\n', b == '\r':
		case b < 0x20, b == 0x7f:
			ctl++
		}
	}
	return ctl*10 > len(data)
}

// destinationURL rebuilds the URL the embedded HTTP request was aimed at.
// Absolute request targets are returned as they are; origin-form targets are
// joined with the Host header.
func destinationURL(rh *RequestHeader) string {
	if strings.Contains(rh.URI, "://") {
		return rh.URI
	}
	host := rh.Header.Value("Host")
	if host == "" {
		return ""
	}
	if strings.EqualFold(rh.Method, "CONNECT") {
		return "https://" + host
	}
	return "http://" + host + rh.URI
}

// logTransaction writes one access log line for a request. Header fields
// are flattened and bodies summarized only when LogBodies is set.
func (c *conn) logTransaction(req *Request, status int, started time.Time) {
	if c.srv.AccessLog == nil {
		return
	}
	ev := c.srv.AccessLog.Log().
		Str("conn_id", c.id).
		Str("peer", c.peerIP).
		Str("icap_method", req.Method.String()).
		Str("icap_url", req.RawURI).
		Str("service", req.ServicePath()).
		Int("icap_status", status).
		Dur("duration", time.Since(started))
	if req.Header.Len() > 0 {
		ev = ev.Interface("icap_headers", req.Header.Map())
	}
	if rh := req.RequestHeader; rh != nil {
		ev = ev.Str("req_method", rh.Method).
			Str("req_path", rh.URI).
			Interface("req_headers", rh.Header.Map())
		if dest := destinationURL(rh); dest != "" {
			ev = ev.Str("destination_url", dest)
		}
		if strings.EqualFold(rh.Method, "CONNECT") {
			ev = ev.Bool("tunneled", true)
		}
	}
	if rh := req.ResponseHeader; rh != nil {
		ev = ev.Int("resp_status", rh.Status).
			Interface("resp_headers", rh.Header.Map())
	}
	if c.srv.LogBodies {
		if b := req.RequestBody; b != nil && b.Len() > 0 && req.RequestHeader != nil {
			ev = ev.Object("req_body", bodyLog{b, req.RequestHeader.Header.Value("Content-Type")})
		}
		if b := req.ResponseBody; b != nil && b.Len() > 0 && req.ResponseHeader != nil {
			ev = ev.Object("resp_body", bodyLog{b, req.ResponseHeader.Header.Value("Content-Type")})
		}
	}
	ev.Send()
}
