package icap

import (
	"bufio"
	"net/url"
)

// PreviewResolver reports whether the service registered under path takes
// previews. The Registry implements it.
type PreviewResolver interface {
	SupportsPreview(path string) bool
}

// Request is a fully read ICAP request with its encapsulated parts.
type Request struct {
	Method  Method
	RawURI  string
	URI     *url.URL
	Version string
	Header  Header

	// Encapsulated lists the parts in the order the client declared them.
	Encapsulated []EncapsulatedEntry
	Parts        []Part

	RequestHeader  *RequestHeader
	ResponseHeader *ResponseHeader
	RequestBody    *Body
	ResponseBody   *Body

	// PeerIP is set by the connection handler.
	PeerIP string

	rw             *bufio.ReadWriter
	maxBodySize    int64
	previewPending bool
}

// ServicePath returns the registry key of the request target.
func (r *Request) ServicePath() string {
	return RequestLine{URI: r.URI}.ServicePath()
}

// Body returns the request's body part, if any.
func (r *Request) Body() *Body {
	if r.RequestBody != nil {
		return r.RequestBody
	}
	return r.ResponseBody
}

// AllDataReceived reports whether the body is complete. It is false only
// when the client sent a preview that was not continued by the parser.
func (r *Request) AllDataReceived() bool {
	return !r.previewPending
}

// Remainder sends 100 Continue and reads the rest of a previewed body. The
// bytes are appended to the body part and returned. It is a no-op when all
// data has been received.
func (r *Request) Remainder() ([]byte, error) {
	if !r.previewPending {
		return nil, nil
	}
	r.previewPending = false
	if err := SendContinue(r.rw.Writer); err != nil {
		return nil, err
	}
	data, ieof, err := readChunks(r.rw.Reader, nil, r.maxBodySize)
	if err != nil {
		return nil, err
	}
	if b := r.Body(); b != nil {
		b.Append(data)
		b.IEOF = b.IEOF || ieof
	}
	return data, nil
}

// ReadRequest reads one request from rw. The writer is used for 100
// Continue during preview negotiation. previews may be nil, in which case
// previews are never continued. maxBodySize <= 0 means no limit.
//
// io.EOF is returned when the peer closed the connection before sending a
// request line. Malformed input yields an error wrapping ErrProtocolSyntax.
func ReadRequest(rw *bufio.ReadWriter, previews PreviewResolver, maxBodySize int64) (*Request, error) {
	rl, h, err := readICAPHead(rw.Reader)
	if err != nil {
		return nil, err
	}
	req := &Request{
		Method:      rl.Method,
		RawURI:      rl.RawURI,
		URI:         rl.URI,
		Version:     rl.Version,
		Header:      h,
		rw:          rw,
		maxBodySize: maxBodySize,
	}
	if req.Encapsulated, err = ParseEncapsulated(h.Value("Encapsulated")); err != nil {
		return nil, err
	}
	previewSize, err := parsePreviewHeader(&req.Header)
	if err != nil {
		return nil, err
	}
	servicePreview := previews != nil && previews.SupportsPreview(rl.ServicePath())

	for _, entry := range req.Encapsulated {
		switch entry.Kind {
		case KindNullBody:
			req.Parts = append(req.Parts, NullBody{})
		case KindRequestHeader:
			if req.RequestHeader, err = ReadHTTPRequestHeader(rw.Reader); err != nil {
				return nil, err
			}
			req.Parts = append(req.Parts, req.RequestHeader)
		case KindResponseHeader:
			if req.ResponseHeader, err = ReadHTTPResponseHeader(rw.Reader); err != nil {
				return nil, err
			}
			req.Parts = append(req.Parts, req.ResponseHeader)
		case KindRequestBody, KindResponseBody:
			bp := &bodyParser{rw: rw, servicePreview: servicePreview, previewSize: previewSize, maxSize: maxBodySize}
			data, ieof, pending, err := bp.parse()
			if err != nil {
				return nil, err
			}
			req.previewPending = pending
			body := &Body{kind: entry.Kind, Data: data, IEOF: ieof}
			if entry.Kind == KindRequestBody {
				req.RequestBody = body
			} else {
				req.ResponseBody = body
			}
			req.Parts = append(req.Parts, body)
		}
	}
	return req, nil
}
