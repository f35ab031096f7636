package icap

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// PartKind identifies an encapsulated message part.
type PartKind int

const (
	KindRequestHeader PartKind = iota
	KindResponseHeader
	KindRequestBody
	KindResponseBody
	KindNullBody
)

var partKindNames = [...]string{
	KindRequestHeader:  "req-hdr",
	KindResponseHeader: "res-hdr",
	KindRequestBody:    "req-body",
	KindResponseBody:   "res-body",
	KindNullBody:       "null-body",
}

// String returns the token used in the Encapsulated header.
func (k PartKind) String() string {
	if k < 0 || int(k) >= len(partKindNames) {
		return "PartKind(" + strconv.Itoa(int(k)) + ")"
	}
	return partKindNames[k]
}

// rank orders parts inside a message: request header, response header,
// any body, null body.
func (k PartKind) rank() int {
	switch k {
	case KindRequestHeader:
		return 0
	case KindResponseHeader:
		return 1
	case KindRequestBody, KindResponseBody:
		return 2
	default:
		return 3
	}
}

func (k PartKind) isBody() bool {
	return k.rank() >= 2
}

func parsePartKind(s string) (PartKind, bool) {
	for k, name := range partKindNames {
		if name == s {
			return PartKind(k), true
		}
	}
	return 0, false
}

// Part is one encapsulated section of an ICAP message.
type Part interface {
	Kind() PartKind
	// WireText is the section as it is counted for Encapsulated offsets.
	WireText() []byte
}

// RequestHeader is an embedded HTTP request line plus header fields.
type RequestHeader struct {
	Method  string
	URI     string
	Version string
	Header  Header
}

func (*RequestHeader) Kind() PartKind { return KindRequestHeader }

func (r *RequestHeader) WireText() []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s HTTP/%s\r\n", r.Method, r.URI, r.Version)
	r.Header.writeTo(&sb)
	sb.WriteString("\r\n")
	return []byte(sb.String())
}

// ResponseHeader is an embedded HTTP status line plus header fields.
type ResponseHeader struct {
	Version string
	Status  int
	// Reason overrides the standard reason phrase when set.
	Reason string
	Header Header
}

func (*ResponseHeader) Kind() PartKind { return KindResponseHeader }

func (r *ResponseHeader) WireText() []byte {
	reason := r.Reason
	if reason == "" {
		reason = httpReasonPhrase(r.Status)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP/%s %d %s\r\n", r.Version, r.Status, reason)
	r.Header.writeTo(&sb)
	sb.WriteString("\r\n")
	return []byte(sb.String())
}

// Body is a decoded request or response body. IEOF reports that the client
// marked the end of the data inside a preview.
type Body struct {
	kind PartKind
	Data []byte
	IEOF bool
}

// NewRequestBody returns a req-body part.
func NewRequestBody(data []byte, ieof bool) *Body {
	return &Body{kind: KindRequestBody, Data: data, IEOF: ieof}
}

// NewResponseBody returns a res-body part.
func NewResponseBody(data []byte, ieof bool) *Body {
	return &Body{kind: KindResponseBody, Data: data, IEOF: ieof}
}

func (b *Body) Kind() PartKind { return b.kind }

func (b *Body) WireText() []byte { return b.Data }

// Append adds data received after a preview.
func (b *Body) Append(p []byte) {
	b.Data = append(b.Data, p...)
}

// Len returns the number of decoded bytes.
func (b *Body) Len() int { return len(b.Data) }

// NullBody marks a message without a body.
type NullBody struct{}

func (NullBody) Kind() PartKind { return KindNullBody }

func (NullBody) WireText() []byte { return nil }

// SortParts orders parts canonically. The sort is stable so parts of equal
// rank keep their relative order.
func SortParts(parts []Part) {
	sort.SliceStable(parts, func(i, j int) bool {
		return parts[i].Kind().rank() < parts[j].Kind().rank()
	})
}

// validateParts checks the cardinality rules on canonically sorted parts:
// at most one header of each kind, at most one body or null body, and the
// body last.
func validateParts(parts []Part) error {
	var reqHdr, resHdr, bodies int
	for i, p := range parts {
		switch k := p.Kind(); {
		case k == KindRequestHeader:
			reqHdr++
		case k == KindResponseHeader:
			resHdr++
		case k.isBody():
			bodies++
			if i != len(parts)-1 {
				return ErrPartOrder
			}
		}
	}
	if reqHdr > 1 || resHdr > 1 {
		return ErrMultipleHeaders
	}
	if bodies > 1 {
		return ErrPartOrder
	}
	return nil
}

// EncapsulatedHeader computes the Encapsulated header value for parts: each
// kind in canonical order with the running byte offset of its wire text.
// It returns "" for no parts.
func EncapsulatedHeader(parts []Part) string {
	sorted := append([]Part(nil), parts...)
	SortParts(sorted)
	entries := make([]string, 0, len(sorted))
	offset := 0
	for _, p := range sorted {
		entries = append(entries, p.Kind().String()+"="+strconv.Itoa(offset))
		offset += len(p.WireText())
	}
	return strings.Join(entries, ", ")
}

// EncapsulatedEntry is one kind=offset pair of a request's Encapsulated
// header.
type EncapsulatedEntry struct {
	Kind   PartKind
	Offset int
}

// ParseEncapsulated parses an Encapsulated header value. Kinds keep their
// order; a repeated kind or a body that is not last is a syntax error.
func ParseEncapsulated(value string) ([]EncapsulatedEntry, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	var entries []EncapsulatedEntry
	seen := make(map[PartKind]bool)
	items := strings.Split(value, ",")
	for i, item := range items {
		name, off, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok {
			return nil, syntaxErr("encapsulated", value, nil)
		}
		kind, ok := parsePartKind(strings.TrimSpace(name))
		if !ok {
			return nil, syntaxErr("encapsulated", value, fmt.Errorf("unknown part %q", name))
		}
		offset, err := strconv.Atoi(strings.TrimSpace(off))
		if err != nil || offset < 0 {
			return nil, syntaxErr("encapsulated", value, fmt.Errorf("bad offset %q", off))
		}
		if seen[kind] || (kind.isBody() && i != len(items)-1) {
			return nil, syntaxErr("encapsulated", value, nil)
		}
		seen[kind] = true
		entries = append(entries, EncapsulatedEntry{Kind: kind, Offset: offset})
	}
	return entries, nil
}
