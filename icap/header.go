package icap

import (
	"bufio"
	"io"
	"strings"
)

// Header is an ordered list of header fields. Names keep the case they were
// received or set with; lookups ignore case. Setting an existing name
// replaces its value in place, so the last write wins and the original
// position is kept for serialization.
type Header struct {
	fields []headerField
}

type headerField struct {
	name  string
	value string
}

// Get returns the value of the named field and whether it is present.
func (h *Header) Get(name string) (string, bool) {
	if i := h.index(name); i >= 0 {
		return h.fields[i].value, true
	}
	return "", false
}

// Value returns the value of the named field or "".
func (h *Header) Value(name string) string {
	v, _ := h.Get(name)
	return v
}

// Set adds the field or overwrites an existing one.
func (h *Header) Set(name, value string) {
	if i := h.index(name); i >= 0 {
		h.fields[i].value = value
		return
	}
	h.fields = append(h.fields, headerField{name: name, value: value})
}

// Del removes the named field.
func (h *Header) Del(name string) {
	if i := h.index(name); i >= 0 {
		h.fields = append(h.fields[:i], h.fields[i+1:]...)
	}
}

// Len returns the number of fields.
func (h *Header) Len() int {
	return len(h.fields)
}

// Names returns the field names in order.
func (h *Header) Names() []string {
	names := make([]string, len(h.fields))
	for i, f := range h.fields {
		names[i] = f.name
	}
	return names
}

// Map flattens the header for logging.
func (h *Header) Map() map[string]string {
	m := make(map[string]string, len(h.fields))
	for _, f := range h.fields {
		m[f.name] = f.value
	}
	return m
}

// Clone returns an independent copy.
func (h *Header) Clone() Header {
	return Header{fields: append([]headerField(nil), h.fields...)}
}

func (h *Header) index(name string) int {
	for i, f := range h.fields {
		if strings.EqualFold(f.name, name) {
			return i
		}
	}
	return -1
}

// writeTo appends "Name: value\r\n" for every field.
func (h *Header) writeTo(sb *strings.Builder) {
	for _, f := range h.fields {
		sb.WriteString(f.name)
		sb.WriteString(": ")
		sb.WriteString(f.value)
		sb.WriteString("\r\n")
	}
}

// ParseHeaderLine splits a header line on its first colon and trims both
// sides of surrounding whitespace and line terminators.
func ParseHeaderLine(line string) (name, value string, err error) {
	line = strings.TrimRight(line, "\r\n")
	idx := strings.IndexByte(line, ':')
	if idx <= 0 {
		return "", "", syntaxErr("header", line, nil)
	}
	name = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if name == "" {
		return "", "", syntaxErr("header", line, nil)
	}
	return name, value, nil
}

// readHeader reads header lines until an empty line.
func readHeader(br *bufio.Reader) (Header, error) {
	var h Header
	for {
		line, err := readLine(br)
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return h, err
		}
		if line == "" {
			return h, nil
		}
		name, value, err := ParseHeaderLine(line)
		if err != nil {
			return h, err
		}
		h.Set(name, value)
	}
}

// readLine reads one line and strips the CRLF (or bare LF). A line longer
// than the reader's buffer is a syntax error. io.EOF is returned only when
// no bytes were read.
func readLine(br *bufio.Reader) (string, error) {
	b, err := br.ReadSlice('\n')
	switch {
	case err == bufio.ErrBufferFull:
		return "", syntaxErr("line", "", bufio.ErrBufferFull)
	case err == io.EOF && len(b) > 0:
		return "", io.ErrUnexpectedEOF
	case err != nil:
		return "", err
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}
