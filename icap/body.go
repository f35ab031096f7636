package icap

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// SendContinue asks the client for the rest of a previewed body.
func SendContinue(w io.Writer) error {
	if _, err := io.WriteString(w, "ICAP/1.0 100 Continue\r\n\r\n"); err != nil {
		return err
	}
	return flush(w)
}

type flusher interface {
	Flush() error
}

func flush(w io.Writer) error {
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// bodyParser decodes one encapsulated body.
//
// States: reading the first segment, then either complete or waiting for
// the rest after a 100 Continue.
type bodyParser struct {
	rw *bufio.ReadWriter
	// servicePreview reports whether the target service accepts previews.
	servicePreview bool
	// previewSize is the client's Preview header, or -1 without one.
	previewSize int
	maxSize     int64
}

// parse returns the decoded bytes, the ieof flag and whether the client is
// still waiting for a 100 Continue it was not given.
func (p *bodyParser) parse() (data []byte, ieof bool, pending bool, err error) {
	data, ieof, err = readChunks(p.rw.Reader, nil, p.maxSize)
	if err != nil {
		return nil, false, false, err
	}
	if ieof || p.previewSize < 0 || len(data) > p.previewSize {
		return data, ieof, false, nil
	}
	if !p.servicePreview {
		return data, false, true, nil
	}
	if err := SendContinue(p.rw.Writer); err != nil {
		return nil, false, false, err
	}
	data, more, err := readChunks(p.rw.Reader, data, p.maxSize)
	if err != nil {
		return nil, false, false, err
	}
	return data, ieof || more, false, nil
}

// readChunks appends chunks to data until the last chunk and returns the
// ieof flag of that chunk. maxSize <= 0 disables the size check.
func readChunks(br *bufio.Reader, data []byte, maxSize int64) ([]byte, bool, error) {
	for {
		limit := int64(-1)
		if maxSize > 0 {
			limit = maxSize - int64(len(data))
		}
		chunk, ieof, err := readChunk(br, limit)
		if err == ErrLastChunk {
			return data, ieof, nil
		}
		if err != nil {
			return nil, false, err
		}
		data = append(data, chunk...)
	}
}

func parsePreviewHeader(h *Header) (int, error) {
	v, ok := h.Get("Preview")
	if !ok {
		return -1, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return -1, syntaxErr("header", "Preview: "+v, fmt.Errorf("invalid preview size"))
	}
	return n, nil
}
