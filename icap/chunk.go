package icap

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// EncodeChunk returns p in chunked transfer coding: the hex length, CRLF,
// the data and a trailing CRLF.
func EncodeChunk(p []byte) []byte {
	size := strconv.FormatInt(int64(len(p)), 16)
	out := make([]byte, 0, len(size)+len(p)+4)
	out = append(out, size...)
	out = append(out, "\r\n"...)
	out = append(out, p...)
	out = append(out, "\r\n"...)
	return out
}

// ReadChunk reads one chunk. Blank lines before the size line are skipped.
// For the zero-length chunk it consumes the trailer up to the empty line
// that ends the body and returns ErrLastChunk together with the ieof flag
// of that chunk; for data chunks it returns the payload and a nil error.
func ReadChunk(br *bufio.Reader) (data []byte, ieof bool, err error) {
	return readChunk(br, -1)
}

// readChunk is ReadChunk with a byte budget checked before the payload is
// allocated. A negative limit disables the check.
func readChunk(br *bufio.Reader, limit int64) (data []byte, ieof bool, err error) {
	var line string
	for line == "" {
		if line, err = readChunkLine(br); err != nil {
			return nil, false, err
		}
	}
	size, ieof, err := parseChunkSize(line)
	if err != nil {
		return nil, false, err
	}
	if size == 0 {
		if err := skipTrailer(br); err != nil {
			return nil, false, err
		}
		return nil, ieof, ErrLastChunk
	}
	if limit >= 0 && size > limit {
		return nil, false, syntaxErr("body", line, ErrBodyTooLarge)
	}
	data = make([]byte, size)
	if _, err := io.ReadFull(br, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, false, err
	}
	rest, err := readChunkLine(br)
	if err != nil {
		return nil, false, err
	}
	if rest != "" {
		return nil, false, syntaxErr("chunk", rest, nil)
	}
	return data, ieof, nil
}

// skipTrailer discards trailer fields after the last chunk, up to and
// including the empty line.
func skipTrailer(br *bufio.Reader) error {
	for {
		line, err := readChunkLine(br)
		if err != nil || line == "" {
			return err
		}
	}
}

func readChunkLine(br *bufio.Reader) (string, error) {
	line, err := readLine(br)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return line, err
}

// maxChunkSize is the largest length accepted on a chunk-size line.
const maxChunkSize = 1 << 30

// parseChunkSize parses "<hex>[; ieof]" and ignores other chunk extensions.
func parseChunkSize(line string) (int64, bool, error) {
	sizeText, exts, _ := strings.Cut(line, ";")
	sizeText = strings.TrimSpace(sizeText)
	size, err := strconv.ParseInt(sizeText, 16, 64)
	if err != nil || size < 0 || size > maxChunkSize {
		return 0, false, syntaxErr("chunk", line, err)
	}
	ieof := false
	for _, ext := range strings.Split(exts, ";") {
		if strings.TrimSpace(ext) == "ieof" {
			ieof = true
		}
	}
	return size, ieof, nil
}

// WriteLastChunk writes the terminating zero-length chunk, marked with
// "; ieof" when inPreview is true.
func WriteLastChunk(w io.Writer, inPreview bool) error {
	last := "0\r\n\r\n"
	if inPreview {
		last = "0; ieof\r\n\r\n"
	}
	_, err := io.WriteString(w, last)
	return err
}
