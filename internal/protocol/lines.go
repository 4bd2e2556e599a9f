package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// ErrLineTooLong is returned when a control line exceeds the reader's limit
var ErrLineTooLong = errors.New("control line exceeds maximum length")

// LineReader splits a byte stream into line-feed terminated control lines.
// Partial lines are retained across reads until their terminator arrives.
type LineReader struct {
	r       *bufio.Reader
	maxLine int
	buf     []byte
}

// NewLineReader creates a reader that rejects lines longer than maxLine bytes
func NewLineReader(r io.Reader, maxLine int) *LineReader {
	return &LineReader{
		r:       bufio.NewReaderSize(r, 4096),
		maxLine: maxLine,
	}
}

// ReadLine returns the next non-empty line without its terminator.
// The returned slice is only valid until the next call.
// A trailing unterminated fragment at EOF is discarded.
func (l *LineReader) ReadLine() ([]byte, error) {
	for {
		l.buf = l.buf[:0]
		for {
			chunk, err := l.r.ReadSlice('\n')
			l.buf = append(l.buf, chunk...)
			if l.maxLine > 0 && len(l.buf) > l.maxLine+1 {
				return nil, ErrLineTooLong
			}
			if err == nil {
				break
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			return nil, err
		}

		line := bytes.TrimSuffix(l.buf, []byte{'\n'})
		if l.maxLine > 0 && len(line) > l.maxLine {
			return nil, ErrLineTooLong
		}
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}
