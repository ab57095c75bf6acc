package api

import (
	"context"
	"io"
	"unicode/utf8"
)

const streamBufSize = 4096

// StreamReader yields text increments from a streamed response body.
// The sequence is lazy, finite and non-restartable: once Next returns
// io.EOF the stream is exhausted.
type StreamReader struct {
	body io.ReadCloser
	buf  []byte
	// pending holds the trailing bytes of a rune split across reads so a
	// multibyte character is never surfaced in two halves.
	pending []byte
	done    bool
}

func NewStreamReader(body io.ReadCloser) *StreamReader {
	return &StreamReader{
		body: body,
		buf:  make([]byte, streamBufSize),
	}
}

// Next blocks until the next text increment is available and returns it.
// It returns io.EOF when the stream has completed. The context is checked
// before and after the blocking read; on cancellation any in-flight bytes
// are discarded.
func (s *StreamReader) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.done {
		return "", io.EOF
	}

	n, err := s.body.Read(s.buf)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}

	chunk := s.takeComplete(s.buf[:n])
	if err != nil {
		s.done = true
		if err == io.EOF {
			// Any held-back bytes are a truncated trailing sequence;
			// surface the complete text and finish cleanly.
			if len(s.pending) > 0 {
				chunk += string(s.pending)
				s.pending = nil
			}
			if chunk != "" {
				return chunk, nil
			}
			return "", io.EOF
		}
		return chunk, err
	}
	return chunk, nil
}

// takeComplete prepends any held-back bytes and returns the longest prefix
// ending on a rune boundary, retaining the remainder for the next read.
func (s *StreamReader) takeComplete(data []byte) string {
	if len(s.pending) > 0 {
		data = append(s.pending, data...)
		s.pending = nil
	}
	cut := utf8Boundary(data)
	if cut < len(data) {
		s.pending = append([]byte(nil), data[cut:]...)
	}
	return string(data[:cut])
}

// utf8Boundary returns the index just past the last complete rune in data.
func utf8Boundary(data []byte) int {
	end := len(data)
	for i := 0; i < utf8.UTFMax && end-1-i >= 0; i++ {
		start := end - 1 - i
		if utf8.RuneStart(data[start]) {
			if utf8.FullRune(data[start:]) {
				return end
			}
			return start
		}
	}
	return end
}

func (s *StreamReader) Close() error {
	s.done = true
	return s.body.Close()
}
