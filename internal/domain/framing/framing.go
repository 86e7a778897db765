// Package framing implements the newline-delimited JSON wire format spoken
// on the child's stdio: one UTF-8 JSON object per LF-terminated line, no
// length headers, no BOM. Readers tolerate CRLF by stripping the trailing CR.
package framing

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"
)

// DefaultMaxFrameBytes caps a single line at 4 MiB.
const DefaultMaxFrameBytes = 4 * 1024 * 1024

var (
	// ErrFrameTooLarge is returned when a single line exceeds the frame cap.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrInvalidUTF8 is returned when a line contains bytes outside UTF-8.
	ErrInvalidUTF8 = errors.New("frame is not valid UTF-8")
)

// Reader reads LF-terminated frames from a byte stream. Partial lines are
// buffered across reads. Not safe for concurrent use; the supervisor owns
// exactly one reader goroutine per child.
type Reader struct {
	br       *bufio.Reader
	maxBytes int
}

// NewReader wraps r with the given frame cap. A non-positive cap selects
// DefaultMaxFrameBytes.
func NewReader(r io.Reader, maxBytes int) *Reader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	return &Reader{
		br:       bufio.NewReaderSize(r, 64*1024),
		maxBytes: maxBytes,
	}
}

// ReadFrame returns the next non-empty line without its terminator, or
// io.EOF at end of stream. Oversized lines return ErrFrameTooLarge after
// the offending line is fully consumed, so a caller may choose to keep
// reading. Invalid UTF-8 returns ErrInvalidUTF8.
func (r *Reader) ReadFrame() ([]byte, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		line = trimLineEnding(line)
		if len(line) == 0 {
			continue // blank keep-alive lines are not frames
		}
		if !utf8.Valid(line) {
			return nil, ErrInvalidUTF8
		}
		return line, nil
	}
}

// readLine accumulates bufio fragments until LF or EOF, enforcing the cap.
// The cap counts line content only, not the LF terminator.
func (r *Reader) readLine() ([]byte, error) {
	var buf []byte
	for {
		frag, err := r.br.ReadSlice('\n')
		buf = append(buf, frag...)
		content := len(buf)
		if err == nil {
			content-- // trailing LF is not payload
		}
		if content > r.maxBytes {
			// Drain the rest of the oversized line so the stream stays
			// aligned on frame boundaries for the caller's restart decision.
			if errors.Is(err, bufio.ErrBufferFull) {
				r.discardLine()
			}
			return nil, fmt.Errorf("%w: %d bytes read, cap %d", ErrFrameTooLarge, content, r.maxBytes)
		}
		switch {
		case err == nil:
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(buf) > 0 {
				return buf, nil // final unterminated line
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

// discardLine consumes bytes through the next LF or EOF.
func (r *Reader) discardLine() {
	for {
		_, err := r.br.ReadSlice('\n')
		if err == nil || !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}

// trimLineEnding strips one trailing LF and one trailing CR.
func trimLineEnding(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line
}

// Writer writes frames as line + LF with an immediate flush per frame.
// Writes are serialized by an internal mutex, but the intended discipline is
// a single writer goroutine (the supervisor's stdin pump); the mutex is a
// backstop so misuse cannot interleave frames.
type Writer struct {
	mu sync.Mutex
	bw *bufio.Writer
}

// NewWriter wraps w for frame output.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriterSize(w, 64*1024)}
}

// WriteFrame writes one frame and flushes. The payload must not contain a
// literal LF; serialized JSON never does.
func (w *Writer) WriteFrame(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.bw.Write(frame); err != nil {
		return err
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return err
	}
	return w.bw.Flush()
}
