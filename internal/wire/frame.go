package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxFrameSize bounds a single newline-delimited frame.
const MaxFrameSize = 1024 * 1024

// Reader splits a byte stream into frames.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a frame reader over r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)

	return &Reader{scanner: scanner}
}

// ReadFrame returns the next non-empty frame. It returns io.EOF when the
// stream ends cleanly. The returned slice is owned by the caller.
func (r *Reader) ReadFrame() ([]byte, error) {
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		return bytes.Clone(line), nil
	}

	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}

	return nil, io.EOF
}

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Writer serialises frames onto a stream. It is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	timeout time.Duration
}

// NewWriter creates a frame writer. When w supports write deadlines and
// timeout is positive, each frame must be written within timeout.
func NewWriter(w io.Writer, timeout time.Duration) *Writer {
	return &Writer{w: w, timeout: timeout}
}

// WriteFrame writes data followed by a newline.
func (fw *Writer) WriteFrame(data []byte) error {
	// Copy to avoid mutating the caller's backing array.
	frame := make([]byte, len(data)+1)
	copy(frame, data)
	frame[len(data)] = '\n'

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if d, ok := fw.w.(deadliner); ok && fw.timeout > 0 {
		if err := d.SetWriteDeadline(time.Now().Add(fw.timeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}

	if _, err := fw.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

// WriteMessage marshals v and writes it as one frame.
func (fw *Writer) WriteMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	return fw.WriteFrame(data)
}
