package executor

import (
	"bytes"
	"sync"
)

// captureWriter buffers child output with line counting and byte/line caps.
// Overflow truncates the buffer but never fails the run.
type captureWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	lines     int
	maxBytes  int
	maxLines  int
	truncated bool
	partial   []byte
	stream    func(line string)
}

func newCaptureWriter(maxBytes, maxLines int, stream func(line string)) *captureWriter {
	return &captureWriter{maxBytes: maxBytes, maxLines: maxLines, stream: stream}
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, b := range p {
		if b == '\n' {
			w.lines++
			if w.stream != nil {
				w.stream(string(w.partial))
				w.partial = w.partial[:0]
			}
		} else if w.stream != nil {
			w.partial = append(w.partial, b)
		}
	}

	if !w.truncated {
		room := w.maxBytes - w.buf.Len()
		if w.lines > w.maxLines || room < len(p) {
			w.truncated = true
			if room > 0 && room < len(p) {
				w.buf.Write(p[:room])
			} else if room >= len(p) {
				w.buf.Write(p)
			}
		} else {
			w.buf.Write(p)
		}
	}
	// Always report full consumption so the child never blocks on a full pipe.
	return len(p), nil
}

func (w *captureWriter) snapshot() (text string, lines int, truncated bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String(), w.lines, w.truncated
}
