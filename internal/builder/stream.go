package builder

import (
	"bytes"
	"strings"
	"sync"
)

const (
	streamStdout = "stdout"
	streamStderr = "stderr"
)

// lineSink receives complete output lines as they are produced.
type lineSink func(stream, line string)

// lineWriter splits a byte stream into lines for a sink. The stdout and
// stderr writers of one run share mu, so lines never interleave mid-line.
type lineWriter struct {
	mu     *sync.Mutex
	stream string
	sink   lineSink
	buf    bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf.Next(i+1)), "\r\n")
		w.sink(w.stream, line)
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.sink(w.stream, strings.TrimRight(w.buf.String(), "\r\n"))
		w.buf.Reset()
	}
}

// tailBuffer keeps the last max lines.
type tailBuffer struct {
	max   int
	lines []string
}

func (t *tailBuffer) Add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailBuffer) String() string {
	return strings.Join(t.lines, "\n")
}
