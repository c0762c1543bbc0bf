package kfmt

import (
	"bytes"
	"fmt"
	"io"
)

// earlyLogSize bounds the log output retained before an output sink is
// attached.
const earlyLogSize = 4096

// earlyLog buffers log lines until an output sink is attached. Once full,
// the oldest lines are dropped so that replayed output always starts at a
// line boundary. Callers serialize access.
type earlyLog struct {
	buf     []byte
	dropped int
}

// Write implements io.Writer.
func (l *earlyLog) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	if over := len(l.buf) - earlyLogSize; over > 0 {
		cut := over
		if nl := bytes.IndexByte(l.buf[over:], '\n'); nl >= 0 {
			cut = over + nl + 1
		}
		l.dropped += cut
		l.buf = append(l.buf[:0], l.buf[cut:]...)
	}
	return len(p), nil
}

// WriteTo flushes the buffered output to w and empties the buffer. If older
// output was dropped, a line reporting the dropped byte count precedes the
// replay.
func (l *earlyLog) WriteTo(w io.Writer) (int64, error) {
	var total int64
	if l.dropped > 0 {
		n, err := fmt.Fprintf(w, "[kmem] %d bytes of early log output dropped\n", l.dropped)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	n, err := w.Write(l.buf)
	total += int64(n)
	l.buf = l.buf[:0]
	l.dropped = 0
	return total, err
}
