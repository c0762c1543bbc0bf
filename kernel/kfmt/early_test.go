package kfmt

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

func TestEarlyLog(t *testing.T) {
	t.Run("replay", func(t *testing.T) {
		var (
			l   earlyLog
			buf bytes.Buffer
		)
		exp := "line one\nline two\n"
		if n, err := l.Write([]byte(exp)); err != nil || n != len(exp) {
			t.Fatalf("expected to write %d bytes; wrote %d (%v)", len(exp), n, err)
		}

		if _, err := l.WriteTo(&buf); err != nil {
			t.Fatal(err)
		}
		if got := buf.String(); got != exp {
			t.Fatalf("expected replay %q; got %q", exp, got)
		}

		// The buffer is empty after a flush.
		buf.Reset()
		_, _ = l.WriteTo(&buf)
		if buf.Len() != 0 {
			t.Fatalf("expected nothing to replay; got %q", buf.String())
		}
	})

	t.Run("overflow drops whole lines", func(t *testing.T) {
		var l earlyLog
		line := strings.Repeat("x", 99) + "\n"
		for i := 0; i < 2*earlyLogSize/len(line); i++ {
			_, _ = l.Write([]byte(line))
		}
		_, _ = l.Write([]byte("last\n"))

		if len(l.buf) > earlyLogSize {
			t.Fatalf("expected at most %d buffered bytes; got %d", earlyLogSize, len(l.buf))
		}
		if l.dropped == 0 {
			t.Fatal("expected old output to be dropped")
		}

		dropped := l.dropped
		var buf bytes.Buffer
		if n, err := l.WriteTo(&buf); err != nil || n != int64(buf.Len()) {
			t.Fatalf("expected WriteTo to report %d bytes; got %d (%v)", buf.Len(), n, err)
		}
		out := buf.String()

		notice := fmt.Sprintf("[kmem] %d bytes of early log output dropped\n", dropped)
		if !strings.HasPrefix(out, notice) {
			t.Fatalf("expected replay to start with %q; got %q", notice, out[:len(notice)])
		}
		out = strings.TrimPrefix(out, notice)
		if !strings.HasPrefix(out, line) || !strings.HasSuffix(out, "last\n") {
			t.Fatalf("expected replay to start at a line boundary and keep the newest line; got %q...%q", out[:10], out[len(out)-10:])
		}

		// The drop counter resets with the flush.
		buf.Reset()
		_, _ = l.Write([]byte("again\n"))
		_, _ = l.WriteTo(&buf)
		if got := buf.String(); got != "again\n" {
			t.Fatalf("expected replay %q; got %q", "again\n", got)
		}
	})

	t.Run("oversized line", func(t *testing.T) {
		var l earlyLog
		_, _ = l.Write([]byte(strings.Repeat("y", earlyLogSize+10)))
		if len(l.buf) != earlyLogSize {
			t.Fatalf("expected the buffer to be trimmed to %d bytes; got %d", earlyLogSize, len(l.buf))
		}
	})
}
