// Package kfmt provides the kernel-wide logging and fatal error facilities
// used by the memory management subsystem.
package kfmt

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// earlyOutput stores log output before an output sink is attached via
	// SetOutputSink.
	earlyOutput earlyLog

	output = &sinkSwitch{}

	logger = newLogger()
)

// sinkSwitch forwards writes to the attached sink or, if none is attached,
// to the early log.
type sinkSwitch struct {
	mu   sync.Mutex
	sink io.Writer
}

func (s *sinkSwitch) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sink == nil {
		return earlyOutput.Write(p)
	}
	return s.sink.Write(p)
}

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(output)
	l.SetFormatter(&prefixFormatter{
		prefix: []byte("[kmem] "),
		inner: &logrus.TextFormatter{
			DisableColors:    true,
			DisableTimestamp: true,
		},
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetOutputSink sets the target for log output to w and copies any data
// accumulated in the early log to it. Passing a nil writer redirects output
// back to the early log.
func SetOutputSink(w io.Writer) {
	output.mu.Lock()
	defer output.mu.Unlock()

	output.sink = w
	if w != nil {
		_, _ = earlyOutput.WriteTo(w)
	}
}

// SetLevel adjusts the verbosity of the kernel logger.
func SetLevel(level logrus.Level) {
	logger.SetLevel(level)
}

// ParseLevel converts a textual level (e.g. "debug") into a logrus level.
func ParseLevel(level string) (logrus.Level, error) {
	return logrus.ParseLevel(level)
}

// Logger returns the kernel logger.
func Logger() *logrus.Logger {
	return logger
}

// Module returns a log entry tagged with the name of the kernel module that
// emits it.
func Module(name string) *logrus.Entry {
	return logger.WithField("module", name)
}
