package kfmt

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimitedLogger forwards log messages to a log entry no more than once
// per configured interval. Messages above the limit are dropped.
type RateLimitedLogger struct {
	entry *logrus.Entry
	limit *rate.Limiter
}

// RateLimited returns a RateLimitedLogger that logs to entry no more than
// once every interval.
func RateLimited(entry *logrus.Entry, every time.Duration) *RateLimitedLogger {
	return &RateLimitedLogger{
		entry: entry,
		limit: rate.NewLimiter(rate.Every(every), 1),
	}
}

// Debugf logs a debug message if the rate limit allows it.
func (rl *RateLimitedLogger) Debugf(format string, args ...interface{}) {
	if rl.limit.Allow() {
		rl.entry.Debugf(format, args...)
	}
}

// Warningf logs a warning if the rate limit allows it.
func (rl *RateLimitedLogger) Warningf(format string, args ...interface{}) {
	if rl.limit.Allow() {
		rl.entry.Warnf(format, args...)
	}
}
