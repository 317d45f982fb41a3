// Package logger provides the Logf function type threaded through the
// stack engine, decoupling every other package from any particular
// logging backend.
package logger

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Logf is a printf-style logging function, in the shape every Prism
// package accepts instead of a concrete logging type.
type Logf func(format string, args ...interface{})

// Discard drops all log lines. Useful in tests that don't care about
// log output.
func Discard(string, ...interface{}) {}

// WithPrefix returns a Logf that prepends prefix to every formatted
// message logged through logf.
func WithPrefix(logf Logf, prefix string) Logf {
	if prefix == "" {
		return logf
	}
	return func(format string, args ...interface{}) {
		logf(prefix+format, args...)
	}
}

// RateLimited returns a Logf backed by a token bucket: it lets an
// initial burst of lines through, then at most interval lines per
// second (interval is a rate, not a duration), dropping the rest; the same
// noise-suppression instinct the pack's wireguard log wrapper applies
// by string-matching specific messages, generalized here into a real
// limiter that works for any message.
func RateLimited(logf Logf, interval float64, burst int) Logf {
	lim := rate.NewLimiter(rate.Limit(interval), burst)
	return func(format string, args ...interface{}) {
		if !lim.Allow() {
			return
		}
		logf(format, args...)
	}
}

// FromLogrus adapts a logrus.FieldLogger into a Logf.
func FromLogrus(l logrus.FieldLogger) Logf {
	return func(format string, args ...interface{}) {
		msg := format
		if len(args) > 0 {
			msg = fmt.Sprintf(format, args...)
		}
		l.Info(strings.TrimSuffix(msg, "\n"))
	}
}
