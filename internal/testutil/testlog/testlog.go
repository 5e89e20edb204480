// Package testlog routes zerolog output through the test harness so log
// lines interleave with test failures.
package testlog

import (
	"testing"

	"github.com/rs/zerolog"
)

type writer struct {
	t *testing.T
}

func (w writer) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Logf("%s", p)
	return len(p), nil
}

// New returns a logger that writes through t.Logf.
func New(t *testing.T) zerolog.Logger {
	t.Helper()
	return zerolog.New(writer{t: t}).With().Timestamp().Logger()
}
