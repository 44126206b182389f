package dtest

import (
	"log/slog"
	"testing"

	"github.com/neilotoole/slogt"
)

// Logger returns a [*slog.Logger] that writes through [testing.T.Log],
// so that log output is only shown for failing or verbose tests.
func Logger(t *testing.T) *slog.Logger {
	return slogt.New(t)
}
