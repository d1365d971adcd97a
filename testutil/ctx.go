package testutil

import (
	"context"
	"testing"
	"time"
)

// Constants for timing out operations in tests. Pick the smallest one
// that the operation under test can reliably finish in.
const (
	WaitShort  = 10 * time.Second
	WaitMedium = 15 * time.Second
	WaitLong   = 25 * time.Second
)

// Context returns a context that times out after dur and is canceled
// when the test ends.
func Context(t testing.TB, dur time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), dur)
	t.Cleanup(cancel)
	return ctx
}
