package media

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies this package's unit tests leave no goroutines running.
// The Media Engine spawns one goroutine per remote track, per local
// capture source, and per voice session in production; leak detection at
// the unit level catches a missing wg.Wait()/stop-channel close before it
// ever reaches a live session.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
