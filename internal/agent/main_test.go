// internal/agent/main_test.go
package agent

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain fails the package if a run leaves any goroutine behind.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
