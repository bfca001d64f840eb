// Package testing switches binaries into test mode when blank-imported by a
// test package.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("ZSINDIA_TEST_MODE", "1")
		if os.Getenv("VERIFY_BASE_ORIGIN") == "" {
			_ = os.Setenv("VERIFY_BASE_ORIGIN", "http://127.0.0.1:0")
		}
		if os.Getenv("CATALOG_API_URL") == "" {
			_ = os.Setenv("CATALOG_API_URL", "http://127.0.0.1:0")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
