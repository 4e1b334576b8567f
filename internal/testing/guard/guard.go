// Package guard switches the binaries into test mode when blank-imported from
// a test, so main() returns before dialing Postgres or Redis.
package guard

import (
	"os"
	"sync"
)

// EnvVar is the variable read by app.InTestMode.
const EnvVar = "NAP_TEST_MODE"

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(EnvVar) == "" {
			_ = os.Setenv(EnvVar, "1")
		}
	})
}
