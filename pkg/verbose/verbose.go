// Package verbose gates per-bit receiver tracing. The trace is far too chatty
// for normal debug logging, so it has its own switch.
package verbose

import (
	"fmt"
	"sync/atomic"

	"github.com/dougsko/sqandr/pkg/logging"
)

var enabled atomic.Bool

// SetEnabled sets the global trace flag
func SetEnabled(enable bool) {
	enabled.Store(enable)
}

// IsEnabled returns whether tracing is enabled
func IsEnabled() bool {
	return enabled.Load()
}

// Printf writes a trace line through the global logger at debug level
func Printf(component, format string, args ...interface{}) {
	if enabled.Load() {
		logging.Debug(component, "[TRACE] "+fmt.Sprintf(format, args...))
	}
}
