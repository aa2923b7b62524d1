// Package ironlog provides the process-wide structured logger used by every
// other package in the module. Other packages should use Logger with
// additional context fields rather than importing zerolog directly.
package ironlog

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the owning component's name,
// e.g. a BinQueueMgr's bin index or the Forwarder itself.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
