/*------------------------------------------------------------------------------
* log.go : structured tracing for the mlat core
*
* replaces gnssgo's global Trace/Tracet file tracer with a zerolog logger;
* same idea (one process-wide default, leveled, cheap when disabled) in a
* library that the rest of the retrieved pack already reaches for.
*-----------------------------------------------------------------------------*/
package mlat

import (
	"os"

	"github.com/rs/zerolog"
)

// Log is the package default logger. Callers may replace it wholesale
// (e.g. to redirect to a file or change level) before constructing any
// component; components capture a child logger at construction time via
// WithComponent so a later reassignment of Log has no effect on them.
var Log zerolog.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
	With().Timestamp().Logger().
	Level(zerolog.InfoLevel)

// WithComponent returns a child logger tagged with the owning component,
// mirroring gnssgo's per-subsystem Trace level tags.
func WithComponent(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
