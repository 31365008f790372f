package transposer

import (
	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the logging facade an Engine accepts through WithLogger. The
// Engine hands it to its StepChain and Multiplexer, which store it but
// write no log entries. It is a thin alias over logiface's generic logger,
// bound to the izerolog/zerolog backend the same way the teacher's own
// modules are.
type Logger = logiface.Logger[*izerolog.Event]

// defaultLogger discards everything (LevelDisabled), matching
// logiface's documented zero-overhead-when-silent behavior: callers who
// never pass WithLogger pay nothing beyond a disabled level check.
var defaultLogger = logiface.New[*izerolog.Event]()

// NewZerologLogger builds a Logger writing through the given
// zerolog.Logger, for use with WithLogger.
func NewZerologLogger(z zerolog.Logger, level logiface.Level) *Logger {
	return logiface.New[*izerolog.Event](
		izerolog.L.WithZerolog(z),
		izerolog.L.WithLevel(level),
	)
}
