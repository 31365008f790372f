package transposer

// EngineOption configures an Engine at construction time.
type EngineOption[T any] interface {
	applyEngineOption(c *engineConfig[T])
}

type engineOptionFunc[T any] func(c *engineConfig[T])

func (f engineOptionFunc[T]) applyEngineOption(c *engineConfig[T]) { f(c) }

type engineConfig[T any] struct {
	logger           *Logger
	checkpointBudget int
	metricsEnabled   bool
	maxChannel       int
}

func resolveEngineOptions[T any](options []EngineOption[T]) *engineConfig[T] {
	c := &engineConfig[T]{
		logger:           defaultLogger,
		checkpointBudget: defaultCheckpointBudget,
		maxChannel:       defaultMaxChannel,
	}
	for _, o := range options {
		if o != nil {
			o.applyEngineOption(c)
		}
	}
	return c
}

// WithLogger overrides the logger an Engine holds. The engine stores it
// but writes no log entries to it. The default is silent
// (LevelDisabled).
func WithLogger[T any](logger *Logger) EngineOption[T] {
	return engineOptionFunc[T](func(c *engineConfig[T]) {
		if logger != nil {
			c.logger = logger
		}
	})
}

// WithCheckpointBudget sets how many of the Saturated steps strictly
// between the chain's base and its tip the retention policy keeps when
// it evicts. The budget is counted over that whole range; steps at or
// after the oldest live caller's position are never desaturated, so
// more steps than the budget can stay Saturated. Lower values trade
// rollback/rewind latency for memory.
func WithCheckpointBudget[T any](budget int) EngineOption[T] {
	return engineOptionFunc[T](func(c *engineConfig[T]) {
		if budget > 0 {
			c.checkpointBudget = budget
		}
	})
}

// WithMetrics enables the engine's internal atomic counters (see
// metrics.go). Disabled by default, matching the teacher's
// opt-in-to-overhead convention.
func WithMetrics[T any](enabled bool) EngineOption[T] {
	return engineOptionFunc[T](func(c *engineConfig[T]) {
		c.metricsEnabled = enabled
	})
}

// WithMaxChannel sets the highest channel index an Engine's Multiplexer
// will accept, higher or lower than the default; negative values are
// ignored. The default supports a modest number of concurrent callers
// without requiring every user to think about it.
func WithMaxChannel[T any](max int) EngineOption[T] {
	return engineOptionFunc[T](func(c *engineConfig[T]) {
		if max >= 0 {
			c.maxChannel = max
		}
	})
}

const defaultCheckpointBudget = 64

const defaultMaxChannel = 63
