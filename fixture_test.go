package transposer

// scriptedTransposer is a minimal, fully scriptable Transposer[int]
// fixture for exercising the engine's internals directly in unit tests,
// without pulling in a whole example package. Every hook defaults to a
// harmless no-op when left nil.
type scriptedTransposer struct {
	onInit      func(ctx *Context[int]) error
	onInput     func(ctx *Context[int], time int, inputs []any) error
	onScheduled func(ctx *Context[int], time int, payload any) error
	onInterp    func(ctx *InterpolateContext[int], base, target int) (any, error)
	onCanHandle func(time int, input any) bool
	onCompare   func(time int, a, b any) int
}

func (s *scriptedTransposer) Init(ctx *Context[int]) error {
	if s.onInit == nil {
		return nil
	}
	return s.onInit(ctx)
}

func (s *scriptedTransposer) HandleInput(ctx *Context[int], time int, inputs []any) error {
	if s.onInput == nil {
		return nil
	}
	return s.onInput(ctx, time, inputs)
}

func (s *scriptedTransposer) HandleScheduled(ctx *Context[int], time int, payload any) error {
	if s.onScheduled == nil {
		return nil
	}
	return s.onScheduled(ctx, time, payload)
}

func (s *scriptedTransposer) Interpolate(ctx *InterpolateContext[int], base, target int) (any, error) {
	if s.onInterp == nil {
		return target, nil
	}
	return s.onInterp(ctx, base, target)
}

func (s *scriptedTransposer) CanHandle(time int, input any) bool {
	if s.onCanHandle == nil {
		return true
	}
	return s.onCanHandle(time, input)
}

func (s *scriptedTransposer) CompareInputs(time int, a, b any) int {
	if s.onCompare == nil {
		return 0
	}
	return s.onCompare(time, a, b)
}

func (s *scriptedTransposer) Clone() Transposer[int] {
	clone := *s
	return &clone
}

// tickTransposer is a minimal int-time transposer that emits its own
// Count at every tick, then schedules the next tick one unit later. It
// is small enough for direct use against a StepChain/Multiplexer in
// white-box tests.
type tickTransposer struct {
	Count int
}

func (c *tickTransposer) Init(ctx *Context[int]) error {
	return ctx.ScheduleEvent(ctx.CurrentTime()+1, nil)
}

func (c *tickTransposer) HandleInput(ctx *Context[int], time int, inputs []any) error {
	for _, in := range inputs {
		if bump, ok := in.(int); ok {
			c.Count += bump
		}
	}
	return nil
}

func (c *tickTransposer) HandleScheduled(ctx *Context[int], time int, payload any) error {
	if err := ctx.EmitEvent(c.Count); err != nil {
		return err
	}
	c.Count++
	return ctx.ScheduleEvent(time+1, nil)
}

func (c *tickTransposer) Interpolate(ctx *InterpolateContext[int], base, target int) (any, error) {
	return c.Count, nil
}

func (c *tickTransposer) CanHandle(time int, input any) bool { return true }

func (c *tickTransposer) CompareInputs(time int, a, b any) int { return 0 }

func (c *tickTransposer) Clone() Transposer[int] {
	clone := *c
	return &clone
}
