package match

import (
	"fmt"

	"github.com/arloliu/veritas/types"
)

// AssertionContext is an ordered stack of human-readable context frames
// describing what the interpreter is currently doing: the running test, the
// current operation, the outcome being compared, the wait in progress.
//
// The stack exists purely for diagnostics. It never affects control flow,
// and its depth must return to the pre-call value on every exit path; use
// defer to pair Pop with Push.
//
// A context belongs to a single execution flow. Background threads fork
// their own context instead of sharing the primary one.
type AssertionContext struct {
	frames []string
}

// NewAssertionContext creates an empty assertion context.
func NewAssertionContext() *AssertionContext {
	return &AssertionContext{}
}

// Push adds a context frame describing the action about to run.
func (c *AssertionContext) Push(format string, args ...any) {
	c.frames = append(c.frames, fmt.Sprintf(format, args...))
}

// Pop removes the most recent context frame.
func (c *AssertionContext) Pop() {
	if len(c.frames) > 0 {
		c.frames = c.frames[:len(c.frames)-1]
	}
}

// Depth returns the current stack depth.
func (c *AssertionContext) Depth() int {
	return len(c.frames)
}

// Frames returns a copy of the current stack, outermost first.
func (c *AssertionContext) Frames() []string {
	out := make([]string, len(c.frames))
	copy(out, c.frames)

	return out
}

// Errorf builds an AssertionError carrying the current context trail.
func (c *AssertionContext) Errorf(format string, args ...any) *types.AssertionError {
	return &types.AssertionError{
		Msg:   fmt.Sprintf(format, args...),
		Trail: c.Frames(),
	}
}

// TimeoutErrorf builds a timeout-flavored AssertionError carrying the
// current context trail. Bounded waits report expiry through this instead
// of surfacing a raw timeout.
func (c *AssertionContext) TimeoutErrorf(format string, args ...any) *types.AssertionError {
	return &types.AssertionError{
		Msg:     fmt.Sprintf(format, args...),
		Trail:   c.Frames(),
		Timeout: true,
	}
}

// Failure builds an AssertionError wrapping a captured cause.
func (c *AssertionContext) Failure(cause error, format string, args ...any) *types.AssertionError {
	return &types.AssertionError{
		Msg:   fmt.Sprintf(format, args...),
		Trail: c.Frames(),
		Cause: cause,
	}
}
