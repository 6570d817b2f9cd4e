package hermes

import (
	"context"

	"github.com/hermes-mq/hermes/errors"
)

// Result is the outcome of a composed handler chain.
type Result struct {
	Data interface{}
}

// Next advances a middleware chain to its following stage, optionally
// replacing the message seen by the rest of the chain. Calling it with nil
// forwards the message unchanged.
type Next func(msg *Message) (Result, error)

// Handler is the terminal stage of a middleware chain.
type Handler func(ctx context.Context, msg *Message) (Result, error)

// Middleware wraps a handler chain, receiving the next stage as a
// single-shot closure.
type Middleware func(ctx context.Context, msg *Message, next Next) (Result, error)

// ComposedHandler is the callable produced by Compose.
type ComposedHandler func(ctx context.Context, msg *Message) (Result, error)

// ErrDoubleNext is returned when a middleware invokes next more than once
// within a single chain execution.
var ErrDoubleNext = errors.Handler("middleware invoked next() more than once", nil)

// Compose builds a single handler that runs mws in order around h. Each
// middleware receives a next closure that advances to the following stage;
// invoking it a second time during the same execution fails with
// ErrDoubleNext instead of silently re-running downstream stages.
func Compose(mws []Middleware, h Handler) ComposedHandler {
	return func(ctx context.Context, msg *Message) (Result, error) {
		var run func(i int, m *Message) (Result, error)
		run = func(i int, m *Message) (Result, error) {
			if i >= len(mws) {
				return h(ctx, m)
			}
			called := false
			mw := mws[i]
			next := func(next *Message) (Result, error) {
				if called {
					return Result{}, ErrDoubleNext
				}
				called = true
				if next == nil {
					next = m
				}
				return run(i+1, next)
			}
			return mw(ctx, m, next)
		}
		return run(0, msg)
	}
}
