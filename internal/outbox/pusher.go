package outbox

import (
	"context"
	"errors"
	"fmt"
)

// Pusher delivers an already-stored event over a low-latency path.
// It is fire-and-forget: implementations must not block on slow consumers,
// and callers must never retry through it.
type Pusher interface {
	Push(ctx context.Context, e Event) error
}

// MultiPusher fans an event out to several pushers and joins their errors.
type MultiPusher []Pusher

func (m MultiPusher) Push(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Push(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrDelivery, errors.Join(errs...))
}

// PusherFunc adapts a function to Pusher.
type PusherFunc func(ctx context.Context, e Event) error

func (f PusherFunc) Push(ctx context.Context, e Event) error { return f(ctx, e) }
