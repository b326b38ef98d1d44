package pipeline

import "context"

// Emitter delivers events to a consumer. An error means the consumer is gone and
// the run should stop.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, event Event) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Tee sends every event to primary and then to each mirror. Only the primary's
// error is returned; mirrors report their own failures.
func Tee(primary Emitter, mirrors ...Emitter) Emitter {
	return EmitterFunc(func(ctx context.Context, event Event) error {
		err := primary.Emit(ctx, event)
		for _, m := range mirrors {
			if m != nil {
				_ = m.Emit(ctx, event)
			}
		}
		return err
	})
}

// Discard drops every event. Used for runs nobody is watching live.
var Discard Emitter = EmitterFunc(func(context.Context, Event) error { return nil })
