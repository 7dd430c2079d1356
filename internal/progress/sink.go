package progress

import "context"

// Sink receives flushed batches from the Hub. Consume may be called many
// times; Close is called once when the hub shuts down.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts single events. The Hub is the production Emitter; the
// Reporter depends only on this.
type Emitter interface {
	Emit(evt Event)
}
