package sqlwatch

import "github.com/google/uuid"

// A Handle identifies a started observation and controls its lifetime.
type Handle struct {
	id     uuid.UUID
	cancel func()
	done   <-chan struct{}
}

// ID returns the observation's unique identifier, as used in logs.
func (h *Handle) ID() uuid.UUID {
	return h.id
}

// Cancel ends the observation and releases its subscription. It is
// idempotent and safe to call from any goroutine, including from inside the
// observation's own handlers.
//
// Once Cancel returns, no new handler invocation starts: deliveries queued
// behind an in-flight fetch are dropped. A handler that is already executing
// when Cancel is called runs to completion.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done returns a channel that is closed once the observation's goroutine has
// exited, after cancellation or failure. No handler runs after Done fires.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}
