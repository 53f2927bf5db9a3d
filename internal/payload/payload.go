// Package payload defines the opaque invokable unit executed by engine
// workers, along with a named-factory registry so that callers who cannot
// pass Go values directly (such as the HTTP front end) can construct
// payloads by type name.
package payload

import "context"

// Payload is an invokable unit of work. The engine never inspects payload
// semantics; it only invokes Execute and records the result or error.
// The context is cancelled when the owning task is cancelled cooperatively
// or the engine shuts down; payloads may observe or ignore it.
type Payload interface {
	Execute(ctx context.Context) (any, error)
}

// Func adapts an ordinary function to the Payload interface.
type Func func(ctx context.Context) (any, error)

// Execute invokes the wrapped function.
func (f Func) Execute(ctx context.Context) (any, error) {
	return f(ctx)
}
