package task

import "context"

// Handler executes the body of a task. The returned metadata is stored as
// the task result. Returning an error wrapping ErrNeedsAttention parks the
// task for an operator; a *TaskError controls the recorded code and step.
type Handler interface {
	Handle(ctx context.Context, rec *Record) (Metadata, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, rec *Record) (Metadata, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, rec *Record) (Metadata, error) {
	return f(ctx, rec)
}
