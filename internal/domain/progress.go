package domain

import "context"

// SubmitAck is invoked by job-oriented providers once their backend accepts
// a submission, before any polling starts. Workers use it to advance job
// progress past the submission milestone.
type SubmitAck func(providerJobID string)

type submitAckKey struct{}

// WithSubmitAck returns a context carrying fn for the duration of one
// generate call. Modeled after net/http/httptrace hooks.
func WithSubmitAck(ctx Context, fn SubmitAck) Context {
	return context.WithValue(ctx, submitAckKey{}, fn)
}

// SubmitAckFrom extracts the hook from ctx; absent hooks resolve to a no-op
// so providers can invoke it unconditionally.
func SubmitAckFrom(ctx Context) SubmitAck {
	if fn, ok := ctx.Value(submitAckKey{}).(SubmitAck); ok && fn != nil {
		return fn
	}
	return func(string) {}
}
