package transport

import "context"

type workerIDKey struct{}

// WithWorkerID tags ctx with the identity reported in the Client-Thread header.
func WithWorkerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workerIDKey{}, id)
}

func WorkerID(ctx context.Context) string {
	if id, ok := ctx.Value(workerIDKey{}).(string); ok && id != "" {
		return id
	}
	return "main"
}
