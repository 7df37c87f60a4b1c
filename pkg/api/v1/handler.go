package v1

import (
	"context"
	"time"
)

// SyncRequest is the snapshot handed to a Handler.
type SyncRequest struct {
	Parent K8sResource
}

// FinalizeResponse is what a Handler returns from Finalize.
//
// A nil Retry means finalization is complete and the finalizer may be
// removed. A non-nil Retry means the parent must be revisited no sooner than
// *Retry. Status, when non-nil, is persisted to the status subresource on
// the retry path only.
type FinalizeResponse struct {
	Retry  *time.Duration
	Status map[string]interface{}
}

// Finalized returns a response that allows the finalizer to be removed.
func Finalized(status map[string]interface{}) FinalizeResponse {
	return FinalizeResponse{Status: status}
}

// RetryAfter returns a response asking for another attempt after delay.
func RetryAfter(delay time.Duration, status map[string]interface{}) FinalizeResponse {
	return FinalizeResponse{Retry: &delay, Status: status}
}

// IsFinalized reports whether the response allows finalizer removal.
func (r FinalizeResponse) IsFinalized() bool {
	return r.Retry == nil
}

// Handler is the user business logic invoked while a parent is deleted.
//
// Finalize may block; it runs on the runner's worker pool. It must be safe
// to call more than once for the same parent.
type Handler interface {
	Finalize(ctx context.Context, req SyncRequest) (FinalizeResponse, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req SyncRequest) (FinalizeResponse, error)

func (f HandlerFunc) Finalize(ctx context.Context, req SyncRequest) (FinalizeResponse, error) {
	return f(ctx, req)
}
