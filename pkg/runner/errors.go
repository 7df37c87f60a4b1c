package runner

import (
	"fmt"

	modelv1 "github.com/GoogleCloudPlatform/finalize-runner/pkg/api/v1"
)

// UpdateErrorKind classifies why a finalize attempt failed.
type UpdateErrorKind int

const (
	// HandlerError means the business logic returned an error.
	HandlerError UpdateErrorKind = iota
	// TransportError means a patch call to the API server failed.
	TransportError
	// IsolationError means the handler task could not be joined.
	IsolationError
)

func (k UpdateErrorKind) String() string {
	switch k {
	case HandlerError:
		return "handler error"
	case TransportError:
		return "transport error"
	case IsolationError:
		return "isolation error"
	default:
		return fmt.Sprintf("UpdateErrorKind(%d)", int(k))
	}
}

// UpdateError is the error produced by a failed finalize attempt.
type UpdateError struct {
	Kind   UpdateErrorKind
	Parent modelv1.ObjectID
	Err    error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("%s for parent %s: %v", e.Kind, e.Parent, e.Err)
}

func (e *UpdateError) Unwrap() error {
	return e.Err
}

func newUpdateError(kind UpdateErrorKind, parent modelv1.ObjectID, err error) *UpdateError {
	return &UpdateError{Kind: kind, Parent: parent, Err: err}
}
