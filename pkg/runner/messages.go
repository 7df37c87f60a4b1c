package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/runtime/schema"

	modelv1 "github.com/GoogleCloudPlatform/finalize-runner/pkg/api/v1"
)

// ErrSenderClosed is returned by Sender.Send once the controller has stopped
// consuming events.
var ErrSenderClosed = errors.New("event sender closed")

// EventType is the kind of event delivered to the controller loop.
type EventType int

const (
	// UpdateOperationComplete marks the end of one finalize attempt.
	UpdateOperationComplete EventType = iota
)

func (e EventType) String() string {
	switch e {
	case UpdateOperationComplete:
		return "UpdateOperationComplete"
	default:
		return fmt.Sprintf("EventType(%d)", int(e))
	}
}

// IndexKey names the controller's in-flight slot for one parent.
type IndexKey string

// IndexKeyFor returns the index key of the parent of kind gvk identified by id.
func IndexKeyFor(gvk schema.GroupVersionKind, id modelv1.ObjectID) IndexKey {
	return IndexKey(fmt.Sprintf("%s/%s/%s/%s/%s", gvk.Group, gvk.Version, gvk.Kind, id.Namespace, id.Name))
}

// UpdateResult is the outcome of an attempt. A failed result carries no
// detail; the error was already logged and counted.
type UpdateResult struct {
	Retry  *time.Duration
	Failed bool
}

func (r UpdateResult) String() string {
	switch {
	case r.Failed:
		return "Err"
	case r.Retry != nil:
		return fmt.Sprintf("Ok(%s)", r.Retry.String())
	default:
		return "Ok(None)"
	}
}

// ResourceMessage is delivered to the controller loop exactly once per
// attempt.
type ResourceMessage struct {
	EventType    EventType
	Result       UpdateResult
	ResourceType schema.GroupVersionKind
	ResourceID   modelv1.ObjectID
	IndexKey     *IndexKey
}

// EventSender delivers messages to the controller loop.
type EventSender interface {
	Send(ctx context.Context, msg ResourceMessage) error
}

// Sender is a channel backed EventSender. The event channel itself is never
// closed; Close only makes further sends fail with ErrSenderClosed, so that
// workers finishing after shutdown do not block or panic.
type Sender struct {
	events    chan ResourceMessage
	done      chan struct{}
	closeOnce sync.Once
}

var _ EventSender = (*Sender)(nil)

// NewSender returns a Sender whose channel holds up to buffer messages.
func NewSender(buffer int) *Sender {
	return &Sender{
		events: make(chan ResourceMessage, buffer),
		done:   make(chan struct{}),
	}
}

// Events is the receive side, consumed by the controller loop only.
func (s *Sender) Events() <-chan ResourceMessage {
	return s.events
}

// Done is closed once Close is called.
func (s *Sender) Done() <-chan struct{} {
	return s.done
}

// Close stops accepting messages. It is safe to call more than once.
func (s *Sender) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Sender) Send(ctx context.Context, msg ResourceMessage) error {
	select {
	case <-s.done:
		return ErrSenderClosed
	default:
	}
	select {
	case s.events <- msg:
		return nil
	case <-s.done:
		return ErrSenderClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
