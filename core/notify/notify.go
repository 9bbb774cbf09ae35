// Package notify publishes change notifications of resources.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/relabs-tech/docrest/core"
)

// Notification is a change notification of a single document
type Notification struct {
	Resource   string          `json:"resource"`
	Operation  core.Operation  `json:"operation"`
	ResourceID uuid.UUID       `json:"id"`
	Payload    json.RawMessage `json:"document,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func newNotification(resource string, operation core.Operation, id uuid.UUID, payload []byte) Notification {
	return Notification{
		Resource:   resource,
		Operation:  operation,
		ResourceID: id,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
}

// Nop is a notifier which drops everything
type Nop struct{}

// Notify implements core.Notifier
func (Nop) Notify(ctx context.Context, resource string, operation core.Operation, id uuid.UUID, payload []byte) error {
	return nil
}

// Func adapts a callback to a core.Notifier. Panics in the callback are returned as errors.
type Func func(ctx context.Context, n Notification) error

// Notify implements core.Notifier
func (f Func) Notify(ctx context.Context, resource string, operation core.Operation, id uuid.UUID, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %v", r)
		}
	}()
	return f(ctx, newNotification(resource, operation, id, payload))
}

// Recorder keeps all notifications in memory. Mostly useful in tests.
type Recorder struct {
	mu            sync.Mutex
	notifications []Notification
}

// Notify implements core.Notifier
func (r *Recorder) Notify(ctx context.Context, resource string, operation core.Operation, id uuid.UUID, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, newNotification(resource, operation, id, payload))
	return nil
}

// Notifications returns a copy of the recorded notifications
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notifications...)
}

// Operations returns the recorded operations in order
func (r *Recorder) Operations() []core.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := make([]core.Operation, len(r.notifications))
	for i, n := range r.notifications {
		ops[i] = n.Operation
	}
	return ops
}
