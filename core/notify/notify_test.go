package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/relabs-tech/docrest/core"
	"github.com/relabs-tech/docrest/core/logger"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafka(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w, log: logger.Discard()}
	id := uuid.New()

	require.NoError(t, k.Notify(context.Background(), "users", core.OperationCreate, id, []byte(`{"username":"ada"}`)))
	require.Len(t, w.messages, 1)
	assert.Equal(t, id.String(), string(w.messages[0].Key))

	var n Notification
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &n))
	assert.Equal(t, "users", n.Resource)
	assert.Equal(t, core.OperationCreate, n.Operation)
	assert.Equal(t, id, n.ResourceID)
	assert.JSONEq(t, `{"username":"ada"}`, string(n.Payload))

	w.err = errors.New("broker down")
	assert.Error(t, k.Notify(context.Background(), "users", core.OperationDelete, id, nil))

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestFunc(t *testing.T) {
	var got Notification
	f := Func(func(ctx context.Context, n Notification) error {
		got = n
		return nil
	})
	id := uuid.New()
	require.NoError(t, f.Notify(context.Background(), "uploadedFiles", core.OperationSoftDelete, id, nil))
	assert.Equal(t, id, got.ResourceID)

	panicking := Func(func(ctx context.Context, n Notification) error { panic("boom") })
	err := panicking.Notify(context.Background(), "uploadedFiles", core.OperationUpdate, id, nil)
	assert.EqualError(t, err, "recovered from panic: boom")
}

func TestRecorderAndNop(t *testing.T) {
	var r Recorder
	id := uuid.New()
	require.NoError(t, r.Notify(context.Background(), "users", core.OperationCreate, id, nil))
	require.NoError(t, r.Notify(context.Background(), "users", core.OperationRestore, id, nil))
	assert.Equal(t, []core.Operation{core.OperationCreate, core.OperationRestore}, r.Operations())
	assert.Len(t, r.Notifications(), 2)

	var n core.Notifier = Nop{}
	assert.NoError(t, n.Notify(context.Background(), "users", core.OperationCreate, id, nil))
}
