package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/missionctl/missionctl/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("task.created", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	event := NewEvent("task.created", "test", map[string]any{"task_id": "t-1"})
	require.NoError(t, b.Publish(context.Background(), "task.created", event))

	select {
	case got := <-received:
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, "t-1", got.Data["task_id"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryEventBus_WildcardSubscription(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	received := make(chan string, 4)
	_, err := b.Subscribe("task.*", func(ctx context.Context, e *Event) error {
		received <- e.Type
		return nil
	})
	require.NoError(t, err)

	for _, subject := range []string{"task.created", "task.updated", "activity.logged"} {
		require.NoError(t, b.Publish(context.Background(), subject, NewEvent(subject, "test", nil)))
	}

	var got []string
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case s := <-received:
			got = append(got, s)
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}

	assert.ElementsMatch(t, []string{"task.created", "task.updated"}, got)

	select {
	case s := <-received:
		t.Fatalf("unexpected event %q for non-matching subject", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryEventBus_MultiTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	received := make(chan string, 4)
	_, err := b.Subscribe(">", func(ctx context.Context, e *Event) error {
		received <- e.Type
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "plugin.toggled", NewEvent("plugin.toggled", "test", nil)))

	select {
	case s := <-received:
		assert.Equal(t, "plugin.toggled", s)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("task.deleted", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "task.deleted", NewEvent("task.deleted", "test", nil)))

	select {
	case <-received:
		t.Fatal("received event after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))

	assert.True(t, b.IsConnected())
	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "task.created", NewEvent("task.created", "test", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("task.created", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}
