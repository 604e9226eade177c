package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/turnengine/model"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := NewBus()
	var got1, got2 Event
	_, err := b.Register(SubscriberFunc(func(_ context.Context, e Event) error { got1 = e; return nil }))
	require.NoError(t, err)
	_, err = b.Register(SubscriberFunc(func(_ context.Context, e Event) error { got2 = e; return nil }))
	require.NoError(t, err)

	evt := NewStatusChangedEvent("t1", model.ThreadCompleted, model.ThreadStreaming)
	require.NoError(t, b.Publish(context.Background(), evt))

	require.Equal(t, evt, got1)
	require.Equal(t, evt, got2)
}

func TestPublishStopsAtFirstSubscriberError(t *testing.T) {
	b := NewBus()
	sentinel := errors.New("boom")
	called := false
	_, err := b.Register(SubscriberFunc(func(context.Context, Event) error { return sentinel }))
	require.NoError(t, err)
	_, err = b.Register(SubscriberFunc(func(context.Context, Event) error { called = true; return nil }))
	require.NoError(t, err)

	err = b.Publish(context.Background(), NewErrorEvent("t1", "s1", "network", "boom"))
	require.ErrorIs(t, err, sentinel)
	require.False(t, called)
}

func TestRegisterRejectsNilSubscriber(t *testing.T) {
	b := NewBus()
	_, err := b.Register(nil)
	require.Error(t, err)
}

func TestSubscriptionCloseRemovesSubscriber(t *testing.T) {
	b := NewBus()
	called := false
	sub, err := b.Register(SubscriberFunc(func(context.Context, Event) error { called = true; return nil }))
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, b.Publish(context.Background(), NewTurnCompleteEvent("t1", "s1", "stop")))
	require.False(t, called)
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	b := NewBus()
	sub, err := b.Register(SubscriberFunc(func(context.Context, Event) error { return nil }))
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
}

func TestEventConstructorsSetThreadIDAndType(t *testing.T) {
	retry := NewRetryEvent("t1", "s1", 1, 3, "network", "timeout", 250)
	require.Equal(t, model.ThreadID("t1"), retry.ThreadID())
	require.Equal(t, EventRetry, retry.Type())

	status := NewStatusChangedEvent("t1", model.ThreadCompleted, model.ThreadStreaming)
	require.Equal(t, EventStatusChanged, status.Type())

	errEvt := NewErrorEvent("t1", "s1", "auth", "unauthorized")
	require.Equal(t, EventError, errEvt.Type())

	done := NewTurnCompleteEvent("t1", "s1", "stop")
	require.Equal(t, EventTurnComplete, done.Type())
}
