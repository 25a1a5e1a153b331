package broadcast_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/rollout/pkg/broadcast"
	"github.com/dmitrymomot/rollout/pkg/rollout"
)

func receive(t *testing.T, sub *broadcast.Subscription) (rollout.Event, bool) {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		return e, ok
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return rollout.Event{}, false
	}
}

func TestFeed_RolloutUpdates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	feed := broadcast.NewFeed(4)
	defer feed.Close()

	r := rollout.New(rollout.NewMemoryStore(), rollout.WithObserver(feed.Observer()))
	first := feed.Subscribe(ctx)
	second := feed.Subscribe(ctx)
	assert.Equal(t, 2, feed.Subscribers())

	require.NoError(t, r.ActivatePercentage(ctx, "search_v2", 25))

	for _, sub := range []*broadcast.Subscription{first, second} {
		e, ok := receive(t, sub)
		require.True(t, ok)
		assert.Equal(t, rollout.EventUpdate, e.Kind)
		assert.Equal(t, "search_v2", e.After.Name())
		assert.Zero(t, e.Before.Percentage())
		assert.Equal(t, 25.0, e.After.Percentage())
	}
}

func TestFeed_SubscribersGetIndependentSnapshots(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	feed := broadcast.NewFeed(1)
	defer feed.Close()

	first := feed.Subscribe(ctx)
	second := feed.Subscribe(ctx)

	after, err := rollout.NewFeature("f", "0|alice||{}")
	require.NoError(t, err)
	require.NoError(t, feed.Publish(ctx, rollout.Event{Kind: rollout.EventUpdate, After: after}))

	e1, ok := receive(t, first)
	require.True(t, ok)
	e2, ok := receive(t, second)
	require.True(t, ok)

	e1.After.AddUser("mallory")
	assert.Equal(t, []string{"alice"}, e2.After.Users())
	assert.Equal(t, []string{"alice"}, after.Users(), "the published event is not shared")
	assert.Nil(t, e2.Before)
}

func TestFeed_ContextCancelUnsubscribes(t *testing.T) {
	t.Parallel()

	feed := broadcast.NewFeed(1)
	defer feed.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := feed.Subscribe(ctx)
	cancel()

	_, ok := receive(t, sub)
	assert.False(t, ok, "events channel is closed after cancel")
	assert.Eventually(t, func() bool { return feed.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestFeed_SlowSubscriberIsDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	feed := broadcast.NewFeed(1)
	defer feed.Close()

	slow := feed.Subscribe(ctx)
	event := rollout.Event{Kind: rollout.EventUpdate}

	require.NoError(t, feed.Publish(ctx, event))
	require.NoError(t, feed.Publish(ctx, event))
	assert.Equal(t, uint64(1), feed.Dropped())

	assert.Eventually(t, func() bool { return feed.Subscribers() == 0 }, time.Second, 5*time.Millisecond)

	_, ok := receive(t, slow)
	assert.True(t, ok, "buffered event is still delivered")
	_, ok = receive(t, slow)
	assert.False(t, ok, "then the channel is closed")
}

func TestFeed_Close(t *testing.T) {
	t.Parallel()

	feed := broadcast.NewFeed(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := feed.Subscribe(ctx)
	require.NoError(t, feed.Close())
	require.NoError(t, feed.Close())

	_, ok := receive(t, sub)
	assert.False(t, ok)

	late := feed.Subscribe(context.Background())
	_, ok = receive(t, late)
	assert.False(t, ok)

	require.ErrorIs(t, feed.Publish(context.Background(), rollout.Event{}), broadcast.ErrFeedClosed)
}

func TestFeed_ClosedFeedDoesNotFailWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	feed := broadcast.NewFeed(1)
	require.NoError(t, feed.Close())

	r := rollout.New(rollout.NewMemoryStore(), rollout.WithObserver(feed.Observer()))
	require.NoError(t, r.Activate(ctx, "f"))
}
