package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dmitrymomot/rollout/pkg/rollout"
)

// Subscription receives feature update events from a Feed.
type Subscription struct {
	ch     chan rollout.Event
	closed bool
	mu     sync.RWMutex
}

func newSubscription(buffer int) *Subscription {
	return &Subscription{ch: make(chan rollout.Event, buffer)}
}

// Events returns the channel events are delivered on. It is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan rollout.Event {
	return s.ch
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		close(s.ch)
		s.closed = true
	}
	return nil
}

func (s *Subscription) send(e rollout.Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

// Feed delivers every published event to all current subscribers.
// All methods are safe for concurrent use.
type Feed struct {
	subs    map[*Subscription]struct{}
	buffer  int
	closed  bool
	dropped atomic.Uint64
	done    chan struct{}
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// NewFeed creates a feed whose subscribers buffer up to buffer events.
// The minimum buffer is 1.
func NewFeed(buffer int) *Feed {
	return &Feed{
		subs:   make(map[*Subscription]struct{}),
		buffer: max(buffer, 1),
		done:   make(chan struct{}),
	}
}

// Subscribe registers a subscriber that is removed when ctx is done.
// Subscribing to a closed feed returns an already closed subscription.
func (f *Feed) Subscribe(ctx context.Context) *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub := newSubscription(f.buffer)
	if f.closed {
		_ = sub.Close()
		return sub
	}
	f.subs[sub] = struct{}{}

	if ctx.Done() != nil {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			select {
			case <-ctx.Done():
				f.unsubscribe(sub)
			case <-f.done:
			}
		}()
	}
	return sub
}

// Publish delivers e to every subscriber without blocking. Each subscriber
// gets its own copies of the feature snapshots. Subscribers that cannot take
// the event are closed and removed.
func (f *Feed) Publish(ctx context.Context, e rollout.Event) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return ErrFeedClosed
	}
	for sub := range f.subs {
		if !sub.send(rollout.Event{Kind: e.Kind, Before: e.Before.Clone(), After: e.After.Clone()}) {
			f.dropped.Add(1)
			go f.unsubscribe(sub)
		}
	}
	return nil
}

// Observer returns a rollout observer publishing every update to f.
func (f *Feed) Observer() rollout.Observer {
	return f.Publish
}

// Subscribers returns the number of active subscribers.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Dropped returns how many deliveries were abandoned because a subscriber
// was full or closed.
func (f *Feed) Dropped() uint64 {
	return f.dropped.Load()
}

// Close closes every subscription. Further Publish calls return ErrFeedClosed.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.done)
	for sub := range f.subs {
		_ = sub.Close()
	}
	clear(f.subs)
	f.mu.Unlock()

	f.wg.Wait()
	return nil
}

func (f *Feed) unsubscribe(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, sub)
	_ = sub.Close()
}
