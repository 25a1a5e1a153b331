// Package broadcast fans rollout feature updates out to in-process
// subscribers, for example caches that must drop a feature once it changes.
//
//	feed := broadcast.NewFeed(16)
//	defer feed.Close()
//
//	r := rollout.New(store, rollout.WithObserver(feed.Observer()))
//
//	sub := feed.Subscribe(ctx)
//	for event := range sub.Events() {
//		cache.Remove(event.After.Name())
//	}
//
// Publishing never blocks. A subscriber whose buffer is full is closed and
// removed, so a closed Events channel means updates may have been missed
// and the consumer should reload everything it holds.
//
// Only updates made through a Rollout in this process are seen. Writers in
// other processes sharing the store are not observed, which is why the
// short-lived rollout CLI does not use a Feed; it is meant for long-running
// services embedding the engine.
package broadcast
