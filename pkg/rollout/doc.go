// Package rollout decides whether a feature is enabled for a user.
//
// Feature state lives in a Store as one record per feature plus a name
// index. A feature is active for a user when its percentage is 100, when
// the user is in its explicit allow-list, when the user belongs to one of
// its groups, or when the user's deterministic bucket falls below the
// rollout percentage.
//
//	r := rollout.New(rollout.NewMemoryStore(),
//		rollout.WithGroup("beta", func(u string) bool { return strings.HasSuffix(u, "-beta") }),
//		rollout.WithLogger(log),
//	)
//
//	if err := r.ActivatePercentage(ctx, "search_v2", 25); err != nil {
//		return err
//	}
//	on, err := r.Active(ctx, "search_v2", userID)
//
// Records are stored as "<percentage>|<users>|<groups>|<json data>" under
// "feature:<name>", with the comma separated index at
// "feature:__features__". Any process sharing the same store and key layout
// sees the same decisions.
//
// Writes follow a read, mutate, persist cycle. Without a Locker two writers
// updating one feature concurrently may lose an update, and writers to
// different features may lose each other's index entries. With a Locker each
// write holds the feature's lock and then the index lock; KeyedMutex
// serializes writers within a process and redis.Locker across processes.
//
// Group membership tests are registered per Rollout and are never
// persisted. Observers registered with WithObserver or Observe see
// independent before and after snapshots of every update.
package rollout
