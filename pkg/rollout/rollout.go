package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/dmitrymomot/rollout/pkg/audit"
	"github.com/dmitrymomot/rollout/pkg/logger"
)

const (
	keyPrefix    = "feature:"
	indexName    = "__features__"
	indexKey     = keyPrefix + indexName
	allGroupName = "all"
)

// Audit actions recorded when an audit logger is configured.
const (
	ActionUpdate = "feature.update"
	ActionDelete = "feature.delete"
	ActionReset  = "feature.reset"
)

// GroupFunc reports whether user belongs to a group.
type GroupFunc func(user string) bool

// Rollout decides feature activation from state held in a Store.
// It owns the group registry and the observer list; feature state itself
// is always read from the store.
type Rollout struct {
	store  Store
	locker Locker
	audit  audit.Logger
	log    *slog.Logger

	mu        sync.RWMutex
	groups    map[string]GroupFunc
	observers []Observer
}

// New creates a Rollout over store. The "all" group, matching every user,
// is always defined.
func New(store Store, opts ...Option) *Rollout {
	r := &Rollout{
		store: store,
		log:   slog.New(slog.DiscardHandler),
		groups: map[string]GroupFunc{
			allGroupName: func(string) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefineGroup registers or replaces the membership test for a group.
// A nil fn removes the definition.
func (r *Rollout) DefineGroup(name string, fn GroupFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.groups, name)
		return
	}
	r.groups[name] = fn
}

// ActiveInGroup evaluates the group's membership test directly.
// Undefined groups match nobody.
func (r *Rollout) ActiveInGroup(group, user string) bool {
	r.mu.RLock()
	fn, ok := r.groups[group]
	r.mu.RUnlock()
	return ok && fn(user)
}

// Observe registers an observer for feature updates.
func (r *Rollout) Observe(o Observer) {
	if o == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// WithFeature reads the named feature, applies mutate and persists the result.
// Observers receive before/after snapshots once the write succeeds.
// The cycle is not atomic against concurrent writers unless a Locker is configured.
func (r *Rollout) WithFeature(ctx context.Context, name string, mutate func(*Feature)) error {
	if err := validateName(name); err != nil {
		return err
	}

	if r.locker != nil {
		unlock, err := r.locker.Lock(ctx, keyPrefix+name)
		if err != nil {
			return errors.Join(ErrLockFailed, err)
		}
		defer unlock()
	}

	var before, after *Feature
	observers := r.observerList()

	err := r.withConn(ctx, func(conn Conn) error {
		f, err := readFeature(ctx, conn, name)
		if err != nil {
			return err
		}
		if len(observers) > 0 {
			before = f.Clone()
		}
		mutate(f)
		if err := r.saveFeature(ctx, conn, f); err != nil {
			return err
		}
		after = f
		return nil
	})
	if err != nil {
		return err
	}

	r.log.DebugContext(ctx, "feature saved", logger.Feature(name))
	if len(observers) > 0 {
		r.notify(ctx, observers, before, after)
	}
	r.record(ctx, ActionUpdate, name)
	return nil
}

// Activate rolls the feature out to everyone.
func (r *Rollout) Activate(ctx context.Context, name string) error {
	return r.WithFeature(ctx, name, func(f *Feature) { f.SetPercentage(100) })
}

// Deactivate clears percentage, users and groups. Data is kept.
func (r *Rollout) Deactivate(ctx context.Context, name string) error {
	return r.WithFeature(ctx, name, (*Feature).Clear)
}

// Set activates or deactivates the feature.
func (r *Rollout) Set(ctx context.Context, name string, active bool) error {
	if active {
		return r.Activate(ctx, name)
	}
	return r.Deactivate(ctx, name)
}

func (r *Rollout) ActivateGroup(ctx context.Context, name, group string) error {
	if err := validateIdentifier("group", group); err != nil {
		return err
	}
	return r.WithFeature(ctx, name, func(f *Feature) { f.AddGroup(group) })
}

func (r *Rollout) DeactivateGroup(ctx context.Context, name, group string) error {
	return r.WithFeature(ctx, name, func(f *Feature) { f.RemoveGroup(group) })
}

func (r *Rollout) ActivateUser(ctx context.Context, name, user string) error {
	if err := validateIdentifier("user", user); err != nil {
		return err
	}
	return r.WithFeature(ctx, name, func(f *Feature) { f.AddUser(user) })
}

func (r *Rollout) DeactivateUser(ctx context.Context, name, user string) error {
	return r.WithFeature(ctx, name, func(f *Feature) { f.RemoveUser(user) })
}

// ActivateUsers adds every user to the explicit allow-list in a single write.
func (r *Rollout) ActivateUsers(ctx context.Context, name string, users []string) error {
	if err := validateIdentifiers("user", users); err != nil {
		return err
	}
	return r.WithFeature(ctx, name, func(f *Feature) {
		for _, u := range users {
			f.AddUser(u)
		}
	})
}

// DeactivateUsers removes every user from the explicit allow-list in a single write.
func (r *Rollout) DeactivateUsers(ctx context.Context, name string, users []string) error {
	return r.WithFeature(ctx, name, func(f *Feature) {
		for _, u := range users {
			f.RemoveUser(u)
		}
	})
}

// SetUsers replaces the explicit allow-list.
func (r *Rollout) SetUsers(ctx context.Context, name string, users []string) error {
	if err := validateIdentifiers("user", users); err != nil {
		return err
	}
	return r.WithFeature(ctx, name, func(f *Feature) { f.SetUsers(users) })
}

// SetFeatureData merges data into the feature metadata.
func (r *Rollout) SetFeatureData(ctx context.Context, name string, data map[string]any) error {
	return r.WithFeature(ctx, name, func(f *Feature) { f.MergeData(data) })
}

func (r *Rollout) ClearFeatureData(ctx context.Context, name string) error {
	return r.WithFeature(ctx, name, (*Feature).ClearData)
}

func (r *Rollout) ActivatePercentage(ctx context.Context, name string, percentage float64) error {
	return r.WithFeature(ctx, name, func(f *Feature) { f.SetPercentage(percentage) })
}

func (r *Rollout) DeactivatePercentage(ctx context.Context, name string) error {
	return r.WithFeature(ctx, name, func(f *Feature) { f.SetPercentage(0) })
}

// Delete removes the feature from the index and deletes its record.
// Observers are not notified.
func (r *Rollout) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	if r.locker != nil {
		unlock, err := r.locker.Lock(ctx, keyPrefix+name)
		if err != nil {
			return errors.Join(ErrLockFailed, err)
		}
		defer unlock()
	}

	err := r.withConn(ctx, func(conn Conn) error {
		unlock, err := r.lockIndex(ctx)
		if err != nil {
			return err
		}
		defer unlock()

		names, err := readIndex(ctx, conn)
		if err != nil {
			return err
		}
		if i := slices.Index(names, name); i >= 0 {
			if err := writeIndex(ctx, conn, slices.Delete(names, i, i+1)); err != nil {
				return err
			}
		}
		return conn.Delete(ctx, keyPrefix+name)
	})
	if err != nil {
		return err
	}

	r.log.DebugContext(ctx, "feature deleted", logger.Feature(name))
	r.record(ctx, ActionDelete, name)
	return nil
}

// Clear deactivates every known feature, then removes all records and the index.
// Records that cannot be decoded are not deactivated but are still removed.
func (r *Rollout) Clear(ctx context.Context) error {
	names, err := r.Features(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		err := r.Deactivate(ctx, name)
		switch {
		case errors.Is(err, ErrCorruptRecord):
			r.log.WarnContext(ctx, "removing undecodable feature", logger.Feature(name), logger.Error(err))
		case err != nil:
			return err
		}
	}

	var removed int
	err = r.withConn(ctx, func(conn Conn) error {
		unlock, err := r.lockIndex(ctx)
		if err != nil {
			return err
		}
		defer unlock()

		current, err := readIndex(ctx, conn)
		if err != nil {
			return err
		}
		all := append(slices.Clone(names), current...)
		slices.Sort(all)
		all = slices.Compact(all)
		for _, name := range all {
			if err := conn.Delete(ctx, keyPrefix+name); err != nil {
				return err
			}
		}
		removed = len(all)
		return conn.Delete(ctx, indexKey)
	})
	if err != nil {
		return err
	}

	r.log.DebugContext(ctx, "features reset", slog.Int("count", removed))
	r.record(ctx, ActionReset, "")
	return nil
}

// Get returns the feature's current state. Unknown features decode to the default state.
func (r *Rollout) Get(ctx context.Context, name string) (*Feature, error) {
	var f *Feature
	err := r.withConn(ctx, func(conn Conn) error {
		var err error
		f, err = readFeature(ctx, conn, name)
		return err
	})
	return f, err
}

// MultiGet reads several features in one round trip. Results are aligned
// with names; missing records decode to the default state.
func (r *Rollout) MultiGet(ctx context.Context, names ...string) ([]*Feature, error) {
	if len(names) == 0 {
		return []*Feature{}, nil
	}
	var features []*Feature
	err := r.withConn(ctx, func(conn Conn) error {
		var err error
		features, err = readFeatures(ctx, conn, names)
		return err
	})
	return features, err
}

// Features returns every known feature name.
func (r *Rollout) Features(ctx context.Context) ([]string, error) {
	var names []string
	err := r.withConn(ctx, func(conn Conn) error {
		var err error
		names, err = readIndex(ctx, conn)
		return err
	})
	return names, err
}

// Exists reports whether a record is persisted for the feature.
func (r *Rollout) Exists(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := r.withConn(ctx, func(conn Conn) error {
		var err error
		ok, err = conn.Exists(ctx, keyPrefix+name)
		return err
	})
	return ok, err
}

// Active reports whether the feature is on for user. The empty user is anonymous.
func (r *Rollout) Active(ctx context.Context, name, user string) (bool, error) {
	f, err := r.Get(ctx, name)
	if err != nil {
		return false, err
	}
	return f.Active(r, user), nil
}

// UserInActiveUsers reports whether user was explicitly activated for the feature.
func (r *Rollout) UserInActiveUsers(ctx context.Context, name, user string) (bool, error) {
	f, err := r.Get(ctx, name)
	if err != nil {
		return false, err
	}
	return f.UserInActiveUsers(user), nil
}

// FeatureStates returns the activation of every known feature for user.
func (r *Rollout) FeatureStates(ctx context.Context, user string) (map[string]bool, error) {
	features, err := r.knownFeatures(ctx)
	if err != nil {
		return nil, err
	}
	states := make(map[string]bool, len(features))
	for _, f := range features {
		states[f.Name()] = f.Active(r, user)
	}
	return states, nil
}

// ActiveFeatures returns the names of the known features active for user.
func (r *Rollout) ActiveFeatures(ctx context.Context, user string) ([]string, error) {
	features, err := r.knownFeatures(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]string, 0, len(features))
	for _, f := range features {
		if f.Active(r, user) {
			active = append(active, f.Name())
		}
	}
	return active, nil
}

func (r *Rollout) knownFeatures(ctx context.Context) ([]*Feature, error) {
	var features []*Feature
	err := r.withConn(ctx, func(conn Conn) error {
		names, err := readIndex(ctx, conn)
		if err != nil || len(names) == 0 {
			return err
		}
		features, err = readFeatures(ctx, conn, names)
		return err
	})
	return features, err
}

// withConn runs fn with a connection that is closed on every exit path.
func (r *Rollout) withConn(ctx context.Context, fn func(Conn) error) (err error) {
	if r.store == nil {
		return ErrStoreNotInitialized
	}
	conn, err := r.store.Conn(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(conn)
}

// lockIndex serializes updates of the shared name index when a Locker is
// configured. It is always taken after the feature lock.
func (r *Rollout) lockIndex(ctx context.Context) (func(), error) {
	if r.locker == nil {
		return func() {}, nil
	}
	unlock, err := r.locker.Lock(ctx, indexKey)
	if err != nil {
		return nil, errors.Join(ErrLockFailed, err)
	}
	return unlock, nil
}

func (r *Rollout) observerList() []Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.observers)
}

// record writes to the audit trail. Audit failures are logged only.
func (r *Rollout) record(ctx context.Context, action, name string) {
	if r.audit == nil {
		return
	}
	var opts []audit.EventOption
	if name != "" {
		opts = append(opts, audit.WithResource("feature", name))
	}
	if err := r.audit.Log(ctx, action, opts...); err != nil {
		r.log.WarnContext(ctx, "audit failed",
			slog.String("action", action),
			logger.Feature(name),
			logger.Error(err),
		)
	}
}

func readFeature(ctx context.Context, conn Conn, name string) (*Feature, error) {
	raw, err := conn.Get(ctx, keyPrefix+name)
	if err != nil {
		return nil, err
	}
	return NewFeature(name, raw)
}

func readFeatures(ctx context.Context, conn Conn, names []string) ([]*Feature, error) {
	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = keyPrefix + name
	}
	raws, err := conn.MultiGet(ctx, keys...)
	if err != nil {
		return nil, err
	}
	if len(raws) != len(names) {
		return nil, fmt.Errorf("rollout: store returned %d values for %d keys", len(raws), len(names))
	}
	features := make([]*Feature, len(names))
	for i, name := range names {
		if features[i], err = NewFeature(name, raws[i]); err != nil {
			return nil, err
		}
	}
	return features, nil
}

func (r *Rollout) saveFeature(ctx context.Context, conn Conn, f *Feature) error {
	raw, err := f.Serialize()
	if err != nil {
		return err
	}

	unlock, err := r.lockIndex(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := conn.Set(ctx, keyPrefix+f.Name(), raw); err != nil {
		return err
	}
	names, err := readIndex(ctx, conn)
	if err != nil {
		return err
	}
	if slices.Contains(names, f.Name()) {
		return nil
	}
	return writeIndex(ctx, conn, append(names, f.Name()))
}

func readIndex(ctx context.Context, conn Conn) ([]string, error) {
	raw, err := conn.Get(ctx, indexKey)
	if err != nil {
		return nil, err
	}
	return splitList(raw), nil
}

func writeIndex(ctx context.Context, conn Conn, names []string) error {
	if len(names) == 0 {
		return conn.Delete(ctx, indexKey)
	}
	slices.Sort(names)
	return conn.Set(ctx, indexKey, strings.Join(slices.Compact(names), listSeparator))
}

func validateName(name string) error {
	if name == indexName {
		return errors.Join(ErrInvalidIdentifier, fmt.Errorf("feature name %q is reserved", name))
	}
	return validateIdentifier("feature name", name)
}

func validateIdentifier(kind, value string) error {
	if value == "" || strings.ContainsAny(value, fieldSeparator+listSeparator) {
		return errors.Join(ErrInvalidIdentifier, fmt.Errorf("%s %q", kind, value))
	}
	return nil
}

func validateIdentifiers(kind string, values []string) error {
	for _, v := range values {
		if err := validateIdentifier(kind, v); err != nil {
			return err
		}
	}
	return nil
}
