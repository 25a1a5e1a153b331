package rollout_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/rollout/pkg/audit"
	"github.com/dmitrymomot/rollout/pkg/rollout"
)

var errStoreDown = errors.New("store down")

// trackingStore counts acquired and released connections and can fail
// individual operations.
type trackingStore struct {
	*rollout.MemoryStore
	opened  atomic.Int32
	closed  atomic.Int32
	failGet  bool
	failSet  bool
	getDelay time.Duration
}

func newTrackingStore() *trackingStore {
	return &trackingStore{MemoryStore: rollout.NewMemoryStore()}
}

func (s *trackingStore) Conn(ctx context.Context) (rollout.Conn, error) {
	conn, err := s.MemoryStore.Conn(ctx)
	if err != nil {
		return nil, err
	}
	s.opened.Add(1)
	return &trackingConn{Conn: conn, s: s}, nil
}

type trackingConn struct {
	rollout.Conn
	s *trackingStore
}

func (c *trackingConn) Get(ctx context.Context, key string) (string, error) {
	if c.s.failGet {
		return "", errStoreDown
	}
	time.Sleep(c.s.getDelay)
	return c.Conn.Get(ctx, key)
}

func (c *trackingConn) MultiGet(ctx context.Context, keys ...string) ([]string, error) {
	if c.s.failGet {
		return nil, errStoreDown
	}
	return c.Conn.MultiGet(ctx, keys...)
}

func (c *trackingConn) Set(ctx context.Context, key, value string) error {
	if c.s.failSet {
		return errStoreDown
	}
	return c.Conn.Set(ctx, key, value)
}

func (c *trackingConn) Close() error {
	c.s.closed.Add(1)
	return c.Conn.Close()
}

func newRollout(t *testing.T, opts ...rollout.Option) (*rollout.Rollout, *rollout.MemoryStore) {
	t.Helper()
	store := rollout.NewMemoryStore()
	return rollout.New(store, opts...), store
}

func TestRollout_Scenarios(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("percentage rollout is deterministic", func(t *testing.T) {
		t.Parallel()
		r, _ := newRollout(t)
		require.NoError(t, r.ActivatePercentage(ctx, "search_v2", 25))

		first, err := r.Active(ctx, "search_v2", "user-42")
		require.NoError(t, err)
		for range 10 {
			again, err := r.Active(ctx, "search_v2", "user-42")
			require.NoError(t, err)
			assert.Equal(t, first, again)
		}
		assert.False(t, first)
	})

	t.Run("deactivate wins over explicit user", func(t *testing.T) {
		t.Parallel()
		r, _ := newRollout(t)
		require.NoError(t, r.ActivateUser(ctx, "search_v2", "user-7"))
		require.NoError(t, r.Set(ctx, "search_v2", false))

		active, err := r.Active(ctx, "search_v2", "user-7")
		require.NoError(t, err)
		assert.False(t, active)
	})

	t.Run("group predicate", func(t *testing.T) {
		t.Parallel()
		r, _ := newRollout(t)
		r.DefineGroup("beta", func(u string) bool { return strings.HasSuffix(u, "-beta") })
		require.NoError(t, r.ActivateGroup(ctx, "f", "beta"))

		active, err := r.Active(ctx, "f", "x-beta")
		require.NoError(t, err)
		assert.True(t, active)

		active, err = r.Active(ctx, "f", "x-prod")
		require.NoError(t, err)
		assert.False(t, active)
	})

	t.Run("data survives deactivate", func(t *testing.T) {
		t.Parallel()
		r, _ := newRollout(t)
		require.NoError(t, r.SetFeatureData(ctx, "f", map[string]any{"owner": "team-a"}))
		require.NoError(t, r.Deactivate(ctx, "f"))

		f, err := r.Get(ctx, "f")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"owner": "team-a"}, f.Data())
	})

	t.Run("delete removes record and index entry", func(t *testing.T) {
		t.Parallel()
		r, _ := newRollout(t)
		require.NoError(t, r.Activate(ctx, "f"))
		require.NoError(t, r.Activate(ctx, "g"))
		require.NoError(t, r.Delete(ctx, "f"))

		ok, err := r.Exists(ctx, "f")
		require.NoError(t, err)
		assert.False(t, ok)

		names, err := r.Features(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"g"}, names)
	})
}

func TestRollout_Get(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("unknown feature has default state", func(t *testing.T) {
		t.Parallel()
		r, store := newRollout(t)
		f, err := r.Get(ctx, "nope")
		require.NoError(t, err)
		assert.Zero(t, f.Percentage())
		assert.Empty(t, f.Users())
		assert.Empty(t, f.Groups())
		assert.Empty(t, f.Data())

		active, err := r.Active(ctx, "nope", "user-1")
		require.NoError(t, err)
		assert.False(t, active)

		assert.Empty(t, store.Snapshot(), "reads must not write")
	})

	t.Run("corrupt record fails the read", func(t *testing.T) {
		t.Parallel()
		r, store := newRollout(t)
		conn, _ := store.Conn(ctx)
		require.NoError(t, conn.Set(ctx, "feature:bad", "oops|||{}"))
		require.NoError(t, conn.Set(ctx, "feature:__features__", "bad"))

		_, err := r.Get(ctx, "bad")
		require.ErrorIs(t, err, rollout.ErrCorruptRecord)

		_, err = r.MultiGet(ctx, "bad")
		require.ErrorIs(t, err, rollout.ErrCorruptRecord)

		_, err = r.FeatureStates(ctx, "user-1")
		require.ErrorIs(t, err, rollout.ErrCorruptRecord)

		err = r.Activate(ctx, "bad")
		require.ErrorIs(t, err, rollout.ErrCorruptRecord)
	})
}

func TestRollout_MultiGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := newRollout(t)

	require.NoError(t, r.ActivatePercentage(ctx, "a", 10))
	require.NoError(t, r.ActivatePercentage(ctx, "b", 20))

	features, err := r.MultiGet(ctx, "a", "missing", "b")
	require.NoError(t, err)
	require.Len(t, features, 3)
	assert.Equal(t, "a", features[0].Name())
	assert.Equal(t, 10.0, features[0].Percentage())
	assert.Equal(t, "missing", features[1].Name())
	assert.Zero(t, features[1].Percentage())
	assert.Equal(t, "b", features[2].Name())
	assert.Equal(t, 20.0, features[2].Percentage())

	features, err = r.MultiGet(ctx)
	require.NoError(t, err)
	assert.Empty(t, features)
}

func TestRollout_Mutations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("users", func(t *testing.T) {
		t.Parallel()
		r, _ := newRollout(t)
		require.NoError(t, r.ActivateUsers(ctx, "f", []string{"a", "b", "c"}))
		require.NoError(t, r.DeactivateUsers(ctx, "f", []string{"b"}))
		require.NoError(t, r.DeactivateUser(ctx, "f", "c"))

		f, err := r.Get(ctx, "f")
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, f.Users())

		require.NoError(t, r.SetUsers(ctx, "f", []string{"x", "y"}))
		ok, err := r.UserInActiveUsers(ctx, "f", "x")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = r.UserInActiveUsers(ctx, "f", "a")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("groups", func(t *testing.T) {
		t.Parallel()
		r, _ := newRollout(t)
		require.NoError(t, r.ActivateGroup(ctx, "f", "all"))

		active, err := r.Active(ctx, "f", "anyone")
		require.NoError(t, err)
		assert.True(t, active)

		require.NoError(t, r.DeactivateGroup(ctx, "f", "all"))
		active, err = r.Active(ctx, "f", "anyone")
		require.NoError(t, err)
		assert.False(t, active)
	})

	t.Run("percentage", func(t *testing.T) {
		t.Parallel()
		r, _ := newRollout(t)
		require.NoError(t, r.ActivatePercentage(ctx, "f", 100))
		active, err := r.Active(ctx, "f", "")
		require.NoError(t, err)
		assert.True(t, active, "anonymous users see fully rolled out features")

		require.NoError(t, r.DeactivatePercentage(ctx, "f"))
		f, err := r.Get(ctx, "f")
		require.NoError(t, err)
		assert.Zero(t, f.Percentage())
	})

	t.Run("set true activates for everyone", func(t *testing.T) {
		t.Parallel()
		r, _ := newRollout(t)
		require.NoError(t, r.Set(ctx, "f", true))
		f, err := r.Get(ctx, "f")
		require.NoError(t, err)
		assert.Equal(t, 100.0, f.Percentage())
	})

	t.Run("feature data", func(t *testing.T) {
		t.Parallel()
		r, _ := newRollout(t)
		require.NoError(t, r.SetFeatureData(ctx, "f", map[string]any{"owner": "team-a", "ticket": "T-1"}))
		require.NoError(t, r.SetFeatureData(ctx, "f", map[string]any{"owner": "team-b"}))
		require.NoError(t, r.SetFeatureData(ctx, "f", nil))

		f, err := r.Get(ctx, "f")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"owner": "team-b", "ticket": "T-1"}, f.Data())

		require.NoError(t, r.ClearFeatureData(ctx, "f"))
		f, err = r.Get(ctx, "f")
		require.NoError(t, err)
		assert.Empty(t, f.Data())
	})

	t.Run("numeric data survives reload", func(t *testing.T) {
		t.Parallel()
		r, _ := newRollout(t)
		require.NoError(t, r.SetFeatureData(ctx, "f", map[string]any{"id": int64(9007199254740993), "n": 1}))

		f, err := r.Get(ctx, "f")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{
			"id": json.Number("9007199254740993"),
			"n":  json.Number("1"),
		}, f.Data())
	})

	t.Run("invalid identifiers write nothing", func(t *testing.T) {
		t.Parallel()
		r, store := newRollout(t)

		require.ErrorIs(t, r.Activate(ctx, ""), rollout.ErrInvalidIdentifier)
		require.ErrorIs(t, r.Activate(ctx, "a,b"), rollout.ErrInvalidIdentifier)
		require.ErrorIs(t, r.Activate(ctx, "a|b"), rollout.ErrInvalidIdentifier)
		require.ErrorIs(t, r.Activate(ctx, "__features__"), rollout.ErrInvalidIdentifier)
		require.ErrorIs(t, r.ActivateUser(ctx, "f", "u,1"), rollout.ErrInvalidIdentifier)
		require.ErrorIs(t, r.ActivateUsers(ctx, "f", []string{"ok", ""}), rollout.ErrInvalidIdentifier)
		require.ErrorIs(t, r.SetUsers(ctx, "f", []string{"a|b"}), rollout.ErrInvalidIdentifier)
		require.ErrorIs(t, r.ActivateGroup(ctx, "f", "beta,staff"), rollout.ErrInvalidIdentifier)
		require.ErrorIs(t, r.Delete(ctx, ""), rollout.ErrInvalidIdentifier)

		assert.Empty(t, store.Snapshot())
	})
}

func TestRollout_Index(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store := newRollout(t)

	names, err := r.Features(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, r.Activate(ctx, "zeta"))
	require.NoError(t, r.ActivateUser(ctx, "alpha", "u1"))
	require.NoError(t, r.ActivateUser(ctx, "alpha", "u2"))

	names, err = r.Features(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, names)
	assert.Equal(t, "alpha,zeta", store.Snapshot()["feature:__features__"])

	ok, err := r.Exists(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.Delete(ctx, "alpha"))
	require.NoError(t, r.Delete(ctx, "never-existed"))
	names, err = r.Features(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta"}, names)
}

func TestRollout_States(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := newRollout(t)
	r.DefineGroup("staff", func(u string) bool { return u == "carol" })

	require.NoError(t, r.Activate(ctx, "everyone"))
	require.NoError(t, r.ActivateUser(ctx, "bob_only", "bob"))
	require.NoError(t, r.ActivateGroup(ctx, "staff_only", "staff"))
	require.NoError(t, r.Deactivate(ctx, "off"))

	states, err := r.FeatureStates(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{
		"bob_only":   true,
		"everyone":   true,
		"off":        false,
		"staff_only": false,
	}, states)

	active, err := r.ActiveFeatures(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{"everyone", "staff_only"}, active)

	active, err = r.ActiveFeatures(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"everyone"}, active)

	empty, _ := newRollout(t)
	states, err = empty.FeatureStates(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestRollout_Clear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var updates atomic.Int32
	r, store := newRollout(t, rollout.WithObserver(func(ctx context.Context, e rollout.Event) error {
		updates.Add(1)
		return nil
	}))

	require.NoError(t, r.Activate(ctx, "a"))
	require.NoError(t, r.Activate(ctx, "b"))
	updates.Store(0)

	require.NoError(t, r.Clear(ctx))
	assert.Empty(t, store.Snapshot())
	assert.Equal(t, int32(2), updates.Load(), "every feature is deactivated before removal")

	names, err := r.Features(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, r.Clear(ctx))
}

func TestRollout_ClearWithUndecodableRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store := newRollout(t)

	require.NoError(t, r.Activate(ctx, "a"))
	require.NoError(t, r.Activate(ctx, "b"))
	conn, _ := store.Conn(ctx)
	require.NoError(t, conn.Set(ctx, "feature:a", "oops|||{}"))

	require.NoError(t, r.Clear(ctx))
	assert.Empty(t, store.Snapshot())

	names, err := r.Features(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestRollout_Groups(t *testing.T) {
	t.Parallel()
	r, _ := newRollout(t, rollout.WithGroup("admins", func(u string) bool { return u == "root" }))

	assert.True(t, r.ActiveInGroup("all", "anyone"))
	assert.True(t, r.ActiveInGroup("admins", "root"))
	assert.False(t, r.ActiveInGroup("admins", "guest"))
	assert.False(t, r.ActiveInGroup("undefined", "root"))

	r.DefineGroup("admins", func(u string) bool { return u == "guest" })
	assert.True(t, r.ActiveInGroup("admins", "guest"))

	r.DefineGroup("all", func(string) bool { return false })
	assert.False(t, r.ActiveInGroup("all", "anyone"))

	r.DefineGroup("admins", nil)
	assert.False(t, r.ActiveInGroup("admins", "guest"))
}

func TestRollout_Observers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("receive snapshots in registration order", func(t *testing.T) {
		t.Parallel()
		var calls []string
		var events []rollout.Event
		r, _ := newRollout(t, rollout.WithObserver(func(ctx context.Context, e rollout.Event) error {
			calls = append(calls, "first")
			events = append(events, e)
			return nil
		}))
		r.Observe(func(ctx context.Context, e rollout.Event) error {
			calls = append(calls, "second")
			return nil
		})

		require.NoError(t, r.ActivateUser(ctx, "f", "alice"))
		require.NoError(t, r.ActivatePercentage(ctx, "f", 30))

		assert.Equal(t, []string{"first", "second", "first", "second"}, calls)
		require.Len(t, events, 2)

		assert.Equal(t, rollout.EventUpdate, events[0].Kind)
		assert.Empty(t, events[0].Before.Users())
		assert.Equal(t, []string{"alice"}, events[0].After.Users())

		assert.Zero(t, events[1].Before.Percentage())
		assert.Equal(t, 30.0, events[1].After.Percentage())
		assert.Equal(t, []string{"alice"}, events[1].Before.Users())
	})

	t.Run("snapshots are independent", func(t *testing.T) {
		t.Parallel()
		var got rollout.Event
		r, _ := newRollout(t)
		r.Observe(func(ctx context.Context, e rollout.Event) error {
			e.After.AddUser("mallory")
			return nil
		})
		r.Observe(func(ctx context.Context, e rollout.Event) error {
			got = e
			return nil
		})

		require.NoError(t, r.ActivateUser(ctx, "f", "alice"))
		assert.Equal(t, []string{"alice"}, got.After.Users())

		f, err := r.Get(ctx, "f")
		require.NoError(t, err)
		assert.Equal(t, []string{"alice"}, f.Users())
	})

	t.Run("failures are logged and isolated", func(t *testing.T) {
		t.Parallel()
		buf := &bytes.Buffer{}
		log := slog.New(slog.NewJSONHandler(buf, nil))
		called := false

		r, _ := newRollout(t,
			rollout.WithLogger(log),
			rollout.WithObserver(
				func(ctx context.Context, e rollout.Event) error { return errors.New("boom") },
				func(ctx context.Context, e rollout.Event) error { panic("worse") },
				func(ctx context.Context, e rollout.Event) error { called = true; return nil },
			),
		)

		require.NoError(t, r.Activate(ctx, "f"))
		assert.True(t, called)
		assert.Equal(t, 2, strings.Count(buf.String(), "observer failed"))

		active, err := r.Active(ctx, "f", "anyone")
		require.NoError(t, err)
		assert.True(t, active)
	})

	t.Run("delete does not notify", func(t *testing.T) {
		t.Parallel()
		var calls int
		r, _ := newRollout(t)
		require.NoError(t, r.Activate(ctx, "f"))
		r.Observe(func(ctx context.Context, e rollout.Event) error {
			calls++
			return nil
		})
		require.NoError(t, r.Delete(ctx, "f"))
		assert.Zero(t, calls)
	})

	t.Run("log observer", func(t *testing.T) {
		t.Parallel()
		buf := &bytes.Buffer{}
		r, _ := newRollout(t, rollout.WithObserver(rollout.LogObserver(slog.New(slog.NewJSONHandler(buf, nil)))))
		require.NoError(t, r.ActivatePercentage(ctx, "f", 5))

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "feature updated", entry["msg"])
		assert.Equal(t, "f", entry["feature"])
		assert.Equal(t, "update", entry["event"])
		after := entry["after"].(map[string]any)
		assert.Equal(t, 5.0, after["percentage"])
	})
}

func TestRollout_Audit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	storage := audit.NewMemoryStorage()
	r, _ := newRollout(t, rollout.WithAuditLogger(audit.NewLogger(storage)))

	require.NoError(t, r.Activate(ctx, "f"))
	require.NoError(t, r.Delete(ctx, "f"))
	require.NoError(t, r.Clear(ctx))

	events := storage.Events()
	require.Len(t, events, 3)
	assert.Equal(t, rollout.ActionUpdate, events[0].Action)
	assert.Equal(t, "f", events[0].ResourceID)
	assert.Equal(t, rollout.ActionDelete, events[1].Action)
	assert.Equal(t, "f", events[1].ResourceID)
	assert.Equal(t, rollout.ActionReset, events[2].Action)
}

func TestRollout_Connections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("released on success", func(t *testing.T) {
		t.Parallel()
		store := newTrackingStore()
		r := rollout.New(store)

		require.NoError(t, r.Activate(ctx, "f"))
		_, err := r.Get(ctx, "f")
		require.NoError(t, err)
		_, err = r.FeatureStates(ctx, "u")
		require.NoError(t, err)
		require.NoError(t, r.Clear(ctx))

		assert.Positive(t, store.opened.Load())
		assert.Equal(t, store.opened.Load(), store.closed.Load())
	})

	t.Run("released on failure and errors propagate", func(t *testing.T) {
		t.Parallel()
		store := newTrackingStore()
		r := rollout.New(store)
		require.NoError(t, r.Activate(ctx, "f"))

		store.failSet = true
		require.ErrorIs(t, r.Activate(ctx, "g"), errStoreDown)

		store.failSet = false
		store.failGet = true
		_, err := r.Get(ctx, "f")
		require.ErrorIs(t, err, errStoreDown)
		_, err = r.MultiGet(ctx, "f", "g")
		require.ErrorIs(t, err, errStoreDown)
		_, err = r.Features(ctx)
		require.ErrorIs(t, err, errStoreDown)
		require.ErrorIs(t, r.Delete(ctx, "f"), errStoreDown)

		assert.Equal(t, store.opened.Load(), store.closed.Load())
	})

	t.Run("missing store", func(t *testing.T) {
		t.Parallel()
		r := rollout.New(nil)
		_, err := r.Get(ctx, "f")
		require.ErrorIs(t, err, rollout.ErrStoreNotInitialized)
	})
}
