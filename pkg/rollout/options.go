package rollout

import (
	"log/slog"

	"github.com/dmitrymomot/rollout/pkg/audit"
)

// Option configures a Rollout.
type Option func(*Rollout)

// WithLogger sets the logger used for diagnostics. Nil loggers are ignored.
func WithLogger(l *slog.Logger) Option {
	return func(r *Rollout) {
		if l != nil {
			r.log = l
		}
	}
}

// WithObserver registers observers at construction time.
func WithObserver(observers ...Observer) Option {
	return func(r *Rollout) {
		for _, o := range observers {
			if o != nil {
				r.observers = append(r.observers, o)
			}
		}
	}
}

// WithLocker serializes writes to each feature, and updates of the shared
// name index, through l. Without a locker concurrent writers are
// last-write-wins, and a write may drop another feature's index entry.
func WithLocker(l Locker) Option {
	return func(r *Rollout) {
		r.locker = l
	}
}

// WithAuditLogger records updates, deletes and resets to an audit trail.
func WithAuditLogger(a audit.Logger) Option {
	return func(r *Rollout) {
		r.audit = a
	}
}

// WithGroup defines a group at construction time.
func WithGroup(name string, fn GroupFunc) Option {
	return func(r *Rollout) {
		if fn != nil {
			r.groups[name] = fn
		}
	}
}
