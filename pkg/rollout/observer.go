package rollout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dmitrymomot/rollout/pkg/logger"
)

// EventKind names the kind of change an observer is told about.
type EventKind string

// EventUpdate is emitted after every read-mutate-persist cycle.
const EventUpdate EventKind = "update"

// Event carries independent snapshots of a feature around a mutation.
type Event struct {
	Kind   EventKind
	Before *Feature
	After  *Feature
}

// Observer is notified synchronously, in registration order, after a mutation
// has been persisted. A returned error is logged and does not fail the mutation.
type Observer func(ctx context.Context, event Event) error

// LogObserver returns an observer that writes every update to log.
func LogObserver(log *slog.Logger) Observer {
	return func(ctx context.Context, event Event) error {
		log.InfoContext(ctx, "feature updated",
			logger.Event(string(event.Kind)),
			logger.Feature(event.After.Name()),
			slog.Any("before", event.Before),
			slog.Any("after", event.After),
		)
		return nil
	}
}

// notify delivers an update to every observer. Each observer receives its own
// copies so one observer cannot alter what the next one sees.
func (r *Rollout) notify(ctx context.Context, observers []Observer, before, after *Feature) {
	for i, o := range observers {
		event := Event{Kind: EventUpdate, Before: before.Clone(), After: after.Clone()}
		if err := callObserver(ctx, o, event); err != nil {
			r.log.WarnContext(ctx, "observer failed",
				logger.Feature(after.Name()),
				slog.Int("observer", i),
				logger.Error(err),
			)
		}
	}
}

func callObserver(ctx context.Context, o Observer, event Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("observer panic: %v", p)
		}
	}()
	return o(ctx, event)
}
