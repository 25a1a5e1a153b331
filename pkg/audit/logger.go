package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// contextExtractor extracts string values from context.
// It returns (value, found) where found indicates if extraction succeeded.
type contextExtractor func(context.Context) (string, bool)

type logger struct {
	storage            Storage
	actorExtractor     contextExtractor
	requestIDExtractor contextExtractor
	now                func() time.Time
}

// Option configures Logger behavior during initialization
type Option func(*logger)

// WithActorExtractor sets how the acting operator or service is read from context.
func WithActorExtractor(fn func(context.Context) (string, bool)) Option {
	return func(l *logger) {
		l.actorExtractor = fn
	}
}

func WithRequestIDExtractor(fn func(context.Context) (string, bool)) Option {
	return func(l *logger) {
		l.requestIDExtractor = fn
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *logger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLogger creates a new audit logger
func NewLogger(storage Storage, opts ...Option) Logger {
	if storage == nil {
		panic("audit: storage cannot be nil")
	}

	l := &logger{
		storage: storage,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Log records a successful action
func (l *logger) Log(ctx context.Context, action string, opts ...EventOption) error {
	return l.store(ctx, action, ResultSuccess, nil, opts)
}

// LogError records a failed action
func (l *logger) LogError(ctx context.Context, action string, err error, opts ...EventOption) error {
	return l.store(ctx, action, ResultError, err, opts)
}

func (l *logger) store(ctx context.Context, action string, result Result, cause error, opts []EventOption) error {
	event := l.eventFromContext(ctx)
	event.ID = uuid.New().String()
	event.CreatedAt = l.now()
	event.Action = action
	event.Result = result
	if cause != nil {
		event.Error = cause.Error()
	}

	for _, opt := range opts {
		opt(&event)
	}

	if err := event.Validate(); err != nil {
		return err
	}

	return l.storage.Store(ctx, event)
}

// eventFromContext extracts event data from context
func (l *logger) eventFromContext(ctx context.Context) Event {
	event := Event{}

	if l.actorExtractor != nil {
		if actor, ok := l.actorExtractor(ctx); ok {
			event.Actor = actor
		}
	}

	if l.requestIDExtractor != nil {
		if requestID, ok := l.requestIDExtractor(ctx); ok {
			event.RequestID = requestID
		}
	}

	return event
}
