package audit

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// MemoryStorage keeps events in memory. It's useful for testing.
type MemoryStorage struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Store(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of the stored events in insertion order.
func (s *MemoryStorage) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events)
}

// SlogStorage writes events as log records.
type SlogStorage struct {
	log *slog.Logger
}

// NewSlogStorage creates a storage writing to log. A nil log uses slog.Default.
func NewSlogStorage(log *slog.Logger) *SlogStorage {
	if log == nil {
		log = slog.Default()
	}
	return &SlogStorage{log: log}
}

func (s *SlogStorage) Store(ctx context.Context, event Event) error {
	attrs := []slog.Attr{
		slog.String("audit_id", event.ID),
		slog.String("action", event.Action),
		slog.String("result", string(event.Result)),
		slog.Time("created_at", event.CreatedAt),
	}
	if event.Actor != "" {
		attrs = append(attrs, slog.String("actor", event.Actor))
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.Resource != "" {
		attrs = append(attrs, slog.String("resource", event.Resource), slog.String("resource_id", event.ResourceID))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if len(event.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", event.Metadata))
	}

	level := slog.LevelInfo
	if event.Result == ResultError {
		level = slog.LevelWarn
	}
	s.log.LogAttrs(ctx, level, "audit", attrs...)
	return nil
}
