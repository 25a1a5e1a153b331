package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dmitrymomot/rollout/pkg/audit"
	"github.com/dmitrymomot/rollout/pkg/environment"
	"github.com/dmitrymomot/rollout/pkg/groups"
	"github.com/dmitrymomot/rollout/pkg/logger"
	pebblestore "github.com/dmitrymomot/rollout/pkg/pebble"
	"github.com/dmitrymomot/rollout/pkg/redis"
	"github.com/dmitrymomot/rollout/pkg/rollout"
)

type actorKey struct{}

func withActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(actorKey{}).(string)
	return actor, ok && actor != ""
}

// app holds everything a single command invocation needs.
type app struct {
	log     *slog.Logger
	rollout *rollout.Rollout
	health  func(context.Context) error
	closers []func() error
}

func newLogger(cfg Config, out io.Writer) (*slog.Logger, error) {
	opts := []logger.Option{
		logger.WithEnvironment(environment.Parse(cfg.AppEnv), "rollout"),
		logger.WithOutput(out),
	}
	if cfg.LogLevel != "" {
		level, err := logger.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
		}
		opts = append(opts, logger.WithLevel(level))
	}
	return logger.New(opts...), nil
}

// openApp connects the configured store and builds a Rollout over it.
func openApp(ctx context.Context, cfg Config, log *slog.Logger) (*app, error) {
	a := &app{log: log}

	var (
		store  rollout.Store
		locker rollout.Locker
	)
	switch cfg.Store {
	case storeRedis:
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		a.health = redis.Healthcheck(client)
		store = redis.NewStore(client)
		locker = redis.NewLocker(client, redis.WithLockTTL(cfg.Redis.LockTTL))
	case storePebble:
		mode, err := pebblestore.ParseFsyncMode(cfg.PebbleFsync)
		if err != nil {
			return nil, err
		}
		db, err := pebblestore.Open(pebblestore.Options{DataDir: cfg.PebbleDir, Fsync: mode})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.health = func(ctx context.Context) error {
			_, err := a.rollout.Features(ctx)
			return err
		}
		store = db
		locker = rollout.NewKeyedMutex()
	default:
		return nil, fmt.Errorf("unknown store %q: use %s or %s", cfg.Store, storeRedis, storePebble)
	}

	a.rollout = rollout.New(store,
		rollout.WithLogger(log),
		rollout.WithLocker(locker),
		rollout.WithObserver(rollout.LogObserver(log)),
		rollout.WithAuditLogger(audit.NewLogger(
			audit.NewSlogStorage(log.With(logger.Component("audit"))),
			audit.WithActorExtractor(actorFromContext),
		)),
	)

	if cfg.GroupsFile != "" {
		defs, err := groups.Load(cfg.GroupsFile)
		if err != nil {
			return nil, errors.Join(err, a.Close())
		}
		if err := groups.Register(a.rollout, defs); err != nil {
			return nil, errors.Join(err, a.Close())
		}
		log.DebugContext(ctx, "groups loaded", slog.Int("count", len(defs)))
	}

	log.DebugContext(ctx, "store opened", logger.Store(cfg.Store))
	return a, nil
}

// Close releases the store connections in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
