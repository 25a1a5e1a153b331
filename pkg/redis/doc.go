// Package redis stores rollout feature records in Redis.
//
// The package wraps the go-redis client and adds:
//
//   - Connect, which pings the server with retries before handing out a client.
//   - Store, a rollout.Store that pins one pooled connection per rollout
//     operation and maps GET/SET/MGET/DEL/EXISTS onto the rollout contract.
//   - Locker, a rollout.Locker built on SET NX PX with token-checked release,
//     for serializing writes to a feature across processes.
//   - Healthcheck for liveness and readiness probes.
//
// Configuration is described by the Config struct whose fields can be
// populated from environment variables via github.com/caarlos0/env.
//
// # Usage
//
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	r := rollout.New(redis.NewStore(client),
//	    rollout.WithLocker(redis.NewLocker(client, redis.WithLockTTL(cfg.LockTTL))),
//	)
//
// Records use the key layout "feature:<name>" with the name index at
// "feature:__features__", so existing data written by other rollout
// clients against the same database is read as-is.
//
// # Errors
//
// Sentinel errors (ErrRedisNotReady, ErrLockTimeout, ...) are joined with the
// underlying go-redis error using errors.Join and can be matched with errors.Is.
package redis
