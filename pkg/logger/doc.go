// Package logger builds the *slog.Logger used by the rollout CLI and
// libraries, plus attribute helpers for the keys those packages log.
//
//	log := logger.New(
//		logger.WithEnvironment(environment.Production, "rollout"),
//		logger.WithLevel(slog.LevelDebug),
//	)
//	log.Info("feature saved", logger.Feature("search_v2"))
//
// Context extractors registered with WithContextExtractors run on every
// record, so request-scoped values reach the output without passing the
// logger around.
package logger
