// Package audit records who changed which feature and when.
//
// A Logger stamps each event with an id and timestamp, fills actor and
// request fields from context through optional extractors, and hands the
// event to a Storage:
//
//	store := audit.NewMemoryStorage()
//	log := audit.NewLogger(store, audit.WithActorExtractor(actorFromContext))
//	_ = log.Log(ctx, "feature.update", audit.WithResource("feature", "search_v2"))
//
// MemoryStorage keeps events in process for tests; SlogStorage forwards them
// to a structured logger.
package audit
