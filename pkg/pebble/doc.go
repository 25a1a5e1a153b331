// Package pebblestore keeps rollout feature records in an embedded Pebble
// database, for single-node deployments and the CLI when no Redis is around.
//
// Writes honour the configured fsync policy. MultiGet reads every key from one
// snapshot, so a batch never mixes values from before and after a concurrent
// write.
package pebblestore
