package rollout

import "errors"

// Predefined errors for the rollout package.
var (
	// ErrCorruptRecord indicates a persisted feature record could not be decoded.
	ErrCorruptRecord = errors.New("corrupt feature record")

	// ErrInvalidIdentifier indicates a feature name, user id or group name is empty
	// or contains a record delimiter.
	ErrInvalidIdentifier = errors.New("invalid feature identifier")

	// ErrStoreNotInitialized indicates the rollout was created without a store.
	ErrStoreNotInitialized = errors.New("rollout store not initialized")

	// ErrLockFailed indicates the per-feature lock could not be acquired.
	ErrLockFailed = errors.New("failed to acquire feature lock")
)
