package storage

import "errors"

// Domain validation errors, distinct from transient connectivity failures.
// Callers match these with errors.Is and never retry them.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyResolved is returned when resolving a conflict that has
	// already been resolved. Resolution is a one-way transition that
	// happens exactly once.
	ErrAlreadyResolved = errors.New("storage: conflict already resolved")

	// ErrVersionConflict is returned when a cluster write carries a stale
	// version: another writer updated the cluster between the read and
	// this write. Callers re-read and retry.
	ErrVersionConflict = errors.New("storage: cluster version conflict")
)
