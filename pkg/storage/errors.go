package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrCollision if an item already exists within the store.
	ErrCollision = errors.New("item already exists")

	// ErrNotFound if an entity or relationship does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidEntity if an entity or relationship fails validation before a write.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrReadOnly if the datastore does not accept writes.
	ErrReadOnly = errors.New("datastore is read only")

	ErrCancelled = errors.New("request has been cancelled")
)

// InvalidRelationshipError describes a relationship that references unknown endpoints.
func InvalidRelationshipError(r Relationship, reason string) error {
	return fmt.Errorf("relationship %s (%s -> %s): %s: %w", r.RelType, r.StartID, r.EndID, reason, ErrInvalidEntity)
}

// EntityNotFoundError wraps ErrNotFound with the missing id.
func EntityNotFoundError(id string) error {
	return fmt.Errorf("entity %q: %w", id, ErrNotFound)
}
