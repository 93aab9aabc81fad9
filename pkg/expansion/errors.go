package expansion

import (
	"errors"
	"fmt"

	"github.com/jinglear/jingle/pkg/relationship"
)

var (
	// ErrInvalidRoot is a usage error: the engine needs a loaded root entity with an id.
	ErrInvalidRoot = errors.New("invalid root entity")

	ErrUnknownRelationship  = errors.New("unknown relationship")
	ErrReadOnlyRelationship = errors.New("relationship is read only")
	ErrUnknownEdge          = errors.New("unknown relationship edge")
	ErrEngineClosed         = errors.New("expansion engine is closed")
	ErrNoCommitter          = errors.New("no relationship committer configured")
)

// FetchError is recorded in the state when a relationship fetch fails.
type FetchError struct {
	Key      relationship.Key
	EntityID string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s of %s: %v", e.Key, e.EntityID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func unknownRelationshipError(key relationship.Key) error {
	return fmt.Errorf("%w: %s", ErrUnknownRelationship, key)
}
