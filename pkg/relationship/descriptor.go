//go:generate mockgen -source descriptor.go -destination ./mock_fetcher.go -package relationship Fetcher

// Package relationship describes the traversable edges of an entity kind: what they are
// called, what they lead to, how their results are ordered and which functions fetch them.
package relationship

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jinglear/jingle/pkg/entity"
)

// Key identifies one expandable edge-slot on one entity instance. It is derived from the
// descriptor's label and target kind and is only unique within that instance.
type Key string

// NewKey builds the deterministic key for (label, targetType).
func NewKey(label string, targetType entity.Kind) Key {
	return Key(label + "#" + string(targetType))
}

// Label returns the label part of the key.
func (k Key) Label() string {
	label, _, _ := strings.Cut(string(k), "#")
	return label
}

// FetchFunc returns the entities related to (entityID, entityType). Failures are returned
// as errors; the function must not have side effects the engine could observe.
type FetchFunc func(ctx context.Context, entityID string, entityType entity.Kind) ([]entity.Entity, error)

// CountFunc returns only the cardinality of the relationship.
type CountFunc func(ctx context.Context, entityID string, entityType entity.Kind) (int, error)

// Fetcher is implemented by anything that can serve as a FetchFunc.
type Fetcher interface {
	Fetch(ctx context.Context, entityID string, entityType entity.Kind) ([]entity.Entity, error)
}

// FromFetcher adapts a Fetcher.
func FromFetcher(f Fetcher) FetchFunc {
	return f.Fetch
}

// SortKey names the declared ordering of a relationship's results.
type SortKey string

const (
	// SortNone keeps fetch order.
	SortNone SortKey = ""
	// SortByTimestamp orders by the numeric timestamp, ascending.
	SortByTimestamp SortKey = "timestamp"
	// SortByDate orders by calendar date, most recent first, falling back to the creation time.
	SortByDate SortKey = "date"
	// SortByName orders by display name, case-insensitively, falling back to the title.
	SortByName SortKey = "name"
	// SortByCategory orders topics by category and then by name.
	SortByCategory SortKey = "category"
	// SortByContainerDate orders items repeated across several factories by the factory date,
	// ascending; items without one go last, ordered by creation time.
	SortByContainerDate SortKey = "containerDate"
)

func (s SortKey) Valid() bool {
	switch s {
	case SortNone, SortByTimestamp, SortByDate, SortByName, SortByCategory, SortByContainerDate:
		return true
	}
	return false
}

// Cardinality is a rendering hint; it never limits how many entities are shown.
type Cardinality string

const (
	CardinalityMany Cardinality = "many"
	CardinalityOne  Cardinality = "one"
)

var (
	ErrInvalidDescriptor = errors.New("invalid relationship descriptor")
)

// Descriptor is the static description of one traversable edge from an entity kind.
type Descriptor struct {
	Label       string
	TargetType  entity.Kind
	RelType     string
	SortKey     SortKey
	Cardinality Cardinality
	ReadOnly    bool

	Fetch FetchFunc
	// Count is optional. When set it is called before Fetch to publish a count hint.
	Count CountFunc
}

func (d Descriptor) Key() Key {
	return NewKey(d.Label, d.TargetType)
}

func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Label) == "" {
		return fmt.Errorf("%w: empty label", ErrInvalidDescriptor)
	}
	if !d.TargetType.Valid() {
		return fmt.Errorf("%w: %s: target type %q", ErrInvalidDescriptor, d.Label, d.TargetType)
	}
	if !d.SortKey.Valid() {
		return fmt.Errorf("%w: %s: sort key %q", ErrInvalidDescriptor, d.Label, d.SortKey)
	}
	if d.Fetch == nil {
		return fmt.Errorf("%w: %s: no fetch function", ErrInvalidDescriptor, d.Label)
	}
	return nil
}
