// Package storage contains the datastore interfaces the expansion engine's relationship
// fetch functions are bound to, and the records they exchange.
package storage

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/jinglear/jingle/pkg/entity"
)

// Direction selects which endpoint of a stored relationship the read starts from.
type Direction string

const (
	// Outgoing reads relationships whose start is the entity.
	Outgoing Direction = "out"
	// Incoming reads relationships whose end is the entity.
	Incoming Direction = "in"
)

func (d Direction) Valid() bool {
	return d == Outgoing || d == Incoming
}

// Relationship is a stored, typed, directed edge between two entities.
type Relationship struct {
	RelType    string         `json:"relType"`
	StartID    string         `json:"startId"`
	EndID      string         `json:"endId"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

func (r Relationship) Validate() error {
	if strings.TrimSpace(r.RelType) == "" {
		return InvalidRelationshipError(r, "relationship type is empty")
	}
	if r.StartID == "" || r.EndID == "" {
		return InvalidRelationshipError(r, "missing endpoint")
	}
	return nil
}

// AsEdge converts the stored relationship into the edge carried by a read entity.
func (r Relationship) AsEdge() *entity.Edge {
	return &entity.Edge{
		RelType:    r.RelType,
		StartID:    r.StartID,
		EndID:      r.EndID,
		Properties: maps.Clone(r.Properties),
	}
}

// RelationshipUpdate replaces the properties of the relationship identified by
// (RelType, StartID, EndID). Keys with a nil value are removed.
type RelationshipUpdate struct {
	RelType    string
	StartID    string
	EndID      string
	Properties map[string]any
}

// RelatedFilter selects the entities reachable from one entity through one relationship type.
type RelatedFilter struct {
	EntityID   string
	EntityType entity.Kind
	RelType    string
	Direction  Direction
	// TargetType restricts the result to one kind; empty means any.
	TargetType entity.Kind
}

func (f RelatedFilter) Validate() error {
	if f.EntityID == "" {
		return fmt.Errorf("related filter: entity id is required: %w", ErrInvalidEntity)
	}
	if !f.Direction.Valid() {
		return fmt.Errorf("related filter: invalid direction %q: %w", f.Direction, ErrInvalidEntity)
	}
	return nil
}

// Other returns the id on the far side of r relative to the filter's entity.
func (f RelatedFilter) Other(r Relationship) string {
	if f.Direction == Outgoing {
		return r.EndID
	}
	return r.StartID
}

func (f RelatedFilter) String() string {
	return fmt.Sprintf("%s:%s-[%s:%s]->%s", f.EntityType, f.EntityID, f.RelType, f.Direction, f.TargetType)
}

// GraphReader reads entities and their neighbourhoods. Implementations must be safe
// for concurrent use; the order of ReadRelated results is unspecified.
type GraphReader interface {
	// ReadEntity returns ErrNotFound if no entity has the id.
	ReadEntity(ctx context.Context, id string) (entity.Entity, error)

	// ReadRelated returns the entities matched by filter, each with its Edge set.
	ReadRelated(ctx context.Context, filter RelatedFilter) ([]entity.Entity, error)

	// CountRelated returns len(ReadRelated(filter)) without materializing the entities.
	CountRelated(ctx context.Context, filter RelatedFilter) (int, error)
}

// GraphWriter mutates the graph.
type GraphWriter interface {
	// WriteEntities upserts entities.
	WriteEntities(ctx context.Context, entities []entity.Entity) error

	// WriteRelationships inserts relationships. Both endpoints must exist and the
	// (RelType, StartID, EndID) triple must be new, otherwise ErrCollision.
	WriteRelationships(ctx context.Context, relationships []Relationship) error

	// UpdateRelationshipProperties applies the updates atomically, returning ErrNotFound
	// if any relationship does not exist.
	UpdateRelationshipProperties(ctx context.Context, updates []RelationshipUpdate) error
}

type ReadinessStatus struct {
	// Message is a human-friendly status message for the current datastore status.
	Message string
	IsReady bool
}

// Datastore is a GraphReader and GraphWriter that can report readiness.
type Datastore interface {
	GraphReader
	GraphWriter

	IsReady(ctx context.Context) (ReadinessStatus, error)

	Close()
}

// Decorate attaches the relationship to a read entity. A numeric "timestamp" property
// on the relationship (the position of an item inside a factory) fills Timestamp when
// the entity has none of its own.
func Decorate(e entity.Entity, r Relationship) entity.Entity {
	e.Edge = r.AsEdge()
	if e.Timestamp == nil {
		if ts, ok := toFloat(r.Properties["timestamp"]); ok {
			e.Timestamp = &ts
		}
	}
	return e
}

// ApplyUpdate returns props with the update applied.
func ApplyUpdate(props map[string]any, update map[string]any) map[string]any {
	out := maps.Clone(props)
	if out == nil {
		out = map[string]any{}
	}
	for k, v := range update {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
