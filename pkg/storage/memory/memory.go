// Package memory is an in-process storage.Datastore used by tests, fixtures and the
// seeded demo graph.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/storage"
)

const Engine = "memory"

var tracer = otel.Tracer("jingle/pkg/storage/memory")

type relKey struct {
	relType, startID, endID string
}

func keyOf(relType, startID, endID string) relKey {
	return relKey{relType: relType, startID: startID, endID: endID}
}

// StorageOption defines a function type used for configuring a [MemoryBackend] instance.
type StorageOption func(ds *MemoryBackend)

// MemoryBackend provides an ephemeral memory-backed implementation of [storage.Datastore].
type MemoryBackend struct {
	mu sync.RWMutex

	entities      map[string]entity.Entity        // GUARDED_BY(mu).
	relationships map[relKey]storage.Relationship // GUARDED_BY(mu).
	// adjacency in insertion order; map: entity id => relationships touching it
	adjacency map[string][]relKey // GUARDED_BY(mu).

	readDelay time.Duration
	now       func() time.Time
}

var _ storage.Datastore = (*MemoryBackend)(nil)

// New creates a new [MemoryBackend] given the options.
func New(opts ...StorageOption) *MemoryBackend {
	ds := &MemoryBackend{
		entities:      make(map[string]entity.Entity),
		relationships: make(map[relKey]storage.Relationship),
		adjacency:     make(map[string][]relKey),
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(ds)
	}

	return ds
}

// WithReadDelay makes every read wait d, or until its context is done, before answering.
func WithReadDelay(d time.Duration) StorageOption {
	return func(ds *MemoryBackend) { ds.readDelay = d }
}

// WithClock sets the clock that stamps writes without a creation time.
func WithClock(now func() time.Time) StorageOption {
	return func(ds *MemoryBackend) { ds.now = now }
}

// Close does not do anything for [MemoryBackend].
func (s *MemoryBackend) Close() {}

func (s *MemoryBackend) wait(ctx context.Context) error {
	if s.readDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.readDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func cloneEntity(e entity.Entity) entity.Entity {
	e.Properties = maps.Clone(e.Properties)
	e.Edge = e.Edge.Clone()
	return e
}

// ReadEntity see [storage.GraphReader].ReadEntity.
func (s *MemoryBackend) ReadEntity(ctx context.Context, id string) (entity.Entity, error) {
	ctx, span := tracer.Start(ctx, "memory.ReadEntity")
	defer span.End()

	if err := s.wait(ctx); err != nil {
		return entity.Entity{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return entity.Entity{}, storage.EntityNotFoundError(id)
	}
	return cloneEntity(e), nil
}

// related returns the matches of filter in relationship insertion order. The caller holds mu.
func (s *MemoryBackend) related(filter storage.RelatedFilter) []entity.Entity {
	var out []entity.Entity
	for _, k := range s.adjacency[filter.EntityID] {
		r := s.relationships[k]
		if filter.RelType != "" && r.RelType != filter.RelType {
			continue
		}
		near := r.StartID
		if filter.Direction == storage.Incoming {
			near = r.EndID
		}
		if near != filter.EntityID {
			continue
		}
		e, ok := s.entities[filter.Other(r)]
		if !ok {
			continue
		}
		if filter.TargetType != "" && e.Kind != filter.TargetType {
			continue
		}
		out = append(out, storage.Decorate(cloneEntity(e), r))
	}
	return out
}

// ReadRelated see [storage.GraphReader].ReadRelated.
func (s *MemoryBackend) ReadRelated(ctx context.Context, filter storage.RelatedFilter) ([]entity.Entity, error) {
	ctx, span := tracer.Start(ctx, "memory.ReadRelated")
	defer span.End()
	span.SetAttributes(attribute.String("filter", filter.String()))

	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.related(filter), nil
}

// CountRelated see [storage.GraphReader].CountRelated.
func (s *MemoryBackend) CountRelated(ctx context.Context, filter storage.RelatedFilter) (int, error) {
	ctx, span := tracer.Start(ctx, "memory.CountRelated")
	defer span.End()

	if err := filter.Validate(); err != nil {
		return 0, err
	}
	if err := s.wait(ctx); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.related(filter)), nil
}

// WriteEntities see [storage.GraphWriter].WriteEntities.
func (s *MemoryBackend) WriteEntities(ctx context.Context, entities []entity.Entity) error {
	_, span := tracer.Start(ctx, "memory.WriteEntities")
	defer span.End()

	for _, e := range entities {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("%w: %s", storage.ErrInvalidEntity, err.Error())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, e := range entities {
		e = cloneEntity(e)
		e.Edge = nil
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		s.entities[e.ID] = e
	}
	return nil
}

// WriteRelationships see [storage.GraphWriter].WriteRelationships.
func (s *MemoryBackend) WriteRelationships(ctx context.Context, relationships []storage.Relationship) error {
	_, span := tracer.Start(ctx, "memory.WriteRelationships")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	// validate the whole batch first so a failure writes nothing
	batch := make(map[relKey]struct{}, len(relationships))
	for _, r := range relationships {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, ok := s.entities[r.StartID]; !ok {
			return storage.InvalidRelationshipError(r, "unknown start entity")
		}
		if _, ok := s.entities[r.EndID]; !ok {
			return storage.InvalidRelationshipError(r, "unknown end entity")
		}
		k := keyOf(r.RelType, r.StartID, r.EndID)
		_, stored := s.relationships[k]
		_, repeated := batch[k]
		if stored || repeated {
			return fmt.Errorf("relationship %s (%s -> %s): %w", r.RelType, r.StartID, r.EndID, storage.ErrCollision)
		}
		batch[k] = struct{}{}
	}

	now := s.now()
	for _, r := range relationships {
		r.Properties = maps.Clone(r.Properties)
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		k := keyOf(r.RelType, r.StartID, r.EndID)
		s.relationships[k] = r
		s.adjacency[r.StartID] = append(s.adjacency[r.StartID], k)
		if r.EndID != r.StartID {
			s.adjacency[r.EndID] = append(s.adjacency[r.EndID], k)
		}
	}
	return nil
}

// UpdateRelationshipProperties see [storage.GraphWriter].UpdateRelationshipProperties.
func (s *MemoryBackend) UpdateRelationshipProperties(ctx context.Context, updates []storage.RelationshipUpdate) error {
	_, span := tracer.Start(ctx, "memory.UpdateRelationshipProperties")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		if _, ok := s.relationships[keyOf(u.RelType, u.StartID, u.EndID)]; !ok {
			return fmt.Errorf("relationship %s (%s -> %s): %w", u.RelType, u.StartID, u.EndID, storage.ErrNotFound)
		}
	}
	for _, u := range updates {
		k := keyOf(u.RelType, u.StartID, u.EndID)
		r := s.relationships[k]
		r.Properties = storage.ApplyUpdate(r.Properties, u.Properties)
		s.relationships[k] = r
	}
	return nil
}

// IsReady see [storage.Datastore].IsReady.
func (s *MemoryBackend) IsReady(context.Context) (storage.ReadinessStatus, error) {
	return storage.ReadinessStatus{IsReady: true}, nil
}

// Snapshot returns every stored entity and relationship, ordered by id and by
// (RelType, StartID, EndID).
func (s *MemoryBackend) Snapshot() ([]entity.Entity, []storage.Relationship) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entities := make([]entity.Entity, 0, len(s.entities))
	for _, id := range slices.Sorted(maps.Keys(s.entities)) {
		entities = append(entities, cloneEntity(s.entities[id]))
	}

	keys := slices.SortedFunc(maps.Keys(s.relationships), func(a, b relKey) int {
		switch {
		case a.relType != b.relType:
			return cmp.Compare(a.relType, b.relType)
		case a.startID != b.startID:
			return cmp.Compare(a.startID, b.startID)
		}
		return cmp.Compare(a.endID, b.endID)
	})
	relationships := make([]storage.Relationship, 0, len(keys))
	for _, k := range keys {
		r := s.relationships[k]
		r.Properties = maps.Clone(r.Properties)
		relationships = append(relationships, r)
	}
	return entities, relationships
}
