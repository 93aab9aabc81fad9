package expansion

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/jinglear/jingle/pkg/relationship"
	"github.com/jinglear/jingle/pkg/storage"
)

// RelationshipCommitter persists edited relationship properties. storage.GraphWriter
// implementations satisfy it.
type RelationshipCommitter interface {
	UpdateRelationshipProperties(ctx context.Context, updates []storage.RelationshipUpdate) error
}

// EdgeKey identifies one loaded edge: a relationship of the engine's root and the entity
// it leads to.
type EdgeKey string

const edgeKeySeparator = "|"

func NewEdgeKey(key relationship.Key, targetID string) EdgeKey {
	return EdgeKey(string(key) + edgeKeySeparator + targetID)
}

// Split returns the relationship key and target id of k.
func (k EdgeKey) Split() (relationship.Key, string, bool) {
	key, target, ok := strings.Cut(string(k), edgeKeySeparator)
	return relationship.Key(key), target, ok
}

// RelationshipProperties is the edge of a loaded entity as the host edit workflow sees
// it: the stored properties with unsaved edits applied.
type RelationshipProperties struct {
	RelType    string
	StartID    string
	EndID      string
	Properties map[string]any
}

// GetRelationshipProperties returns the edge of every loaded entity that carries one,
// keyed by EdgeKey, with unsaved edits applied.
func (e *Engine) GetRelationshipProperties() map[EdgeKey]RelationshipProperties {
	s := e.store.State()

	e.mu.Lock()
	defer e.mu.Unlock()

	out := map[EdgeKey]RelationshipProperties{}
	for _, d := range e.descriptors {
		data, _ := s.LoadedData(d.Key())
		for _, ent := range data {
			if ent.Edge == nil {
				continue
			}
			ek := NewEdgeKey(d.Key(), ent.ID)
			out[ek] = RelationshipProperties{
				RelType:    ent.Edge.RelType,
				StartID:    ent.Edge.StartID,
				EndID:      ent.Edge.EndID,
				Properties: storage.ApplyUpdate(ent.Edge.Properties, e.pending[ek]),
			}
		}
	}
	return out
}

// SetRelationshipProperty records an unsaved edit of one property of a loaded edge. A
// nil value removes the property on commit.
func (e *Engine) SetRelationshipProperty(ek EdgeKey, name string, value any) error {
	key, target, ok := ek.Split()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEdge, ek)
	}
	d, err := e.lookup(key)
	if err != nil {
		return err
	}
	if d.ReadOnly {
		return fmt.Errorf("%w: %s", ErrReadOnlyRelationship, key)
	}
	if !e.hasEdge(key, target) {
		return fmt.Errorf("%w: %q", ErrUnknownEdge, ek)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending[ek] == nil {
		e.pending[ek] = map[string]any{}
	}
	e.pending[ek][name] = value
	return nil
}

// HasUnsavedChanges reports whether any relationship property was edited and neither
// committed nor discarded.
func (e *Engine) HasUnsavedChanges() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending) > 0
}

// ClearOptions controls ClearUnsavedChanges.
type ClearOptions struct {
	// Commit writes the edits through the engine's committer before clearing them.
	Commit bool
}

// ClearUnsavedChanges discards every unsaved edit, or commits them first when
// opts.Commit is set. A failed commit keeps the edits.
func (e *Engine) ClearUnsavedChanges(ctx context.Context, opts ClearOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if opts.Commit && len(e.pending) > 0 {
		if e.committer == nil {
			return ErrNoCommitter
		}
		updates := e.updatesLocked()
		if err := e.committer.UpdateRelationshipProperties(ctx, updates); err != nil {
			return fmt.Errorf("commit relationship properties: %w", err)
		}
		e.logger.InfoWithContext(ctx, "relationship properties committed", zap.Int("updates", len(updates)))
	}

	clear(e.pending)
	return nil
}

func (e *Engine) updatesLocked() []storage.RelationshipUpdate {
	s := e.store.State()
	keys := slices.Sorted(maps.Keys(e.pending))

	updates := make([]storage.RelationshipUpdate, 0, len(keys))
	for _, ek := range keys {
		key, target, _ := ek.Split()
		data, _ := s.LoadedData(key)
		for _, ent := range data {
			if ent.ID != target || ent.Edge == nil {
				continue
			}
			updates = append(updates, storage.RelationshipUpdate{
				RelType:    ent.Edge.RelType,
				StartID:    ent.Edge.StartID,
				EndID:      ent.Edge.EndID,
				Properties: maps.Clone(e.pending[ek]),
			})
			break
		}
	}
	return updates
}

func (e *Engine) hasEdge(key relationship.Key, target string) bool {
	data, _ := e.store.State().LoadedData(key)
	for _, ent := range data {
		if ent.ID == target && ent.Edge != nil {
			return true
		}
	}
	return false
}

// Refresh reloads every relationship that has loaded or is loading, superseding loads
// still in flight, and returns once all of them settled or ctx is done.
func (e *Engine) Refresh(ctx context.Context) error {
	if e.Closed() {
		return ErrEngineClosed
	}

	s := e.store.State()
	p := pool.New().WithErrors().WithContext(ctx)
	for _, d := range e.descriptors {
		key := d.Key()
		if !hasData(s, key) && !s.IsLoading(key) {
			continue
		}
		e.loader.RequestLoad(e.request(d, true))
		p.Go(func(ctx context.Context) error {
			return e.Await(ctx, key)
		})
	}
	return p.Wait()
}
