// Package testfixtures loads entity graphs described in YAML into any storage.GraphWriter.
//
// A fixture file has two lists, entities and relationships, using the JSON field names of
// entity.Entity and storage.Relationship:
//
//	entities:
//	  - {id: fabrica-1, kind: factory, title: Fabrica 1, date: "2023-03-10T00:00:00Z"}
//	  - {id: jingle-intro, kind: jingle, title: Intro}
//	relationships:
//	  - {relType: APPEARS_IN, startId: jingle-intro, endId: fabrica-1, properties: {timestamp: 12}}
package testfixtures

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	"github.com/oklog/ulid/v2"
	"sigs.k8s.io/yaml"

	"github.com/jinglear/jingle/assets"
	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/storage"
)

const defaultChunkSize = 40

type Fixture struct {
	Entities      []entity.Entity        `json:"entities"`
	Relationships []storage.Relationship `json:"relationships"`
}

// Parse decodes a YAML fixture and validates that every relationship points at an
// entity of the fixture.
func Parse(b []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.UnmarshalStrict(b, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// ReadFile parses the fixture stored at name in fsys.
func ReadFile(fsys fs.FS, name string) (*Fixture, error) {
	b, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture %s: %w", name, err)
	}
	return Parse(b)
}

// Demo returns the embedded demo catalogue.
func Demo() (*Fixture, error) {
	return ReadFile(assets.EmbedFixtures, assets.DemoFixture)
}

func (f *Fixture) Validate() error {
	ids := make(map[string]struct{}, len(f.Entities))
	for _, e := range f.Entities {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("fixture entity %q: %w", e.ID, err)
		}
		if _, dup := ids[e.ID]; dup {
			return fmt.Errorf("fixture entity %q: duplicate id: %w", e.ID, storage.ErrInvalidEntity)
		}
		ids[e.ID] = struct{}{}
	}
	for _, r := range f.Relationships {
		if err := r.Validate(); err != nil {
			return err
		}
		for _, id := range []string{r.StartID, r.EndID} {
			if _, ok := ids[id]; !ok {
				return storage.InvalidRelationshipError(r, fmt.Sprintf("entity %q is not part of the fixture", id))
			}
		}
	}
	return nil
}

// Entity returns the fixture entity with the given id.
func (f *Fixture) Entity(id string) (entity.Entity, bool) {
	for _, e := range f.Entities {
		if e.ID == id {
			return e, true
		}
	}
	return entity.Entity{}, false
}

// Unique returns a copy of f in which every id carries the same fresh ulid suffix, so the
// fixture can be written more than once to a shared datastore. The returned map goes
// from the original ids to the new ones.
func (f *Fixture) Unique() (*Fixture, map[string]string) {
	suffix := strings.ToLower(ulid.Make().String())
	ids := make(map[string]string, len(f.Entities))

	out := &Fixture{
		Entities:      make([]entity.Entity, 0, len(f.Entities)),
		Relationships: make([]storage.Relationship, 0, len(f.Relationships)),
	}
	for _, e := range f.Entities {
		ids[e.ID] = e.ID + "-" + suffix
		e.ID = ids[e.ID]
		out.Entities = append(out.Entities, e)
	}
	for _, r := range f.Relationships {
		r.StartID = ids[r.StartID]
		r.EndID = ids[r.EndID]
		out.Relationships = append(out.Relationships, r)
	}
	return out, ids
}

type ApplyOption func(*applyOptions)

type applyOptions struct {
	chunkSize int
}

// WithChunkSize sets the maximum number of entities or relationships per write.
func WithChunkSize(n int) ApplyOption {
	return func(o *applyOptions) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// Apply writes the entities and then the relationships of f to w, in chunks.
func (f *Fixture) Apply(ctx context.Context, w storage.GraphWriter, opts ...ApplyOption) error {
	o := applyOptions{chunkSize: defaultChunkSize}
	for _, opt := range opts {
		opt(&o)
	}

	for chunk := range slices.Chunk(f.Entities, o.chunkSize) {
		if err := w.WriteEntities(ctx, chunk); err != nil {
			return fmt.Errorf("failed to write fixture entities: %w", err)
		}
	}
	for chunk := range slices.Chunk(f.Relationships, o.chunkSize) {
		if err := w.WriteRelationships(ctx, chunk); err != nil {
			return fmt.Errorf("failed to write fixture relationships: %w", err)
		}
	}
	return nil
}
