package relationship

import (
	"context"
	"fmt"

	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/storage"
)

// Stored relationship types of the jingle.ar graph.
const (
	RelAppearsIn  = "APPEARS_IN"  // jingle|song -> factory
	RelVersions   = "VERSIONS"    // jingle -> song
	RelJingleroOf = "JINGLERO_OF" // artist -> jingle
	RelAuthorOf   = "AUTHOR_OF"   // artist -> song
	RelTaggedWith = "TAGGED_WITH" // jingle|song -> topic
)

// Spec is a Descriptor without its fetch functions: the part of a relationship that
// lives in configuration.
type Spec struct {
	Label       string
	TargetType  entity.Kind
	RelType     string
	Direction   storage.Direction
	SortKey     SortKey
	Cardinality Cardinality
	ReadOnly    bool
}

func (s Spec) Key() Key {
	return NewKey(s.Label, s.TargetType)
}

// Catalog maps an entity kind to the relationships shown for it, in display order.
type Catalog map[entity.Kind][]Spec

// DefaultCatalog is the relationship table of the jingle.ar admin views.
var DefaultCatalog = Catalog{
	entity.KindFactory: {
		{Label: "Jingles", TargetType: entity.KindJingle, RelType: RelAppearsIn, Direction: storage.Incoming, SortKey: SortByTimestamp, Cardinality: CardinalityMany},
		{Label: "Canciones", TargetType: entity.KindSong, RelType: RelAppearsIn, Direction: storage.Incoming, SortKey: SortByTimestamp, Cardinality: CardinalityMany},
	},
	entity.KindJingle: {
		{Label: "Fabricas", TargetType: entity.KindFactory, RelType: RelAppearsIn, Direction: storage.Outgoing, SortKey: SortByDate, Cardinality: CardinalityMany},
		{Label: "Jingleros", TargetType: entity.KindArtist, RelType: RelJingleroOf, Direction: storage.Incoming, SortKey: SortByName, Cardinality: CardinalityMany},
		{Label: "Cancion", TargetType: entity.KindSong, RelType: RelVersions, Direction: storage.Outgoing, SortKey: SortByName, Cardinality: CardinalityOne},
		{Label: "Tematicas", TargetType: entity.KindTopic, RelType: RelTaggedWith, Direction: storage.Outgoing, SortKey: SortByCategory, Cardinality: CardinalityMany},
	},
	entity.KindSong: {
		{Label: "Jingles", TargetType: entity.KindJingle, RelType: RelVersions, Direction: storage.Incoming, SortKey: SortByContainerDate, Cardinality: CardinalityMany},
		{Label: "Autores", TargetType: entity.KindArtist, RelType: RelAuthorOf, Direction: storage.Incoming, SortKey: SortByName, Cardinality: CardinalityMany},
		{Label: "Fabricas", TargetType: entity.KindFactory, RelType: RelAppearsIn, Direction: storage.Outgoing, SortKey: SortByDate, Cardinality: CardinalityMany, ReadOnly: true},
		{Label: "Tematicas", TargetType: entity.KindTopic, RelType: RelTaggedWith, Direction: storage.Outgoing, SortKey: SortByCategory, Cardinality: CardinalityMany},
	},
	entity.KindArtist: {
		{Label: "Jingles", TargetType: entity.KindJingle, RelType: RelJingleroOf, Direction: storage.Outgoing, SortKey: SortByContainerDate, Cardinality: CardinalityMany},
		{Label: "Canciones", TargetType: entity.KindSong, RelType: RelAuthorOf, Direction: storage.Outgoing, SortKey: SortByName, Cardinality: CardinalityMany},
	},
	entity.KindTopic: {
		{Label: "Jingles", TargetType: entity.KindJingle, RelType: RelTaggedWith, Direction: storage.Incoming, SortKey: SortByName, Cardinality: CardinalityMany},
		{Label: "Canciones", TargetType: entity.KindSong, RelType: RelTaggedWith, Direction: storage.Incoming, SortKey: SortByName, Cardinality: CardinalityMany},
	},
}

// Validate checks every spec and rejects duplicate keys within a kind.
func (c Catalog) Validate() error {
	for kind, specs := range c {
		if !kind.Valid() {
			return fmt.Errorf("%w: catalog kind %q", ErrInvalidDescriptor, kind)
		}
		seen := make(map[Key]struct{}, len(specs))
		for _, s := range specs {
			if _, dup := seen[s.Key()]; dup {
				return fmt.Errorf("%w: duplicate key %s on %s", ErrInvalidDescriptor, s.Key(), kind)
			}
			seen[s.Key()] = struct{}{}
			if !s.Direction.Valid() {
				return fmt.Errorf("%w: %s: direction %q", ErrInvalidDescriptor, s.Label, s.Direction)
			}
			if s.RelType == "" {
				return fmt.Errorf("%w: %s: no relationship type", ErrInvalidDescriptor, s.Label)
			}
		}
	}
	return nil
}

// Provider returns the relationship descriptors of an entity kind.
type Provider interface {
	Descriptors(kind entity.Kind) []Descriptor
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(kind entity.Kind) []Descriptor

func (f ProviderFunc) Descriptors(kind entity.Kind) []Descriptor {
	return f(kind)
}

// CatalogProvider binds the specs of a Catalog to a storage.GraphReader.
type CatalogProvider struct {
	catalog   Catalog
	reader    storage.GraphReader
	withCount bool
}

var _ Provider = (*CatalogProvider)(nil)

type CatalogProviderOption func(*CatalogProvider)

// WithCountHints makes every bound descriptor carry a count function.
func WithCountHints() CatalogProviderOption {
	return func(p *CatalogProvider) {
		p.withCount = true
	}
}

func NewCatalogProvider(reader storage.GraphReader, catalog Catalog, opts ...CatalogProviderOption) *CatalogProvider {
	p := &CatalogProvider{
		catalog: catalog,
		reader:  reader,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *CatalogProvider) Descriptors(kind entity.Kind) []Descriptor {
	specs := p.catalog[kind]
	descriptors := make([]Descriptor, 0, len(specs))
	for _, s := range specs {
		descriptors = append(descriptors, p.bind(s))
	}
	return descriptors
}

func (p *CatalogProvider) bind(s Spec) Descriptor {
	filter := func(entityID string, entityType entity.Kind) storage.RelatedFilter {
		return storage.RelatedFilter{
			EntityID:   entityID,
			EntityType: entityType,
			RelType:    s.RelType,
			Direction:  s.Direction,
			TargetType: s.TargetType,
		}
	}

	d := Descriptor{
		Label:       s.Label,
		TargetType:  s.TargetType,
		RelType:     s.RelType,
		SortKey:     s.SortKey,
		Cardinality: s.Cardinality,
		ReadOnly:    s.ReadOnly,
		Fetch: func(ctx context.Context, entityID string, entityType entity.Kind) ([]entity.Entity, error) {
			return p.reader.ReadRelated(ctx, filter(entityID, entityType))
		},
	}
	if p.withCount {
		d.Count = func(ctx context.Context, entityID string, entityType entity.Kind) (int, error) {
			return p.reader.CountRelated(ctx, filter(entityID, entityType))
		}
	}
	return d
}
