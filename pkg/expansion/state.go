// Package expansion implements the related-entity expansion engine: the per-entity
// state of which relationships are expanded, loading, loaded or failed, the loader that
// turns expand intents into at most one live fetch per relationship, and the composer
// that nests one engine per loaded entity.
package expansion

import (
	"slices"

	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/relationship"
)

// State is the immutable expansion state of one entity instance. It is only ever
// replaced, through Reduce; the accessors below never expose its maps.
type State struct {
	expanded map[relationship.Key]struct{}
	loaded   map[relationship.Key][]entity.Entity
	loading  map[relationship.Key]bool
	counts   map[relationship.Key]int
	inFlight map[relationship.Key]*Token
	errs     map[relationship.Key]error
}

// NewState returns the empty state an engine starts with.
func NewState() *State {
	return &State{
		expanded: map[relationship.Key]struct{}{},
		loaded:   map[relationship.Key][]entity.Entity{},
		loading:  map[relationship.Key]bool{},
		counts:   map[relationship.Key]int{},
		inFlight: map[relationship.Key]*Token{},
		errs:     map[relationship.Key]error{},
	}
}

func (s *State) IsExpanded(key relationship.Key) bool {
	_, ok := s.expanded[key]
	return ok
}

// Expanded returns the expanded keys in lexical order.
func (s *State) Expanded() []relationship.Key {
	keys := make([]relationship.Key, 0, len(s.expanded))
	for k := range s.expanded {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// LoadedData returns the last successful (or, after a failure, emptied) result for key.
// ok is false when key was never loaded.
func (s *State) LoadedData(key relationship.Key) (data []entity.Entity, ok bool) {
	data, ok = s.loaded[key]
	return slices.Clone(data), ok
}

func (s *State) IsLoading(key relationship.Key) bool {
	return s.loading[key]
}

// Count returns the best known cardinality of key.
func (s *State) Count(key relationship.Key) (int, bool) {
	n, ok := s.counts[key]
	return n, ok
}

// InFlight returns the token of the live request for key, or nil.
func (s *State) InFlight(key relationship.Key) *Token {
	return s.inFlight[key]
}

// Err returns the last fetch failure of key, or nil.
func (s *State) Err(key relationship.Key) error {
	return s.errs[key]
}

// InFlightKeys returns every key with a live token, in lexical order.
func (s *State) InFlightKeys() []relationship.Key {
	keys := make([]relationship.Key, 0, len(s.inFlight))
	for k := range s.inFlight {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Slice is every field of the state for one key.
type Slice struct {
	Expanded bool
	Loaded   bool
	Data     []entity.Entity
	Loading  bool
	HasCount bool
	Count    int
	Token    *Token
	Err      error
}

func (s *State) Slice(key relationship.Key) Slice {
	data, loaded := s.LoadedData(key)
	count, hasCount := s.Count(key)
	return Slice{
		Expanded: s.IsExpanded(key),
		Loaded:   loaded,
		Data:     data,
		Loading:  s.IsLoading(key),
		HasCount: hasCount,
		Count:    count,
		Token:    s.InFlight(key),
		Err:      s.Err(key),
	}
}
