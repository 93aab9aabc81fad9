// Package entity contains the typed entities of the jingle.ar catalogue that the expansion
// engine navigates. The kind of an entity is carried with it from the moment it is read;
// nothing downstream infers it from the shape of the data.
package entity

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the closed set of entity kinds.
type Kind string

const (
	KindFactory Kind = "factory"
	KindJingle  Kind = "jingle"
	KindSong    Kind = "song"
	KindArtist  Kind = "artist"
	KindTopic   Kind = "topic"
)

var ErrUnknownKind = errors.New("unknown entity kind")

// Kinds lists every valid kind in catalogue order.
func Kinds() []Kind {
	return []Kind{KindFactory, KindJingle, KindSong, KindArtist, KindTopic}
}

func (k Kind) Valid() bool {
	switch k {
	case KindFactory, KindJingle, KindSong, KindArtist, KindTopic:
		return true
	}
	return false
}

func (k Kind) String() string {
	return string(k)
}

// ParseKind accepts a kind name in any letter case.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Edge describes the stored relationship through which an entity was reached.
type Edge struct {
	RelType    string         `json:"relType"`
	StartID    string         `json:"startId"`
	EndID      string         `json:"endId"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Clone returns a deep copy of the edge properties map.
func (e *Edge) Clone() *Edge {
	if e == nil {
		return nil
	}
	c := *e
	if e.Properties != nil {
		c.Properties = make(map[string]any, len(e.Properties))
		for k, v := range e.Properties {
			c.Properties[k] = v
		}
	}
	return &c
}

// Entity is one node of the catalogue graph.
//
// Not every field applies to every kind: factories carry Date and Status, topics carry
// Category, items placed inside a factory carry Timestamp (seconds from the start of the
// factory) and, when listed across several factories, ContainerDate.
type Entity struct {
	ID        string     `json:"id"`
	Kind      Kind       `json:"kind"`
	Name      string     `json:"name,omitempty"`
	Title     string     `json:"title,omitempty"`
	Category  string     `json:"category,omitempty"`
	Status    string     `json:"status,omitempty"`
	Date      *time.Time `json:"date,omitempty"`
	Timestamp *float64   `json:"timestamp,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`

	ContainerDate *time.Time `json:"containerDate,omitempty"`

	Properties map[string]any `json:"properties,omitempty"`

	// Edge is set on entities returned by a relationship read.
	Edge *Edge `json:"edge,omitempty"`
}

// DisplayName is the name shown for the entity: Name, falling back to Title and then ID.
func (e Entity) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	if e.Title != "" {
		return e.Title
	}
	return e.ID
}

// Validate reports whether the entity can be stored or used as an expansion root.
func (e Entity) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("entity id is empty")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	return nil
}

func (e Entity) String() string {
	return fmt.Sprintf("%s:%s", e.Kind, e.ID)
}

// IDs returns the ids of entities in order.
func IDs(entities []Entity) []string {
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID)
	}
	return ids
}
