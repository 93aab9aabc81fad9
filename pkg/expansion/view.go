package expansion

import (
	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/relationship"
)

// RelationshipStatus is what a host shows for one relationship.
type RelationshipStatus string

const (
	StatusCollapsed RelationshipStatus = "collapsed"
	StatusLoading   RelationshipStatus = "loading"
	StatusLoaded    RelationshipStatus = "loaded"
	// StatusEmpty is a load that succeeded with no entities, distinct from a failure.
	StatusEmpty  RelationshipStatus = "empty"
	StatusFailed RelationshipStatus = "failed"
)

// StatusOf derives the display status of key from s.
func StatusOf(s *State, key relationship.Key) RelationshipStatus {
	if !s.IsExpanded(key) {
		return StatusCollapsed
	}
	if s.Err(key) != nil {
		return StatusFailed
	}
	if s.IsLoading(key) {
		return StatusLoading
	}
	data, ok := s.LoadedData(key)
	switch {
	case !ok:
		return StatusCollapsed
	case len(data) == 0:
		return StatusEmpty
	default:
		return StatusLoaded
	}
}

// NodeView is a render-ready snapshot of a node and its materialized descendants.
type NodeView struct {
	ID            string             `json:"id"`
	Kind          entity.Kind        `json:"kind"`
	Name          string             `json:"name"`
	Relationships []RelationshipView `json:"relationships,omitempty"`
}

// RelationshipView is one relationship of a NodeView. Items lists every loaded entity;
// there is no paging.
type RelationshipView struct {
	Key        relationship.Key   `json:"key"`
	Label      string             `json:"label"`
	TargetType entity.Kind        `json:"targetType"`
	Status     RelationshipStatus `json:"status"`
	Count      *int               `json:"count,omitempty"`
	Error      string             `json:"error,omitempty"`
	// Retryable is set on failed relationships.
	Retryable bool `json:"retryable,omitempty"`
	// CanExpand is false past the maximum depth.
	CanExpand bool       `json:"canExpand"`
	Items     []NodeView `json:"items,omitempty"`
}

// View snapshots n. Children are materialized for every expanded relationship.
func (n *Node) View() NodeView {
	engine := n.Engine()
	s := engine.State()
	policy := engine.Policy()

	v := NodeView{
		ID:   n.Entity.ID,
		Kind: n.Entity.Kind,
		Name: n.Entity.DisplayName(),
	}
	for _, d := range engine.Descriptors() {
		key := d.Key()
		rv := RelationshipView{
			Key:        key,
			Label:      d.Label,
			TargetType: d.TargetType,
			Status:     StatusOf(s, key),
			CanExpand:  policy.CanExpand(),
		}
		if count, ok := s.Count(key); ok {
			rv.Count = &count
		}
		if err := s.Err(key); err != nil {
			rv.Error = err.Error()
			rv.Retryable = true
		}
		if rv.Status == StatusLoaded {
			for _, child := range n.Children(key) {
				rv.Items = append(rv.Items, child.View())
			}
		}
		v.Relationships = append(v.Relationships, rv)
	}
	return v
}
