// Package audit turns an expanded review tree into a directed graph of the stored
// relationships it reached, and reports the anomalies editors care about: entities that
// reference themselves, relationship cycles and relationships that failed to load.
package audit

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/multi"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/expansion"
)

// Graph holds one node per entity and one line per stored relationship. Lines are
// deduplicated on (RelType, StartID, EndID) because a relationship is usually seen
// from both of its endpoints.
type Graph struct {
	*multi.DirectedGraph

	ids   map[string]int64
	lines map[Reference]struct{}
}

// Reference identifies one stored relationship.
type Reference struct {
	RelType string `json:"relType"`
	StartID string `json:"startId"`
	EndID   string `json:"endId"`
}

var _ encoding.Attributer = (*Graph)(nil)

type entityNode struct {
	graph.Node
	entity entity.Entity
}

func (n *entityNode) DOTID() string {
	return n.entity.ID
}

func (n *entityNode) Attributes() []encoding.Attribute {
	return []encoding.Attribute{
		{Key: "label", Value: n.entity.Kind.String() + ": " + n.entity.DisplayName()},
	}
}

type relationshipLine struct {
	graph.Line
	relType string
}

func (l *relationshipLine) Attributes() []encoding.Attribute {
	return []encoding.Attribute{{Key: "label", Value: l.relType}}
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		DirectedGraph: multi.NewDirectedGraph(),
		ids:           map[string]int64{},
		lines:         map[Reference]struct{}{},
	}
}

// FromTree adds the root of the tree and every entity loaded below it.
func FromTree(root *expansion.Node) *Graph {
	g := NewGraph()
	_ = root.Walk(func(n *expansion.Node) error {
		g.AddEntity(n.Entity)
		engine := n.Engine()
		s := engine.State()
		for _, d := range engine.Descriptors() {
			data, ok := s.LoadedData(d.Key())
			if !ok {
				continue
			}
			for _, e := range data {
				g.AddEntity(e)
				if e.Edge != nil {
					g.AddRelationship(e.Edge.RelType, e.Edge.StartID, e.Edge.EndID)
					continue
				}
				// Without a stored edge, fall back to the direction of the tree.
				g.AddRelationship(d.RelType, n.Entity.ID, e.ID)
			}
		}
		return nil
	})
	return g
}

// AddEntity returns the node of e, adding it on first sight.
func (g *Graph) AddEntity(e entity.Entity) graph.Node {
	if id, ok := g.ids[e.ID]; ok {
		n := g.Node(id).(*entityNode)
		if n.entity.Kind == "" {
			n.entity = e
		}
		return n
	}
	n := &entityNode{Node: g.NewNode(), entity: e}
	g.AddNode(n)
	g.ids[e.ID] = n.ID()
	return n
}

// AddRelationship adds the line startID -> endID. Endpoints not yet seen are added with
// their id only. It reports whether the relationship was new.
func (g *Graph) AddRelationship(relType, startID, endID string) bool {
	key := Reference{RelType: relType, StartID: startID, EndID: endID}
	if _, ok := g.lines[key]; ok {
		return false
	}
	g.lines[key] = struct{}{}

	from := g.AddEntity(entity.Entity{ID: startID})
	to := g.AddEntity(entity.Entity{ID: endID})
	g.SetLine(&relationshipLine{Line: g.NewLine(from, to), relType: relType})
	return true
}

// Relationships returns the number of distinct relationships.
func (g *Graph) Relationships() int {
	return len(g.lines)
}

// Entity returns the entity with the given id.
func (g *Graph) Entity(id string) (entity.Entity, bool) {
	nid, ok := g.ids[id]
	if !ok {
		return entity.Entity{}, false
	}
	return g.Node(nid).(*entityNode).entity, true
}

// SelfReferences returns the relationships whose two endpoints are the same entity,
// ordered by entity id and relationship type.
func (g *Graph) SelfReferences() []Reference {
	var out []Reference
	for key := range g.lines {
		if key.StartID == key.EndID {
			out = append(out, key)
		}
	}
	slices.SortFunc(out, func(a, b Reference) int {
		if c := strings.Compare(a.StartID, b.StartID); c != 0 {
			return c
		}
		return strings.Compare(a.RelType, b.RelType)
	})
	return out
}

// Cycles returns the strongly connected components with more than one entity. Each
// component lists its entity ids in order; components are ordered by their first id.
func (g *Graph) Cycles() [][]string {
	var out [][]string
	for _, scc := range topo.TarjanSCC(g) {
		if len(scc) < 2 {
			continue
		}
		ids := make([]string, 0, len(scc))
		for _, n := range scc {
			ids = append(ids, n.(*entityNode).entity.ID)
		}
		slices.Sort(ids)
		out = append(out, ids)
	}
	slices.SortFunc(out, func(a, b []string) int {
		return strings.Compare(a[0], b[0])
	})
	return out
}

// Attributes implements encoding.Attributer for the graph itself.
func (g *Graph) Attributes() []encoding.Attribute {
	return []encoding.Attribute{{Key: "rankdir", Value: "LR"}}
}

// DOTAttributers implements dot.Attributers.
func (g *Graph) DOTAttributers() (graph, node, edge encoding.Attributer) {
	return g, nil, nil
}

// DOT renders the graph in the Graphviz DOT language.
func (g *Graph) DOT() (string, error) {
	b, err := dot.MarshalMulti(g, "", "", "")
	if err != nil {
		return "", fmt.Errorf("failed to encode graph: %w", err)
	}
	return string(b), nil
}

// Failure is a relationship of an entity whose last load failed.
type Failure struct {
	EntityID string `json:"entityId"`
	Key      string `json:"key"`
	Error    string `json:"error"`
}

// Report summarizes an audit.
type Report struct {
	Root           string      `json:"root"`
	Depth          int         `json:"depth"`
	Entities       int         `json:"entities"`
	Relationships  int         `json:"relationships"`
	SelfReferences []Reference `json:"selfReferences,omitempty"`
	Cycles         [][]string  `json:"cycles,omitempty"`
	Failures       []Failure   `json:"failures,omitempty"`
}

// Clean reports whether the audit found nothing to fix.
func (r Report) Clean() bool {
	return len(r.SelfReferences) == 0 && len(r.Cycles) == 0 && len(r.Failures) == 0
}

// Analyze builds the graph of the tree under root and reports on it.
func Analyze(root *expansion.Node) (Report, *Graph) {
	g := FromTree(root)
	report := Report{
		Root:           root.Entity.ID,
		Entities:       g.Nodes().Len(),
		Relationships:  g.Relationships(),
		SelfReferences: g.SelfReferences(),
		Cycles:         g.Cycles(),
	}
	_ = root.Walk(func(n *expansion.Node) error {
		engine := n.Engine()
		s := engine.State()
		for _, d := range engine.Descriptors() {
			if err := s.Err(d.Key()); err != nil {
				report.Failures = append(report.Failures, Failure{
					EntityID: n.Entity.ID,
					Key:      string(d.Key()),
					Error:    err.Error(),
				})
			}
		}
		return nil
	})
	return report, g
}

// Run builds the tree of root depth levels deep with composer and audits it. The
// composer should be in review mode, so that the root shows its own self references.
func Run(ctx context.Context, composer *expansion.Composer, root entity.Entity, depth int) (Report, *Graph, error) {
	tree, err := composer.Build(ctx, root, depth)
	if err != nil {
		return Report{}, nil, err
	}
	defer tree.Close()

	report, g := Analyze(tree)
	report.Depth = depth
	return report, g, nil
}
