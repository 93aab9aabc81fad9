package expansion

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/relationship"
)

func ent(kind entity.Kind, id string) entity.Entity {
	return entity.Entity{ID: id, Kind: kind, Name: id}
}

func jingles(ids ...string) []entity.Entity {
	out := make([]entity.Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, ent(entity.KindJingle, id))
	}
	return out
}

type reply struct {
	data []entity.Entity
	err  error
}

// scriptedFetcher serves the i-th call with the i-th reply, blocking until the test
// sends it. It ignores cancellation so that superseded calls still resolve.
type scriptedFetcher struct {
	calls   atomic.Int32
	started chan int
	replies []chan reply
}

func newScriptedFetcher(n int) *scriptedFetcher {
	f := &scriptedFetcher{
		started: make(chan int, n),
		replies: make([]chan reply, n),
	}
	for i := range f.replies {
		f.replies[i] = make(chan reply, 1)
	}
	return f
}

func (f *scriptedFetcher) Fetch(_ context.Context, _ string, _ entity.Kind) ([]entity.Entity, error) {
	i := int(f.calls.Add(1)) - 1
	if i >= len(f.replies) {
		return nil, fmt.Errorf("unexpected fetch call %d", i+1)
	}
	f.started <- i
	r := <-f.replies[i]
	return r.data, r.err
}

func (f *scriptedFetcher) reply(i int, data []entity.Entity, err error) {
	f.replies[i] <- reply{data: data, err: err}
}

// sequenceFetcher returns its replies in order without blocking; the last one repeats.
type sequenceFetcher struct {
	mu      sync.Mutex
	calls   int
	replies []reply
}

func (f *sequenceFetcher) Fetch(_ context.Context, _ string, _ entity.Kind) ([]entity.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.replies[min(f.calls, len(f.replies)-1)]
	f.calls++
	return r.data, r.err
}

func (f *sequenceFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func staticFetcher(data []entity.Entity) *sequenceFetcher {
	return &sequenceFetcher{replies: []reply{{data: data}}}
}

func jingleDescriptor(fetch relationship.FetchFunc) relationship.Descriptor {
	return relationship.Descriptor{
		Label:       "Jingles",
		TargetType:  entity.KindJingle,
		RelType:     relationship.RelAppearsIn,
		Cardinality: relationship.CardinalityMany,
		Fetch:       fetch,
	}
}

// testGraph is an in-memory adjacency list used to drive composer tests.
type testGraph struct {
	entities map[string]entity.Entity
	edges    map[string]map[relationship.Key][]string

	mu    sync.Mutex
	calls map[string]int
}

func newTestGraph(entities ...entity.Entity) *testGraph {
	g := &testGraph{
		entities: map[string]entity.Entity{},
		edges:    map[string]map[relationship.Key][]string{},
		calls:    map[string]int{},
	}
	for _, e := range entities {
		g.entities[e.ID] = e
	}
	return g
}

var graphSpecs = map[entity.Kind][]struct {
	label  string
	target entity.Kind
}{
	entity.KindFactory: {{"Jingles", entity.KindJingle}},
	entity.KindJingle:  {{"Fabricas", entity.KindFactory}, {"Cancion", entity.KindSong}},
	entity.KindSong:    {{"Jingles", entity.KindJingle}},
}

func (g *testGraph) link(from, label, to string) {
	src := g.entities[from]
	key := relationship.NewKey(label, g.entities[to].Kind)
	if g.edges[src.ID] == nil {
		g.edges[src.ID] = map[relationship.Key][]string{}
	}
	g.edges[src.ID][key] = append(g.edges[src.ID][key], to)
}

func (g *testGraph) Descriptors(kind entity.Kind) []relationship.Descriptor {
	var out []relationship.Descriptor
	for _, s := range graphSpecs[kind] {
		key := relationship.NewKey(s.label, s.target)
		out = append(out, relationship.Descriptor{
			Label:      s.label,
			TargetType: s.target,
			SortKey:    relationship.SortByName,
			Fetch: func(_ context.Context, id string, _ entity.Kind) ([]entity.Entity, error) {
				g.mu.Lock()
				g.calls[id+"/"+string(key)]++
				g.mu.Unlock()

				var related []entity.Entity
				for _, to := range g.edges[id][key] {
					related = append(related, g.entities[to])
				}
				return related, nil
			},
		})
	}
	return out
}

func (g *testGraph) callsFor(id string, key relationship.Key) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[id+"/"+string(key)]
}

func (g *testGraph) totalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		n += c
	}
	return n
}
