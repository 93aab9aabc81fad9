package expansion

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/logger"
	"github.com/jinglear/jingle/pkg/relationship"
)

const defaultBuildConcurrency = 8

// Composer assembles the tree of engines: one engine per entity instance, nested under
// the relationship it was loaded through. Children are only materialized for expanded
// relationships, so the tree is as deep as the user navigated.
type Composer struct {
	provider     relationship.Provider
	mode         Mode
	maxDepth     int
	coalescer    *RequestCoalescer
	logger       logger.Logger
	fetchTimeout time.Duration
	committer    RelationshipCommitter
	concurrency  int
	ctx          context.Context
}

type ComposerOption func(*Composer)

func WithComposerMode(m Mode) ComposerOption {
	return func(c *Composer) {
		c.mode = m
	}
}

// WithComposerMaxDepth hides expansion at depth >= maxDepth; zero means unbounded.
func WithComposerMaxDepth(maxDepth int) ComposerOption {
	return func(c *Composer) {
		c.maxDepth = maxDepth
	}
}

func WithComposerLogger(l logger.Logger) ComposerOption {
	return func(c *Composer) {
		c.logger = l
	}
}

func WithComposerFetchTimeout(d time.Duration) ComposerOption {
	return func(c *Composer) {
		c.fetchTimeout = d
	}
}

func WithComposerCommitter(committer RelationshipCommitter) ComposerOption {
	return func(c *Composer) {
		c.committer = committer
	}
}

// WithBuildConcurrency bounds the number of relationships Build expands at once.
func WithBuildConcurrency(n int) ComposerOption {
	return func(c *Composer) {
		c.concurrency = n
	}
}

// WithComposerContext sets the context every engine of the tree fetches under.
func WithComposerContext(ctx context.Context) ComposerOption {
	return func(c *Composer) {
		c.ctx = ctx
	}
}

// NewComposer returns a composer taking relationship descriptors from provider. Every
// engine it creates shares one RequestCoalescer.
func NewComposer(provider relationship.Provider, opts ...ComposerOption) *Composer {
	c := &Composer{
		provider:    provider,
		coalescer:   NewRequestCoalescer(),
		logger:      logger.NewNoopLogger(),
		concurrency: defaultBuildConcurrency,
		ctx:         context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.concurrency < 1 {
		c.concurrency = 1
	}
	return c
}

// Node is one entity instance of the tree.
type Node struct {
	Entity entity.Entity
	// Key is the relationship of the parent the entity was loaded through; empty at
	// the root.
	Key relationship.Key
	// Path holds the ids of the ancestors, root first.
	Path EntityPath

	composer *Composer

	// mu guards engine, which RequestReview replaces, and children.
	mu       sync.Mutex
	engine   *Engine
	children map[relationship.Key][]*Node
}

// Engine returns the engine currently backing n.
func (n *Node) Engine() *Engine {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine
}

// Mount creates and mounts the root node for root. The root must be loaded already.
func (c *Composer) Mount(root entity.Entity) (*Node, error) {
	return c.newNode(root, "", nil, Policy{Mode: c.mode, MaxDepth: c.maxDepth})
}

func (c *Composer) newNode(ent entity.Entity, key relationship.Key, path EntityPath, policy Policy) (*Node, error) {
	engine, err := New(ent, c.provider.Descriptors(ent.Kind),
		WithPath(path),
		WithPolicy(policy),
		WithLogger(c.logger),
		WithCoalescer(c.coalescer),
		WithFetchTimeout(c.fetchTimeout),
		WithCommitter(c.committer),
		WithContext(c.ctx),
	)
	if err != nil {
		return nil, err
	}
	if err := engine.Mount(); err != nil {
		return nil, err
	}
	return &Node{
		Entity:   ent,
		Key:      key,
		Path:     path,
		engine:   engine,
		composer: c,
		children: map[relationship.Key][]*Node{},
	}, nil
}

// Depth is the nesting level of n; the root is at 0.
func (n *Node) Depth() int {
	return len(n.Path)
}

// Children returns one node per entity currently loaded for key, in result order, or nil
// when key is collapsed. Nodes of entities that were already materialized are reused,
// keeping their own expansion state; nodes whose entity left the result are closed.
func (n *Node) Children(key relationship.Key) []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()

	s := n.engine.State()

	if !s.IsExpanded(key) {
		return nil
	}
	data, _ := s.LoadedData(key)

	existing := make(map[string]*Node, len(n.children[key]))
	for _, child := range n.children[key] {
		existing[child.Entity.ID] = child
	}

	childPath := n.Path.Append(n.Entity.ID)
	childPolicy := n.engine.Policy().Child()

	children := make([]*Node, 0, len(data))
	for _, ent := range data {
		if child, ok := existing[ent.ID]; ok {
			delete(existing, ent.ID)
			children = append(children, child)
			continue
		}
		child, err := n.composer.newNode(ent, key, childPath, childPolicy)
		if err != nil {
			n.composer.logger.Warn("skipping related entity",
				zap.String("entity_id", n.Entity.ID),
				zap.String("relationship_key", string(key)),
				zap.String("related_id", ent.ID),
				zap.Error(err))
			continue
		}
		children = append(children, child)
	}
	for _, dropped := range existing {
		dropped.Close()
	}

	n.children[key] = children
	return children
}

// ExpandNode expands key on n, waits for its load to settle and returns the children.
// A failed load is not an error here: it is recorded in n's state.
func (c *Composer) ExpandNode(ctx context.Context, n *Node, key relationship.Key) ([]*Node, error) {
	engine := n.Engine()
	if err := engine.Expand(key); err != nil {
		return nil, err
	}
	if err := engine.Await(ctx, key); err != nil {
		return nil, err
	}
	return n.Children(key), nil
}

// RequestReview turns n into the root of a review subtree: its engine is replaced by an
// eager one that loads every relationship and keeps self references. Previously
// materialized children are closed.
func (c *Composer) RequestReview(n *Node) error {
	policy := n.Engine().Policy().AsReviewRoot()
	replacement, err := c.newNode(n.Entity, n.Key, n.Path, policy)
	if err != nil {
		return err
	}

	n.mu.Lock()
	old, oldChildren := n.engine, n.children
	n.engine, n.children = replacement.engine, map[relationship.Key][]*Node{}
	n.mu.Unlock()

	for _, children := range oldChildren {
		for _, child := range children {
			child.Close()
		}
	}
	old.Close()
	return nil
}

// Build mounts root and expands every relationship level by level until depth levels
// below the root are materialized or the maximum depth hides further expansion.
func (c *Composer) Build(ctx context.Context, root entity.Entity, depth int) (*Node, error) {
	rootNode, err := c.Mount(root)
	if err != nil {
		return nil, err
	}

	level := []*Node{rootNode}
	for d := 0; d < depth && len(level) > 0; d++ {
		var (
			mu   sync.Mutex
			next []*Node
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.concurrency)
		for _, n := range level {
			engine := n.Engine()
			if !engine.Policy().CanExpand() {
				continue
			}
			for _, desc := range engine.Descriptors() {
				key := desc.Key()
				g.Go(func() error {
					children, err := c.ExpandNode(gctx, n, key)
					if err != nil {
						return err
					}
					mu.Lock()
					next = append(next, children...)
					mu.Unlock()
					return nil
				})
			}
		}
		if err := g.Wait(); err != nil {
			rootNode.Close()
			return nil, err
		}
		level = next
	}
	return rootNode, nil
}

// Walk visits n and every materialized descendant depth first, relationships in
// descriptor order. It stops at the first error fn returns.
func (n *Node) Walk(fn func(*Node) error) error {
	if err := fn(n); err != nil {
		return err
	}
	for _, d := range n.Engine().Descriptors() {
		for _, child := range n.materialized(d.Key()) {
			if err := child.Walk(fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n *Node) materialized(key relationship.Key) []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.children[key]
}

// Close closes the engines of n and of every materialized descendant.
func (n *Node) Close() {
	n.mu.Lock()
	engine, children := n.engine, n.children
	n.children = map[relationship.Key][]*Node{}
	n.mu.Unlock()

	for _, list := range children {
		for _, child := range list {
			child.Close()
		}
	}
	engine.Close()
}
