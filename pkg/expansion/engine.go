package expansion

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/logger"
	"github.com/jinglear/jingle/pkg/relationship"
)

// Engine owns the expansion state of one entity instance: which of its relationships are
// expanded, what they loaded, and what is still loading. Nested instances each get their
// own Engine; nothing mutable is shared between them.
type Engine struct {
	root        entity.Entity
	descriptors []relationship.Descriptor
	byKey       map[relationship.Key]relationship.Descriptor

	path      EntityPath
	policy    Policy
	logger    logger.Logger
	committer RelationshipCommitter

	store  *Store
	loader *Loader

	mu      sync.Mutex
	pending map[EdgeKey]map[string]any

	mounted atomic.Bool
	closed  atomic.Bool
}

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	ctx          context.Context
	path         EntityPath
	policy       Policy
	logger       logger.Logger
	coalescer    *RequestCoalescer
	fetchTimeout time.Duration
	committer    RelationshipCommitter
}

// WithPath sets the ids of the ancestors of the root, outermost first.
func WithPath(path EntityPath) EngineOption {
	return func(o *engineOptions) {
		o.path = path
	}
}

func WithPolicy(p Policy) EngineOption {
	return func(o *engineOptions) {
		o.policy = p
	}
}

func WithMode(m Mode) EngineOption {
	return func(o *engineOptions) {
		o.policy.Mode = m
	}
}

func WithDepth(depth int) EngineOption {
	return func(o *engineOptions) {
		o.policy.Depth = depth
	}
}

func WithMaxDepth(maxDepth int) EngineOption {
	return func(o *engineOptions) {
		o.policy.MaxDepth = maxDepth
	}
}

func WithLogger(l logger.Logger) EngineOption {
	return func(o *engineOptions) {
		o.logger = l
	}
}

// WithCoalescer shares c with other engines so identical concurrent fetches run once.
func WithCoalescer(c *RequestCoalescer) EngineOption {
	return func(o *engineOptions) {
		o.coalescer = c
	}
}

// WithFetchTimeout bounds every fetch. Zero disables the timeout.
func WithFetchTimeout(d time.Duration) EngineOption {
	return func(o *engineOptions) {
		o.fetchTimeout = d
	}
}

// WithCommitter sets where ClearUnsavedChanges writes committed edits.
func WithCommitter(c RelationshipCommitter) EngineOption {
	return func(o *engineOptions) {
		o.committer = c
	}
}

// WithContext sets the parent of every fetch context. Cancelling it cancels every fetch
// as if the engine were superseded.
func WithContext(ctx context.Context) EngineOption {
	return func(o *engineOptions) {
		o.ctx = ctx
	}
}

// New returns an engine for root. The root must already be loaded: the engine never
// fetches it. A root without an id, or of an unknown kind, is rejected with
// ErrInvalidRoot before any relationship is looked at.
func New(root entity.Entity, descriptors []relationship.Descriptor, opts ...EngineOption) (*Engine, error) {
	if root.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidRoot)
	}
	if !root.Kind.Valid() {
		return nil, fmt.Errorf("%w: %s has unknown kind %q", ErrInvalidRoot, root.ID, root.Kind)
	}

	byKey := make(map[relationship.Key]relationship.Descriptor, len(descriptors))
	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byKey[d.Key()]; dup {
			return nil, fmt.Errorf("%w: duplicate key %s", relationship.ErrInvalidDescriptor, d.Key())
		}
		byKey[d.Key()] = d
	}

	o := engineOptions{
		ctx:    context.Background(),
		logger: logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		root:        root,
		descriptors: slices.Clone(descriptors),
		byKey:       byKey,
		path:        slices.Clone(o.path),
		policy:      o.policy,
		logger: o.logger.With(
			zap.String("entity_id", root.ID),
			zap.Int("depth", o.policy.Depth),
		),
		committer: o.committer,
		store:     NewStore(),
		pending:   map[EdgeKey]map[string]any{},
	}

	loaderOpts := []LoaderOption{
		WithLoaderLogger(e.logger),
		WithLoaderFetchTimeout(o.fetchTimeout),
		WithLoaderCoalescer(o.coalescer),
	}
	if e.policy.FilterCycles() {
		loaderOpts = append(loaderOpts, WithCycleFilter(e.path.excludeSet(root.ID)))
	}
	e.loader = NewLoader(o.ctx, e.store, loaderOpts...)

	return e, nil
}

func (e *Engine) Root() entity.Entity {
	return e.root
}

// Path is the entity path of the root, excluding the root itself.
func (e *Engine) Path() EntityPath {
	return e.path
}

func (e *Engine) Policy() Policy {
	return e.policy
}

// Descriptors returns the relationships of the root in display order.
func (e *Engine) Descriptors() []relationship.Descriptor {
	return e.descriptors
}

// Descriptor returns the relationship identified by key.
func (e *Engine) Descriptor(key relationship.Key) (relationship.Descriptor, bool) {
	d, ok := e.byKey[key]
	return d, ok
}

// State returns the current state snapshot.
func (e *Engine) State() *State {
	return e.store.State()
}

// Subscribe registers l to be called with every new state. The returned function
// unregisters it.
func (e *Engine) Subscribe(l Listener) func() {
	return e.store.Subscribe(l)
}

// Mount applies the mode policy. In an eager engine every relationship is expanded and
// starts loading concurrently; a lazy engine does nothing until a relationship is
// expanded. Mounting twice is a no-op.
func (e *Engine) Mount() error {
	if e.Closed() {
		return ErrEngineClosed
	}
	if !e.mounted.CompareAndSwap(false, true) {
		return nil
	}
	if !e.policy.Eager() {
		return nil
	}

	e.logger.Debug("eager mount", zap.Int("relationships", len(e.descriptors)))
	for _, d := range e.descriptors {
		e.open(d.Key())
		e.loader.RequestLoad(e.request(d, false))
	}
	return nil
}

// Expand shows the contents of key, loading them when there is nothing cached. Expanding
// an expanded relationship, or one at a depth past the maximum, does nothing. A
// relationship whose last load failed keeps its error until Retry.
func (e *Engine) Expand(key relationship.Key) error {
	d, err := e.lookup(key)
	if err != nil {
		return err
	}
	if !e.policy.CanExpand() {
		e.logger.Debug("max depth reached", zap.String("relationship_key", string(key)))
		return nil
	}
	if !e.open(key) {
		return nil
	}

	s := e.store.State()
	switch {
	case s.Err(key) != nil:
	case s.IsLoading(key):
		// started before a collapse; the newer request wins
		e.loader.RequestLoad(e.request(d, true))
	case hasData(s, key):
	default:
		e.loader.RequestLoad(e.request(d, false))
	}
	return nil
}

// Collapse hides the contents of key. Neither the cache nor an in-flight load is touched.
func (e *Engine) Collapse(key relationship.Key) error {
	if _, err := e.lookup(key); err != nil {
		return err
	}
	e.store.DispatchIf(func(s *State) (Action, bool) {
		return Toggle(key), s.IsExpanded(key)
	})
	return nil
}

// Toggle collapses key when expanded and expands it otherwise.
func (e *Engine) Toggle(key relationship.Key) error {
	if e.store.State().IsExpanded(key) {
		return e.Collapse(key)
	}
	return e.Expand(key)
}

// Retry clears the error of key and requests one new load. The load is deduplicated like
// any other: retrying a relationship that is already loading does not fetch twice.
func (e *Engine) Retry(key relationship.Key) error {
	d, err := e.lookup(key)
	if err != nil {
		return err
	}
	e.open(key)
	e.store.Dispatch(ClearError(key))
	e.loader.RequestLoad(e.request(d, false))
	return nil
}

// LoadCounts fetches the count hint of every relationship that has a count function and
// has neither loaded nor started loading. Failures are logged and skipped.
func (e *Engine) LoadCounts(ctx context.Context) error {
	if e.Closed() {
		return ErrEngineClosed
	}

	p := pool.New().WithContext(ctx)
	for _, d := range e.descriptors {
		key := d.Key()
		s := e.store.State()
		if d.Count == nil || hasData(s, key) || s.IsLoading(key) {
			continue
		}
		p.Go(func(ctx context.Context) error {
			n, err := d.Count(ctx, e.root.ID, e.root.Kind)
			if err != nil {
				e.logger.WarnWithContext(ctx, "relationship count failed",
					zap.String("relationship_key", string(key)),
					zap.Error(err))
				return nil
			}
			e.store.Dispatch(CountHint(key, n))
			return nil
		})
	}
	_ = p.Wait()
	return ctx.Err()
}

// Await blocks until key is not loading or ctx is done.
func (e *Engine) Await(ctx context.Context, key relationship.Key) error {
	settled := make(chan struct{})
	var once sync.Once
	unsubscribe := e.store.Subscribe(func(s *State) {
		if !s.IsLoading(key) {
			once.Do(func() { close(settled) })
		}
	})
	defer unsubscribe()

	if !e.store.State().IsLoading(key) {
		return nil
	}
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every load started so far has settled.
func (e *Engine) Wait() {
	e.loader.Wait()
}

// Close unmounts the engine: every in-flight load is cancelled, forgotten and settled as
// not loading, and the call returns once their goroutines exited. Later mutations fail
// with ErrEngineClosed.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	for _, key := range e.store.State().InFlightKeys() {
		e.store.DispatchIf(func(s *State) (Action, bool) {
			token := s.InFlight(key)
			if token == nil {
				return Action{}, false
			}
			token.Cancel()
			return ClearInFlight(key), true
		})
		e.store.DispatchIf(func(s *State) (Action, bool) {
			return LoadCancelled(key), s.IsLoading(key) && s.InFlight(key) == nil
		})
	}
	e.loader.Close()
	e.logger.Debug("engine closed")
}

// Closed reports whether the engine was closed or the context it was created with is
// done. A closed engine rejects every action with ErrEngineClosed.
func (e *Engine) Closed() bool {
	return e.closed.Load() || e.loader.Stopped()
}

// open marks key expanded and reports whether it was collapsed before.
func (e *Engine) open(key relationship.Key) bool {
	_, toggled := e.store.DispatchIf(func(s *State) (Action, bool) {
		return Toggle(key), !s.IsExpanded(key)
	})
	return toggled
}

func (e *Engine) lookup(key relationship.Key) (relationship.Descriptor, error) {
	if e.Closed() {
		return relationship.Descriptor{}, ErrEngineClosed
	}
	d, ok := e.byKey[key]
	if !ok {
		return relationship.Descriptor{}, unknownRelationshipError(key)
	}
	return d, nil
}

func (e *Engine) request(d relationship.Descriptor, supersede bool) LoadRequest {
	return LoadRequest{
		Descriptor: d,
		EntityID:   e.root.ID,
		EntityType: e.root.Kind,
		Supersede:  supersede,
	}
}

func hasData(s *State, key relationship.Key) bool {
	_, ok := s.LoadedData(key)
	return ok
}
