package expansion

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/logger"
	"github.com/jinglear/jingle/pkg/relationship"
	"github.com/jinglear/jingle/pkg/telemetry"
)

// LoadRequest asks the Loader to fetch one relationship of one entity.
type LoadRequest struct {
	Descriptor relationship.Descriptor
	EntityID   string
	EntityType entity.Kind

	// Supersede starts a new fetch even if one is in flight for the key. The earlier
	// fetch is cancelled and its result will be dropped.
	Supersede bool
}

func (r LoadRequest) coalesceKey() string {
	return string(r.Descriptor.Key()) + "@" + string(r.EntityType) + ":" + r.EntityID
}

// Loader turns load requests into at most one live fetch per relationship key of the
// Store it writes to. Only the most recent request for a key may write its outcome.
type Loader struct {
	store     *Store
	coalescer *RequestCoalescer
	logger    logger.Logger

	// exclude is nil when cycle filtering is off.
	exclude      map[string]struct{}
	fetchTimeout time.Duration

	lifetime context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type LoaderOption func(*Loader)

func WithLoaderLogger(l logger.Logger) LoaderOption {
	return func(ld *Loader) {
		ld.logger = l
	}
}

// WithLoaderCoalescer shares c between loaders.
func WithLoaderCoalescer(c *RequestCoalescer) LoaderOption {
	return func(ld *Loader) {
		ld.coalescer = c
	}
}

// WithCycleFilter drops every fetched entity whose id is in exclude.
func WithCycleFilter(exclude map[string]struct{}) LoaderOption {
	return func(ld *Loader) {
		ld.exclude = exclude
	}
}

func WithLoaderFetchTimeout(d time.Duration) LoaderOption {
	return func(ld *Loader) {
		ld.fetchTimeout = d
	}
}

// NewLoader returns a loader writing to store. Fetches run under contexts derived from
// parent; Close cancels them.
func NewLoader(parent context.Context, store *Store, opts ...LoaderOption) *Loader {
	ctx, cancel := context.WithCancel(parent)
	l := &Loader{
		store:    store,
		logger:   logger.NewNoopLogger(),
		lifetime: ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.coalescer == nil {
		l.coalescer = NewRequestCoalescer()
	}
	return l
}

// RequestLoad starts a fetch for req unless one is already in flight for the same key
// and req does not supersede it. It reports whether a fetch was started; it never blocks
// on the fetch itself.
func (l *Loader) RequestLoad(req LoadRequest) bool {
	key := req.Descriptor.Key()

	var token *Token
	_, started := l.store.DispatchIf(func(s *State) (Action, bool) {
		if l.lifetime.Err() != nil {
			return Action{}, false
		}
		if s.IsLoading(key) && !req.Supersede {
			suppressedLoadCounter.Inc()
			l.logger.Debug("load already in flight",
				zap.String("relationship_key", string(key)),
				zap.String("entity_id", req.EntityID))
			return Action{}, false
		}
		if prev := s.InFlight(key); prev != nil {
			prev.Cancel()
		}
		token = NewToken(l.lifetime, l.fetchTimeout)
		l.wg.Add(1)
		return LoadStart(key, token), true
	})
	if !started {
		return false
	}

	if req.Supersede {
		l.coalescer.Forget(req.coalesceKey())
	}

	l.logger.Debug("load started",
		zap.String("relationship_key", string(key)),
		zap.String("entity_id", req.EntityID),
		zap.String("token", token.ID()),
		zap.Bool("supersede", req.Supersede))

	go l.run(token, req)
	return true
}

func (l *Loader) run(token *Token, req LoadRequest) {
	defer l.wg.Done()
	defer token.release()

	key := req.Descriptor.Key()
	ctx, span := tracer.Start(token.Context(), "expansion.load", trace.WithAttributes(
		attribute.String("relationship_key", string(key)),
		attribute.String("entity_id", req.EntityID),
		attribute.String("token", token.ID()),
	))
	defer span.End()

	if req.Descriptor.Count != nil {
		l.countHint(ctx, token, req)
	}

	start := time.Now()
	data, shared, err := Coalesce(ctx, l.coalescer, req.coalesceKey(), func(ctx context.Context) ([]entity.Entity, error) {
		fetchCounter.Inc()
		return req.Descriptor.Fetch(ctx, req.EntityID, req.EntityType)
	})
	fetchDurationHistogram.Observe(float64(time.Since(start).Milliseconds()))
	span.SetAttributes(attribute.Bool("shared", shared))
	if shared {
		deduplicatedFetchCounter.Inc()
	}

	if err != nil {
		fetchErr := &FetchError{Key: key, EntityID: req.EntityID, Err: err}
		if !l.commit(token, key, LoadError(key, fetchErr)) {
			return
		}
		fetchFailureCounter.Inc()
		telemetry.TraceError(span, err)
		l.logger.WarnWithContext(ctx, "relationship fetch failed",
			zap.String("relationship_key", string(key)),
			zap.String("entity_id", req.EntityID),
			zap.String("token", token.ID()),
			zap.Error(err))
		return
	}

	// the slice may be shared with other loaders through the coalescer
	result := slices.Clone(data)
	SortEntities(result, req.Descriptor.SortKey)
	if l.exclude != nil {
		result = FilterCycles(result, l.exclude)
	}
	span.SetAttributes(attribute.Int("count", len(result)))

	if l.commit(token, key, LoadSuccess(key, result, len(result))) {
		l.logger.Debug("load succeeded",
			zap.String("relationship_key", string(key)),
			zap.String("entity_id", req.EntityID),
			zap.String("token", token.ID()),
			zap.Int("count", len(result)))
	}
}

func (l *Loader) countHint(ctx context.Context, token *Token, req LoadRequest) {
	key := req.Descriptor.Key()
	n, _, err := Coalesce(ctx, l.coalescer, "count|"+req.coalesceKey(), func(ctx context.Context) (int, error) {
		return req.Descriptor.Count(ctx, req.EntityID, req.EntityType)
	})
	if err != nil {
		l.logger.WarnWithContext(ctx, "relationship count failed",
			zap.String("relationship_key", string(key)),
			zap.String("entity_id", req.EntityID),
			zap.Error(err))
		return
	}
	l.commit(token, key, CountHint(key, n))
}

// commit applies a if token is still the live token of key. A superseded token's outcome
// is dropped. A token that was cancelled while still recorded for key, because the
// loader's lifetime ended, settles the key with LOAD_CANCELLED instead.
func (l *Loader) commit(token *Token, key relationship.Key, a Action) bool {
	var cancelled bool
	_, applied := l.store.DispatchIf(func(s *State) (Action, bool) {
		if s.InFlight(key) != token {
			return Action{}, false
		}
		if token.IsCancelled() {
			if a.Type == ActionCountHint {
				return Action{}, false
			}
			cancelled = true
			return LoadCancelled(key), true
		}
		return a, true
	})
	if cancelled {
		l.logger.Debug("cancelled load settled",
			zap.String("relationship_key", string(key)),
			zap.String("token", token.ID()))
		return false
	}
	if !applied && a.Type != ActionCountHint {
		staleResultCounter.Inc()
		l.logger.Debug("stale result dropped",
			zap.String("relationship_key", string(key)),
			zap.String("token", token.ID()),
			zap.String("action", a.Type.String()))
	}
	return applied
}

// Stopped reports whether the loader's lifetime ended, through Close or its parent
// context. A stopped loader starts no fetch.
func (l *Loader) Stopped() bool {
	return l.lifetime.Err() != nil
}

// Wait blocks until every started fetch has settled.
func (l *Loader) Wait() {
	l.wg.Wait()
}

// Close cancels every fetch, then waits for them to settle. Requests made after Close
// are ignored.
func (l *Loader) Close() {
	l.store.DispatchIf(func(*State) (Action, bool) {
		l.cancel()
		return Action{}, false
	})
	l.wg.Wait()
}
