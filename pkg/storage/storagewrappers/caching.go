package storagewrappers

import (
	"context"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/karlseguin/ccache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jinglear/jingle/internal/build"
	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/storage"
)

var (
	tracer = otel.Tracer("jingle/pkg/storage/storagewrappers")

	_ storage.Datastore = (*CachedDatastore)(nil)

	readCacheTotalCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "read_cache_total_count",
		Help:      "The total number of reads served through the read cache.",
	}, []string{"operation"})

	readCacheHitCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "read_cache_hit_count",
		Help:      "The total number of reads answered from the read cache.",
	}, []string{"operation"})
)

const (
	defaultMaxCacheSize = 10000
	defaultCacheTTL     = 10 * time.Second
)

type CachedDatastoreOpt func(*CachedDatastore)

// WithMaxCacheSize bounds the number of cached reads.
func WithMaxCacheSize(n int64) CachedDatastoreOpt {
	return func(c *CachedDatastore) {
		c.maxSize = n
	}
}

func WithCacheTTL(ttl time.Duration) CachedDatastoreOpt {
	return func(c *CachedDatastore) {
		c.ttl = ttl
	}
}

// CachedDatastore is a wrapper over a datastore that caches the results of reads for a
// while. Every write through it drops the whole cache.
type CachedDatastore struct {
	storage.Datastore

	cache   *ccache.Cache[any]
	maxSize int64
	ttl     time.Duration
}

// NewCachedDatastore returns a wrapper over inner that caches ReadEntity, ReadRelated and
// CountRelated results.
func NewCachedDatastore(inner storage.Datastore, opts ...CachedDatastoreOpt) *CachedDatastore {
	c := &CachedDatastore{
		Datastore: inner,
		maxSize:   defaultMaxCacheSize,
		ttl:       defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cache = ccache.New(ccache.Configure[any]().MaxSize(c.maxSize))
	return c
}

func cacheKey(operation string, parts ...string) string {
	h := xxhash.New()
	_, _ = h.WriteString(operation)
	for _, p := range parts {
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(p)
	}
	return strconv.FormatUint(h.Sum64(), 36)
}

func filterParts(f storage.RelatedFilter) []string {
	return []string{f.EntityID, string(f.EntityType), f.RelType, string(f.Direction), string(f.TargetType)}
}

func cloneEntities(in []entity.Entity) []entity.Entity {
	if in == nil {
		return nil
	}
	out := make([]entity.Entity, len(in))
	for i, e := range in {
		out[i] = cloneEntity(e)
	}
	return out
}

func cloneEntity(e entity.Entity) entity.Entity {
	if e.Properties != nil {
		props := make(map[string]any, len(e.Properties))
		for k, v := range e.Properties {
			props[k] = v
		}
		e.Properties = props
	}
	e.Edge = e.Edge.Clone()
	return e
}

// lookup returns the cached value of key or loads and caches it.
func lookup[T any](ctx context.Context, c *CachedDatastore, operation, key string, load func(context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, "cache."+operation, trace.WithAttributes(attribute.Bool("cached", false)))
	defer span.End()

	readCacheTotalCounter.WithLabelValues(operation).Inc()
	if item := c.cache.Get(key); item != nil && !item.Expired() {
		if v, ok := item.Value().(T); ok {
			readCacheHitCounter.WithLabelValues(operation).Inc()
			span.SetAttributes(attribute.Bool("cached", true))
			return v, nil
		}
	}

	v, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.cache.Set(key, v, c.ttl)
	return v, nil
}

// ReadEntity see [storage.GraphReader].ReadEntity.
func (c *CachedDatastore) ReadEntity(ctx context.Context, id string) (entity.Entity, error) {
	e, err := lookup(ctx, c, "ReadEntity", cacheKey("ReadEntity", id), func(ctx context.Context) (entity.Entity, error) {
		return c.Datastore.ReadEntity(ctx, id)
	})
	return cloneEntity(e), err
}

// ReadRelated see [storage.GraphReader].ReadRelated.
func (c *CachedDatastore) ReadRelated(ctx context.Context, filter storage.RelatedFilter) ([]entity.Entity, error) {
	related, err := lookup(ctx, c, "ReadRelated", cacheKey("ReadRelated", filterParts(filter)...), func(ctx context.Context) ([]entity.Entity, error) {
		return c.Datastore.ReadRelated(ctx, filter)
	})
	return cloneEntities(related), err
}

// CountRelated see [storage.GraphReader].CountRelated.
func (c *CachedDatastore) CountRelated(ctx context.Context, filter storage.RelatedFilter) (int, error) {
	return lookup(ctx, c, "CountRelated", cacheKey("CountRelated", filterParts(filter)...), func(ctx context.Context) (int, error) {
		return c.Datastore.CountRelated(ctx, filter)
	})
}

// WriteEntities see [storage.GraphWriter].WriteEntities.
func (c *CachedDatastore) WriteEntities(ctx context.Context, entities []entity.Entity) error {
	defer c.cache.Clear()
	return c.Datastore.WriteEntities(ctx, entities)
}

// WriteRelationships see [storage.GraphWriter].WriteRelationships.
func (c *CachedDatastore) WriteRelationships(ctx context.Context, relationships []storage.Relationship) error {
	defer c.cache.Clear()
	return c.Datastore.WriteRelationships(ctx, relationships)
}

// UpdateRelationshipProperties see [storage.GraphWriter].UpdateRelationshipProperties.
func (c *CachedDatastore) UpdateRelationshipProperties(ctx context.Context, updates []storage.RelationshipUpdate) error {
	defer c.cache.Clear()
	return c.Datastore.UpdateRelationshipProperties(ctx, updates)
}

// Close stops the cache and closes the wrapped datastore.
func (c *CachedDatastore) Close() {
	c.cache.Stop()
	c.Datastore.Close()
}
