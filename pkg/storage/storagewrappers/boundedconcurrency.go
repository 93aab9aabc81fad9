package storagewrappers

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jinglear/jingle/internal/build"
	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/storage"
)

var _ storage.Datastore = (*BoundedConcurrencyDatastore)(nil)

var (
	timeWaitingHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: build.ProjectName,
		Name:      "time_waiting_for_read_queries",
		Help:      "Time (in ms) spent waiting for ReadEntity, ReadRelated and CountRelated calls to the datastore",
		Buckets:   []float64{1, 10, 25, 50, 100, 1000, 5000}, // milliseconds
	})
)

// BoundedConcurrencyDatastore makes sure there are at most N concurrent reads on the
// wrapped datastore, so an expanding tree cannot hoard all the database connections.
type BoundedConcurrencyDatastore struct {
	storage.Datastore
	limiter chan struct{}
}

func NewBoundedConcurrencyDatastore(wrapped storage.Datastore, n uint32) *BoundedConcurrencyDatastore {
	return &BoundedConcurrencyDatastore{
		Datastore: wrapped,
		limiter:   make(chan struct{}, n),
	}
}

// acquire waits for a slot or for ctx to be done. The returned func releases the slot.
func (b *BoundedConcurrencyDatastore) acquire(ctx context.Context) (func(), error) {
	start := time.Now()

	select {
	case b.limiter <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	timeWaiting := time.Since(start).Milliseconds()
	timeWaitingHistogram.Observe(float64(timeWaiting))
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Int64("time_waiting", timeWaiting))

	return func() {
		<-b.limiter
	}, nil
}

// ReadEntity see [storage.GraphReader].ReadEntity.
func (b *BoundedConcurrencyDatastore) ReadEntity(ctx context.Context, id string) (entity.Entity, error) {
	release, err := b.acquire(ctx)
	if err != nil {
		return entity.Entity{}, err
	}
	defer release()

	return b.Datastore.ReadEntity(ctx, id)
}

// ReadRelated see [storage.GraphReader].ReadRelated.
func (b *BoundedConcurrencyDatastore) ReadRelated(ctx context.Context, filter storage.RelatedFilter) ([]entity.Entity, error) {
	release, err := b.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	return b.Datastore.ReadRelated(ctx, filter)
}

// CountRelated see [storage.GraphReader].CountRelated.
func (b *BoundedConcurrencyDatastore) CountRelated(ctx context.Context, filter storage.RelatedFilter) (int, error) {
	release, err := b.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	return b.Datastore.CountRelated(ctx, filter)
}
