package expansion

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/jinglear/jingle/internal/build"
)

var tracer = otel.Tracer("jingle/pkg/expansion")

var (
	fetchCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "relationship_fetch_count",
		Help:      "The total number of relationship fetch functions invoked.",
	})

	deduplicatedFetchCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "deduplicated_relationship_fetch_count",
		Help:      "The total number of loads served by a fetch shared with a concurrent identical load.",
	})

	suppressedLoadCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "suppressed_load_request_count",
		Help:      "The total number of load requests ignored because a load for the same relationship was in flight.",
	})

	staleResultCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "stale_relationship_result_count",
		Help:      "The total number of fetch results dropped because a later request superseded them.",
	})

	fetchFailureCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "relationship_fetch_failure_count",
		Help:      "The total number of relationship loads that ended in an error.",
	})

	fetchDurationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: build.ProjectName,
		Name:      "relationship_fetch_duration_ms",
		Help:      "The duration (in ms) of relationship fetches as observed by the loader.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	})
)
