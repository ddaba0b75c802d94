package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var defaultMillisecondsDistribution = view.Distribution(
	0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8,
	10, 20, 30, 40, 50, 60, 70, 80, 90, 100,
	150, 200, 250, 300, 350, 400, 450, 500,
	600, 700, 800, 900, 1000,
	2000, 5000, 10000, 30000, 60000,
)

// Tags
var (
	Database, _ = tag.NewKey("database")
	Failure, _  = tag.NewKey("failure")
)

// Measures
var (
	WriteTransactions   = stats.Int64("store/write_tx", "Counter of committed write transactions", stats.UnitDimensionless)
	WriteDuration       = stats.Float64("store/write_ms", "Duration of write transactions", stats.UnitMilliseconds)
	ReadTransactions    = stats.Int64("store/read_tx", "Counter of completed read transactions", stats.UnitDimensionless)
	BusyRetries         = stats.Int64("store/busy_retries", "Counter of write transactions retried because the database was busy", stats.UnitDimensionless)
	ChangesetsPublished = stats.Int64("store/changesets_published", "Counter of changesets published to observers", stats.UnitDimensionless)
	ChangesetsWidened   = stats.Int64("store/changesets_widened", "Counter of changesets widened to the full database", stats.UnitDimensionless)

	ObservationsActive  = stats.Int64("observe/active", "Current number of active observations", stats.UnitDimensionless)
	ValuesDelivered     = stats.Int64("observe/values_delivered", "Counter of values delivered to observers", stats.UnitDimensionless)
	ValuesDeduplicated  = stats.Int64("observe/values_deduplicated", "Counter of values withheld by duplicate filtering", stats.UnitDimensionless)
	FetchesCoalesced    = stats.Int64("observe/fetches_coalesced", "Counter of follow-up fetches covering commits that landed during a fetch", stats.UnitDimensionless)
	FetchDuration       = stats.Float64("observe/fetch_ms", "Duration of observation re-fetches", stats.UnitMilliseconds)
	ObservationFailures = stats.Int64("observe/failures", "Counter of observations terminated by an error", stats.UnitDimensionless)
)

// Views
var (
	WriteTransactionsView = &view.View{
		Measure:     WriteTransactions,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Database},
	}
	WriteDurationView = &view.View{
		Measure:     WriteDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{Database},
	}
	ReadTransactionsView = &view.View{
		Measure:     ReadTransactions,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Database},
	}
	BusyRetriesView = &view.View{
		Measure:     BusyRetries,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Database},
	}
	ChangesetsPublishedView = &view.View{
		Measure:     ChangesetsPublished,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Database},
	}
	ChangesetsWidenedView = &view.View{
		Measure:     ChangesetsWidened,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Database},
	}
	ObservationsActiveView = &view.View{
		Measure:     ObservationsActive,
		Aggregation: view.Sum(),
	}
	ValuesDeliveredView = &view.View{
		Measure:     ValuesDelivered,
		Aggregation: view.Count(),
	}
	ValuesDeduplicatedView = &view.View{
		Measure:     ValuesDeduplicated,
		Aggregation: view.Count(),
	}
	FetchesCoalescedView = &view.View{
		Measure:     FetchesCoalesced,
		Aggregation: view.Count(),
	}
	FetchDurationView = &view.View{
		Measure:     FetchDuration,
		Aggregation: defaultMillisecondsDistribution,
	}
	ObservationFailuresView = &view.View{
		Measure:     ObservationFailures,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Failure},
	}
)

// DefaultViews is an array of OpenCensus views for metric gathering purposes
var DefaultViews = []*view.View{
	WriteTransactionsView,
	WriteDurationView,
	ReadTransactionsView,
	BusyRetriesView,
	ChangesetsPublishedView,
	ChangesetsWidenedView,
	ObservationsActiveView,
	ValuesDeliveredView,
	ValuesDeduplicatedView,
	FetchesCoalescedView,
	FetchDurationView,
	ObservationFailuresView,
}

// SinceInMilliseconds returns the duration of time since the provided time as a float64.
func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(time.Since(startTime).Milliseconds())
}

// Timer is a function stopwatch, calling it starts the timer,
// calling the returned function will record the duration.
func Timer(ctx context.Context, m *stats.Float64Measure) func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		stats.Record(ctx, m.M(SinceInMilliseconds(start)))
		return time.Since(start)
	}
}
