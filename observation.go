package sqlwatch

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-sqlwatch/region"
	"github.com/filecoin-project/go-sqlwatch/store"
)

var log = logging.Logger("sqlwatch")

// Scheduling selects the goroutine the first value is delivered on.
type Scheduling int

const (
	// Deferred delivers every value, including the first, on the
	// observation's own goroutine, never on the caller's stack.
	Deferred Scheduling = iota
	// Immediate delivers the first value synchronously on the calling
	// goroutine, before Start returns. Later values arrive on the
	// observation's goroutine.
	Immediate
)

// A FetchFunc reads the observed value from a consistent snapshot of the
// database. It must not write. Track calls on the transaction report which
// parts of the database the value depends on.
type FetchFunc[V any] func(ctx context.Context, tx *store.Tx) (V, error)

// An Observation describes a derived value to watch: how to fetch it, which
// region of the database it depends on, and whether unchanged results are
// suppressed. The description is inert; Start spawns an independent live
// instance, so the same Observation can be started any number of times.
//
// Tracking and Deduplicated return modified copies, leaving the receiver
// untouched.
type Observation[V any] struct {
	fetch  FetchFunc[V]
	fixed  bool
	static region.Region
	dedup  bool
	equals func(prev, next V) bool
}

// Value creates an observation of the result of fetch.
//
// By default the observed region is variable: after every fetch it is rebuilt
// from the Track calls the fetch made, and a fetch that tracked nothing is
// treated as depending on the entire database. Queries whose dependencies
// never change should use Tracking instead.
func Value[V any](fetch FetchFunc[V]) *Observation[V] {
	return &Observation[V]{fetch: fetch}
}

// Tracking pins the observed region to the union of the given regions,
// recorded once at Start. Track calls made by the fetch no longer influence
// when the observation re-fetches.
func (o *Observation[V]) Tracking(regions ...region.Region) *Observation[V] {
	out := *o
	out.fixed = true
	for _, r := range regions {
		out.static = out.static.Union(r)
	}
	return &out
}

// Deduplicated suppresses delivery of values that equals reports as the same
// as the previously delivered one. Equal provides the comparator for
// comparable value types.
func (o *Observation[V]) Deduplicated(equals func(prev, next V) bool) *Observation[V] {
	out := *o
	out.dedup = true
	out.equals = equals
	return &out
}

// Start begins observing against s. The fetch runs once before Start
// returns, establishing the first value and, for variable regions, the
// observed region; afterwards every committed write transaction overlapping
// the region triggers a re-fetch on the observation's own goroutine. Values
// are delivered to onChange in fetch order.
//
// Both handlers are mandatory. Start returns an error only for invalid
// arguments: fetch and store failures, including the initial fetch's, are
// delivered to onError. onError runs at most once, after which the
// observation is over and no handler runs again.
//
// ctx bounds the initial fetch only. The observation itself lives until
// Cancel, an error, or the store is closed.
func (o *Observation[V]) Start(ctx context.Context, s *store.Store, sched Scheduling, onError func(error), onChange func(V)) (*Handle, error) {
	if o.fetch == nil {
		return nil, xerrors.New("observation has no fetch function")
	}
	if s == nil {
		return nil, xerrors.New("observation needs a store")
	}
	if onError == nil {
		return nil, xerrors.New("onError handler is mandatory")
	}
	if onChange == nil {
		return nil, xerrors.New("onChange handler is mandatory")
	}
	if sched != Deferred && sched != Immediate {
		return nil, xerrors.Errorf("unknown scheduling policy %d", int(sched))
	}
	if o.fixed && o.static.Empty() {
		return nil, xerrors.New("tracked region is empty, observation would never fire")
	}
	if o.dedup && o.equals == nil {
		return nil, xerrors.New("nil equality comparator")
	}

	r := newRunner(o, s, onError, onChange)
	return r.start(ctx, sched), nil
}
