package sqlwatch

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"

	"github.com/filecoin-project/go-sqlwatch/metrics"
	"github.com/filecoin-project/go-sqlwatch/region"
	"github.com/filecoin-project/go-sqlwatch/store"
)

type obsState int

const (
	stateActive obsState = iota
	stateCancelled
	stateFailed
)

// runner is one live observation. Commit notifications arrive on the
// writer's goroutine and only flip flags; all fetching and delivery happens
// on the runner's own goroutine, keeping the commit path fast and values
// strictly ordered.
//
// Coalescing invariant: at most one fetch in flight, at most one queued
// wake-up. Changesets that land while a fetch is reading its snapshot merge
// into pending and are settled against the region once the fetch completes;
// when they overlap, the fetch's value is superseded and a follow-up fetch
// delivers the state after the last commit instead.
type runner[V any] struct {
	id  uuid.UUID
	str *store.Store

	fetch  FetchFunc[V]
	fixed  bool
	equals func(prev, next V) bool

	onChange func(V)
	onError  func(error)

	ctx       context.Context
	ctxCancel context.CancelFunc

	mu        sync.Mutex
	state     obsState
	inHandler bool
	reg       region.Region
	fetching  bool
	pending   region.Changeset
	unsub     func()

	wake chan struct{}
	done chan struct{}

	// notifyMu serializes handler invocations and orders them against
	// cancellation: a delivery that has not committed to its handler by the
	// time Cancel flips the state is dropped, and Cancel does not return
	// while such a delivery is still in flight.
	notifyMu sync.Mutex
	seq      uint64
	hasPrev  bool
	prev     V
}

func newRunner[V any](o *Observation[V], s *store.Store, onError func(error), onChange func(V)) *runner[V] {
	ctx, cancel := context.WithCancel(context.Background())
	return &runner[V]{
		id:        uuid.New(),
		str:       s,
		fetch:     o.fetch,
		fixed:     o.fixed,
		equals:    o.equals,
		onChange:  onChange,
		onError:   onError,
		ctx:       ctx,
		ctxCancel: cancel,
		reg:       o.static,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// start subscribes, runs the initial fetch and launches the runner loop. All
// failures are routed through fail/onError; start itself always yields a
// handle.
func (r *runner[V]) start(ctx context.Context, sched Scheduling) *Handle {
	// Subscribe before the first fetch. A transaction that commits while the
	// fetch reads its snapshot lands in pending and is settled afterwards,
	// so it cannot go unseen.
	r.mu.Lock()
	r.fetching = true
	r.mu.Unlock()

	unsub := r.str.OnCommit(r.onCommit)
	r.mu.Lock()
	r.unsub = unsub
	r.mu.Unlock()

	stats.Record(r.ctx, metrics.ObservationsActive.M(1))
	log.Debugw("observation started", "id", r.id, "fixed", r.fixed)

	val, tracked, err := r.doFetch(ctx)
	if err != nil {
		if sched == Immediate {
			r.fail(err)
			close(r.done)
		} else {
			go func() {
				defer close(r.done)
				r.fail(err)
			}()
		}
		return r.handle()
	}

	if sched == Immediate {
		r.settleFetch(val, tracked, true)
		go r.loop()
	} else {
		go func() {
			r.settleFetch(val, tracked, true)
			r.loop()
		}()
	}
	return r.handle()
}

func (r *runner[V]) handle() *Handle {
	return &Handle{id: r.id, cancel: r.cancel, done: r.done}
}

// onCommit runs on the committing goroutine for every published changeset.
func (r *runner[V]) onCommit(cs region.Changeset) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != stateActive {
		return
	}
	if r.fetching {
		// Fold into the fetch already under way; settled once it completes.
		r.pending.Merge(cs)
		return
	}
	if r.reg.Overlaps(cs) {
		r.fetching = true
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

func (r *runner[V]) loop() {
	defer close(r.done)

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.str.Closing():
			r.fail(store.ErrClosed)
			return
		case <-r.wake:
		}

		val, tracked, err := r.doFetch(r.ctx)
		if err != nil {
			// Cancellation aborts an in-flight read; that is not a failure.
			if r.ctx.Err() != nil {
				return
			}
			r.fail(err)
			return
		}
		r.settleFetch(val, tracked, false)
	}
}

// doFetch reads the observed value from one snapshot and reports the region
// the fetch says it depends on.
func (r *runner[V]) doFetch(ctx context.Context) (val V, tracked region.Region, err error) {
	defer metrics.Timer(ctx, metrics.FetchDuration)()

	err = r.str.Read(ctx, func(tx *store.Tx) error {
		v, err := r.fetch(ctx, tx)
		if err != nil {
			return err
		}
		val = v
		tracked = tx.Tracked()
		return nil
	})
	if err != nil {
		return val, region.Region{}, err
	}
	return val, tracked, nil
}

// settleFetch installs the region of a completed fetch, decides whether the
// changes that accumulated meanwhile require another fetch, and delivers the
// value. A value superseded by overlapping pending changes is not delivered;
// the follow-up fetch it arms delivers the state after the last commit
// instead. The initial value is exempt: it is the observer's baseline and is
// always delivered.
func (r *runner[V]) settleFetch(val V, tracked region.Region, initial bool) {
	r.mu.Lock()
	if !r.fixed {
		if tracked.Empty() {
			r.reg = region.Full()
		} else {
			r.reg = tracked
		}
	}

	p := r.pending
	r.pending = region.Changeset{}

	// The pending changes may or may not be visible in the snapshot the
	// fetch just read; testing them against the new region and fetching
	// again is the safe side of that race.
	refetch := !p.Empty() && r.reg.Overlaps(p)
	if refetch {
		stats.Record(r.ctx, metrics.FetchesCoalesced.M(1))
		select {
		case r.wake <- struct{}{}:
		default:
		}
	} else {
		r.fetching = false
	}
	r.mu.Unlock()

	if refetch && !initial {
		log.Debugw("dropping value superseded by later commits", "id", r.id)
		return
	}
	r.deliver(val)
}

func (r *runner[V]) deliver(val V) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	st := r.state
	r.mu.Unlock()
	if st != stateActive {
		return
	}

	r.seq++
	if r.equals != nil && r.hasPrev && r.equals(r.prev, val) {
		stats.Record(r.ctx, metrics.ValuesDeduplicated.M(1))
		log.Debugw("suppressed unchanged value", "id", r.id, "seq", r.seq)
		return
	}
	r.prev = val
	r.hasPrev = true

	// Commit to the invocation atomically with the cancellation check: a
	// Cancel that flipped the state first drops this delivery; from here on
	// the handler counts as executing and runs to completion.
	r.mu.Lock()
	if r.state != stateActive {
		r.mu.Unlock()
		return
	}
	r.inHandler = true
	r.mu.Unlock()

	stats.Record(r.ctx, metrics.ValuesDelivered.M(1))
	r.onChange(val)

	r.mu.Lock()
	r.inHandler = false
	r.mu.Unlock()
}

// fail moves the observation to its failed state and reports err. Only the
// first failure is delivered. The state flip and the onError call share the
// notifyMu critical section: by the time a racing Cancel can observe the
// failed state, onError already counts as executing.
func (r *runner[V]) fail(err error) {
	r.notifyMu.Lock()

	r.mu.Lock()
	if r.state != stateActive {
		r.mu.Unlock()
		r.notifyMu.Unlock()
		return
	}
	r.state = stateFailed
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()

	kind := "fetch"
	if errors.Is(err, store.ErrClosed) {
		kind = "store-closed"
	}
	fctx, _ := tag.New(r.ctx, tag.Upsert(metrics.Failure, kind))
	stats.Record(fctx, metrics.ObservationFailures.M(1), metrics.ObservationsActive.M(-1))
	log.Warnw("observation failed", "id", r.id, "err", err)

	r.onError(err)
	r.notifyMu.Unlock()

	if unsub != nil {
		unsub()
	}
	r.ctxCancel()
}

// cancel ends the observation. Idempotent, safe to call from any goroutine
// including the observation's own handlers.
func (r *runner[V]) cancel() {
	r.mu.Lock()
	if r.state != stateActive {
		r.mu.Unlock()
		return
	}
	r.state = stateCancelled
	unsub := r.unsub
	r.unsub = nil
	inHandler := r.inHandler
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	// Stops the loop and aborts an in-flight fetch.
	r.ctxCancel()

	// Fence deliveries: a delivery that had not committed to its handler
	// before the state flip above drops itself, and waiting on notifyMu
	// makes that drop complete before cancel returns. When the flip caught a
	// handler mid-run (including the very frame calling Cancel) the handler
	// finishes on its own and the wait would deadlock, so it is skipped.
	if !inHandler {
		r.notifyMu.Lock()
		r.notifyMu.Unlock() //nolint:staticcheck
	}

	stats.Record(r.ctx, metrics.ObservationsActive.M(-1))
	log.Debugw("observation cancelled", "id", r.id)
}
