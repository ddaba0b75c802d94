package store

import (
	"context"
	"database/sql"

	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-sqlwatch/metrics"
	"github.com/filecoin-project/go-sqlwatch/region"
)

// Tx is the transaction handle passed to Write and Read callbacks. It exposes
// the query surface of database/sql plus read-region tracking.
type Tx struct {
	tx       *sql.Tx
	store    *Store
	writable bool
	tracked  region.Region
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Prepared returns a transaction-bound statement for query. Statements seen
// before come from the store's cache; a first use is prepared on this
// transaction's connection and enters the cache once the transaction ends.
func (t *Tx) Prepared(ctx context.Context, query string) (*sql.Stmt, error) {
	cache := t.store.readStmts
	if t.writable {
		cache = t.store.writeStmts
	}
	if ent, ok := cache.borrow(query); ok {
		stmt := t.tx.StmtContext(ctx, ent.stmt)
		cache.release(ent)
		return stmt, nil
	}
	stmt, err := t.tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, xerrors.Errorf("prepare statement: %w", err)
	}
	cache.note(query)
	return stmt, nil
}

// Track widens the region this transaction is known to have read. Fetch
// functions call it to report what their result depends on; an observation
// re-fetches whenever a later commit overlaps the reported region.
func (t *Tx) Track(r region.Region) {
	t.tracked = t.tracked.Union(r)
}

// Tracked returns the union of all regions reported through Track.
func (t *Tx) Tracked() region.Region {
	return t.tracked
}

// txMarks are connection-level counters sampled at the edges of a write
// transaction. Their deltas expose changes that bypass the update hook.
type txMarks struct {
	totalChanges  int64
	schemaVersion int64
}

func readTxMarks(ctx context.Context, tx *sql.Tx) (m txMarks, err error) {
	if err := tx.QueryRowContext(ctx, "SELECT total_changes()").Scan(&m.totalChanges); err != nil {
		return txMarks{}, xerrors.Errorf("read total_changes: %w", err)
	}
	if err := tx.QueryRowContext(ctx, "PRAGMA schema_version").Scan(&m.schemaVersion); err != nil {
		return txMarks{}, xerrors.Errorf("read schema_version: %w", err)
	}
	return m, nil
}

// Write runs fn inside a serialized write transaction. If fn returns an
// error, the transaction is rolled back and nothing is published. On commit,
// the changeset collected from the update hook is delivered to every OnCommit
// subscriber before Write returns.
func (s *Store) Write(ctx context.Context, fn func(*Tx) error) error {
	if s.isClosed() {
		return ErrClosed
	}

	ctx, _ = tag.New(ctx, tag.Upsert(metrics.Database, s.name))
	defer metrics.Timer(ctx, metrics.WriteDuration)()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.collector.reset()

	tx, err := s.beginWrite(ctx)
	if err != nil {
		return xerrors.Errorf("begin write transaction: %w", err)
	}

	before, err := readTxMarks(ctx, tx)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	err = func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				_ = tx.Rollback()
				s.publishLeaked()
				panic(p)
			}
		}()
		return fn(&Tx{tx: tx, store: s, writable: true})
	}()
	if err != nil {
		_ = tx.Rollback()
		s.publishLeaked()
		return xerrors.Errorf("write transaction: %w", err)
	}

	after, err := readTxMarks(ctx, tx)
	if err != nil {
		_ = tx.Rollback()
		s.publishLeaked()
		return err
	}

	if err := tx.Commit(); err != nil {
		s.publishLeaked()
		return xerrors.Errorf("commit write transaction: %w", err)
	}

	stats.Record(ctx, metrics.WriteTransactions.M(1))

	cs, _, hookRows := s.collector.take()

	// Changes SQLite applies without reporting through the update hook
	// (truncating DELETEs, WITHOUT ROWID tables, schema changes) leave the
	// collected changeset incomplete. Widen it to the whole database so
	// observers re-check instead of missing an update.
	if after.schemaVersion != before.schemaVersion || hookRows != after.totalChanges-before.totalChanges {
		cs.Widen()
		stats.Record(ctx, metrics.ChangesetsWidened.M(1))
	}

	s.publish(cs)
	s.writeStmts.warm(ctx)
	return nil
}

// publishLeaked covers commits that happen even though Write fails: a
// constraint with ON CONFLICT ROLLBACK aborts the explicit transaction and
// any later statements in the callback commit individually. Whatever reached
// the database must still be reported, and the exact rows are in doubt by
// then, so the whole database is reported.
func (s *Store) publishLeaked() {
	_, commits, _ := s.collector.take()
	if commits == 0 {
		return
	}
	log.Warnw("write failed but transactions committed, widening notification", "database", s.name, "commits", commits)
	s.publish(region.FullChangeset())
}

// Read runs fn inside a read transaction against the reader pool. The
// transaction sees a single consistent snapshot of the database; writes
// committed while it runs do not become visible to it.
func (s *Store) Read(ctx context.Context, fn func(*Tx) error) error {
	if s.isClosed() {
		return ErrClosed
	}

	ctx, _ = tag.New(ctx, tag.Upsert(metrics.Database, s.name))

	tx, err := s.reader.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("begin read transaction: %w", err)
	}

	rtx := &Tx{tx: tx, store: s}
	if err := finishTx(tx, func() error { return fn(rtx) }); err != nil {
		return err
	}

	stats.Record(ctx, metrics.ReadTransactions.M(1))
	s.readStmts.warm(ctx)
	return nil
}

func finishTx(tx *sql.Tx, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			// A panic occurred, rollback and repanic
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			// Something went wrong, rollback
			_ = tx.Rollback()
		} else {
			// All good, commit
			err = tx.Commit()
		}
	}()
	err = fn()
	return
}
