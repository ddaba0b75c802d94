package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jpillora/backoff"
	"github.com/mattn/go-sqlite3"
	"go.opencensus.io/stats"

	"github.com/filecoin-project/go-sqlwatch/metrics"
)

// beginWrite opens a write transaction, retrying with backoff while another
// process holds the write lock. The DSN requests BEGIN IMMEDIATE, so lock
// conflicts surface here rather than at commit time.
func (s *Store) beginWrite(ctx context.Context) (*sql.Tx, error) {
	bo := &backoff.Backoff{
		Min:    5 * time.Millisecond,
		Max:    250 * time.Millisecond,
		Factor: 2,
		Jitter: true,
	}
	for {
		tx, err := s.writer.BeginTx(ctx, nil)
		if err == nil {
			return tx, nil
		}
		if !IsBusy(err) || int(bo.Attempt()) >= s.opts.busyRetries {
			return nil, err
		}

		delay := bo.Duration()
		log.Debugw("database busy, retrying write transaction", "database", s.name, "attempt", bo.Attempt(), "delay", delay)
		stats.Record(ctx, metrics.BusyRetries.M(1))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(delay):
		}
	}
}

// IsBusy reports whether err is SQLite signalling that another connection
// holds a conflicting lock.
func IsBusy(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
}
