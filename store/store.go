// Package store provides SQLite-backed storage with commit notifications.
//
// A Store owns two connection pools over one database file in WAL mode: a
// single-connection writer and a pool of read-only readers. Write
// transactions are serialized and collect the set of rows they change;
// when a transaction commits, the resulting changeset is delivered to every
// OnCommit subscriber before Write returns. Read transactions see a stable
// snapshot of the database for their whole duration.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"github.com/mattn/go-sqlite3"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-sqlwatch/metrics"
	"github.com/filecoin-project/go-sqlwatch/region"
)

var log = logging.Logger("watchstore")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

type options struct {
	readers       int
	busyTimeout   time.Duration
	busyRetries   int
	stmtCacheSize int
	clock         clock.Clock
}

func defaultOptions() options {
	return options{
		readers:       4,
		busyTimeout:   5 * time.Second,
		busyRetries:   5,
		stmtCacheSize: 64,
		clock:         clock.New(),
	}
}

// Option configures a Store.
type Option func(*options)

// WithReaders sets the maximum number of concurrent read connections.
func WithReaders(n int) Option {
	return func(o *options) {
		o.readers = n
	}
}

// WithBusyTimeout sets how long SQLite waits on a conflicting lock before
// returning SQLITE_BUSY. This matters when other processes write the same
// database file.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		o.busyTimeout = d
	}
}

// WithBusyRetries sets how many times a write transaction is retried after
// the busy timeout expires before giving up.
func WithBusyRetries(n int) Option {
	return func(o *options) {
		o.busyRetries = n
	}
}

// WithStmtCacheSize sets the number of prepared statements kept per
// connection pool.
func WithStmtCacheSize(n int) Option {
	return func(o *options) {
		o.stmtCacheSize = n
	}
}

// WithClock substitutes the clock used for retry backoff. Tests use a mock.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// Store is a change-observable SQLite database.
type Store struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc

	writer *sql.DB
	reader *sql.DB

	collector  *changeCollector
	readStmts  *stmtCache
	writeStmts *stmtCache

	clock clock.Clock
	opts  options

	// writeMu serializes write transactions. The writer pool holds a single
	// connection, so this also keeps the change collector unambiguous about
	// which transaction produced a row change.
	writeMu sync.Mutex

	subMu  sync.RWMutex
	subs   map[uint64]func(region.Changeset)
	subSeq uint64

	closeLk sync.RWMutex
	closed  bool
}

// Open opens the database at path, creating it if necessary, and switches it
// to WAL journaling. In-memory databases are not supported: the writer and
// reader pools must see the same database, which SQLite only provides for
// files.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, xerrors.New("empty database path")
	}
	if strings.Contains(path, ":memory:") || strings.Contains(path, "mode=memory") {
		return nil, xerrors.New("in-memory databases are not supported, use a file path")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	collector := &changeCollector{}

	writer := sql.OpenDB(&connector{
		dsn:    writerDSN(path, o.busyTimeout),
		driver: &sqlite3.SQLiteDriver{ConnectHook: collector.install},
	})
	writer.SetMaxOpenConns(1)

	reader := sql.OpenDB(&connector{
		dsn:    readerDSN(path, o.busyTimeout),
		driver: &sqlite3.SQLiteDriver{},
	})
	reader.SetMaxOpenConns(o.readers)

	name := filepath.Base(path)
	ctx, cancel := context.WithCancel(context.Background())
	ctx, _ = tag.New(ctx, tag.Upsert(metrics.Database, name))

	s := &Store{
		name:       name,
		ctx:        ctx,
		cancel:     cancel,
		writer:     writer,
		reader:     reader,
		collector:  collector,
		readStmts:  newStmtCache(reader, o.stmtCacheSize),
		writeStmts: newStmtCache(writer, o.stmtCacheSize),
		clock:      o.clock,
		opts:       o,
		subs:       make(map[uint64]func(region.Changeset)),
	}

	// Force the writer connection open so the file exists and runs in WAL
	// mode before the first reader connects.
	var mode string
	if err := writer.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		cancel()
		_ = writer.Close()
		_ = reader.Close()
		return nil, xerrors.Errorf("open database %s: %w", path, err)
	}
	if !strings.EqualFold(mode, "wal") {
		cancel()
		_ = writer.Close()
		_ = reader.Close()
		return nil, xerrors.Errorf("database %s: journal mode is %q, want wal", path, mode)
	}

	log.Debugw("opened store", "database", s.name, "readers", o.readers)
	return s, nil
}

func writerDSN(path string, busyTimeout time.Duration) string {
	return fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_txlock=immediate",
		path, busyTimeout.Milliseconds())
}

func readerDSN(path string, busyTimeout time.Duration) string {
	return fmt.Sprintf("file:%s?_busy_timeout=%d&_query_only=on", path, busyTimeout.Milliseconds())
}

// OnCommit registers fn to be called with the changeset of every committed
// write transaction. fn runs on the committing goroutine before Write
// returns, so it must be fast and must not call back into the store.
//
// The returned function removes the subscription. It does not wait for
// in-flight notifications: a call to fn may still complete concurrently with
// unsub returning.
func (s *Store) OnCommit(fn func(region.Changeset)) (unsub func()) {
	s.subMu.Lock()
	id := s.subSeq
	s.subSeq++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Closing returns a channel that is closed when the store shuts down.
// Long-lived subscribers select on it to learn that no further commits will
// be published.
func (s *Store) Closing() <-chan struct{} {
	return s.ctx.Done()
}

func (s *Store) publish(cs region.Changeset) {
	if cs.Empty() {
		return
	}

	stats.Record(s.ctx, metrics.ChangesetsPublished.M(1))

	s.subMu.RLock()
	subs := make([]func(region.Changeset), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range subs {
		fn(cs)
	}
}

// Close waits for any in-flight write transaction, then releases both
// connection pools. Close is idempotent. Subscribers watching Closing learn
// of the shutdown immediately; later Write and Read calls return ErrClosed.
func (s *Store) Close() error {
	s.closeLk.Lock()
	if s.closed {
		s.closeLk.Unlock()
		return nil
	}
	s.closed = true
	s.closeLk.Unlock()

	s.cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.writeStmts.close()
	s.readStmts.close()

	var merr error
	if err := s.writer.Close(); err != nil {
		merr = multierror.Append(merr, xerrors.Errorf("close writer: %w", err))
	}
	if err := s.reader.Close(); err != nil {
		merr = multierror.Append(merr, xerrors.Errorf("close reader: %w", err))
	}

	log.Debugw("closed store", "database", s.name)
	return merr
}

func (s *Store) isClosed() bool {
	s.closeLk.RLock()
	defer s.closeLk.RUnlock()
	return s.closed
}
