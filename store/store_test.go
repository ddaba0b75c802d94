package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/filecoin-project/go-sqlwatch/region"
	"github.com/filecoin-project/go-sqlwatch/store"
)

var errBoom = errors.New("boom")

func newTestStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})

	err = s.Write(context.Background(), func(tx *store.Tx) error {
		_, err := tx.ExecContext(context.Background(), `CREATE TABLE players (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			score INTEGER NOT NULL DEFAULT 0
		)`)
		return err
	})
	require.NoError(t, err)
	return s
}

func insertPlayer(t *testing.T, s *store.Store, name string, score int) int64 {
	t.Helper()

	var id int64
	err := s.Write(context.Background(), func(tx *store.Tx) error {
		res, err := tx.ExecContext(context.Background(), "INSERT INTO players (name, score) VALUES (?, ?)", name, score)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	require.NoError(t, err)
	return id
}

func countPlayers(t *testing.T, s *store.Store) int {
	t.Helper()

	var n int
	err := s.Read(context.Background(), func(tx *store.Tx) error {
		return tx.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM players").Scan(&n)
	})
	require.NoError(t, err)
	return n
}

func TestOpenRejectsMemoryDatabases(t *testing.T) {
	_, err := store.Open(":memory:")
	require.Error(t, err)

	_, err = store.Open("file::memory:?cache=shared")
	require.Error(t, err)

	_, err = store.Open("")
	require.Error(t, err)
}

func TestWriteAndRead(t *testing.T) {
	s := newTestStore(t)

	insertPlayer(t, s, "arthur", 100)
	insertPlayer(t, s, "barbara", 200)

	require.Equal(t, 2, countPlayers(t, s))

	var name string
	err := s.Read(context.Background(), func(tx *store.Tx) error {
		return tx.QueryRowContext(context.Background(), "SELECT name FROM players WHERE score = ?", 200).Scan(&name)
	})
	require.NoError(t, err)
	require.Equal(t, "barbara", name)
}

func TestWriteRollsBackOnError(t *testing.T) {
	s := newTestStore(t)

	err := s.Write(context.Background(), func(tx *store.Tx) error {
		if _, err := tx.ExecContext(context.Background(), "INSERT INTO players (name) VALUES ('ghost')"); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, 0, countPlayers(t, s))
}

func TestReaderCannotWrite(t *testing.T) {
	s := newTestStore(t)

	err := s.Read(context.Background(), func(tx *store.Tx) error {
		_, err := tx.ExecContext(context.Background(), "INSERT INTO players (name) VALUES ('sneaky')")
		return err
	})
	require.Error(t, err)
	require.Equal(t, 0, countPlayers(t, s))
}

func TestOnCommitReportsChangedRows(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)

	var mu sync.Mutex
	var changesets []region.Changeset
	unsub := s.OnCommit(func(cs region.Changeset) {
		mu.Lock()
		changesets = append(changesets, cs)
		mu.Unlock()
	})
	defer unsub()

	id := insertPlayer(t, s, "arthur", 100)

	mu.Lock()
	defer mu.Unlock()
	req.Len(changesets, 1)
	req.True(region.Rows("players", id).Overlaps(changesets[0]))
	req.False(region.Table("teams").Overlaps(changesets[0]))
	req.Equal([]string{"players"}, changesets[0].Tables())
}

func TestOnCommitDeliveredBeforeWriteReturns(t *testing.T) {
	s := newTestStore(t)

	delivered := false
	unsub := s.OnCommit(func(region.Changeset) {
		delivered = true
	})
	defer unsub()

	insertPlayer(t, s, "arthur", 1)
	require.True(t, delivered)
}

func TestOnCommitSkipsRolledBackWrites(t *testing.T) {
	s := newTestStore(t)

	notified := 0
	unsub := s.OnCommit(func(region.Changeset) {
		notified++
	})
	defer unsub()

	_ = s.Write(context.Background(), func(tx *store.Tx) error {
		if _, err := tx.ExecContext(context.Background(), "INSERT INTO players (name) VALUES ('ghost')"); err != nil {
			return err
		}
		return errBoom
	})
	require.Zero(t, notified)

	// Empty transactions publish nothing either.
	require.NoError(t, s.Write(context.Background(), func(tx *store.Tx) error { return nil }))
	require.Zero(t, notified)
}

func TestOnCommitUnsubscribe(t *testing.T) {
	s := newTestStore(t)

	notified := 0
	unsub := s.OnCommit(func(region.Changeset) {
		notified++
	})

	insertPlayer(t, s, "arthur", 1)
	require.Equal(t, 1, notified)

	unsub()
	insertPlayer(t, s, "barbara", 2)
	require.Equal(t, 1, notified)
}

func TestTruncatingDeleteWidensChangeset(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	insertPlayer(t, s, "arthur", 1)
	insertPlayer(t, s, "barbara", 2)

	var last region.Changeset
	unsub := s.OnCommit(func(cs region.Changeset) {
		last = cs
	})
	defer unsub()

	// A DELETE without WHERE takes SQLite's truncate path, which bypasses
	// the update hook. The store must still report the change.
	err := s.Write(context.Background(), func(tx *store.Tx) error {
		_, err := tx.ExecContext(context.Background(), "DELETE FROM players")
		return err
	})
	req.NoError(err)
	req.False(last.Empty())
	req.True(region.Table("players").Overlaps(last))
	req.True(region.Table("unrelated").Overlaps(last), "truncating delete should widen to the whole database")
}

func TestSchemaChangeWidensChangeset(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)

	var last region.Changeset
	unsub := s.OnCommit(func(cs region.Changeset) {
		last = cs
	})
	defer unsub()

	err := s.Write(context.Background(), func(tx *store.Tx) error {
		_, err := tx.ExecContext(context.Background(), "CREATE TABLE teams (id INTEGER PRIMARY KEY, name TEXT)")
		return err
	})
	req.NoError(err)
	req.False(last.Empty())
	req.True(region.Table("players").Overlaps(last))
}

func TestReadSeesStableSnapshot(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	insertPlayer(t, s, "arthur", 1)

	inRead := make(chan struct{})
	wrote := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- s.Read(context.Background(), func(tx *store.Tx) error {
			var n int
			if err := tx.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM players").Scan(&n); err != nil {
				return err
			}
			if n != 1 {
				t.Errorf("first read saw %d players, want 1", n)
			}

			close(inRead)
			<-wrote

			// Still the same snapshot, despite the committed write.
			if err := tx.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM players").Scan(&n); err != nil {
				return err
			}
			if n != 1 {
				t.Errorf("snapshot read saw %d players, want 1", n)
			}
			return nil
		})
	}()

	<-inRead
	insertPlayer(t, s, "barbara", 2)
	close(wrote)

	req.NoError(<-done)
	req.Equal(2, countPlayers(t, s))
}

func TestConcurrentWritesSerialize(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)

	const writers = 8
	const perWriter = 10

	var eg errgroup.Group
	for i := 0; i < writers; i++ {
		eg.Go(func() error {
			for j := 0; j < perWriter; j++ {
				err := s.Write(context.Background(), func(tx *store.Tx) error {
					_, err := tx.ExecContext(context.Background(), "INSERT INTO players (name) VALUES ('p')")
					return err
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	req.NoError(eg.Wait())

	req.Equal(writers*perWriter, countPlayers(t, s))
}

func TestChangesetsPublishedInCommitOrder(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)

	var mu sync.Mutex
	var changesets []region.Changeset
	unsub := s.OnCommit(func(cs region.Changeset) {
		mu.Lock()
		changesets = append(changesets, cs)
		mu.Unlock()
	})
	defer unsub()

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, insertPlayer(t, s, "p", i))
	}

	mu.Lock()
	defer mu.Unlock()
	req.Len(changesets, 5)
	for i, cs := range changesets {
		req.True(region.Rows("players", ids[i]).Overlaps(cs), "changeset %d should carry row %d", i, ids[i])
		for j, other := range ids {
			if j != i {
				req.False(region.Rows("players", other).Overlaps(cs))
			}
		}
	}
}

func TestPreparedStatements(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t, store.WithStmtCacheSize(2))
	insertPlayer(t, s, "arthur", 42)

	// Same query twice exercises the cache hit path, the extra queries force
	// eviction of earlier entries.
	for i := 0; i < 2; i++ {
		err := s.Read(context.Background(), func(tx *store.Tx) error {
			ctx := context.Background()

			stmt, err := tx.Prepared(ctx, "SELECT score FROM players WHERE name = ?")
			if err != nil {
				return err
			}
			var score int
			if err := stmt.QueryRowContext(ctx, "arthur").Scan(&score); err != nil {
				return err
			}
			req.Equal(42, score)

			for _, q := range []string{"SELECT COUNT(*) FROM players", "SELECT MAX(score) FROM players", "SELECT MIN(score) FROM players"} {
				stmt, err := tx.Prepared(ctx, q)
				if err != nil {
					return err
				}
				var out int
				if err := stmt.QueryRowContext(ctx).Scan(&out); err != nil {
					return err
				}
			}
			return nil
		})
		req.NoError(err)
	}
}

func TestTrackedRegions(t *testing.T) {
	s := newTestStore(t)
	id := insertPlayer(t, s, "arthur", 1)

	var tracked region.Region
	err := s.Read(context.Background(), func(tx *store.Tx) error {
		tx.Track(region.Rows("players", id))
		tx.Track(region.Table("teams"))
		tracked = tx.Tracked()
		return nil
	})
	require.NoError(t, err)

	var cs region.Changeset
	cs.Record(region.Update, "players", id)
	require.True(t, tracked.Overlaps(cs))

	var other region.Changeset
	other.Record(region.Insert, "players", id+1)
	require.False(t, tracked.Overlaps(other))
}

func TestClose(t *testing.T) {
	s := newTestStore(t)
	insertPlayer(t, s, "arthur", 1)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err := s.Write(context.Background(), func(tx *store.Tx) error { return nil })
	require.ErrorIs(t, err, store.ErrClosed)

	err = s.Read(context.Background(), func(tx *store.Tx) error { return nil })
	require.ErrorIs(t, err, store.ErrClosed)
}

func TestWriteContextCancelled(t *testing.T) {
	s := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Write(ctx, func(tx *store.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO players (name) VALUES ('late')")
		return err
	})
	require.Error(t, err)
	require.Equal(t, 0, countPlayers(t, s))
}

func TestBusyTimeoutOption(t *testing.T) {
	// Smoke test: an aggressive timeout still opens and writes fine when
	// there is no contention.
	s := newTestStore(t, store.WithBusyTimeout(50*time.Millisecond), store.WithBusyRetries(1), store.WithReaders(1))
	insertPlayer(t, s, "arthur", 1)
	require.Equal(t, 1, countPlayers(t, s))
}

func TestWriteRetriesWhenBusy(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "shared.db")

	// Three stores over the same file stand in for separate processes; the
	// write lock they fight over lives in the database file itself.
	holder, err := store.Open(path)
	req.NoError(err)
	defer holder.Close()

	err = holder.Write(context.Background(), func(tx *store.Tx) error {
		_, err := tx.ExecContext(context.Background(), "CREATE TABLE players (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
		return err
	})
	req.NoError(err)

	mc := clock.NewMock()
	retrier, err := store.Open(path,
		store.WithBusyTimeout(10*time.Millisecond),
		store.WithBusyRetries(100),
		store.WithClock(mc),
	)
	req.NoError(err)
	defer retrier.Close()

	impatient, err := store.Open(path,
		store.WithBusyTimeout(10*time.Millisecond),
		store.WithBusyRetries(0),
	)
	req.NoError(err)
	defer impatient.Close()

	// Pump the mock clock so backoff sleeps return promptly.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				mc.Add(time.Second)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	locked := make(chan struct{})
	release := make(chan struct{})
	holderDone := make(chan error, 1)
	go func() {
		holderDone <- holder.Write(context.Background(), func(tx *store.Tx) error {
			if _, err := tx.ExecContext(context.Background(), "INSERT INTO players (name) VALUES ('holder')"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	// Zero retries: hitting the held write lock is an immediate error.
	err = impatient.Write(context.Background(), func(tx *store.Tx) error { return nil })
	req.Error(err)
	req.True(store.IsBusy(err))

	retrierDone := make(chan error, 1)
	go func() {
		retrierDone <- retrier.Write(context.Background(), func(tx *store.Tx) error {
			_, err := tx.ExecContext(context.Background(), "INSERT INTO players (name) VALUES ('retrier')")
			return err
		})
	}()

	time.Sleep(150 * time.Millisecond)
	close(release)

	req.NoError(<-holderDone)
	req.NoError(<-retrierDone)

	var n int
	err = holder.Read(context.Background(), func(tx *store.Tx) error {
		return tx.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM players").Scan(&n)
	})
	req.NoError(err)
	req.Equal(2, n)
}
