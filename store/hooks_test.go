package store

import (
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-sqlwatch/region"
)

func TestCollectorSealsOnCommit(t *testing.T) {
	req := require.New(t)
	cc := &changeCollector{}

	cc.onRowChange(sqlite3.SQLITE_INSERT, "main", "players", 1)
	cc.onRowChange(sqlite3.SQLITE_DELETE, "main", "teams", 9)

	// Nothing sealed until the commit hook fires.
	cs, commits, rows := cc.take()
	req.True(cs.Empty())
	req.Zero(commits)
	req.Zero(rows)

	req.Zero(cc.onCommit())

	cs, commits, rows = cc.take()
	req.Equal(1, commits)
	req.EqualValues(2, rows)
	req.True(region.Rows("players", 1).Overlaps(cs))
	req.True(region.Rows("teams", 9).Overlaps(cs))
	req.False(region.Rows("players", 2).Overlaps(cs))
}

func TestCollectorRollbackDiscards(t *testing.T) {
	req := require.New(t)
	cc := &changeCollector{}

	cc.onRowChange(sqlite3.SQLITE_INSERT, "main", "players", 1)
	cc.onRollback()
	req.Zero(cc.onCommit())

	cs, commits, rows := cc.take()
	req.True(cs.Empty())
	req.Zero(commits)
	req.Zero(rows)
}

func TestCollectorAccumulatesCommits(t *testing.T) {
	req := require.New(t)
	cc := &changeCollector{}

	cc.onRowChange(sqlite3.SQLITE_INSERT, "main", "players", 1)
	req.Zero(cc.onCommit())
	cc.onRowChange(sqlite3.SQLITE_INSERT, "main", "players", 2)
	req.Zero(cc.onCommit())

	cs, commits, rows := cc.take()
	req.Equal(2, commits)
	req.EqualValues(2, rows)
	req.True(region.Rows("players", 1).Overlaps(cs))
	req.True(region.Rows("players", 2).Overlaps(cs))
}

func TestCollectorEmptyCommitNotSealed(t *testing.T) {
	cc := &changeCollector{}
	require.Zero(t, cc.onCommit())

	_, commits, _ := cc.take()
	require.Zero(t, commits)
}

func TestCollectorQualifiesAttachedDatabases(t *testing.T) {
	req := require.New(t)
	cc := &changeCollector{}

	cc.onRowChange(sqlite3.SQLITE_INSERT, "aux", "players", 1)
	req.Zero(cc.onCommit())

	cs, _, _ := cc.take()
	req.False(region.Table("players").Overlaps(cs))
	req.True(region.Table("aux.players").Overlaps(cs))
}

func TestCollectorIgnoresUnknownOps(t *testing.T) {
	cc := &changeCollector{}

	cc.onRowChange(0, "main", "players", 1)
	require.Zero(t, cc.onCommit())

	_, commits, _ := cc.take()
	require.Zero(t, commits)
}

func TestCollectorReset(t *testing.T) {
	req := require.New(t)
	cc := &changeCollector{}

	cc.onRowChange(sqlite3.SQLITE_INSERT, "main", "players", 1)
	req.Zero(cc.onCommit())
	cc.onRowChange(sqlite3.SQLITE_INSERT, "main", "players", 2)

	cc.reset()

	cs, commits, rows := cc.take()
	req.True(cs.Empty())
	req.Zero(commits)
	req.Zero(rows)
}

func TestIsBusy(t *testing.T) {
	require.True(t, IsBusy(sqlite3.Error{Code: sqlite3.ErrBusy}))
	require.True(t, IsBusy(sqlite3.Error{Code: sqlite3.ErrLocked}))
	require.False(t, IsBusy(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	require.False(t, IsBusy(ErrClosed))
	require.False(t, IsBusy(nil))
}
