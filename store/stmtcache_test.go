package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newCacheDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStmtCachePinsBorrowedStatements(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	c := newStmtCache(newCacheDB(t), 1)
	defer c.close()

	c.note("SELECT 1")
	c.warm(ctx)

	ent, ok := c.borrow("SELECT 1")
	req.True(ok)

	// Warming another statement evicts the borrowed one from the cache; the
	// pin keeps it open until released.
	c.note("SELECT 2")
	c.warm(ctx)

	_, ok = c.borrow("SELECT 1")
	req.False(ok)

	var n int
	req.NoError(ent.stmt.QueryRowContext(ctx).Scan(&n))
	req.Equal(1, n)

	c.release(ent)
	req.ErrorContains(ent.stmt.QueryRowContext(ctx).Scan(&n), "closed")
}

func TestStmtCacheEvictionClosesIdleStatements(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	c := newStmtCache(newCacheDB(t), 1)
	defer c.close()

	c.note("SELECT 1")
	c.warm(ctx)

	ent, ok := c.borrow("SELECT 1")
	req.True(ok)
	c.release(ent)

	c.note("SELECT 2")
	c.warm(ctx)

	var n int
	req.ErrorContains(ent.stmt.QueryRowContext(ctx).Scan(&n), "closed")
}
