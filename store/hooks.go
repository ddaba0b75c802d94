package store

import (
	"context"
	"database/sql/driver"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/filecoin-project/go-sqlwatch/region"
)

var _ driver.Connector = (*connector)(nil)

// connector pairs a DSN with a driver instance so each store can carry its
// own connect hook without registering a driver globally.
type connector struct {
	dsn    string
	driver driver.Driver
}

func (c *connector) Connect(_ context.Context) (driver.Conn, error) {
	return c.driver.Open(c.dsn)
}

func (c *connector) Driver() driver.Driver {
	return c.driver
}

// changeCollector turns SQLite's connection-level hooks into per-transaction
// changesets. The update hook reports each changed row as statements execute;
// the commit hook seals the accumulated rows into a committed changeset; the
// rollback hook discards them.
//
// The collector is installed on every writer connection. The writer pool is
// limited to one connection and write transactions are serialized above it,
// so at most one transaction feeds the collector at a time.
type changeCollector struct {
	mu       sync.Mutex
	cur      region.Changeset
	curRows  int64
	sealed   region.Changeset
	sealedN  int
	sealRows int64
}

func (cc *changeCollector) install(conn *sqlite3.SQLiteConn) error {
	conn.RegisterUpdateHook(cc.onRowChange)
	conn.RegisterCommitHook(cc.onCommit)
	conn.RegisterRollbackHook(cc.onRollback)
	return nil
}

func (cc *changeCollector) onRowChange(op int, db string, table string, rowid int64) {
	var kind region.ChangeKind
	switch op {
	case sqlite3.SQLITE_INSERT:
		kind = region.Insert
	case sqlite3.SQLITE_UPDATE:
		kind = region.Update
	case sqlite3.SQLITE_DELETE:
		kind = region.Delete
	default:
		return
	}
	if db != "" && db != "main" {
		table = db + "." + table
	}

	cc.mu.Lock()
	cc.cur.Record(kind, table, rowid)
	cc.curRows++
	cc.mu.Unlock()
}

// onCommit runs inside SQLite's commit machinery; it only moves state around.
// Returning 0 lets the commit proceed.
func (cc *changeCollector) onCommit() int {
	cc.mu.Lock()
	if !cc.cur.Empty() {
		cc.sealed.Merge(cc.cur)
		cc.sealedN++
		cc.sealRows += cc.curRows
	}
	cc.cur = region.Changeset{}
	cc.curRows = 0
	cc.mu.Unlock()
	return 0
}

func (cc *changeCollector) onRollback() {
	cc.mu.Lock()
	cc.cur = region.Changeset{}
	cc.curRows = 0
	cc.mu.Unlock()
}

func (cc *changeCollector) reset() {
	cc.mu.Lock()
	cc.cur = region.Changeset{}
	cc.curRows = 0
	cc.sealed = region.Changeset{}
	cc.sealedN = 0
	cc.sealRows = 0
	cc.mu.Unlock()
}

// take returns the merged changeset of every transaction committed since the
// last reset, how many commits that covers, and how many row changes the
// update hook reported for them.
func (cc *changeCollector) take() (cs region.Changeset, commits int, hookRows int64) {
	cc.mu.Lock()
	cs = cc.sealed
	commits = cc.sealedN
	hookRows = cc.sealRows
	cc.sealed = region.Changeset{}
	cc.sealedN = 0
	cc.sealRows = 0
	cc.mu.Unlock()
	return cs, commits, hookRows
}
