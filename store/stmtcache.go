package store

import (
	"context"
	"database/sql"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// stmtCache keeps recently used prepared statements per connection pool,
// keyed by SQL text.
//
// Statements cannot be prepared on the pool while a transaction holds its
// connection (the writer pool has exactly one). A miss is therefore served
// from the transaction's own connection and only noted here; warm prepares
// the noted statements between transactions, once the connection is free.
//
// Entries are refcounted: a statement evicted while borrowed stays open
// until the last borrower releases it, so a warm on one goroutine cannot
// close a statement another goroutine is binding to its transaction.
type stmtCache struct {
	db *sql.DB

	mu      sync.Mutex
	lru     *lru.Cache[string, *stmtEntry]
	pending map[string]struct{}
}

type stmtEntry struct {
	stmt *sql.Stmt

	// Both guarded by the owning cache's mu.
	refs    int
	evicted bool
}

func newStmtCache(db *sql.DB, size int) *stmtCache {
	c := &stmtCache{db: db, pending: make(map[string]struct{})}
	if size < 1 {
		size = 1
	}
	cache, err := lru.NewWithEvict(size, c.onEvict)
	if err != nil {
		// lru.NewWithEvict only fails on a non-positive size.
		panic(err)
	}
	c.lru = cache
	return c
}

// onEvict runs under mu, inside lru.Add and lru.Purge.
func (c *stmtCache) onEvict(_ string, ent *stmtEntry) {
	ent.evicted = true
	if ent.refs == 0 {
		_ = ent.stmt.Close()
	}
}

// borrow returns the cached entry for query, pinned against eviction.
// The caller must release it.
func (c *stmtCache) borrow(query string) (*stmtEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.lru.Get(query)
	if !ok {
		return nil, false
	}
	ent.refs++
	return ent, true
}

// release undoes a borrow, closing the statement if it was evicted while
// out on loan.
func (c *stmtCache) release(ent *stmtEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent.refs--
	if ent.evicted && ent.refs == 0 {
		_ = ent.stmt.Close()
	}
}

// note marks query for preparation on the pool at the next warm.
func (c *stmtCache) note(query string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		// Cache already closed.
		return
	}
	if !c.lru.Contains(query) {
		c.pending[query] = struct{}{}
	}
}

// warm prepares every noted statement. Called after a transaction has
// released its connection back to the pool.
func (c *stmtCache) warm(ctx context.Context) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	queries := make([]string, 0, len(c.pending))
	for q := range c.pending {
		queries = append(queries, q)
	}
	c.pending = make(map[string]struct{})
	c.mu.Unlock()

	for _, q := range queries {
		stmt, err := c.db.PrepareContext(ctx, q)
		if err != nil {
			log.Debugw("statement cache warm failed", "err", err)
			return
		}
		c.mu.Lock()
		if c.pending == nil || c.lru.Contains(q) {
			// Closed, or another warm got here first.
			c.mu.Unlock()
			_ = stmt.Close()
			continue
		}
		c.lru.Add(q, &stmtEntry{stmt: stmt})
		c.mu.Unlock()
	}
}

func (c *stmtCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.pending = nil
}
