// Package sqlwatch observes the results of SQLite queries.
//
// An observation pairs a fetch function, which reads a value from a
// consistent database snapshot, with the region of the database that value
// depends on. Whenever a write transaction commits changes overlapping the
// region, the value is fetched again and delivered to the observer, in
// order, at most one fetch in flight at a time. Rapid bursts of commits
// coalesce: intermediate states may be skipped, the latest state is always
// delivered.
//
//	s, err := store.Open("scores.db")
//	...
//	obs := sqlwatch.Value(func(ctx context.Context, tx *store.Tx) (int, error) {
//		tx.Track(region.Table("players"))
//		var n int
//		err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM players").Scan(&n)
//		return n, err
//	})
//	handle, err := obs.Start(ctx, s, sqlwatch.Deferred,
//		func(err error) { log.Errorw("count observation failed", "err", err) },
//		func(n int) { fmt.Println("players:", n) },
//	)
//	...
//	handle.Cancel()
//
// Change detection never under-reports: a region is matched against every
// committed changeset, and writes whose exact rows SQLite does not expose
// are treated as touching the whole database. Observers may therefore see
// an occasional re-fetch that produces an unchanged value; Deduplicated
// suppresses delivery of those.
package sqlwatch
