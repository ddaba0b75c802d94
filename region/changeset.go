package region

import (
	"sort"
	"strconv"
	"strings"
)

// A Changeset records which rows a committed write transaction touched. It is
// built from SQLite's update hook as the transaction executes and published
// to observers once the commit succeeds.
//
// A changeset may over-report. When a transaction ran statements whose row
// effects SQLite does not surface through the update hook (truncating
// DELETEs, schema changes), the changeset is widened to cover the whole
// database rather than risk missing a change.
type Changeset struct {
	full   bool
	tables map[string]*TableChanges
}

// TableChanges holds the changed rowids of a single table, each with the
// union of change kinds observed for that row.
type TableChanges struct {
	rows map[int64]ChangeKind
}

// FullChangeset returns a changeset covering the entire database. It overlaps
// every non-empty region.
func FullChangeset() Changeset {
	return Changeset{full: true}
}

// Record adds a single row change. Recording the same row twice merges the
// change kinds.
func (cs *Changeset) Record(kind ChangeKind, table string, rowid int64) {
	if cs.full {
		return
	}
	if cs.tables == nil {
		cs.tables = make(map[string]*TableChanges)
	}
	tc, ok := cs.tables[table]
	if !ok {
		tc = &TableChanges{rows: make(map[int64]ChangeKind)}
		cs.tables[table] = tc
	}
	tc.rows[rowid] |= kind
}

// Widen grows the changeset to cover the entire database.
func (cs *Changeset) Widen() {
	cs.full = true
	cs.tables = nil
}

// Merge folds other into cs. It is used to accumulate the changesets of
// transactions that commit while an observer is busy re-fetching, so a single
// catch-up fetch can account for all of them.
func (cs *Changeset) Merge(other Changeset) {
	if cs.full {
		return
	}
	if other.full {
		cs.Widen()
		return
	}
	for table, otc := range other.tables {
		for rowid, kind := range otc.rows {
			cs.Record(kind, table, rowid)
		}
	}
}

// Empty reports whether the changeset records no changes at all. Empty
// changesets are not published.
func (cs Changeset) Empty() bool {
	return !cs.full && len(cs.tables) == 0
}

// Tables returns the names of the tables with recorded changes, sorted. It
// returns nil for a full-database changeset.
func (cs Changeset) Tables() []string {
	if cs.full || len(cs.tables) == 0 {
		return nil
	}
	names := make([]string, 0, len(cs.tables))
	for name := range cs.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (cs Changeset) String() string {
	if cs.full {
		return "full-database"
	}
	if cs.Empty() {
		return "empty"
	}
	var b strings.Builder
	for i, name := range cs.Tables() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteString(rowKindsString(cs.tables[name].rows))
	}
	return b.String()
}

func rowKindsString(rows map[int64]ChangeKind) string {
	ids := make([]int64, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var b strings.Builder
	b.WriteByte('[')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(id, 10))
		b.WriteByte(':')
		b.WriteString(rows[id].String())
	}
	b.WriteByte(']')
	return b.String()
}
