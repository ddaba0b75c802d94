package region

import (
	"sort"
	"strconv"
	"strings"
)

// A ChangeKind describes how a row was touched within a write transaction.
// The kinds are bit flags so that they can be combined.
type ChangeKind uint8

const (
	// Insert represents a new row.
	Insert ChangeKind = 1 << iota
	// Update represents a modification of an existing row.
	Update
	// Delete represents a removed row.
	Delete
	// AnyChange matches every kind of row change.
	AnyChange = Insert | Update | Delete
)

func (k ChangeKind) String() string {
	var parts []string
	if k&Insert != 0 {
		parts = append(parts, "insert")
	}
	if k&Update != 0 {
		parts = append(parts, "update")
	}
	if k&Delete != 0 {
		parts = append(parts, "delete")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// A Region is the set of tables and rows a query depends on. It is the unit
// of the overlap test that decides whether a committed transaction can have
// changed the result of an observed query.
//
// Regions never under-report: a region covering a whole table matches any row
// of that table, and the full-database region matches any change at all.
// Narrowing a region below what a query actually reads is a correctness bug
// on the caller's side; widening it only costs redundant re-fetches.
type Region struct {
	full   bool
	tables map[string]tableRegion
}

type tableRegion struct {
	full bool
	rows map[int64]struct{}
}

// Full returns the region covering the entire database. Every non-empty
// changeset overlaps it.
func Full() Region {
	return Region{full: true}
}

// Table returns the region covering every row of the named table, including
// rows that do not exist yet. Aggregate queries (counts, sums, maxima) depend
// on whole tables and should use this.
func Table(name string) Region {
	return Region{tables: map[string]tableRegion{
		name: {full: true},
	}}
}

// Rows returns the region covering the given rowids of the named table.
//
// Note that SQLite reports an UPDATE that reassigns a rowid with the new
// rowid only; regions pinned to specific rowids do not see the old row
// vanish in that case. Track the whole table when rowids may be reassigned.
func Rows(name string, rowids ...int64) Region {
	rows := make(map[int64]struct{}, len(rowids))
	for _, id := range rowids {
		rows[id] = struct{}{}
	}
	return Region{tables: map[string]tableRegion{
		name: {rows: rows},
	}}
}

// Union returns the region covering everything either region covers.
func (r Region) Union(o Region) Region {
	if r.full || o.full {
		return Region{full: true}
	}
	if r.Empty() {
		return o.clone()
	}
	if o.Empty() {
		return r.clone()
	}
	out := r.clone()
	for name, tr := range o.tables {
		cur, ok := out.tables[name]
		if !ok {
			out.tables[name] = tr.clone()
			continue
		}
		if cur.full || tr.full {
			out.tables[name] = tableRegion{full: true}
			continue
		}
		for id := range tr.rows {
			cur.rows[id] = struct{}{}
		}
		out.tables[name] = cur
	}
	return out
}

// Overlaps reports whether any change in cs falls inside the region. This is
// the hot path of the commit notification walk: it performs set intersection
// only and never touches the database.
func (r Region) Overlaps(cs Changeset) bool {
	if r.Empty() || cs.Empty() {
		return false
	}
	if r.full || cs.full {
		return true
	}
	for name, tcs := range cs.tables {
		tr, ok := r.tables[name]
		if !ok {
			continue
		}
		if tr.full {
			return true
		}
		for id := range tcs.rows {
			if _, ok := tr.rows[id]; ok {
				return true
			}
		}
	}
	return false
}

// Empty reports whether the region covers nothing. An empty region overlaps
// no changeset.
func (r Region) Empty() bool {
	return !r.full && len(r.tables) == 0
}

func (r Region) clone() Region {
	if r.full {
		return Region{full: true}
	}
	out := Region{tables: make(map[string]tableRegion, len(r.tables))}
	for name, tr := range r.tables {
		out.tables[name] = tr.clone()
	}
	return out
}

func (tr tableRegion) clone() tableRegion {
	if tr.full {
		return tableRegion{full: true}
	}
	rows := make(map[int64]struct{}, len(tr.rows))
	for id := range tr.rows {
		rows[id] = struct{}{}
	}
	return tableRegion{rows: rows}
}

func (r Region) String() string {
	if r.full {
		return "full-database"
	}
	if r.Empty() {
		return "empty"
	}
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		tr := r.tables[name]
		b.WriteString(name)
		if !tr.full {
			b.WriteString(rowsString(tr.rows))
		}
	}
	return b.String()
}

func rowsString(rows map[int64]struct{}) string {
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
	}
	b.WriteByte(']')
	return b.String()
}
