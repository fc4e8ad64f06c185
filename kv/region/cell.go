package region

import (
	"bytes"
	"fmt"
	"sort"
)

// Column identifies a column of a row by family and qualifier.
type Column struct {
	Family    []byte
	Qualifier []byte
}

func (c Column) Equal(other Column) bool {
	return bytes.Equal(c.Qualifier, other.Qualifier) && bytes.Equal(c.Family, other.Family)
}

func (c Column) String() string {
	return fmt.Sprintf("%s:%s", c.Family, c.Qualifier)
}

// Cell is one immutable version of a column of a row. A cell with an empty value is a tombstone: the column was
// logically deleted at Ts.
type Cell struct {
	Row       []byte
	Family    []byte
	Qualifier []byte
	Ts        uint64
	Value     []byte
}

func (c *Cell) Column() Column {
	return Column{Family: c.Family, Qualifier: c.Qualifier}
}

// IsTombstone reports whether the cell marks a logical deletion.
func (c *Cell) IsTombstone() bool {
	return len(c.Value) == 0
}

// SameColumn reports whether c and other are versions of the same column of the same row. Qualifiers are compared
// first since cells of one row usually share a family.
func (c *Cell) SameColumn(other *Cell) bool {
	return bytes.Equal(c.Qualifier, other.Qualifier) && bytes.Equal(c.Family, other.Family) && bytes.Equal(c.Row, other.Row)
}

// WithTs returns a copy of c at timestamp ts.
func (c Cell) WithTs(ts uint64) Cell {
	c.Ts = ts
	return c
}

// Tombstone returns a tombstone for c's column at timestamp ts.
func (c Cell) Tombstone(ts uint64) Cell {
	c.Ts = ts
	c.Value = nil
	return c
}

func (c Cell) String() string {
	if c.IsTombstone() {
		return fmt.Sprintf("%q/%s/%d/<tombstone>", c.Row, c.Column(), c.Ts)
	}
	return fmt.Sprintf("%q/%s/%d/%q", c.Row, c.Column(), c.Ts, c.Value)
}

// CompareCells orders cells by row, family and qualifier ascending and then by timestamp descending, which is the
// order versions are stored and returned in.
func CompareCells(a, b *Cell) int {
	if cmp := bytes.Compare(a.Row, b.Row); cmp != 0 {
		return cmp
	}
	if cmp := bytes.Compare(a.Family, b.Family); cmp != 0 {
		return cmp
	}
	if cmp := bytes.Compare(a.Qualifier, b.Qualifier); cmp != 0 {
		return cmp
	}
	switch {
	case a.Ts > b.Ts:
		return -1
	case a.Ts < b.Ts:
		return 1
	}
	return 0
}

// SortCells sorts cells in canonical version order.
func SortCells(cells []Cell) {
	sort.SliceStable(cells, func(i, j int) bool {
		return CompareCells(&cells[i], &cells[j]) < 0
	})
}

// DistinctColumns returns the columns of cells in first-seen order, each once.
func DistinctColumns(cells []Cell) []Column {
	var columns []Column
	for i := range cells {
		col := cells[i].Column()
		seen := false
		for _, c := range columns {
			if c.Equal(col) {
				seen = true
				break
			}
		}
		if !seen {
			columns = append(columns, col)
		}
	}
	return columns
}
