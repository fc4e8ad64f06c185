// Package status tracks what became of transactions: the process-local commit status cache and the status table
// that is the authority for it.
package status

import "fmt"

type Kind int

const (
	KindUnknown Kind = iota
	KindInvalid
	KindCommitted
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindCommitted:
		return "committed"
	}
	return "unknown"
}

// Status is the resolution of a transaction start timestamp. Invalid and Committed are terminal.
type Status struct {
	kind     Kind
	commitTs uint64
}

func Unknown() Status {
	return Status{}
}

func Invalid() Status {
	return Status{kind: KindInvalid}
}

func Committed(commitTs uint64) Status {
	return Status{kind: KindCommitted, commitTs: commitTs}
}

func (s Status) Kind() Kind {
	return s.kind
}

func (s Status) IsTerminal() bool {
	return s.kind != KindUnknown
}

func (s Status) IsCommitted() bool {
	return s.kind == KindCommitted
}

// CommitTs is only meaningful for a committed status.
func (s Status) CommitTs() uint64 {
	return s.commitTs
}

// VisibleAt reports whether writes of a transaction with this status are visible to a reader that started at
// startTs.
func (s Status) VisibleAt(startTs uint64) bool {
	return s.kind == KindCommitted && s.commitTs <= startTs
}

func (s Status) String() string {
	if s.kind == KindCommitted {
		return fmt.Sprintf("committed@%d", s.commitTs)
	}
	return s.kind.String()
}
