package txn

import (
	"context"
	"fmt"

	"github.com/cellkv/cellkv/kv/region"
)

type ChangeKind int

const (
	Insert ChangeKind = iota
	Delete
	UndoInsert
	UndoDelete
)

func (k ChangeKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	case UndoInsert:
		return "undo-insert"
	case UndoDelete:
		return "undo-delete"
	}
	return fmt.Sprintf("ChangeKind(%d)", int(k))
}

// Row is a logical row presented by the execution layer. Put holds the columns an insert writes. Prior holds the
// versions read before the row is deleted, one per column. A row read for update is rewritten by a plain insert, so
// deleting it does nothing.
type Row struct {
	Key       []byte
	Put       []region.Cell
	Prior     []region.Cell
	ForUpdate bool
}

// RowChange is one logical change to a row. Overwritten holds the versions the transaction had already written at
// its start timestamp for the same columns, which undoing the change restores.
type RowChange struct {
	Kind        ChangeKind
	Row         Row
	Overwritten []region.Cell
}

// Inverse returns the change that undoes c.
func (c RowChange) Inverse() RowChange {
	inverse := c
	switch c.Kind {
	case Insert:
		inverse.Kind = UndoInsert
	case Delete:
		inverse.Kind = UndoDelete
	case UndoInsert:
		inverse.Kind = Insert
	default:
		inverse.Kind = Delete
	}
	return inverse
}

// Undoer reverts an applied change of a transaction.
type Undoer interface {
	Undo(ctx context.Context, txn *Transaction, change RowChange) error
}
