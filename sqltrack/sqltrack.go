// Package sqltrack is the storage-side collaborator for SQL change
// tracking. Parsing query text into column-level changes is out of scope
// here — a language binding or driver wrapper does that and calls Record
// with the result. This package only defines the shape of that result and
// persists it into a Store.
package sqltrack

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/memtrap/memtrap/store"
)

// Operation is the kind of SQL statement that produced a ColumnChange.
type Operation uint8

const (
	OpInsert Operation = iota
	OpUpdate
	OpDelete
	OpSelect
)

func (op Operation) String() string {
	switch op {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case OpSelect:
		return "SELECT"
	default:
		return "UNKNOWN"
	}
}

// ColumnChange is one column-level effect of a SQL statement, as produced
// by a query-text parser collaborator (out of scope here).
type ColumnChange struct {
	Table     string
	Column    string
	Operation Operation
	Old       string
	New       string
	Rows      int64
	Database  string
	FullQuery string
	TimestampNanos int64
}

type record struct {
	Table     string `json:"table"`
	Column    string `json:"column"`
	Operation string `json:"operation"`
	Old       string `json:"old,omitempty"`
	New       string `json:"new,omitempty"`
	Rows      int64  `json:"rows"`
	Database  string `json:"database,omitempty"`
	FullQuery string `json:"full_query"`
	TimestampNanos int64 `json:"ts_ns"`
}

// Record stores and indexes one column change into core. The key is
// derived from the timestamp and table/column pair so repeated changes to
// the same column each get their own entry rather than overwriting one
// another.
func Record(core *store.Store, change ColumnChange) error {
	if change.Table == "" || change.Column == "" {
		return fmt.Errorf("sqltrack: table and column are required")
	}

	ts := change.TimestampNanos
	if ts == 0 {
		ts = time.Now().UnixNano()
	}

	rec := record{
		Table:          change.Table,
		Column:         change.Column,
		Operation:      change.Operation.String(),
		Old:            change.Old,
		New:            change.New,
		Rows:           change.Rows,
		Database:       change.Database,
		FullQuery:      change.FullQuery,
		TimestampNanos: ts,
	}

	key := []byte(fmt.Sprintf("sql/%s/%s/%d", change.Table, change.Column, ts))

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sqltrack: marshal: %w", err)
	}

	return core.Write(key, line)
}
