// Package model holds the data types shared across the live query matcher:
// the change-feed contract, the row-event contract emitted to subscribers,
// and the subscriber/subscription identifiers. The normalized schema lives
// in internal/schema.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ChangeType distinguishes a materialized row appearing/changing from one
// being removed from a matcher's result set.
type ChangeType string

const (
	ChangeUpsert ChangeType = "upsert"
	ChangeDelete ChangeType = "delete"
)

// EventKind is the kind of base-table mutation that produced an
// AggregateChange.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// AggregateChange is a per-row notification from the upstream change feed:
// a base table mutated a row identified by pk. Its lifetime is bounded by
// dispatch, since the dispatcher does not retain it past routing. ActorID
// identifies the node that produced the mutation, the same per-node
// uuid.UUID identity the original system propagates with every change.
type AggregateChange struct {
	ActorID uuid.UUID
	Version int64
	Table   string
	PK      map[string]any
	EvtType EventKind
	Data    map[string]any
}

// Cell is the value stored in one projected column of a matcher's result
// row. database/sql already narrows driver values to this set when
// scanning into `any`.
type Cell = any

// RowResultKind is the discriminant of RowResult's closed set of variants,
// the Go rendering of the untagged Rust enum a subscriber client decodes.
type RowResultKind string

const (
	RowResultColumns    RowResultKind = "columns"
	RowResultRow        RowResultKind = "row"
	RowResultEndOfQuery RowResultKind = "eoq"
	RowResultError      RowResultKind = "error"
)

// RowResult is emitted to subscribers over a matcher's init or broadcast
// channel. Only the fields relevant to Kind are populated.
type RowResult struct {
	Kind RowResultKind

	// RowResultColumns
	ColNames []string

	// RowResultRow
	RowID      int64
	ChangeType ChangeType
	Cells      []Cell

	// RowResultError
	Err string
}

func ColumnsResult(names []string) RowResult {
	return RowResult{Kind: RowResultColumns, ColNames: names}
}

func RowUpsert(rowID int64, cells []Cell) RowResult {
	return RowResult{Kind: RowResultRow, RowID: rowID, ChangeType: ChangeUpsert, Cells: cells}
}

func RowDelete(rowID int64, cells []Cell) RowResult {
	return RowResult{Kind: RowResultRow, RowID: rowID, ChangeType: ChangeDelete, Cells: cells}
}

func EndOfQueryResult() RowResult {
	return RowResult{Kind: RowResultEndOfQuery}
}

func ErrorResult(msg string) RowResult {
	return RowResult{Kind: RowResultError, Err: msg}
}

// SubscriberID names the owner of a Subscriber: a local connection
// identified by address, or the process-wide "global" catch-all used by
// collaborators that are not local stream consumers (e.g. a clustered
// peer forwarding someone else's subscription).
type SubscriberID struct {
	Local bool
	Addr  string
}

func (s SubscriberID) String() string {
	if !s.Local {
		return "global"
	}
	return s.Addr
}

// SubscriptionID is the caller-supplied name for one watch within a
// subscriber's session.
type SubscriptionID string

// SubscriptionInfo is per-subscription bookkeeping held by the subscriber
// index; it does not hold the Matcher itself (that lives in the outer
// subscriber -> matcher map, see internal/subscriber).
type SubscriptionInfo struct {
	WhereClause string
	UpdatedAt   time.Time
}
