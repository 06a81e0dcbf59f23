// Package cdc streams Postgres logical-replication changes for one
// tenant's database and dispatches them to that tenant's ChannelHub,
// generalizing the teacher's publish-log pipeline from "replicate SQLite
// writes to external sinks" to "replicate Postgres writes to websocket
// subscribers."
package cdc

import "time"

// Operation identifies the kind of row change a CDCChange carries.
type Operation uint8

const (
	OpInsert Operation = iota
	OpUpdate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// CDCChange is one decoded logical-replication row change, the realtime
// analogue of the teacher's CDCEvent, renamed and reshaped to carry
// column-level visibility data instead of opaque before/after blobs.
type CDCChange struct {
	Schema    string                 `msgpack:"schema"`
	Table     string                 `msgpack:"table"`
	Operation Operation              `msgpack:"op"`
	Columns   []string               `msgpack:"columns"`
	Record    map[string]interface{} `msgpack:"record"`
	OldRecord map[string]interface{} `msgpack:"old_record"`
	CommitTS  time.Time              `msgpack:"commit_ts"`
	LSN       uint64                 `msgpack:"lsn"`
	SeqNum    uint64                 `msgpack:"seq"` // replay-log sequence, not wire-visible
}

// Filter determines whether a decoded change should be dispatched.
type Filter interface {
	Match(change CDCChange) bool
}

// Transformer strips columns a subscription isn't allowed to see before
// dispatch, the CDC analogue of AuthorizationStore's RLS check.
type Transformer interface {
	Transform(change CDCChange) CDCChange
}

// Dispatcher delivers a filtered, transformed change to local and
// cross-node subscribers. Satisfied by channel.ChannelHub.EmitCDC. schema,
// table, operation and record are passed alongside the already-encoded
// payload so the dispatcher can evaluate each subscriber's own
// postgres_changes filter before fanning out.
type Dispatcher interface {
	EmitCDC(topic, schema, table, operation string, record map[string]interface{}, payload []byte)
}
