package cdc

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
)

// relationCache remembers the column layout pgoutput announced for each
// relation OID, needed to interpret subsequent Insert/Update/Delete
// messages that only carry tuple data, not column names.
type relationCache struct {
	relations map[uint32]*pglogrepl.RelationMessageV2
}

func newRelationCache() *relationCache {
	return &relationCache{relations: make(map[uint32]*pglogrepl.RelationMessageV2)}
}

// decodeMessage turns one pgoutput logical-replication message into a
// CDCChange, or returns (nil, nil) for message kinds that carry no row
// change (Begin, Commit, Relation, Type, Truncate, Origin).
func (rc *relationCache) decodeMessage(data []byte, commitTS time.Time) (*CDCChange, error) {
	msg, err := pglogrepl.ParseV2(data, true)
	if err != nil {
		return nil, fmt.Errorf("cdc: parse pgoutput message: %w", err)
	}

	switch m := msg.(type) {
	case *pglogrepl.RelationMessageV2:
		rc.relations[m.RelationID] = m
		return nil, nil

	case *pglogrepl.InsertMessageV2:
		rel, ok := rc.relations[m.RelationID]
		if !ok {
			return nil, fmt.Errorf("cdc: insert for unknown relation %d", m.RelationID)
		}
		record, err := decodeTuple(rel, m.Tuple)
		if err != nil {
			return nil, err
		}
		return &CDCChange{
			Schema: rel.Namespace, Table: rel.RelationName,
			Operation: OpInsert, Columns: columnNames(rel),
			Record: record, CommitTS: commitTS,
		}, nil

	case *pglogrepl.UpdateMessageV2:
		rel, ok := rc.relations[m.RelationID]
		if !ok {
			return nil, fmt.Errorf("cdc: update for unknown relation %d", m.RelationID)
		}
		record, err := decodeTuple(rel, m.NewTuple)
		if err != nil {
			return nil, err
		}
		var old map[string]interface{}
		if m.OldTuple != nil {
			old, err = decodeTuple(rel, m.OldTuple)
			if err != nil {
				return nil, err
			}
		}
		return &CDCChange{
			Schema: rel.Namespace, Table: rel.RelationName,
			Operation: OpUpdate, Columns: columnNames(rel),
			Record: record, OldRecord: old, CommitTS: commitTS,
		}, nil

	case *pglogrepl.DeleteMessageV2:
		rel, ok := rc.relations[m.RelationID]
		if !ok {
			return nil, fmt.Errorf("cdc: delete for unknown relation %d", m.RelationID)
		}
		old, err := decodeTuple(rel, m.OldTuple)
		if err != nil {
			return nil, err
		}
		return &CDCChange{
			Schema: rel.Namespace, Table: rel.RelationName,
			Operation: OpDelete, Columns: columnNames(rel),
			OldRecord: old, CommitTS: commitTS,
		}, nil

	default:
		// Begin, Commit, Type, Truncate, Origin: no row change to dispatch.
		return nil, nil
	}
}

func columnNames(rel *pglogrepl.RelationMessageV2) []string {
	names := make([]string, len(rel.Columns))
	for i, col := range rel.Columns {
		names[i] = col.Name
	}
	return names
}

func decodeTuple(rel *pglogrepl.RelationMessageV2, tuple *pglogrepl.TupleData) (map[string]interface{}, error) {
	if tuple == nil {
		return nil, nil
	}
	record := make(map[string]interface{}, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case 'n': // NULL
			record[name] = nil
		case 'u': // unchanged TOAST value
			continue
		case 't': // text-formatted value
			record[name] = string(col.Data)
		default:
			record[name] = string(col.Data)
		}
	}
	return record, nil
}
