// Package wire is the JSON codec for the matcher's subscriber-facing
// protocol: subscription requests going in, and the row-delta stream
// going out. Every variant follows the original's single-key-object
// untagged-enum convention (`{"add": {...}}`, `{"row": {...}}`) rather
// than a `"type"` discriminant field, so a Rust client speaking the
// original wire format and a Go client speaking this one are
// interchangeable.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/livequery/matcherd/internal/model"
)

// SubscriptionRequest is one inbound client message: open or close a
// named watch.
type SubscriptionRequest struct {
	Add    *AddSubscription    `json:"add,omitempty"`
	Remove *RemoveSubscription `json:"remove,omitempty"`
}

type AddSubscription struct {
	ID string `json:"id"`
	// Query is the full watched SELECT statement, carried in the
	// `where_clause` field on the wire.
	Query string `json:"where_clause"`
	// FromDBVersion is decoded but not acted on: matcherd answers every
	// add with a fresh snapshot whether or not it is set.
	FromDBVersion *int64 `json:"from_db_version,omitempty"`
}

type RemoveSubscription struct {
	ID string `json:"id"`
}

// DecodeSubscriptionRequest parses one line of the subscriber protocol.
func DecodeSubscriptionRequest(data []byte) (*SubscriptionRequest, error) {
	var req SubscriptionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("wire: decode subscription request: %w", err)
	}
	if req.Add == nil && req.Remove == nil {
		return nil, fmt.Errorf("wire: subscription request has neither add nor remove")
	}
	return &req, nil
}

// EncodeRowResult renders one model.RowResult as its untagged wire
// variant: {"columns": [...]}, {"row": {...}}, {"eoq": {}}, or
// {"error": {"message": "..."}}.
func EncodeRowResult(r model.RowResult) ([]byte, error) {
	switch r.Kind {
	case model.RowResultColumns:
		return json.Marshal(struct {
			Columns []string `json:"columns"`
		}{Columns: r.ColNames})
	case model.RowResultRow:
		return json.Marshal(struct {
			Row rowPayload `json:"row"`
		}{Row: rowPayload{RowID: r.RowID, ChangeType: r.ChangeType, Cells: r.Cells}})
	case model.RowResultEndOfQuery:
		return json.Marshal(struct {
			EOQ struct{} `json:"eoq"`
		}{})
	case model.RowResultError:
		return json.Marshal(struct {
			Error errorPayload `json:"error"`
		}{Error: errorPayload{Message: r.Err}})
	default:
		return nil, fmt.Errorf("wire: unknown RowResult kind %q", r.Kind)
	}
}

type rowPayload struct {
	RowID      int64            `json:"rowid"`
	ChangeType model.ChangeType `json:"change_type"`
	Cells      []model.Cell     `json:"cells"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// DecodeRowResult is the inverse of EncodeRowResult, used by tests and by
// any Go-side subscriber client this repo ships.
func DecodeRowResult(data []byte) (model.RowResult, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return model.RowResult{}, fmt.Errorf("wire: decode row result: %w", err)
	}
	if _, ok := probe["columns"]; ok {
		var cols struct {
			Columns []string `json:"columns"`
		}
		if err := json.Unmarshal(data, &cols); err != nil {
			return model.RowResult{}, err
		}
		return model.ColumnsResult(cols.Columns), nil
	}
	if raw, ok := probe["row"]; ok {
		var rp rowPayload
		if err := json.Unmarshal(raw, &rp); err != nil {
			return model.RowResult{}, err
		}
		if rp.ChangeType == model.ChangeDelete {
			return model.RowDelete(rp.RowID, rp.Cells), nil
		}
		return model.RowUpsert(rp.RowID, rp.Cells), nil
	}
	if _, ok := probe["eoq"]; ok {
		return model.EndOfQueryResult(), nil
	}
	if raw, ok := probe["error"]; ok {
		var ep errorPayload
		if err := json.Unmarshal(raw, &ep); err != nil {
			return model.RowResult{}, err
		}
		return model.ErrorResult(ep.Message), nil
	}
	return model.RowResult{}, fmt.Errorf("wire: row result has no recognized variant key")
}
