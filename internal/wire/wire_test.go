package wire

import (
	"testing"

	"github.com/livequery/matcherd/internal/model"
)

func TestEncodeDecodeRowResultRoundTrip(t *testing.T) {
	cases := []model.RowResult{
		model.ColumnsResult([]string{"id", "status"}),
		model.RowUpsert(1, []model.Cell{int64(1), "passing"}),
		model.RowDelete(2, []model.Cell{int64(2), "critical"}),
		model.EndOfQueryResult(),
		model.ErrorResult("boom"),
	}
	for _, want := range cases {
		data, err := EncodeRowResult(want)
		if err != nil {
			t.Fatalf("EncodeRowResult(%+v): %v", want, err)
		}
		got, err := DecodeRowResult(data)
		if err != nil {
			t.Fatalf("DecodeRowResult(%s): %v", data, err)
		}
		if got.Kind != want.Kind {
			t.Fatalf("kind mismatch: want %q got %q (json: %s)", want.Kind, got.Kind, data)
		}
	}
}

func TestDecodeSubscriptionRequestAdd(t *testing.T) {
	req, err := DecodeSubscriptionRequest([]byte(`{"add":{"id":"sub1","where_clause":"SELECT 1"}}`))
	if err != nil {
		t.Fatalf("DecodeSubscriptionRequest: %v", err)
	}
	if req.Add == nil || req.Add.ID != "sub1" || req.Add.Query != "SELECT 1" {
		t.Fatalf("unexpected decoded request: %+v", req)
	}
	if req.Add.FromDBVersion != nil {
		t.Fatalf("expected no from_db_version when omitted, got %v", *req.Add.FromDBVersion)
	}
}

func TestDecodeSubscriptionRequestAddFromDBVersion(t *testing.T) {
	req, err := DecodeSubscriptionRequest([]byte(`{"add":{"id":"sub1","where_clause":"SELECT 1","from_db_version":42}}`))
	if err != nil {
		t.Fatalf("DecodeSubscriptionRequest: %v", err)
	}
	if req.Add == nil || req.Add.FromDBVersion == nil || *req.Add.FromDBVersion != 42 {
		t.Fatalf("unexpected decoded request: %+v", req)
	}
}

func TestDecodeSubscriptionRequestRemove(t *testing.T) {
	req, err := DecodeSubscriptionRequest([]byte(`{"remove":{"id":"sub1"}}`))
	if err != nil {
		t.Fatalf("DecodeSubscriptionRequest: %v", err)
	}
	if req.Remove == nil || req.Remove.ID != "sub1" {
		t.Fatalf("unexpected decoded request: %+v", req)
	}
}

func TestDecodeSubscriptionRequestRejectsEmpty(t *testing.T) {
	if _, err := DecodeSubscriptionRequest([]byte(`{}`)); err == nil {
		t.Fatal("expected error for empty subscription request")
	}
}
