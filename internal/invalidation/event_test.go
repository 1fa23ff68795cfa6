package invalidation

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func mustTS() time.Time { return time.Date(2025, 10, 26, 12, 30, 45, 0, time.UTC) }

func TestEvent_Validate(t *testing.T) {
	cases := []struct {
		name string
		ev   Event
		ok   bool
	}{
		{"layer", Event{Version: 1, Op: OpLayer, DatasetID: "sst", Date: "20240115", TS: mustTS()}, true},
		{"dataset", Event{Version: 2, Op: OpDataset, DatasetID: "sst"}, true},
		{"all", Event{Version: 3, Op: OpAll}, true},
		{"zero version", Event{Op: OpAll}, false},
		{"unknown op", Event{Version: 1, Op: "purge"}, false},
		{"layer without date", Event{Version: 1, Op: OpLayer, DatasetID: "sst"}, false},
		{"dataset without id", Event{Version: 1, Op: OpDataset, DatasetID: "  "}, false},
	}
	for _, tc := range cases {
		err := tc.ev.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: err=%v want ErrInvalid", tc.name, err)
		}
	}
}

func TestEvent_DecodesWireShape(t *testing.T) {
	raw := `{"version":7,"op":"layer","dataset_id":"chlorophyll","date":"2024-01-15","ts":"2025-10-26T12:30:45Z"}`
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Version != 7 || ev.Op != OpLayer || ev.DatasetID != "chlorophyll" || !ev.TS.Equal(mustTS()) {
		t.Fatalf("decoded %+v", ev)
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestEvent_Scope(t *testing.T) {
	layer := Event{Op: OpLayer, DatasetID: "sst", Date: "d1"}
	ds := Event{Op: OpDataset, DatasetID: "sst"}
	all := Event{Op: OpAll}
	if layer.Scope() != "sst:d1" {
		t.Fatalf("layer scope=%q", layer.Scope())
	}
	if ds.Scope() != "sst:" {
		t.Fatalf("dataset scope=%q", ds.Scope())
	}
	if all.Scope() != "*" {
		t.Fatalf("all scope=%q", all.Scope())
	}
}
