package feed

import (
	"testing"
	"time"
)

func TestMarshalPreservesTimestamps(t *testing.T) {
	ts := time.UnixMilli(1700000000123).UTC()
	data, err := Marshal(Fields{
		"text":      "hi",
		"timestamp": ts,
		"receipts":  map[string]any{"u2": ts},
		"count":     int64(3),
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if got["text"] != "hi" {
		t.Errorf("text = %v, want hi", got["text"])
	}
	if tt, ok := got["timestamp"].(time.Time); !ok || !tt.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", got["timestamp"], ts)
	}
	receipts := got["receipts"].(map[string]any)
	if tt, ok := receipts["u2"].(time.Time); !ok || !tt.Equal(ts) {
		t.Errorf("receipts.u2 = %v, want %v", receipts["u2"], ts)
	}
	if got["count"] != int64(3) {
		t.Errorf("count = %v (%T), want int64 3", got["count"], got["count"])
	}
}
