package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/xraph/tally/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"DLQID", id.NewDLQID, "dlq_"},
		{"DocumentID", id.NewDocumentID, "fdoc_"},
		{"DeviceID", id.NewDeviceID, "kkm_"},
		{"PairingCodeID", id.NewPairingCodeID, "pair_"},
		{"InstanceID", id.NewInstanceID, "inst_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestParseRejectsOtherPrefix(t *testing.T) {
	if _, err := id.ParseDocumentID(id.NewDeviceID().String()); err == nil {
		t.Fatal("expected ParseDocumentID to reject a device id")
	}
	if _, err := id.ParseDLQID(""); err == nil {
		t.Fatal("expected error for empty string")
	}
}

func TestParseRoundTrip(t *testing.T) {
	original := id.NewDocumentID()
	parsed, err := id.ParseDocumentID(original.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != original {
		t.Errorf("round-trip mismatch: %q != %q", parsed, original)
	}
}

func TestNilValueIsNull(t *testing.T) {
	v, err := id.Nil.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if v != nil {
		t.Errorf("Nil.Value() = %v, want nil", v)
	}

	var scanned id.ID
	if err := scanned.Scan(nil); err != nil {
		t.Fatalf("Scan(nil): %v", err)
	}
	if !scanned.IsNil() {
		t.Error("expected Nil after scanning NULL")
	}
}

func TestJSON(t *testing.T) {
	type doc struct {
		ID     id.ID `json:"id"`
		Device id.ID `json:"device"`
	}
	in := doc{ID: id.NewDocumentID()}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out doc
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ID != in.ID {
		t.Errorf("ID = %s, want %s", out.ID, in.ID)
	}
	if !out.Device.IsNil() {
		t.Errorf("Device = %s, want nil", out.Device)
	}
}
