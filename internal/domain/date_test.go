package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-06-01")
	if err != nil {
		t.Fatalf("ParseDate error: %v", err)
	}
	if d != NewDate(2024, time.June, 1) {
		t.Fatalf("date = %+v", d)
	}
	if d.String() != "2024-06-01" || d.Compact() != "20240601" {
		t.Fatalf("String/Compact = %q/%q", d.String(), d.Compact())
	}

	if _, err := ParseDate("2024-06-01T10:00:00Z"); err == nil {
		t.Fatalf("expected error for timestamp input")
	}
}

func TestDateOf_UsesLocationDay(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	ts := time.Date(2024, 6, 1, 1, 0, 0, 0, loc)

	if got := DateOf(ts); got != NewDate(2024, time.June, 1) {
		t.Fatalf("DateOf = %v, want 2024-06-01", got)
	}
	if got := DateOf(ts.UTC()); got != NewDate(2024, time.May, 31) {
		t.Fatalf("DateOf(UTC) = %v, want 2024-05-31", got)
	}
}

func TestDateCompare(t *testing.T) {
	a := NewDate(2024, time.June, 1)
	b := NewDate(2024, time.June, 2)
	c := NewDate(2025, time.January, 1)

	if !a.Before(b) || !b.After(a) || a.Compare(a) != 0 {
		t.Fatalf("day ordering broken")
	}
	if !b.Before(c) {
		t.Fatalf("year ordering broken")
	}
	if got := NewDate(2024, time.February, 28).AddDays(1); got != NewDate(2024, time.February, 29) {
		t.Fatalf("AddDays = %v", got)
	}
}

func TestDateScanAndJSON(t *testing.T) {
	var d Date
	if err := d.Scan(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("Scan(time) error: %v", err)
	}
	if d != NewDate(2024, time.June, 1) {
		t.Fatalf("scanned %v", d)
	}
	if err := d.Scan([]byte("2024-07-02")); err != nil {
		t.Fatalf("Scan(bytes) error: %v", err)
	}
	if d != NewDate(2024, time.July, 2) {
		t.Fatalf("scanned %v", d)
	}
	if err := d.Scan(42); err == nil {
		t.Fatalf("expected error scanning int")
	}

	b, err := json.Marshal(struct {
		Date Date `json:"date"`
	}{Date: NewDate(2024, time.June, 1)})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if string(b) != `{"date":"2024-06-01"}` {
		t.Fatalf("json = %s", b)
	}

	v, err := NewDate(2024, time.June, 1).Value()
	if err != nil || v != "2024-06-01" {
		t.Fatalf("Value = %v, %v", v, err)
	}
}
