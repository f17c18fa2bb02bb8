package ledgersync

import (
	"errors"
	"testing"
	"time"
)

func TestCanonicalDate(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"1990-01-01", "1990-01-01", true},
		{"2024-03-01T10:00:00", "2024-03-01T10:00:00", true},
		{"2024-03-01T10:00:00.123456", "2024-03-01T10:00:00", true},
		{"2024-03-01T10:00:00Z", "2024-03-01T10:00:00", true},
		{"groceries", "", false},
		{"", "", false},
		{"12.50", "", false},
	}
	for _, tc := range cases {
		got, ok := canonicalDate(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("canonicalDate(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNormalizeRow(t *testing.T) {
	row := NormalizeRow(Row{
		"id":     int64(1),
		"date":   "1990-01-01",
		"time":   "1990-01-01T13:45:00.500000",
		"note":   "lunch at 12",
		"amount": 12.5,
	})

	if row["date"] != "1990-01-01" {
		t.Errorf("date = %v", row["date"])
	}
	if row["time"] != "1990-01-01T13:45:00" {
		t.Errorf("time = %v", row["time"])
	}
	if row["note"] != "lunch at 12" {
		t.Errorf("non-date string rewritten: %v", row["note"])
	}
	if row["amount"] != 12.5 {
		t.Errorf("non-string value rewritten: %v", row["amount"])
	}
}

func TestParseChangeTime(t *testing.T) {
	fallback := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	got, err := parseChangeTime("", fallback)
	if err != nil || !got.Equal(fallback) {
		t.Errorf("empty timestamp = (%v, %v), want fallback", got, err)
	}

	got, err = parseChangeTime("2024-03-01T10:00:00", fallback)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got.Format("2006-01-02T15:04:05") != "2024-03-01T10:00:00" {
		t.Errorf("parsed = %v", got)
	}

	if _, err := parseChangeTime("yesterday", fallback); !errors.Is(err, ErrBadTimestamp) {
		t.Errorf("err = %v, want ErrBadTimestamp", err)
	}
}
