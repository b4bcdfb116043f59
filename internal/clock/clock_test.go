package clock

import (
	"testing"
	"time"
)

func TestFixedClockAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFixed(start)
	if !c.Now().Equal(start) {
		t.Fatalf("expected %v, got %v", start, c.Now())
	}
	c.Advance(30 * time.Second)
	want := start.Add(30 * time.Second)
	if !c.Now().Equal(want) {
		t.Fatalf("expected %v, got %v", want, c.Now())
	}
}

func TestNewIDUnique(t *testing.T) {
	a, b := NewID(), NewID()
	if a == b {
		t.Fatal("expected distinct ids")
	}
}
