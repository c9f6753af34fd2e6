package rejectset_test

import (
	"testing"
	"time"

	"github.com/lieyanc/FireFrp/internal/rejectset"
)

func TestAddAndContains(t *testing.T) {
	s := rejectset.New()
	now := time.Now()

	if s.Contains("k1") {
		t.Fatal("expected empty set")
	}
	s.Add("k1", now)
	if !s.Contains("k1") {
		t.Fatal("expected k1 to be rejected after Add")
	}
}

func TestPrune_EvictsOlderThanHorizon(t *testing.T) {
	s := rejectset.New()
	now := time.Now()

	s.Add("old", now.Add(-48*time.Hour))
	s.Add("fresh", now)

	s.Prune(now, 24*time.Hour)

	if s.Contains("old") {
		t.Fatal("expected old entry to be pruned")
	}
	if !s.Contains("fresh") {
		t.Fatal("expected fresh entry to survive prune")
	}
}
