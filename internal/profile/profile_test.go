package profile

import (
	"errors"
	"math"
	"testing"

	"github.com/hiveplane/hiveplane/internal/store"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(store.NewMemStore(), 0.8, 3, nil)
}

func record(t *testing.T, r *Registry, agent, category string, success bool, quality float64) {
	t.Helper()
	if _, err := r.RecordTask(agent, category, "some work", nil, 30, success, quality); err != nil {
		t.Fatalf("RecordTask: %v", err)
	}
}

func TestProfileAggregation(t *testing.T) {
	r := testRegistry(t)
	record(t, r, "alice", "refactoring", true, 0.9)
	record(t, r, "alice", "refactoring", false, 0.5)

	p, ok, err := r.GetProfile("alice")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if !ok {
		t.Fatal("profile missing")
	}
	if p.TotalTasks != 2 {
		t.Fatalf("total_tasks = %d", p.TotalTasks)
	}
	if p.SuccessRate != 0.5 {
		t.Fatalf("success_rate = %v", p.SuccessRate)
	}
	if got := p.CategoryScores["refactoring"]; math.Abs(got-0.7) > 1e-9 {
		t.Fatalf("category score = %v, want 0.7", got)
	}
	if p.CategoryCounts["refactoring"] != 2 {
		t.Fatalf("category count = %d", p.CategoryCounts["refactoring"])
	}
}

func TestGetProfileAbsent(t *testing.T) {
	r := testRegistry(t)
	_, ok, err := r.GetProfile("ghost")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if ok {
		t.Fatal("expected absent profile")
	}
}

func TestThreeGoodTasksMakeAStrength(t *testing.T) {
	r := testRegistry(t)
	for i := 0; i < 3; i++ {
		record(t, r, "alice", "testing", true, 0.9)
	}

	p, _, err := r.GetProfile("alice")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if len(p.Strengths) != 1 || p.Strengths[0] != "testing" {
		t.Fatalf("strengths = %v", p.Strengths)
	}
}

func TestStrengthNeedsEnoughSamples(t *testing.T) {
	r := testRegistry(t)
	// High score but only two samples: not a strength yet.
	record(t, r, "alice", "testing", true, 0.95)
	record(t, r, "alice", "testing", true, 0.95)

	p, _, err := r.GetProfile("alice")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if len(p.Strengths) != 0 {
		t.Fatalf("strengths = %v", p.Strengths)
	}
}

func TestStrengthNeedsHighScore(t *testing.T) {
	r := testRegistry(t)
	for i := 0; i < 5; i++ {
		record(t, r, "alice", "deploys", true, 0.5)
	}

	p, _, err := r.GetProfile("alice")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if len(p.Strengths) != 0 {
		t.Fatalf("mediocre category listed as strength: %v", p.Strengths)
	}
}

func TestFindBestAgent(t *testing.T) {
	r := testRegistry(t)
	record(t, r, "alice", "reviews", true, 0.9)
	record(t, r, "bob", "reviews", true, 0.6)
	record(t, r, "carol", "deploys", true, 0.99)

	best, err := r.FindBestAgent("reviews")
	if err != nil {
		t.Fatalf("FindBestAgent: %v", err)
	}
	if best != "alice" {
		t.Fatalf("best = %q", best)
	}
}

func TestFindBestAgentTieBreaks(t *testing.T) {
	r := testRegistry(t)
	// Same category score; bob has more total tasks.
	record(t, r, "alice", "reviews", true, 0.8)
	record(t, r, "bob", "reviews", true, 0.8)
	record(t, r, "bob", "deploys", true, 0.5)

	best, err := r.FindBestAgent("reviews")
	if err != nil {
		t.Fatalf("FindBestAgent: %v", err)
	}
	if best != "bob" {
		t.Fatalf("tie on score should prefer more tasks, got %q", best)
	}

	// Fully tied profiles fall back to lexicographic order.
	r2 := testRegistry(t)
	record(t, r2, "zoe", "reviews", true, 0.8)
	record(t, r2, "amy", "reviews", true, 0.8)
	best, err = r2.FindBestAgent("reviews")
	if err != nil {
		t.Fatalf("FindBestAgent: %v", err)
	}
	if best != "amy" {
		t.Fatalf("lexicographic tiebreak failed, got %q", best)
	}
}

func TestFindBestAgentNoCandidates(t *testing.T) {
	r := testRegistry(t)
	record(t, r, "alice", "reviews", true, 0.9)
	if _, err := r.FindBestAgent("sculpting"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordTaskValidatesQuality(t *testing.T) {
	r := testRegistry(t)
	if _, err := r.RecordTask("alice", "x", "", nil, 1, true, 1.5); err == nil {
		t.Fatal("expected error for out-of-range quality score")
	}
}

func TestTaskRecordsRoundTrip(t *testing.T) {
	r := testRegistry(t)
	record(t, r, "alice", "reviews", true, 0.9)
	record(t, r, "bob", "reviews", false, 0.4)

	recs, err := r.TaskRecords("alice")
	if err != nil {
		t.Fatalf("TaskRecords: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	got := recs[0]
	if got.AgentID != "alice" || got.Category != "reviews" || !got.Success || got.QualityScore != 0.9 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
