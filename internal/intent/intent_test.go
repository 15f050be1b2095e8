package intent

import (
	"errors"
	"testing"

	"github.com/hiveplane/hiveplane/internal/store"
)

func testDetector(t *testing.T) *Detector {
	t.Helper()
	return NewDetector(store.NewMemStore(), 4, nil)
}

func TestDeclareReturnsIntent(t *testing.T) {
	d := testDetector(t)
	it, conflicts, err := d.Declare("alice", "refactor parser", []string{"parser.go"}, nil, nil, 4)
	if err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if it.ID == "" || it.Status != StatusActive || it.CreatedAt == 0 {
		t.Fatalf("bad intent: %+v", it)
	}
	if len(conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %v", conflicts)
	}
}

func TestFileOverlapIsHighSeverity(t *testing.T) {
	d := testDetector(t)
	if _, _, err := d.Declare("alice", "edit parser", []string{"parser.go", "lexer.go"}, nil, nil, 4); err != nil {
		t.Fatalf("Declare alice: %v", err)
	}

	_, conflicts, err := d.Declare("bob", "also edit parser", []string{"parser.go"}, nil, nil, 4)
	if err != nil {
		t.Fatalf("Declare bob: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected exactly one conflict, got %d: %v", len(conflicts), conflicts)
	}
	c := conflicts[0]
	if c.Severity != SeverityHigh {
		t.Fatalf("severity = %s", c.Severity)
	}
	if len(c.Agents) != 2 {
		t.Fatalf("agents = %v", c.Agents)
	}
}

func TestHighestSeverityWinsPerAgent(t *testing.T) {
	d := testDetector(t)
	// Alice's intent overlaps bob's check in files, modules, and keywords.
	_, _, err := d.Declare("alice", "work", []string{"a.go"}, []string{"core"}, []string{"cache"}, 4)
	if err != nil {
		t.Fatalf("Declare: %v", err)
	}

	conflicts, err := d.CheckConflicts("bob", []string{"a.go"}, []string{"core"}, []string{"cache"})
	if err != nil {
		t.Fatalf("CheckConflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected one conflict per other agent, got %d", len(conflicts))
	}
	if conflicts[0].Severity != SeverityHigh {
		t.Fatalf("expected HIGH to win, got %s", conflicts[0].Severity)
	}
}

func TestModuleAndKeywordSeverities(t *testing.T) {
	d := testDetector(t)
	if _, _, err := d.Declare("alice", "module work", nil, []string{"auth"}, []string{"login"}, 4); err != nil {
		t.Fatalf("Declare: %v", err)
	}

	conflicts, err := d.CheckConflicts("bob", nil, []string{"auth"}, nil)
	if err != nil {
		t.Fatalf("CheckConflicts: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Severity != SeverityMedium {
		t.Fatalf("expected one MEDIUM conflict, got %v", conflicts)
	}

	conflicts, err = d.CheckConflicts("carol", nil, nil, []string{"login"})
	if err != nil {
		t.Fatalf("CheckConflicts: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Severity != SeverityLow {
		t.Fatalf("expected one LOW conflict, got %v", conflicts)
	}
}

func TestExpiredIntentNeverConflicts(t *testing.T) {
	d := testDetector(t)
	// ttl <= 0 is immediately expired.
	if _, _, err := d.Declare("alice", "stale claim", []string{"parser.go"}, nil, nil, 0); err != nil {
		t.Fatalf("Declare: %v", err)
	}

	conflicts, err := d.CheckConflicts("bob", []string{"parser.go"}, nil, nil)
	if err != nil {
		t.Fatalf("CheckConflicts: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("expired intent produced conflicts: %v", conflicts)
	}
}

func TestOwnIntentsDoNotConflict(t *testing.T) {
	d := testDetector(t)
	if _, _, err := d.Declare("alice", "first claim", []string{"a.go"}, nil, nil, 4); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	conflicts, err := d.CheckConflicts("alice", []string{"a.go"}, nil, nil)
	if err != nil {
		t.Fatalf("CheckConflicts: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("agent conflicted with itself: %v", conflicts)
	}
}

func TestReleaseStopsConflicts(t *testing.T) {
	d := testDetector(t)
	it, _, err := d.Declare("alice", "claim", []string{"a.go"}, nil, nil, 4)
	if err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if err := d.Release(it.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}

	conflicts, err := d.CheckConflicts("bob", []string{"a.go"}, nil, nil)
	if err != nil {
		t.Fatalf("CheckConflicts: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("released intent still conflicts: %v", conflicts)
	}
}

func TestReleaseUnknownIntent(t *testing.T) {
	d := testDetector(t)
	if err := d.Release("no-such-id"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReleaseExpiredIntent(t *testing.T) {
	d := testDetector(t)
	it, _, err := d.Declare("alice", "dead on arrival", []string{"a.go"}, nil, nil, -1)
	if err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if err := d.Release(it.ID); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestActiveFiltersByAgentAndLiveness(t *testing.T) {
	d := testDetector(t)
	if _, _, err := d.Declare("alice", "live", []string{"a.go"}, nil, nil, 4); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if _, _, err := d.Declare("alice", "expired", []string{"b.go"}, nil, nil, 0); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if _, _, err := d.Declare("bob", "other agent", []string{"c.go"}, nil, nil, 4); err != nil {
		t.Fatalf("Declare: %v", err)
	}

	mine, err := d.Active("alice")
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(mine) != 1 || mine[0].Description != "live" {
		t.Fatalf("Active(alice) = %v", mine)
	}

	all, err := d.Active("")
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Active(all) = %d intents", len(all))
	}
}

func TestMultipleConflictingAgents(t *testing.T) {
	d := testDetector(t)
	if _, _, err := d.Declare("alice", "a", []string{"x.go"}, nil, nil, 4); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if _, _, err := d.Declare("bob", "b", nil, []string{"core"}, nil, 4); err != nil {
		t.Fatalf("Declare: %v", err)
	}

	conflicts, err := d.CheckConflicts("carol", []string{"x.go"}, []string{"core"}, nil)
	if err != nil {
		t.Fatalf("CheckConflicts: %v", err)
	}
	if len(conflicts) != 2 {
		t.Fatalf("expected 2 conflicts, got %v", conflicts)
	}
	// Sorted by other agent id: alice (HIGH) then bob (MEDIUM).
	if conflicts[0].Severity != SeverityHigh || conflicts[1].Severity != SeverityMedium {
		t.Fatalf("severities = %s, %s", conflicts[0].Severity, conflicts[1].Severity)
	}
}
