// Package intent tracks time-bounded work intents per agent and reports
// overlaps against other agents' live intents. Detection is advisory:
// it is a best-effort scheduling hint, not mutual exclusion.
package intent

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hiveplane/hiveplane/internal/store"
)

const (
	intentsCollection     = "intents"
	conflictLogCollection = "conflict_log"
)

// ErrExpired is returned for operations against an intent whose TTL has
// already elapsed.
var ErrExpired = errors.New("intent expired")

// Status is the lifecycle state of an intent.
type Status string

const (
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusReleased Status = "released"
)

// Severity ranks how badly two intents overlap.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Intent is an agent's declared claim to be working on specific files,
// modules, and topics for a bounded time. One agent may hold several.
type Intent struct {
	ID          string   `json:"id"`
	AgentID     string   `json:"agent_id"`
	Description string   `json:"description"`
	Files       []string `json:"files,omitempty"`
	Modules     []string `json:"modules,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	CreatedAt   int64    `json:"created_at"` // unix seconds
	TTLHours    float64  `json:"ttl_hours"`
	Status      Status   `json:"status"`
}

// ExpiredAt reports whether the intent's TTL has elapsed at the given
// time. A zero or negative TTL is immediately expired.
func (it *Intent) ExpiredAt(now time.Time) bool {
	if it.TTLHours <= 0 {
		return true
	}
	deadline := it.CreatedAt + int64(it.TTLHours*3600)
	return now.Unix() > deadline
}

// Live reports whether the intent should participate in conflict checks.
func (it *Intent) Live(now time.Time) bool {
	return it.Status == StatusActive && !it.ExpiredAt(now)
}

// Conflict is a detected overlap between the checked work and another
// agent's live intent. Derived on demand, with an audit record appended
// when found at declaration time.
type Conflict struct {
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason"`
	Agents   []string `json:"agents"`
}

// conflictRecord is the audit-log form of a Conflict.
type conflictRecord struct {
	Conflict
	IntentID   string `json:"intent_id"`
	DetectedAt int64  `json:"detected_at"`
}

// Detector evaluates work intents against each other.
type Detector struct {
	store      store.Store
	defaultTTL float64
	log        *slog.Logger
}

// NewDetector returns a Detector. defaultTTLHours is the lifetime
// callers should pass to Declare when the requester did not pick one;
// Declare itself takes ttlHours literally, so a zero or negative value
// declares an already-expired intent. A nil logger falls back to
// slog.Default().
func NewDetector(s store.Store, defaultTTLHours float64, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: s, defaultTTL: defaultTTLHours, log: logger}
}

// DefaultTTLHours returns the detector's default intent lifetime.
func (d *Detector) DefaultTTLHours() float64 { return d.defaultTTL }

// Declare persists a new intent and immediately evaluates it against all
// other agents' live intents, returning any conflicts found right now.
// Detected conflicts are appended to the audit log.
func (d *Detector) Declare(agentID, description string, files, modules, keywords []string, ttlHours float64) (*Intent, []Conflict, error) {
	it := &Intent{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		Description: description,
		Files:       files,
		Modules:     modules,
		Keywords:    keywords,
		CreatedAt:   time.Now().Unix(),
		TTLHours:    ttlHours,
		Status:      StatusActive,
	}

	data, err := json.Marshal(it)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal intent: %w", err)
	}
	if err := d.store.Create(intentsCollection, it.ID, data); err != nil {
		return nil, nil, fmt.Errorf("store intent: %w", err)
	}

	conflicts, err := d.CheckConflicts(agentID, files, modules, keywords)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().Unix()
	for _, c := range conflicts {
		rec := conflictRecord{Conflict: c, IntentID: it.ID, DetectedAt: now}
		raw, err := json.Marshal(&rec)
		if err != nil {
			continue
		}
		// Audit only; a failed append never fails the declaration.
		if err := d.store.Create(conflictLogCollection, uuid.NewString(), raw); err != nil {
			d.log.Warn("conflict audit append failed", "intent", it.ID, "err", err)
		}
	}
	if len(conflicts) > 0 {
		d.log.Info("intent declared with conflicts", "intent", it.ID, "agent", agentID, "conflicts", len(conflicts))
	}

	return it, conflicts, nil
}

// CheckConflicts compares the given work surface against every other
// agent's live intents. Per other agent, at most one Conflict is reported,
// carrying the highest-severity overlap found: files beat modules beat
// keywords. Expired and released intents never contribute.
func (d *Detector) CheckConflicts(agentID string, files, modules, keywords []string) ([]Conflict, error) {
	intents, err := d.loadIntents()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	best := make(map[string]Conflict) // other agent -> highest-severity conflict
	for _, other := range intents {
		if other.AgentID == agentID || !other.Live(now) {
			continue
		}

		var c *Conflict
		if overlap := intersect(files, other.Files); len(overlap) > 0 {
			c = &Conflict{
				Severity: SeverityHigh,
				Reason:   "file overlap: " + strings.Join(overlap, ", "),
				Agents:   pair(agentID, other.AgentID),
			}
		} else if overlap := intersect(modules, other.Modules); len(overlap) > 0 {
			c = &Conflict{
				Severity: SeverityMedium,
				Reason:   "module overlap: " + strings.Join(overlap, ", "),
				Agents:   pair(agentID, other.AgentID),
			}
		} else if overlap := intersect(keywords, other.Keywords); len(overlap) > 0 {
			c = &Conflict{
				Severity: SeverityLow,
				Reason:   "keyword overlap: " + strings.Join(overlap, ", "),
				Agents:   pair(agentID, other.AgentID),
			}
		}
		if c == nil {
			continue
		}
		if prev, ok := best[other.AgentID]; !ok || rank(c.Severity) > rank(prev.Severity) {
			best[other.AgentID] = *c
		}
	}

	agents := make([]string, 0, len(best))
	for id := range best {
		agents = append(agents, id)
	}
	sort.Strings(agents)

	conflicts := make([]Conflict, 0, len(best))
	for _, id := range agents {
		conflicts = append(conflicts, best[id])
	}
	return conflicts, nil
}

// Release marks an intent released so it no longer participates in
// conflict checks. Releasing an already-expired intent fails with
// ErrExpired; releasing an unknown id fails with store.ErrNotFound.
func (d *Detector) Release(intentID string) error {
	err := d.store.Update(intentsCollection, intentID, func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, fmt.Errorf("intent %s: %w", intentID, store.ErrNotFound)
		}
		var it Intent
		if err := json.Unmarshal(cur, &it); err != nil {
			return nil, fmt.Errorf("unmarshal intent %s: %w", intentID, err)
		}
		if it.ExpiredAt(time.Now()) {
			return nil, fmt.Errorf("intent %s: %w", intentID, ErrExpired)
		}
		it.Status = StatusReleased
		return json.Marshal(&it)
	})
	if err != nil {
		return fmt.Errorf("release intent: %w", err)
	}
	return nil
}

// Active returns the live intents, optionally filtered to one agent
// (empty agentID means all agents). Results are sorted by creation time.
func (d *Detector) Active(agentID string) ([]Intent, error) {
	intents, err := d.loadIntents()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var live []Intent
	for _, it := range intents {
		if !it.Live(now) {
			continue
		}
		if agentID != "" && it.AgentID != agentID {
			continue
		}
		live = append(live, it)
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].CreatedAt != live[j].CreatedAt {
			return live[i].CreatedAt < live[j].CreatedAt
		}
		return live[i].ID < live[j].ID
	})
	return live, nil
}

func (d *Detector) loadIntents() ([]Intent, error) {
	keys, err := d.store.List(intentsCollection)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}

	var intents []Intent
	for _, key := range keys {
		data, ok, err := d.store.Get(intentsCollection, key)
		if err != nil {
			return nil, fmt.Errorf("read intent %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var it Intent
		if err := json.Unmarshal(data, &it); err != nil {
			return nil, fmt.Errorf("unmarshal intent %s: %w", key, err)
		}
		intents = append(intents, it)
	}
	return intents, nil
}

// intersect returns the elements present in both slices, preserving the
// order of a.
func intersect(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[string]bool, len(b))
	for _, s := range b {
		set[s] = true
	}
	var out []string
	for _, s := range a {
		if set[s] {
			out = append(out, s)
			delete(set, s) // dedup
		}
	}
	return out
}

func pair(a, b string) []string {
	if a < b {
		return []string{a, b}
	}
	return []string{b, a}
}

func rank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}
