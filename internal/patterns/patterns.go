// Package patterns records coordination events and mines statistically
// recurring agent/context sequences into reusable patterns. The event log
// is a single lock-guarded document; patterns are recomputed on demand,
// never independently mutated.
package patterns

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/hiveplane/hiveplane/internal/store"
)

const (
	eventsCollection = "events"
	eventLogKey      = "log"
)

// Outcome classifies how a coordination event ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one timestamped interaction among agents. Appended to the log
// without dedup; insertion order is significant for sequence mining.
type Event struct {
	EventType    string         `json:"event_type"`
	Agents       []string       `json:"agents"`
	Context      map[string]any `json:"context,omitempty"`
	Outcome      Outcome        `json:"outcome"`
	QualityScore float64        `json:"quality_score"`
	Timestamp    int64          `json:"timestamp"` // unix seconds
}

// Category returns the event's context category, if any.
func (e *Event) Category() string {
	if e.Context == nil {
		return ""
	}
	if c, ok := e.Context["category"].(string); ok {
		return c
	}
	return ""
}

// eventLog is the stored append-only log document.
type eventLog struct {
	Events []Event `json:"events"`
}

// Pattern is a mined recurring grouping.
type Pattern struct {
	Name            string            `json:"name"`
	PatternType     string            `json:"pattern_type"`
	Conditions      map[string]string `json:"conditions"`
	OccurrenceCount int               `json:"occurrence_count"`
	SuccessRate     float64           `json:"success_rate"`
}

// Suggestion is a pattern ranked for a given situation.
type Suggestion struct {
	Pattern    Pattern `json:"pattern"`
	Confidence float64 `json:"confidence"`
}

// Miner records events and mines them.
type Miner struct {
	store store.Store
	// MinOccurrences is the number of successful occurrences a grouping
	// needs before it is emitted as a pattern.
	MinOccurrences int
	log            *slog.Logger
}

// NewMiner returns a Miner with the given occurrence threshold. A nil
// logger falls back to slog.Default().
func NewMiner(s store.Store, minOccurrences int, logger *slog.Logger) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	if minOccurrences < 1 {
		minOccurrences = 1
	}
	return &Miner{store: s, MinOccurrences: minOccurrences, log: logger}
}

// RecordEvent appends an event to the log and returns it as stored.
func (m *Miner) RecordEvent(eventType string, agents []string, context map[string]any, outcome Outcome, qualityScore float64) (*Event, error) {
	if outcome != OutcomeSuccess && outcome != OutcomeFailure {
		return nil, fmt.Errorf("unknown outcome %q", outcome)
	}

	ev := Event{
		EventType:    eventType,
		Agents:       agents,
		Context:      context,
		Outcome:      outcome,
		QualityScore: qualityScore,
		Timestamp:    time.Now().Unix(),
	}

	err := m.store.Update(eventsCollection, eventLogKey, func(cur []byte) ([]byte, error) {
		var log eventLog
		if cur != nil {
			if err := json.Unmarshal(cur, &log); err != nil {
				return nil, fmt.Errorf("unmarshal event log: %w", err)
			}
		}
		log.Events = append(log.Events, ev)
		return json.Marshal(&log)
	})
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	return &ev, nil
}

// Events returns the full log in insertion order.
func (m *Miner) Events() ([]Event, error) {
	data, ok, err := m.store.Get(eventsCollection, eventLogKey)
	if err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var log eventLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("unmarshal event log: %w", err)
	}
	return log.Events, nil
}

// group accumulates per-(sequence, category) statistics during a scan.
type group struct {
	eventType string
	agents    []string
	category  string
	total     int
	successes int
}

// Patterns scans the event log for groupings of (event type, agent
// sequence, context category) with at least MinOccurrences successful
// outcomes. Sparse history yields an empty result, not an error. When
// category is non-empty, only that category's patterns are returned.
func (m *Miner) Patterns(category string) ([]Pattern, error) {
	events, err := m.Events()
	if err != nil {
		return nil, err
	}

	groups := make(map[string]*group)
	for i := range events {
		ev := &events[i]
		key := ev.EventType + "|" + strings.Join(ev.Agents, ",") + "|" + ev.Category()
		g, ok := groups[key]
		if !ok {
			g = &group{eventType: ev.EventType, agents: ev.Agents, category: ev.Category()}
			groups[key] = g
		}
		g.total++
		if ev.Outcome == OutcomeSuccess {
			g.successes++
		}
	}

	var patterns []Pattern
	for _, g := range groups {
		if g.successes < m.MinOccurrences {
			continue
		}
		if category != "" && g.category != category {
			continue
		}
		patterns = append(patterns, g.pattern())
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].OccurrenceCount != patterns[j].OccurrenceCount {
			return patterns[i].OccurrenceCount > patterns[j].OccurrenceCount
		}
		return patterns[i].Name < patterns[j].Name
	})
	return patterns, nil
}

func (g *group) pattern() Pattern {
	patternType := "event_type"
	name := g.eventType
	if len(g.agents) > 0 {
		patternType = "agent_sequence"
		name = strings.Join(g.agents, "->")
	}
	if g.category != "" {
		name += " [" + g.category + "]"
	}
	return Pattern{
		Name:        name,
		PatternType: patternType,
		Conditions: map[string]string{
			"event_type": g.eventType,
			"agents":     strings.Join(g.agents, ","),
			"category":   g.category,
		},
		OccurrenceCount: g.total,
		SuccessRate:     float64(g.successes) / float64(g.total),
	}
}

// confidenceSmoothing controls how quickly additional observations stop
// raising confidence: n/(n+k) approaches 1 with diminishing returns.
const confidenceSmoothing = 2.0

// Suggest ranks stored patterns compatible with the given context and
// participants, highest confidence first. A pattern is compatible when
// its category matches the context's (if the context names one) and all
// of its participant agents are among the given agents (when given).
func (m *Miner) Suggest(context map[string]any, agents []string) ([]Suggestion, error) {
	var category string
	if context != nil {
		if c, ok := context["category"].(string); ok {
			category = c
		}
	}

	mined, err := m.Patterns(category)
	if err != nil {
		return nil, err
	}

	given := make(map[string]bool, len(agents))
	for _, a := range agents {
		given[a] = true
	}

	var suggestions []Suggestion
	for _, p := range mined {
		if len(agents) > 0 && !participantsCovered(p, given) {
			continue
		}
		n := float64(p.OccurrenceCount)
		confidence := p.SuccessRate * (n / (n + confidenceSmoothing))
		suggestions = append(suggestions, Suggestion{
			Pattern:    p,
			Confidence: math.Round(confidence*1e6) / 1e6,
		})
	}

	sort.Slice(suggestions, func(i, j int) bool {
		if suggestions[i].Confidence != suggestions[j].Confidence {
			return suggestions[i].Confidence > suggestions[j].Confidence
		}
		return suggestions[i].Pattern.Name < suggestions[j].Pattern.Name
	})
	return suggestions, nil
}

// participantsCovered reports whether every agent in the pattern's
// sequence appears in the given participant set.
func participantsCovered(p Pattern, given map[string]bool) bool {
	seq := p.Conditions["agents"]
	if seq == "" {
		return true
	}
	for _, a := range strings.Split(seq, ",") {
		if !given[a] {
			return false
		}
	}
	return true
}
