// Package profile aggregates task outcomes per agent and category into a
// skill profile used to rank agents by competence. Task records are
// append-only facts; the profile is a derived aggregate updated
// incrementally under lock on every recorded task.
package profile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hiveplane/hiveplane/internal/store"
)

const (
	tasksCollection    = "tasks"
	profilesCollection = "profiles"
)

// TaskRecord is one completed unit of work.
type TaskRecord struct {
	ID              string   `json:"id"`
	AgentID         string   `json:"agent_id"`
	Category        string   `json:"category"`
	Description     string   `json:"description"`
	Files           []string `json:"files,omitempty"`
	DurationMinutes float64  `json:"duration_minutes"`
	Success         bool     `json:"success"`
	QualityScore    float64  `json:"quality_score"`
	Timestamp       int64    `json:"timestamp"` // unix seconds
}

// Profile is the derived per-agent aggregate.
type Profile struct {
	AgentID        string             `json:"agent_id"`
	TotalTasks     int                `json:"total_tasks"`
	SuccessCount   int                `json:"success_count"`
	SuccessRate    float64            `json:"success_rate"`
	CategoryScores map[string]float64 `json:"category_scores"`
	CategoryCounts map[string]int     `json:"category_counts"`
	Strengths      []string           `json:"strengths,omitempty"`
}

// Registry records tasks and serves profiles.
type Registry struct {
	store store.Store
	// StrengthThreshold and StrengthMinSamples gate which categories are
	// listed as strengths: average score at or above the threshold with
	// at least the minimum number of samples.
	StrengthThreshold  float64
	StrengthMinSamples int
	log                *slog.Logger
}

// NewRegistry returns a Registry with the given strength gates. A nil
// logger falls back to slog.Default().
func NewRegistry(s store.Store, strengthThreshold float64, strengthMinSamples int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if strengthMinSamples < 1 {
		strengthMinSamples = 1
	}
	return &Registry{
		store:              s,
		StrengthThreshold:  strengthThreshold,
		StrengthMinSamples: strengthMinSamples,
		log:                logger,
	}
}

// RecordTask appends the record and incrementally updates the agent's
// profile: total, success rate, the category's running average score, and
// the recomputed strengths set.
func (r *Registry) RecordTask(agentID, category, description string, files []string, durationMinutes float64, success bool, qualityScore float64) (*TaskRecord, error) {
	if qualityScore < 0 || qualityScore > 1 {
		return nil, fmt.Errorf("quality score %v out of range [0,1]", qualityScore)
	}

	rec := &TaskRecord{
		ID:              uuid.NewString(),
		AgentID:         agentID,
		Category:        category,
		Description:     description,
		Files:           files,
		DurationMinutes: durationMinutes,
		Success:         success,
		QualityScore:    qualityScore,
		Timestamp:       time.Now().Unix(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal task record: %w", err)
	}
	if err := r.store.Create(tasksCollection, rec.ID, data); err != nil {
		return nil, fmt.Errorf("store task record: %w", err)
	}

	err = r.store.Update(profilesCollection, agentID, func(cur []byte) ([]byte, error) {
		p := &Profile{AgentID: agentID}
		if cur != nil {
			if err := json.Unmarshal(cur, p); err != nil {
				return nil, fmt.Errorf("unmarshal profile %s: %w", agentID, err)
			}
		}
		if p.CategoryScores == nil {
			p.CategoryScores = make(map[string]float64)
		}
		if p.CategoryCounts == nil {
			p.CategoryCounts = make(map[string]int)
		}

		p.TotalTasks++
		if success {
			p.SuccessCount++
		}
		p.SuccessRate = float64(p.SuccessCount) / float64(p.TotalTasks)

		// Running average keeps the score inside the observed range.
		n := p.CategoryCounts[category] + 1
		p.CategoryCounts[category] = n
		old := p.CategoryScores[category]
		p.CategoryScores[category] = old + (qualityScore-old)/float64(n)

		p.Strengths = r.strengths(p)
		return json.Marshal(p)
	})
	if err != nil {
		return nil, fmt.Errorf("update profile %s: %w", agentID, err)
	}
	return rec, nil
}

// strengths returns the categories whose average score and sample count
// clear the registry's gates, sorted for determinism.
func (r *Registry) strengths(p *Profile) []string {
	var out []string
	for category, score := range p.CategoryScores {
		if score >= r.StrengthThreshold && p.CategoryCounts[category] >= r.StrengthMinSamples {
			out = append(out, category)
		}
	}
	sort.Strings(out)
	return out
}

// GetProfile loads an agent's profile. ok is false when the agent has no
// recorded tasks yet.
func (r *Registry) GetProfile(agentID string) (*Profile, bool, error) {
	data, ok, err := r.store.Get(profilesCollection, agentID)
	if err != nil {
		return nil, false, fmt.Errorf("read profile %s: %w", agentID, err)
	}
	if !ok {
		return nil, false, nil
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false, fmt.Errorf("unmarshal profile %s: %w", agentID, err)
	}
	return &p, true, nil
}

// FindBestAgent returns the agent with the highest score in a category,
// among agents with at least one recorded task there. Ties break toward
// more total tasks, then lexicographically smaller agent id. When no
// agent qualifies, the error wraps store.ErrNotFound.
func (r *Registry) FindBestAgent(category string) (string, error) {
	keys, err := r.store.List(profilesCollection)
	if err != nil {
		return "", fmt.Errorf("list profiles: %w", err)
	}

	var best *Profile
	for _, key := range keys {
		data, ok, err := r.store.Get(profilesCollection, key)
		if err != nil {
			return "", fmt.Errorf("read profile %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var p Profile
		if err := json.Unmarshal(data, &p); err != nil {
			return "", fmt.Errorf("unmarshal profile %s: %w", key, err)
		}
		if p.CategoryCounts[category] == 0 {
			continue
		}
		if best == nil || better(&p, best, category) {
			cp := p
			best = &cp
		}
	}
	if best == nil {
		return "", fmt.Errorf("no agent with tasks in category %q: %w", category, store.ErrNotFound)
	}
	return best.AgentID, nil
}

// better reports whether a should outrank b for the category.
func better(a, b *Profile, category string) bool {
	as, bs := a.CategoryScores[category], b.CategoryScores[category]
	if as != bs {
		return as > bs
	}
	if a.TotalTasks != b.TotalTasks {
		return a.TotalTasks > b.TotalTasks
	}
	return a.AgentID < b.AgentID
}

// TaskRecords returns all stored task records for an agent, oldest first.
func (r *Registry) TaskRecords(agentID string) ([]TaskRecord, error) {
	keys, err := r.store.List(tasksCollection)
	if err != nil {
		return nil, fmt.Errorf("list task records: %w", err)
	}
	var out []TaskRecord
	for _, key := range keys {
		data, ok, err := r.store.Get(tasksCollection, key)
		if err != nil {
			return nil, fmt.Errorf("read task record %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var rec TaskRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal task record %s: %w", key, err)
		}
		if agentID != "" && rec.AgentID != agentID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
