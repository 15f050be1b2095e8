// Package quorum implements the proposal/voting engine. A proposal and
// its votes live in a single store document so every vote write is a
// lock-guarded read-modify-write and a tally always equals the persisted
// votes at call time.
package quorum

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hiveplane/hiveplane/internal/store"
)

const proposalsCollection = "proposals"

// Sentinel errors.
var (
	ErrInvalidVote    = errors.New("invalid vote")
	ErrProposalClosed = errors.New("proposal is not open")
	ErrNotEligible    = errors.New("proposal deadline has not passed")
)

// Rule selects how votes decide a proposal.
type Rule string

const (
	RuleMajority  Rule = "MAJORITY"
	RuleUnanimous Rule = "UNANIMOUS"
)

// Ballot is a single agent's vote value.
type Ballot string

const (
	VoteApprove Ballot = "APPROVE"
	VoteReject  Ballot = "REJECT"
	VoteAbstain Ballot = "ABSTAIN"
)

// Status is the proposal lifecycle state. open is the only non-terminal
// state; resolve transitions to passed or rejected exactly once.
type Status string

const (
	StatusOpen     Status = "open"
	StatusPassed   Status = "passed"
	StatusRejected Status = "rejected"
)

// Vote is one agent's stored ballot. At most one per agent; a later vote
// from the same agent overwrites the prior one.
type Vote struct {
	AgentID   string `json:"agent_id"`
	Value     Ballot `json:"value"`
	Reasoning string `json:"reasoning,omitempty"`
	CastAt    int64  `json:"cast_at"`
}

// Tally counts the currently stored votes. Abstains are tracked but
// excluded from majority comparison.
type Tally struct {
	Approve int `json:"approve"`
	Reject  int `json:"reject"`
	Abstain int `json:"abstain"`
}

// Resolution is the stored outcome of a resolved proposal.
type Resolution struct {
	Passed     bool   `json:"passed"`
	Status     Status `json:"status"`
	Reason     string `json:"reason"`
	Tally      Tally  `json:"tally"`
	ResolvedAt int64  `json:"resolved_at"`
}

// Proposal is a decision put to the group, with its votes embedded.
type Proposal struct {
	ID          string      `json:"id"`
	Proposer    string      `json:"proposer"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Category    string      `json:"category"`
	Rule        Rule        `json:"rule"`
	Status      Status      `json:"status"`
	CreatedAt   int64       `json:"created_at"`
	Deadline    int64       `json:"deadline,omitempty"` // unix seconds, 0 = none
	Votes       []Vote      `json:"votes,omitempty"`
	Resolution  *Resolution `json:"resolution,omitempty"`
}

// CountVotes tallies the embedded votes.
func (p *Proposal) CountVotes() Tally {
	var t Tally
	for _, v := range p.Votes {
		switch v.Value {
		case VoteApprove:
			t.Approve++
		case VoteReject:
			t.Reject++
		case VoteAbstain:
			t.Abstain++
		}
	}
	return t
}

// Engine runs the proposal lifecycle over a document store.
type Engine struct {
	store store.Store
	log   *slog.Logger
}

// New returns an Engine. A nil logger falls back to slog.Default().
func New(s store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, log: logger}
}

// Propose creates an open proposal. deadline is optional; zero means the
// proposal is immediately eligible for resolution.
func (e *Engine) Propose(proposer, title, description, category string, rule Rule, deadline time.Time) (*Proposal, error) {
	if rule != RuleMajority && rule != RuleUnanimous {
		return nil, fmt.Errorf("unknown rule %q", rule)
	}

	p := &Proposal{
		ID:          uuid.NewString(),
		Proposer:    proposer,
		Title:       title,
		Description: description,
		Category:    category,
		Rule:        rule,
		Status:      StatusOpen,
		CreatedAt:   time.Now().Unix(),
	}
	if !deadline.IsZero() {
		p.Deadline = deadline.Unix()
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal proposal: %w", err)
	}
	if err := e.store.Create(proposalsCollection, p.ID, data); err != nil {
		return nil, fmt.Errorf("store proposal: %w", err)
	}
	return p, nil
}

// Get loads a proposal by id.
func (e *Engine) Get(proposalID string) (*Proposal, error) {
	data, ok, err := e.store.Get(proposalsCollection, proposalID)
	if err != nil {
		return nil, fmt.Errorf("read proposal %s: %w", proposalID, err)
	}
	if !ok {
		return nil, fmt.Errorf("proposal %s: %w", proposalID, store.ErrNotFound)
	}
	var p Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal proposal %s: %w", proposalID, err)
	}
	return &p, nil
}

// Vote upserts the agent's ballot on an open proposal. A later vote from
// the same agent overwrites the prior one. Voting on a closed proposal
// fails with ErrProposalClosed; an unrecognized ballot with ErrInvalidVote.
func (e *Engine) Vote(proposalID, agentID string, value Ballot, reasoning string) error {
	switch value {
	case VoteApprove, VoteReject, VoteAbstain:
	default:
		return fmt.Errorf("ballot %q: %w", value, ErrInvalidVote)
	}

	err := e.store.Update(proposalsCollection, proposalID, func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, fmt.Errorf("proposal %s: %w", proposalID, store.ErrNotFound)
		}
		var p Proposal
		if err := json.Unmarshal(cur, &p); err != nil {
			return nil, fmt.Errorf("unmarshal proposal %s: %w", proposalID, err)
		}
		if p.Status != StatusOpen {
			return nil, fmt.Errorf("proposal %s: %w", proposalID, ErrProposalClosed)
		}

		vote := Vote{AgentID: agentID, Value: value, Reasoning: reasoning, CastAt: time.Now().Unix()}
		replaced := false
		for i := range p.Votes {
			if p.Votes[i].AgentID == agentID {
				p.Votes[i] = vote
				replaced = true
				break
			}
		}
		if !replaced {
			p.Votes = append(p.Votes, vote)
		}
		return json.Marshal(&p)
	})
	if err != nil {
		return fmt.Errorf("vote: %w", err)
	}
	return nil
}

// GetTally counts the votes currently stored on the proposal.
func (e *Engine) GetTally(proposalID string) (*Tally, error) {
	p, err := e.Get(proposalID)
	if err != nil {
		return nil, err
	}
	t := p.CountVotes()
	return &t, nil
}

// Resolve decides an open proposal. Without force, a proposal with a
// deadline may only be resolved after it has passed. Resolving an
// already-resolved proposal returns its stored resolution unchanged.
func (e *Engine) Resolve(proposalID string, force bool) (*Resolution, error) {
	var result *Resolution
	err := e.store.Update(proposalsCollection, proposalID, func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, fmt.Errorf("proposal %s: %w", proposalID, store.ErrNotFound)
		}
		var p Proposal
		if err := json.Unmarshal(cur, &p); err != nil {
			return nil, fmt.Errorf("unmarshal proposal %s: %w", proposalID, err)
		}

		// Idempotent replay of the stored result.
		if p.Resolution != nil {
			result = p.Resolution
			return cur, nil
		}

		now := time.Now()
		if !force && p.Deadline != 0 && now.Unix() < p.Deadline {
			return nil, fmt.Errorf("proposal %s: %w", proposalID, ErrNotEligible)
		}

		tally := p.CountVotes()
		passed, reason := decide(p.Rule, tally)

		status := StatusRejected
		if passed {
			status = StatusPassed
		}
		p.Status = status
		p.Resolution = &Resolution{
			Passed:     passed,
			Status:     status,
			Reason:     reason,
			Tally:      tally,
			ResolvedAt: now.Unix(),
		}
		result = p.Resolution
		return json.Marshal(&p)
	})
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	e.log.Info("proposal resolved", "proposal", proposalID, "status", result.Status, "reason", result.Reason)
	return result, nil
}

// decide applies the quorum rule to a tally. Abstains are excluded from
// the majority comparison but remain in the tally.
func decide(rule Rule, t Tally) (bool, string) {
	switch rule {
	case RuleUnanimous:
		if t.Reject == 0 && t.Approve > 0 {
			return true, fmt.Sprintf("unanimous: %d approve, no rejections", t.Approve)
		}
		if t.Reject > 0 {
			return false, fmt.Sprintf("unanimity broken by %d rejection(s)", t.Reject)
		}
		return false, "no approving votes"
	default: // RuleMajority
		if t.Approve > t.Reject {
			return true, fmt.Sprintf("majority: %d approve > %d reject", t.Approve, t.Reject)
		}
		return false, fmt.Sprintf("no majority: %d approve <= %d reject", t.Approve, t.Reject)
	}
}
