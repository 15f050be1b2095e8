// Package workproof implements the commit/prove/verify protocol that
// attests a claimed task produced the declared file changes. This is
// integrity by hash comparison: it defends against claimed work without
// any file change, not against an agent forging hashes.
package workproof

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hiveplane/hiveplane/internal/store"
)

const (
	commitmentsCollection = "commitments"
	proofsCollection      = "proofs"

	// absentMarker stands in for the hash of a file that does not exist
	// at snapshot time, so creating the file later counts as a change.
	absentMarker = "absent"

	noChangeNote = "No file changes detected"
)

// Commitment snapshots the state of the named files before the work
// starts. It lives in the active set until consumed exactly once by Prove.
type Commitment struct {
	ID             string            `json:"id"`
	AgentID        string            `json:"agent_id"`
	Task           string            `json:"task"`
	Files          []string          `json:"files"`
	BaselineHashes map[string]string `json:"baseline_hashes"`
	CreatedAt      int64             `json:"created_at"` // unix seconds
}

// Proof is the immutable outcome of proving a commitment.
type Proof struct {
	CommitmentID    string   `json:"commitment_id"`
	AgentID         string   `json:"agent_id"`
	Task            string   `json:"task"`
	DurationSeconds int64    `json:"duration_seconds"`
	ProofHash       string   `json:"proof_hash"`
	Valid           bool     `json:"valid"`
	ValidationNotes string   `json:"validation_notes,omitempty"`
	FilesModified   []string `json:"files_modified,omitempty"`
}

// System runs the protocol over a document store.
type System struct {
	store store.Store
	log   *slog.Logger
}

// New returns a System. A nil logger falls back to slog.Default().
func New(s store.Store, logger *slog.Logger) *System {
	if logger == nil {
		logger = slog.Default()
	}
	return &System{store: s, log: logger}
}

// Commit snapshots a content hash for each named file (or an absence
// marker when the file does not exist yet) and stores the commitment in
// the active set.
func (s *System) Commit(agentID, task string, files []string) (*Commitment, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("commitment needs at least one file")
	}

	baseline := make(map[string]string, len(files))
	for _, path := range files {
		h, err := hashFile(path)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", path, err)
		}
		baseline[path] = h
	}

	c := &Commitment{
		ID:             uuid.NewString(),
		AgentID:        agentID,
		Task:           task,
		Files:          files,
		BaselineHashes: baseline,
		CreatedAt:      time.Now().Unix(),
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal commitment: %w", err)
	}
	if err := s.store.Create(commitmentsCollection, c.ID, data); err != nil {
		return nil, fmt.Errorf("store commitment: %w", err)
	}
	return c, nil
}

// ActiveCommitments returns the commitments not yet consumed by Prove.
func (s *System) ActiveCommitments() ([]Commitment, error) {
	keys, err := s.store.List(commitmentsCollection)
	if err != nil {
		return nil, fmt.Errorf("list commitments: %w", err)
	}
	var out []Commitment
	for _, key := range keys {
		data, ok, err := s.store.Get(commitmentsCollection, key)
		if err != nil {
			return nil, fmt.Errorf("read commitment %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var c Commitment
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("unmarshal commitment %s: %w", key, err)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// Prove recomputes the committed files' hashes, diffs them against the
// baseline, and consumes the commitment exactly once. A second Prove on
// the same id fails with store.ErrNotFound. The proof itself is valid
// only when at least one file changed.
func (s *System) Prove(commitmentID string) (*Proof, error) {
	data, ok, err := s.store.Get(commitmentsCollection, commitmentID)
	if err != nil {
		return nil, fmt.Errorf("read commitment %s: %w", commitmentID, err)
	}
	if !ok {
		return nil, fmt.Errorf("commitment %s: %w", commitmentID, store.ErrNotFound)
	}
	var c Commitment
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal commitment %s: %w", commitmentID, err)
	}

	// Hash before consuming: a failed hash (unreadable path, file
	// replaced by a directory) must leave the commitment active so the
	// caller can retry.
	current := make(map[string]string, len(c.Files))
	var modified []string
	for _, path := range c.Files {
		h, err := hashFile(path)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", path, err)
		}
		current[path] = h
		if h != c.BaselineHashes[path] {
			modified = append(modified, path)
		}
	}
	sort.Strings(modified)

	// The delete is the exactly-once gate when two agents race to prove
	// the same commitment.
	if err := s.store.Delete(commitmentsCollection, commitmentID); err != nil {
		return nil, fmt.Errorf("consume commitment: %w", err)
	}

	p := &Proof{
		CommitmentID:    c.ID,
		AgentID:         c.AgentID,
		Task:            c.Task,
		DurationSeconds: time.Now().Unix() - c.CreatedAt,
		Valid:           len(modified) > 0,
		FilesModified:   modified,
	}
	if !p.Valid {
		p.ValidationNotes = noChangeNote
	}
	p.ProofHash = proofHash(c.ID, modified, current)

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal proof: %w", err)
	}
	// Create, not Put: a commitment id appears in at most one proof.
	if err := s.store.Create(proofsCollection, c.ID, raw); err != nil {
		return nil, fmt.Errorf("store proof: %w", err)
	}

	s.log.Info("commitment proved", "commitment", c.ID, "agent", c.AgentID, "valid", p.Valid, "modified", len(modified))
	return p, nil
}

// GetProof loads a stored proof by commitment id.
func (s *System) GetProof(commitmentID string) (*Proof, error) {
	data, ok, err := s.store.Get(proofsCollection, commitmentID)
	if err != nil {
		return nil, fmt.Errorf("read proof %s: %w", commitmentID, err)
	}
	if !ok {
		return nil, fmt.Errorf("proof %s: %w", commitmentID, store.ErrNotFound)
	}
	var p Proof
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal proof %s: %w", commitmentID, err)
	}
	return &p, nil
}

// Verify is a stateless third-party recheck of a proof: it re-hashes the
// files the proof claims were modified and recomputes the proof hash.
// Problems are reported as issues, never raised.
func Verify(p *Proof) (bool, []string) {
	var issues []string
	current := make(map[string]string, len(p.FilesModified))
	for _, path := range p.FilesModified {
		h, err := hashFile(path)
		if err != nil {
			issues = append(issues, fmt.Sprintf("unreadable file: %s", path))
			continue
		}
		if h == absentMarker {
			issues = append(issues, fmt.Sprintf("missing file: %s", path))
		}
		current[path] = h
	}

	if len(issues) == 0 {
		expected := proofHash(p.CommitmentID, p.FilesModified, current)
		if expected != p.ProofHash {
			issues = append(issues, "proof hash mismatch")
		}
	}
	return len(issues) == 0, issues
}

// proofHash binds the commitment id to the post-work hashes of the
// modified files: SHA-256 over id and each (path, hash) pair in sorted
// path order.
func proofHash(commitmentID string, modified []string, hashes map[string]string) string {
	paths := append([]string(nil), modified...)
	sort.Strings(paths)

	h := sha256.New()
	h.Write([]byte(commitmentID))
	for _, path := range paths {
		h.Write([]byte(path))
		h.Write([]byte(hashes[path]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// hashFile returns the hex SHA-256 of a file's contents, or absentMarker
// when the file does not exist.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return absentMarker, nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
