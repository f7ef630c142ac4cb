// Package artifact manages the append-only store of research outputs a
// session produces, and the statistical admission policy applied to
// exploratory results.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helioslabs/missiond/internal/ledger"
)

var (
	// ErrImmutable indicates an attempt to overwrite an existing artifact.
	ErrImmutable = errors.New("artifacts are immutable")

	// ErrUncorrected indicates a statistical claim missing its required
	// multiple-comparison correction.
	ErrUncorrected = errors.New("statistical result lacks required correction")
)

// Type classifies an artifact.
type Type string

const (
	TypeDataset           Type = "dataset"
	TypeFigure            Type = "figure"
	TypeScript            Type = "script"
	TypeManuscriptSection Type = "manuscript_section"
	TypeManuscript        Type = "manuscript"
	TypeInterpretation    Type = "interpretation"
	TypeVerification      Type = "verification"
)

// Stance marks an interpretation as supporting or challenging a hypothesis.
type Stance string

const (
	StanceConfirming    Stance = "confirming"
	StanceDisconfirming Stance = "disconfirming"
)

// Stat is a single statistical claim carried by an artifact.
type Stat struct {
	Name      string  `json:"name"`
	PValue    float64 `json:"p_value"`
	Corrected bool    `json:"corrected"`
	Method    string  `json:"method,omitempty"`
}

// Artifact is one immutable research output.
type Artifact struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       Type      `json:"type"`
	Hash       string    `json:"hash"`
	Location   string    `json:"location,omitempty"`
	ProducedBy uint64    `json:"produced_by"`
	Stage      string    `json:"stage"`
	Stance     Stance    `json:"stance,omitempty"`
	Stats      []Stat    `json:"stats,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store holds a session's artifacts. Writes are append-only: a stage may not
// replace an artifact it already produced under the same name.
type Store struct {
	mu        sync.RWMutex
	dir       string
	artifacts []Artifact
	byKey     map[string]int
}

// NewStore creates a store. A non-empty dir persists artifact content under it.
func NewStore(dir string) (*Store, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create artifact directory: %w", err)
		}
	}
	return &Store{
		dir:   dir,
		byKey: make(map[string]int),
	}, nil
}

// Put stores an artifact produced at a stage. producedBy is the ledger
// sequence number of the decision that produced it.
func (s *Store) Put(stage, name string, typ Type, content []byte, producedBy uint64, stance Stance, stats []Stat) (Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stage + "/" + name
	if _, exists := s.byKey[key]; exists {
		return Artifact{}, fmt.Errorf("%w: %s already produced at stage %s", ErrImmutable, name, stage)
	}

	sum := sha256.Sum256(content)
	a := Artifact{
		ID:         uuid.New().String(),
		Name:       name,
		Type:       typ,
		Hash:       hex.EncodeToString(sum[:]),
		ProducedBy: producedBy,
		Stage:      stage,
		Stance:     stance,
		Stats:      stats,
		CreatedAt:  time.Now().UTC(),
	}

	if s.dir != "" {
		loc := filepath.Join(s.dir, a.ID)
		if err := os.WriteFile(loc, content, 0o600); err != nil {
			return Artifact{}, fmt.Errorf("failed to write artifact content: %w", err)
		}
		a.Location = loc
	}

	s.byKey[key] = len(s.artifacts)
	s.artifacts = append(s.artifacts, a)
	return a, nil
}

// Get returns the artifact produced at stage under name.
func (s *Store) Get(stage, name string) (Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.byKey[stage+"/"+name]
	if !ok {
		return Artifact{}, false
	}
	return s.artifacts[i], true
}

// List returns all artifacts in production order.
func (s *Store) List() []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Artifact, len(s.artifacts))
	copy(out, s.artifacts)
	return out
}

// ByType returns all artifacts of the given type.
func (s *Store) ByType(typ Type) []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Artifact
	for _, a := range s.artifacts {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

// ByStage returns all artifacts produced at a stage.
func (s *Store) ByStage(stage string) []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Artifact
	for _, a := range s.artifacts {
		if a.Stage == stage {
			out = append(out, a)
		}
	}
	return out
}

// HasStance reports whether any interpretation artifact carries the stance.
func (s *Store) HasStance(stance Stance) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.artifacts {
		if a.Type == TypeInterpretation && a.Stance == stance {
			return true
		}
	}
	return false
}

// CorrectionPolicy rejects artifact ledger entries whose statistical claims
// skip the required multiple-comparison correction. It implements the
// ledger's admission policy contract.
type CorrectionPolicy struct {
	// Method is the accepted correction method, e.g. "fdr".
	Method string
}

// payloadStats is the slice of the artifact payload the policy inspects.
type payloadStats struct {
	Stats []Stat `json:"stats"`
}

// Admit rejects payloads carrying an uncorrected or wrongly corrected
// statistical claim.
func (p CorrectionPolicy) Admit(kind ledger.Kind, payload json.RawMessage) error {
	if kind != ledger.KindArtifact {
		return nil
	}
	var ps payloadStats
	if err := json.Unmarshal(payload, &ps); err != nil {
		return fmt.Errorf("failed to parse artifact payload: %w", err)
	}
	for _, st := range ps.Stats {
		if !st.Corrected {
			return fmt.Errorf("%w: %s (p=%g)", ErrUncorrected, st.Name, st.PValue)
		}
		if p.Method != "" && st.Method != p.Method {
			return fmt.Errorf("%w: %s used %q, mission requires %q",
				ErrUncorrected, st.Name, st.Method, p.Method)
		}
	}
	return nil
}
