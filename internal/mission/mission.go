// Package mission defines the validated, immutable-after-acceptance
// representation of a research objective.
//
// A mission is the single source of truth for what a session is trying to
// accomplish: its objective, research mode, budget and time constraints,
// declared human checkpoints, and output preferences. Missions are loaded
// from YAML and rejected before any pipeline starts if they violate the
// model's invariants.
package mission

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// ErrValidation indicates a malformed mission, rejected before a session starts.
var ErrValidation = errors.New("mission validation failed")

const maxMissionFileSize = 1024 * 1024 // 1MB

// Mode selects the research workflow variant.
type Mode string

const (
	ModeHypothesis   Mode = "hypothesis"
	ModeExploratory  Mode = "exploratory"
	ModeMetaAnalysis Mode = "meta-analysis"
	ModeReplication  Mode = "replication"
	ModeSimulation   Mode = "simulation"
)

// AllModes returns the supported research modes.
func AllModes() []Mode {
	return []Mode{ModeHypothesis, ModeExploratory, ModeMetaAnalysis, ModeReplication, ModeSimulation}
}

// CheckpointAction is what happens when the pipeline reaches a declared checkpoint.
type CheckpointAction string

const (
	ActionRequireApproval CheckpointAction = "require_approval"
	ActionNotify          CheckpointAction = "notify"
)

// Checkpoint declares a pause point after a named stage.
type Checkpoint struct {
	After  string           `koanf:"after" json:"after"`
	Action CheckpointAction `koanf:"action" json:"action"`
}

// DataSources restricts which data providers a session may use.
type DataSources string

const (
	DataPublicOnly DataSources = "public_only"
	DataAny        DataSources = "any"
)

// CorrectionMethod is the multiple-comparison correction required for
// exploratory-mode statistical results.
type CorrectionMethod string

const (
	CorrectionBonferroni CorrectionMethod = "bonferroni"
	CorrectionFDR        CorrectionMethod = "fdr"
)

// Constraints bound a session's resource usage.
type Constraints struct {
	// ComputeBudget is the spend ceiling in USD.
	ComputeBudget float64 `koanf:"compute_budget" json:"compute_budget"`

	// TimeLimit is the wall-clock ceiling, e.g. "48h", "30m", "2d".
	TimeLimit string `koanf:"time_limit" json:"time_limit"`

	// DataSources restricts data providers (public_only or any).
	DataSources DataSources `koanf:"data_sources" json:"data_sources"`

	// Ethics is the declared ethics envelope, e.g. "observational_only".
	Ethics string `koanf:"ethics" json:"ethics"`

	// CheckpointTimeout bounds how long a require_approval checkpoint may
	// stay pending. Zero means wait indefinitely.
	CheckpointTimeout time.Duration `koanf:"checkpoint_timeout" json:"checkpoint_timeout"`
}

// Output describes the requested deliverable.
type Output struct {
	Format            string `koanf:"format" json:"format"`
	Destination       string `koanf:"destination" json:"destination"`
	IncludeProvenance bool   `koanf:"include_provenance" json:"include_provenance"`
}

// Mission is the complete specification of a research objective.
// It is immutable once accepted by a session.
type Mission struct {
	ID          string       `koanf:"id" json:"id"`
	Title       string       `koanf:"title" json:"title"`
	Objective   string       `koanf:"objective" json:"objective"`
	Hypotheses  []string     `koanf:"hypotheses" json:"hypotheses"`
	Mode        Mode         `koanf:"mode" json:"mode"`
	Domain      string       `koanf:"domain" json:"domain"`
	Constraints Constraints  `koanf:"constraints" json:"constraints"`
	Checkpoints []Checkpoint `koanf:"checkpoints" json:"checkpoints"`
	Output      Output       `koanf:"output" json:"output"`

	// Correction selects the multiple-comparison correction accepted in
	// exploratory mode. Defaults to fdr.
	Correction CorrectionMethod `koanf:"correction" json:"correction"`

	// SourcePaper is the paper under replication (DOI or arXiv id).
	// Required in replication mode.
	SourcePaper string `koanf:"source_paper" json:"source_paper"`

	// DatasetID pins exploratory mode to a specific dataset.
	DatasetID string `koanf:"dataset_id" json:"dataset_id"`

	Metadata  map[string]string `koanf:"metadata" json:"metadata"`
	CreatedAt time.Time         `koanf:"created_at" json:"created_at"`
}

// Load parses a mission from raw YAML, applies defaults, and validates it.
func Load(raw []byte) (*Mission, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrValidation, err)
	}

	var m Mission
	if err := k.Unmarshal("", &m); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %v", ErrValidation, err)
	}

	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadFile loads a mission from a YAML file.
func LoadFile(path string) (*Mission, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mission file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat mission file: %w", err)
	}
	if info.Size() > maxMissionFileSize {
		return nil, fmt.Errorf("%w: mission file too large: %d bytes (max %d)",
			ErrValidation, info.Size(), maxMissionFileSize)
	}

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read mission file: %w", err)
	}
	return Load(raw)
}

// applyDefaults fills unset fields with the model defaults.
func (m *Mission) applyDefaults() {
	if m.ID == "" {
		m.ID = "session-" + uuid.New().String()[:8]
	}
	if m.Title == "" && m.Objective != "" {
		title := strings.TrimSpace(m.Objective)
		if len(title) > 80 {
			title = title[:80]
		}
		m.Title = title
	}
	if m.Mode == "" {
		m.Mode = ModeHypothesis
	}
	if m.Domain == "" {
		m.Domain = "bioinformatics"
	}
	if m.Constraints.ComputeBudget == 0 {
		m.Constraints.ComputeBudget = 50.0
	}
	if m.Constraints.TimeLimit == "" {
		m.Constraints.TimeLimit = "48h"
	}
	if m.Constraints.DataSources == "" {
		m.Constraints.DataSources = DataPublicOnly
	}
	if m.Constraints.Ethics == "" {
		m.Constraints.Ethics = "observational_only"
	}
	if m.Correction == "" {
		m.Correction = CorrectionFDR
	}
	if m.Output.Format == "" {
		m.Output.Format = "paper_draft"
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
}

// Validate checks the mission invariants. A mission that fails validation
// never starts a pipeline.
func (m *Mission) Validate() error {
	if strings.TrimSpace(m.Objective) == "" {
		return fmt.Errorf("%w: objective is required", ErrValidation)
	}

	modeOK := false
	for _, mode := range AllModes() {
		if m.Mode == mode {
			modeOK = true
			break
		}
	}
	if !modeOK {
		return fmt.Errorf("%w: unknown mode %q", ErrValidation, m.Mode)
	}

	if m.Mode == ModeReplication && strings.TrimSpace(m.SourcePaper) == "" {
		return fmt.Errorf("%w: replication mode requires source_paper", ErrValidation)
	}

	if m.Constraints.ComputeBudget < 0 {
		return fmt.Errorf("%w: compute_budget must be >= 0", ErrValidation)
	}
	if _, err := m.TimeLimit(); err != nil {
		return fmt.Errorf("%w: time_limit: %v", ErrValidation, err)
	}
	if m.Constraints.DataSources != DataPublicOnly && m.Constraints.DataSources != DataAny {
		return fmt.Errorf("%w: data_sources must be public_only or any, got %q",
			ErrValidation, m.Constraints.DataSources)
	}
	if m.Correction != CorrectionBonferroni && m.Correction != CorrectionFDR {
		return fmt.Errorf("%w: correction must be bonferroni or fdr, got %q",
			ErrValidation, m.Correction)
	}

	// Checkpoint stage names must be valid pipeline stages, and a stage may
	// declare at most one checkpoint. Rejecting duplicates makes the
	// require_approval vs notify precedence question unrepresentable.
	seen := make(map[string]bool, len(m.Checkpoints))
	for _, cp := range m.Checkpoints {
		if !ValidStage(Stage(cp.After)) {
			return fmt.Errorf("%w: checkpoint after unknown stage %q", ErrValidation, cp.After)
		}
		if cp.Action != ActionRequireApproval && cp.Action != ActionNotify {
			return fmt.Errorf("%w: checkpoint action must be require_approval or notify, got %q",
				ErrValidation, cp.Action)
		}
		if seen[cp.After] {
			return fmt.Errorf("%w: duplicate checkpoint for stage %q", ErrValidation, cp.After)
		}
		seen[cp.After] = true
	}

	return nil
}

// ComputeBudget returns the spend ceiling as an exact decimal amount.
func (m *Mission) ComputeBudget() decimal.Decimal {
	return decimal.NewFromFloat(m.Constraints.ComputeBudget)
}

// TimeLimit parses the declared time limit. A trailing "d" suffix is
// accepted as days in addition to the standard duration units.
func (m *Mission) TimeLimit() (time.Duration, error) {
	tl := strings.TrimSpace(strings.ToLower(m.Constraints.TimeLimit))
	if tl == "" {
		return 0, errors.New("empty time limit")
	}
	if strings.HasSuffix(tl, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(tl, "d"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q", tl)
		}
		if days <= 0 {
			return 0, errors.New("time limit must be > 0")
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}
	d, err := time.ParseDuration(tl)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("time limit must be > 0")
	}
	return d, nil
}

// RawDataPulls reports whether a meta-analysis mission explicitly requested
// raw-data acquisition.
func (m *Mission) RawDataPulls() bool {
	return m.Metadata["raw_data_pulls"] == "true"
}
