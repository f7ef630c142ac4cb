// Package session binds one mission execution together: its provenance
// ledger, budget tracker, artifact store, status, and per-stage results.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helioslabs/missiond/internal/artifact"
	"github.com/helioslabs/missiond/internal/budget"
	"github.com/helioslabs/missiond/internal/ledger"
	"github.com/helioslabs/missiond/internal/mission"
	"github.com/helioslabs/missiond/internal/registry"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusAwaitingCheckpoint Status = "awaiting_checkpoint"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
)

// Failure reasons recorded when a session ends without completing.
const (
	ReasonBudgetExceeded       = "budget_exceeded"
	ReasonCheckpointRejected   = "checkpoint_rejected"
	ReasonCheckpointTimeout    = "checkpoint_timeout"
	ReasonLedgerWriteFailure   = "ledger_write_failure"
	ReasonToolFailure          = "tool_failure"
	ReasonCollaboratorProtocol = "collaborator_protocol_error"
	ReasonStageValidation      = "stage_validation_failed"
	ReasonAborted              = "aborted"
)

// StageResult records the outcome of one stage.
type StageResult struct {
	Stage    mission.Stage `json:"stage"`
	Status   string        `json:"status"`
	Summary  string        `json:"summary,omitempty"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished,omitzero"`
}

// Session is one running or finished mission execution.
type Session struct {
	mu sync.Mutex

	mission *mission.Mission
	dir     string
	status  Status
	reason  string
	stage   mission.Stage
	results []StageResult

	abortOnce   sync.Once
	abortCh     chan struct{}
	abortReason string

	createdAt time.Time
	updatedAt time.Time

	Ledger    *ledger.Ledger
	Budget    *budget.Tracker
	Artifacts *artifact.Store

	logger *zap.Logger
}

// New creates a session for a validated mission, rooted at dir. The ledger
// and artifacts persist under the session directory; an empty dir keeps the
// session in memory.
func New(m *mission.Mission, dir string, logger *zap.Logger) (*Session, error) {
	if m == nil {
		return nil, errors.New("mission is required")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ledgerPath := ""
	artifactDir := ""
	if dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
		ledgerPath = filepath.Join(dir, "ledger.jsonl")
		artifactDir = filepath.Join(dir, "artifacts")
	}

	ledgerOpts := []ledger.Option{ledger.WithLogger(logger)}
	if m.Mode == mission.ModeExploratory {
		ledgerOpts = append(ledgerOpts,
			ledger.WithPolicy(artifact.CorrectionPolicy{Method: string(m.Correction)}))
	}

	led, err := ledger.New(m.ID, ledgerPath, ledgerOpts...)
	if err != nil {
		return nil, err
	}

	store, err := artifact.NewStore(artifactDir)
	if err != nil {
		return nil, err
	}

	limit, err := m.TimeLimit()
	if err != nil {
		return nil, err
	}

	return &Session{
		mission:   m,
		dir:       dir,
		status:    StatusPending,
		abortCh:   make(chan struct{}),
		createdAt: time.Now().UTC(),
		updatedAt: time.Now().UTC(),
		Ledger:    led,
		Budget:    budget.NewTracker(m.ComputeBudget(), limit),
		Artifacts: store,
		logger:    logger.With(zap.String("session_id", m.ID)),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.mission.ID }

// Mission returns the immutable mission.
func (s *Session) Mission() *mission.Mission { return s.mission }

// Dir returns the session's on-disk root, empty for in-memory sessions.
func (s *Session) Dir() string { return s.dir }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Reason returns the failure reason, empty unless the session failed.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Stage returns the stage currently executing.
func (s *Session) Stage() mission.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// SetStatus transitions the lifecycle state.
func (s *Session) SetStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
	s.updatedAt = time.Now().UTC()
}

// Fail marks the session failed with a reason. The first failure wins.
func (s *Session) Fail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusFailed || s.status == StatusCompleted {
		return
	}
	s.status = StatusFailed
	s.reason = reason
	s.updatedAt = time.Now().UTC()
	s.logger.Warn("session failed", zap.String("reason", reason))
}

// Complete marks the session completed.
func (s *Session) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusFailed {
		return
	}
	s.status = StatusCompleted
	s.updatedAt = time.Now().UTC()
	s.logger.Info("session completed")
}

// BeginStage records a stage start.
func (s *Session) BeginStage(stage mission.Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stage = stage
	s.status = StatusRunning
	s.results = append(s.results, StageResult{
		Stage:   stage,
		Status:  "running",
		Started: time.Now().UTC(),
	})
	s.updatedAt = time.Now().UTC()
	s.logger.Info("stage started", zap.String("stage", string(stage)))
}

// EndStage records a stage outcome.
func (s *Session) EndStage(stage mission.Stage, status, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.results) - 1; i >= 0; i-- {
		if s.results[i].Stage == stage {
			s.results[i].Status = status
			s.results[i].Summary = summary
			s.results[i].Finished = time.Now().UTC()
			break
		}
	}
	s.updatedAt = time.Now().UTC()
	s.logger.Info("stage finished",
		zap.String("stage", string(stage)),
		zap.String("status", status))
}

// Results returns a copy of the per-stage outcomes.
func (s *Session) Results() []StageResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StageResult, len(s.results))
	copy(out, s.results)
	return out
}

// Abort requests cooperative cancellation. The pipeline honors it at the
// next safe point; in-flight tool calls run to completion.
func (s *Session) Abort(reason string) {
	s.abortOnce.Do(func() {
		s.mu.Lock()
		s.abortReason = reason
		s.mu.Unlock()
		close(s.abortCh)
		s.logger.Info("session abort requested", zap.String("reason", reason))
	})
}

// AbortChan is closed once an abort has been requested.
func (s *Session) AbortChan() <-chan struct{} { return s.abortCh }

// AbortReason returns the requested abort reason.
func (s *Session) AbortReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortReason
}

// Aborting reports whether an abort has been requested.
func (s *Session) Aborting() bool {
	select {
	case <-s.abortCh:
		return true
	default:
		return false
	}
}

// RecordAttempt writes a tool call attempt into the provenance ledger,
// linked to the decision that requested it. It implements the invoker's
// recorder contract; a write failure is fatal to the session.
func (s *Session) RecordAttempt(ctx context.Context, rec registry.AttemptRecord) error {
	payload, err := json.Marshal(map[string]any{
		"provider":   rec.Provider,
		"operation":  rec.Operation,
		"attempt":    rec.Attempt,
		"status":     rec.Status,
		"error_kind": rec.ErrorKind,
		"latency_ms": rec.Latency.Milliseconds(),
		"cost":       rec.Cost.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal attempt record: %w", err)
	}
	_, err = s.Ledger.Append(ctx, ledger.KindToolCall, rec.Parent, payload)
	return err
}
