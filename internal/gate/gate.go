// Package gate resolves declared mission checkpoints and brokers human
// approval decisions back to waiting sessions.
package gate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helioslabs/missiond/internal/mission"
)

var (
	// ErrNotPending indicates a decision for a checkpoint no session is
	// waiting on.
	ErrNotPending = errors.New("no pending checkpoint")

	// ErrAlreadyResolved indicates a second decision for a checkpoint that
	// already received one. The first decision wins.
	ErrAlreadyResolved = errors.New("checkpoint already resolved")
)

// Decision is a human resolution of a pending checkpoint.
type Decision struct {
	Approved bool      `json:"approved"`
	Actor    string    `json:"actor"`
	Comment  string    `json:"comment,omitempty"`
	At       time.Time `json:"at"`
}

// Resolve returns the action declared for a stage, or empty when the stage
// has no checkpoint.
func Resolve(stage mission.Stage, cps []mission.Checkpoint) mission.CheckpointAction {
	for _, cp := range cps {
		if mission.Stage(cp.After) == stage {
			return cp.Action
		}
	}
	return ""
}

// key identifies one session's checkpoint at one stage.
type key struct {
	sessionID string
	stage     mission.Stage
}

// Service tracks pending approval checkpoints across sessions.
type Service struct {
	mu       sync.Mutex
	pending  map[key]chan Decision
	resolved map[key]Decision
	logger   *zap.Logger
}

// NewService creates a gate service.
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		pending:  make(map[key]chan Decision),
		resolved: make(map[key]Decision),
		logger:   logger,
	}
}

// Await registers a pending checkpoint and returns the channel its decision
// will arrive on. The channel is buffered so Signal never blocks.
func (s *Service) Await(sessionID string, stage mission.Stage) <-chan Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{sessionID, stage}
	ch, ok := s.pending[k]
	if !ok {
		ch = make(chan Decision, 1)
		s.pending[k] = ch
	}

	s.logger.Info("checkpoint pending",
		zap.String("session_id", sessionID),
		zap.String("stage", string(stage)))
	return ch
}

// Signal delivers a decision to a pending checkpoint. Exactly one decision
// is accepted per checkpoint.
func (s *Service) Signal(sessionID string, stage mission.Stage, d Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{sessionID, stage}
	if _, done := s.resolved[k]; done {
		return fmt.Errorf("%w: %s/%s", ErrAlreadyResolved, sessionID, stage)
	}
	ch, ok := s.pending[k]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotPending, sessionID, stage)
	}

	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	s.resolved[k] = d
	delete(s.pending, k)
	ch <- d

	s.logger.Info("checkpoint resolved",
		zap.String("session_id", sessionID),
		zap.String("stage", string(stage)),
		zap.Bool("approved", d.Approved),
		zap.String("actor", d.Actor))
	return nil
}

// Withdraw drops a pending checkpoint without a decision, used when the
// wait ends for another reason such as a timeout or an abort.
func (s *Service) Withdraw(sessionID string, stage mission.Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key{sessionID, stage})
}

// Pending returns the stages with unresolved checkpoints for a session.
func (s *Service) Pending(sessionID string) []mission.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []mission.Stage
	for k := range s.pending {
		if k.sessionID == sessionID {
			out = append(out, k.stage)
		}
	}
	return out
}
