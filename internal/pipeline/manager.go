package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/helioslabs/missiond/internal/gate"
	"github.com/helioslabs/missiond/internal/mission"
	"github.com/helioslabs/missiond/internal/session"
)

// ErrSessionNotFound indicates a lookup for an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// Manager launches sessions on an engine and tracks them by ID.
type Manager struct {
	mu       sync.RWMutex
	engine   *Engine
	gates    *gate.Service
	dataDir  string
	sessions map[string]*session.Session
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewManager creates a manager. Sessions persist under dataDir; an empty
// dataDir keeps them in memory.
func NewManager(engine *Engine, gates *gate.Service, dataDir string, logger *zap.Logger) (*Manager, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if gates == nil {
		return nil, errors.New("gate service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		engine:   engine,
		gates:    gates,
		dataDir:  dataDir,
		sessions: make(map[string]*session.Session),
		logger:   logger,
	}, nil
}

// Launch creates a session for the mission and starts its pipeline in the
// background. The session is registered before the pipeline starts so it is
// immediately visible to Get and Abort.
func (m *Manager) Launch(ctx context.Context, ms *mission.Mission) (*session.Session, error) {
	dir := ""
	if m.dataDir != "" {
		dir = filepath.Join(m.dataDir, ms.ID)
	}

	sess, err := session.New(ms, dir, m.logger)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.sessions[sess.ID()]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s already exists", sess.ID())
	}
	m.sessions[sess.ID()] = sess
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.engine.Run(ctx, sess); err != nil {
			m.logger.Warn("session ended with failure",
				zap.String("session_id", sess.ID()),
				zap.Error(err))
		}
	}()

	return sess, nil
}

// Get returns a tracked session.
func (m *Manager) Get(id string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// List returns snapshots of all tracked sessions.
func (m *Manager) List() []session.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]session.Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Abort requests cooperative cancellation of a session.
func (m *Manager) Abort(id, reason string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	sess.Abort(reason)
	return nil
}

// Approve resolves a pending checkpoint positively.
func (m *Manager) Approve(id string, stage mission.Stage, actor string) error {
	if _, err := m.Get(id); err != nil {
		return err
	}
	return m.gates.Signal(id, stage, gate.Decision{Approved: true, Actor: actor})
}

// Reject resolves a pending checkpoint negatively.
func (m *Manager) Reject(id string, stage mission.Stage, actor, comment string) error {
	if _, err := m.Get(id); err != nil {
		return err
	}
	return m.gates.Signal(id, stage, gate.Decision{Approved: false, Actor: actor, Comment: comment})
}

// Wait blocks until all launched pipelines return.
func (m *Manager) Wait() {
	m.wg.Wait()
}
