package planner

import (
	"context"
	"sync"

	"github.com/helioslabs/missiond/internal/mission"
)

// Scripted replays predetermined action batches per stage. It backs
// deterministic pipeline tests and dry runs.
type Scripted struct {
	mu    sync.Mutex
	plans map[mission.Stage][][]Action
}

// NewScripted creates a scripted planner. Each stage maps to a queue of
// action batches consumed one per consultation.
func NewScripted(plans map[mission.Stage][][]Action) *Scripted {
	if plans == nil {
		plans = make(map[mission.Stage][][]Action)
	}
	return &Scripted{plans: plans}
}

// Plan pops the next batch for the stage. An exhausted stage completes.
func (s *Scripted) Plan(ctx context.Context, req Request) ([]Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.plans[req.Stage]
	if len(queue) == 0 {
		return []Action{{Kind: KindMarkStageComplete}}, nil
	}
	batch := queue[0]
	s.plans[req.Stage] = queue[1:]
	return batch, nil
}
