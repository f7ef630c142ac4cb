// Package planner defines the restricted protocol through which a reasoning
// collaborator proposes actions to the pipeline.
//
// The collaborator never executes anything itself. It receives the mission
// objective, the current stage, and a tail of the provenance ledger, and
// answers with a bounded list of actions drawn from a fixed vocabulary. The
// pipeline validates every response before acting on it.
package planner

import (
	"context"
	"errors"
	"fmt"

	"github.com/helioslabs/missiond/internal/artifact"
	"github.com/helioslabs/missiond/internal/ledger"
	"github.com/helioslabs/missiond/internal/mission"
)

// ErrProtocol indicates a collaborator response that violates the protocol.
var ErrProtocol = errors.New("collaborator protocol violation")

// ActionKind is one verb of the action vocabulary.
type ActionKind string

const (
	KindInvokeTool        ActionKind = "invoke_tool"
	KindProduceArtifact   ActionKind = "produce_artifact"
	KindMarkStageComplete ActionKind = "mark_stage_complete"
	KindAbort             ActionKind = "abort"
)

// InvokeAction requests one tool call.
type InvokeAction struct {
	Provider   string         `json:"provider"`
	Operation  string         `json:"operation"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	BudgetHint float64        `json:"budget_hint,omitempty"`
}

// ArtifactAction produces one research output.
type ArtifactAction struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Content string          `json:"content"`
	Stance  artifact.Stance `json:"stance,omitempty"`
	Stats   []artifact.Stat `json:"stats,omitempty"`
}

// AbortAction ends the session with a stated reason.
type AbortAction struct {
	Reason string `json:"reason"`
}

// Action is one proposed step. Exactly the field matching Kind is set.
type Action struct {
	Kind     ActionKind      `json:"kind"`
	Invoke   *InvokeAction   `json:"invoke,omitempty"`
	Artifact *ArtifactAction `json:"artifact,omitempty"`
	Abort    *AbortAction    `json:"abort,omitempty"`
}

// Request is one consultation of the collaborator.
type Request struct {
	SessionID  string
	Stage      mission.Stage
	Objective  string
	Hypotheses []string

	// Domain selects the resource pack whose methods and guidance are
	// folded into the consultation prompt.
	Domain string

	// Summary carries pipeline feedback, e.g. failures from the previous
	// action batch.
	Summary string

	// Vocabulary restricts the action kinds the collaborator may use. An
	// empty vocabulary permits all kinds.
	Vocabulary []ActionKind

	// Correction is set when the previous response violated the protocol
	// and one corrective retry is being offered.
	Correction string

	// LedgerTail is the recent provenance context.
	LedgerTail []ledger.Entry

	// MaxActions bounds the response length.
	MaxActions int
}

// Planner proposes the next actions for a stage.
type Planner interface {
	Plan(ctx context.Context, req Request) ([]Action, error)
}

// Validate checks a collaborator response against the protocol. It returns
// ErrProtocol on the first violation.
func Validate(req Request, actions []Action) error {
	if len(actions) == 0 {
		return fmt.Errorf("%w: empty response", ErrProtocol)
	}
	if req.MaxActions > 0 && len(actions) > req.MaxActions {
		return fmt.Errorf("%w: %d actions exceeds limit %d", ErrProtocol, len(actions), req.MaxActions)
	}

	for i, a := range actions {
		if err := validateAction(req, a); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

func validateAction(req Request, a Action) error {
	if len(req.Vocabulary) > 0 {
		allowed := false
		for _, k := range req.Vocabulary {
			if a.Kind == k {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: kind %q not in stage vocabulary", ErrProtocol, a.Kind)
		}
	}

	switch a.Kind {
	case KindInvokeTool:
		if a.Invoke == nil {
			return fmt.Errorf("%w: invoke_tool without invoke body", ErrProtocol)
		}
		if a.Invoke.Provider == "" || a.Invoke.Operation == "" {
			return fmt.Errorf("%w: invoke_tool requires provider and operation", ErrProtocol)
		}
		if a.Invoke.BudgetHint < 0 {
			return fmt.Errorf("%w: negative budget hint", ErrProtocol)
		}
	case KindProduceArtifact:
		if a.Artifact == nil {
			return fmt.Errorf("%w: produce_artifact without artifact body", ErrProtocol)
		}
		if a.Artifact.Name == "" || a.Artifact.Type == "" {
			return fmt.Errorf("%w: produce_artifact requires name and type", ErrProtocol)
		}
	case KindMarkStageComplete:
		// No body.
	case KindAbort:
		if a.Abort == nil || a.Abort.Reason == "" {
			return fmt.Errorf("%w: abort requires a reason", ErrProtocol)
		}
	default:
		return fmt.Errorf("%w: unknown action kind %q", ErrProtocol, a.Kind)
	}
	return nil
}
