// Package pipeline drives a session through its mission's stages: consulting
// the collaborator, dispatching tool calls, gating on checkpoints, and
// enforcing budget at every safe point.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/helioslabs/missiond/internal/artifact"
	"github.com/helioslabs/missiond/internal/gate"
	"github.com/helioslabs/missiond/internal/ledger"
	"github.com/helioslabs/missiond/internal/logging"
	"github.com/helioslabs/missiond/internal/mission"
	"github.com/helioslabs/missiond/internal/notify"
	"github.com/helioslabs/missiond/internal/planner"
	"github.com/helioslabs/missiond/internal/registry"
	"github.com/helioslabs/missiond/internal/session"
)

const instrumentationName = "github.com/helioslabs/missiond/internal/pipeline"

// Config bounds the engine's behavior.
type Config struct {
	// MaxConcurrentDispatch caps parallel tool calls within one decision.
	MaxConcurrentDispatch int

	// MaxDecisionRounds caps collaborator consultations per stage.
	MaxDecisionRounds int

	// DefaultCallTimeout applies when a tool call declares no timeout.
	DefaultCallTimeout time.Duration

	// LedgerTail is how many recent entries each consultation sees.
	LedgerTail int
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.MaxConcurrentDispatch <= 0 {
		c.MaxConcurrentDispatch = 4
	}
	if c.MaxDecisionRounds <= 0 {
		c.MaxDecisionRounds = 32
	}
	if c.DefaultCallTimeout <= 0 {
		c.DefaultCallTimeout = 30 * time.Second
	}
	if c.LedgerTail <= 0 {
		c.LedgerTail = 20
	}
}

// Engine runs sessions. One engine serves many sessions; each session runs
// its stages strictly sequentially.
type Engine struct {
	cfg      Config
	invoker  *registry.Invoker
	planner  planner.Planner
	gates    *gate.Service
	notifier notify.Notifier
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewEngine wires an engine from its collaborators.
func NewEngine(cfg Config, inv *registry.Invoker, pl planner.Planner, gates *gate.Service, notifier notify.Notifier, logger *zap.Logger) (*Engine, error) {
	if inv == nil {
		return nil, errors.New("invoker is required")
	}
	if pl == nil {
		return nil, errors.New("planner is required")
	}
	if gates == nil {
		return nil, errors.New("gate service is required")
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	return &Engine{
		cfg:      cfg,
		invoker:  inv,
		planner:  pl,
		gates:    gates,
		notifier: notifier,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}, nil
}

// stageError ends the current session with a recorded failure reason.
type stageError struct {
	reason string
	cause  error
}

func (e *stageError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.reason, e.cause)
	}
	return e.reason
}

func (e *stageError) Unwrap() error { return e.cause }

func failWith(reason string, cause error) error {
	return &stageError{reason: reason, cause: cause}
}

// Run executes the session to completion or failure. It returns nil for a
// completed session and the terminal error otherwise.
func (e *Engine) Run(ctx context.Context, sess *session.Session) error {
	// The session ID rides the context so downstream components (invoker,
	// providers) can correlate their logs without threading the session.
	ctx = logging.WithSessionID(ctx, sess.ID())
	ctx, span := e.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("session_id", sess.ID())))
	defer span.End()

	logger := e.logger.With(zap.String("session_id", sess.ID()))

	sess.SetStatus(session.StatusRunning)
	e.notifier.Publish(notify.Event{Type: notify.EventSessionStarted, SessionID: sess.ID()})
	if err := sess.Save(); err != nil {
		logger.Warn("failed to save session", zap.Error(err))
	}

	err := e.runStages(ctx, sess, logger)
	if err != nil {
		reason := session.ReasonToolFailure
		var se *stageError
		if errors.As(err, &se) {
			reason = se.reason
		}
		sess.Fail(reason)
		e.notifier.Publish(notify.Event{
			Type:      notify.EventSessionFailed,
			SessionID: sess.ID(),
			Stage:     string(sess.Stage()),
			Reason:    reason,
		})
		if saveErr := sess.Save(); saveErr != nil {
			logger.Warn("failed to save session", zap.Error(saveErr))
		}
		return err
	}

	sess.Complete()
	e.notifier.Publish(notify.Event{Type: notify.EventSessionCompleted, SessionID: sess.ID()})
	if err := sess.Save(); err != nil {
		logger.Warn("failed to save session", zap.Error(err))
	}
	return nil
}

func (e *Engine) runStages(ctx context.Context, sess *session.Session, logger *zap.Logger) error {
	m := sess.Mission()

	for _, stage := range mission.StageOrder(m) {
		// Safe point: abort and budget are checked between stages, never
		// mid-dispatch.
		if sess.Aborting() {
			return failWith(session.ReasonAborted, errors.New(sess.AbortReason()))
		}
		if err := ctx.Err(); err != nil {
			return failWith(session.ReasonAborted, err)
		}

		sess.Budget.Tick()
		if err := sess.Budget.Exceeded(); err != nil {
			if _, lerr := e.appendDecision(ctx, sess, 0, map[string]any{
				"event":  "budget_check",
				"result": "exceeded",
				"detail": err.Error(),
			}); lerr != nil {
				return lerr
			}
			return failWith(session.ReasonBudgetExceeded, err)
		}

		sess.BeginStage(stage)
		e.notifier.Publish(notify.Event{
			Type:      notify.EventStageStarted,
			SessionID: sess.ID(),
			Stage:     string(stage),
		})

		if err := e.runStage(ctx, sess, stage, logger); err != nil {
			status := "failed"
			var se *stageError
			if errors.As(err, &se) && se.reason == session.ReasonAborted {
				status = "aborted"
			}
			sess.EndStage(stage, status, err.Error())
			return err
		}

		sess.EndStage(stage, "completed", "")
		e.notifier.Publish(notify.Event{
			Type:      notify.EventStageCompleted,
			SessionID: sess.ID(),
			Stage:     string(stage),
		})

		if err := e.checkpoint(ctx, sess, stage, logger); err != nil {
			return err
		}
	}

	// A session only completes with a deliverable.
	if len(sess.Artifacts.ByType(artifact.TypeManuscript)) == 0 {
		return failWith(session.ReasonStageValidation, errors.New("no manuscript artifact produced"))
	}
	return nil
}

// runStage loops decision rounds until the collaborator marks the stage
// complete or a bound is hit.
func (e *Engine) runStage(ctx context.Context, sess *session.Session, stage mission.Stage, logger *zap.Logger) error {
	ctx, span := e.tracer.Start(ctx, "pipeline.stage",
		trace.WithAttributes(attribute.String("stage", string(stage))))
	defer span.End()

	summary := ""
	correction := ""

	for round := 0; round < e.cfg.MaxDecisionRounds; round++ {
		if sess.Aborting() {
			return failWith(session.ReasonAborted, errors.New(sess.AbortReason()))
		}

		req := planner.Request{
			SessionID:  sess.ID(),
			Stage:      stage,
			Objective:  sess.Mission().Objective,
			Hypotheses: sess.Mission().Hypotheses,
			Domain:     sess.Mission().Domain,
			Summary:    summary,
			Correction: correction,
			LedgerTail: e.ledgerTail(sess),
			MaxActions: e.cfg.MaxConcurrentDispatch * 2,
		}

		actions, err := e.planner.Plan(ctx, req)
		if err == nil {
			err = planner.Validate(req, actions)
		}
		if err != nil {
			if !errors.Is(err, planner.ErrProtocol) {
				return failWith(session.ReasonCollaboratorProtocol, err)
			}
			if correction != "" {
				// The corrective retry also failed.
				return failWith(session.ReasonCollaboratorProtocol, err)
			}
			logger.Warn("collaborator protocol violation, offering one retry",
				zap.String("stage", string(stage)),
				zap.Error(err))
			correction = err.Error()
			continue
		}
		correction = ""

		decisionSeq, err := e.appendDecision(ctx, sess, 0, map[string]any{
			"stage":   string(stage),
			"round":   round,
			"actions": actionKinds(actions),
		})
		if err != nil {
			return err
		}

		done, nextSummary, err := e.applyActions(ctx, sess, stage, decisionSeq, actions, logger)
		if err != nil {
			return err
		}
		summary = nextSummary

		if done {
			if ok, why := e.stageComplete(sess, stage); !ok {
				summary = why
				continue
			}
			if sess.Mission().Mode == mission.ModeReplication && stage == mission.StageAnalysis {
				if err := e.verifyReplication(ctx, sess, logger); err != nil {
					return err
				}
			}
			return nil
		}
	}

	return failWith(session.ReasonStageValidation,
		fmt.Errorf("stage %s exhausted %d decision rounds", stage, e.cfg.MaxDecisionRounds))
}

// applyActions executes one decision's actions. Consecutive tool invocations
// fan out concurrently under the dispatch cap; everything else is serial.
func (e *Engine) applyActions(ctx context.Context, sess *session.Session, stage mission.Stage, decisionSeq uint64, actions []planner.Action, logger *zap.Logger) (done bool, summary string, err error) {
	var failures []string

	i := 0
	for i < len(actions) {
		a := actions[i]

		switch a.Kind {
		case planner.KindInvokeTool:
			// Gather the run of consecutive invocations.
			j := i
			for j < len(actions) && actions[j].Kind == planner.KindInvokeTool {
				j++
			}
			batch := actions[i:j]
			i = j

			fails, err := e.dispatch(ctx, sess, decisionSeq, batch)
			if err != nil {
				return false, "", err
			}
			failures = append(failures, fails...)

		case planner.KindProduceArtifact:
			if err := e.produceArtifact(ctx, sess, stage, decisionSeq, a.Artifact, &failures); err != nil {
				return false, "", err
			}
			i++

		case planner.KindMarkStageComplete:
			return true, joinFailures(failures), nil

		case planner.KindAbort:
			if _, err := e.appendDecision(ctx, sess, decisionSeq, map[string]any{
				"event":  "abort",
				"reason": a.Abort.Reason,
			}); err != nil {
				return false, "", err
			}
			return false, "", failWith(session.ReasonAborted, errors.New(a.Abort.Reason))

		default:
			i++
		}
	}

	return false, joinFailures(failures), nil
}

// dispatch runs a batch of tool calls with bounded concurrency. All calls
// share the decision's causal parent. A quota rejection or provider failure
// is reported back to the collaborator, not fatal to the stage; a ledger
// write failure is fatal.
func (e *Engine) dispatch(ctx context.Context, sess *session.Session, decisionSeq uint64, batch []planner.Action) ([]string, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentDispatch)

	failures := make([]string, len(batch))
	fatal := make([]error, len(batch))

	for idx, a := range batch {
		g.Go(func() error {
			inv := a.Invoke
			_, err := e.invoker.Invoke(gctx, registry.Request{
				Provider:   inv.Provider,
				Operation:  inv.Operation,
				Arguments:  inv.Arguments,
				BudgetHint: decimal.NewFromFloat(inv.BudgetHint),
				Timeout:    e.cfg.DefaultCallTimeout,
				Parent:     decisionSeq,
			}, sess.Budget, sess)
			if err == nil {
				return nil
			}
			if errors.Is(err, ledger.ErrWrite) {
				fatal[idx] = err
				return err
			}
			failures[idx] = fmt.Sprintf("%s/%s: %v", inv.Provider, inv.Operation, err)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, ferr := range fatal {
			if ferr != nil {
				return nil, failWith(session.ReasonLedgerWriteFailure, ferr)
			}
		}
		return nil, err
	}

	var out []string
	for _, f := range failures {
		if f != "" {
			out = append(out, f)
		}
	}
	return out, nil
}

func (e *Engine) produceArtifact(ctx context.Context, sess *session.Session, stage mission.Stage, decisionSeq uint64, aa *planner.ArtifactAction, failures *[]string) error {
	payload, err := json.Marshal(map[string]any{
		"name":   aa.Name,
		"type":   aa.Type,
		"stage":  string(stage),
		"stance": string(aa.Stance),
		"stats":  aa.Stats,
	})
	if err != nil {
		return failWith(session.ReasonLedgerWriteFailure, err)
	}

	// The ledger entry is written before the store: a rejected entry means
	// the artifact never existed.
	entry, err := sess.Ledger.Append(ctx, ledger.KindArtifact, decisionSeq, payload)
	if err != nil {
		if errors.Is(err, ledger.ErrRejected) {
			if _, derr := e.appendDecision(ctx, sess, decisionSeq, map[string]any{
				"event":    "artifact_rejected",
				"artifact": aa.Name,
				"detail":   err.Error(),
			}); derr != nil {
				return derr
			}
			*failures = append(*failures, fmt.Sprintf("artifact %s rejected: %v", aa.Name, err))
			return nil
		}
		return failWith(session.ReasonLedgerWriteFailure, err)
	}

	_, err = sess.Artifacts.Put(string(stage), aa.Name, artifact.Type(aa.Type),
		[]byte(aa.Content), entry.Seq, aa.Stance, aa.Stats)
	if err != nil {
		*failures = append(*failures, fmt.Sprintf("artifact %s: %v", aa.Name, err))
	}
	return nil
}

// stageComplete applies per-stage completion checks before accepting a
// mark_stage_complete.
func (e *Engine) stageComplete(sess *session.Session, stage mission.Stage) (bool, string) {
	m := sess.Mission()

	if m.Mode == mission.ModeHypothesis && stage == mission.StageAnalysis {
		if !sess.Artifacts.HasStance(artifact.StanceConfirming) || !sess.Artifacts.HasStance(artifact.StanceDisconfirming) {
			return false, "analysis requires both a confirming and a disconfirming interpretation before completing"
		}
	}
	if stage == mission.StageWriting {
		if len(sess.Artifacts.ByType(artifact.TypeManuscript)) == 0 {
			return false, "writing requires a manuscript artifact before completing"
		}
	}
	return true, ""
}

// verifyReplication runs an adversarial verification pass after a
// replication analysis: the collaborator is consulted with a restricted
// vocabulary and must produce a verification artifact.
func (e *Engine) verifyReplication(ctx context.Context, sess *session.Session, logger *zap.Logger) error {
	req := planner.Request{
		SessionID: sess.ID(),
		Stage:     mission.StageAnalysis,
		Objective: sess.Mission().Objective,
		Domain:    sess.Mission().Domain,
		Summary: "Adversarial verification pass: independently re-derive the replication result and " +
			"produce a verification artifact stating whether it holds.",
		Vocabulary: []planner.ActionKind{planner.KindProduceArtifact, planner.KindMarkStageComplete},
		LedgerTail: e.ledgerTail(sess),
		MaxActions: 4,
	}

	actions, err := e.planner.Plan(ctx, req)
	if err == nil {
		err = planner.Validate(req, actions)
	}
	if err != nil {
		return failWith(session.ReasonCollaboratorProtocol, err)
	}

	decisionSeq, err := e.appendDecision(ctx, sess, 0, map[string]any{
		"event":   "replication_verification",
		"actions": actionKinds(actions),
	})
	if err != nil {
		return err
	}

	var failures []string
	for _, a := range actions {
		if a.Kind != planner.KindProduceArtifact {
			continue
		}
		if err := e.produceArtifact(ctx, sess, mission.StageAnalysis, decisionSeq, a.Artifact, &failures); err != nil {
			return err
		}
	}

	if len(sess.Artifacts.ByType(artifact.TypeVerification)) == 0 {
		return failWith(session.ReasonStageValidation,
			errors.New("replication analysis produced no verification artifact"))
	}
	logger.Info("replication verification passed")
	return nil
}

// checkpoint resolves the stage's declared checkpoint, if any.
func (e *Engine) checkpoint(ctx context.Context, sess *session.Session, stage mission.Stage, logger *zap.Logger) error {
	action := gate.Resolve(stage, sess.Mission().Checkpoints)
	switch action {
	case "":
		return nil

	case mission.ActionNotify:
		if _, err := e.appendCheckpointEvent(ctx, sess, stage, "notified", nil); err != nil {
			return err
		}
		e.notifier.Publish(notify.Event{
			Type:      notify.EventCheckpointNotice,
			SessionID: sess.ID(),
			Stage:     string(stage),
		})
		return nil

	case mission.ActionRequireApproval:
		return e.awaitApproval(ctx, sess, stage, logger)

	default:
		return nil
	}
}

func (e *Engine) awaitApproval(ctx context.Context, sess *session.Session, stage mission.Stage, logger *zap.Logger) error {
	if _, err := e.appendCheckpointEvent(ctx, sess, stage, "pending", nil); err != nil {
		return err
	}

	decisions := e.gates.Await(sess.ID(), stage)
	sess.SetStatus(session.StatusAwaitingCheckpoint)
	if err := sess.Save(); err != nil {
		logger.Warn("failed to save session", zap.Error(err))
	}
	e.notifier.Publish(notify.Event{
		Type:      notify.EventCheckpointPending,
		SessionID: sess.ID(),
		Stage:     string(stage),
	})

	var timeout <-chan time.Time
	if t := sess.Mission().Constraints.CheckpointTimeout; t > 0 {
		timer := time.NewTimer(t)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case d := <-decisions:
		// A delivered decision always wins, even if the budget or clock ran
		// out while the session was paused.
		if _, err := e.appendCheckpointEvent(ctx, sess, stage, "resolved", &d); err != nil {
			return err
		}
		if !d.Approved {
			return failWith(session.ReasonCheckpointRejected,
				fmt.Errorf("checkpoint after %s rejected by %s", stage, d.Actor))
		}
		sess.SetStatus(session.StatusRunning)
		return nil

	case <-timeout:
		e.gates.Withdraw(sess.ID(), stage)
		if _, err := e.appendCheckpointEvent(ctx, sess, stage, "timed_out", nil); err != nil {
			return err
		}
		return failWith(session.ReasonCheckpointTimeout,
			fmt.Errorf("checkpoint after %s timed out", stage))

	case <-sess.AbortChan():
		e.gates.Withdraw(sess.ID(), stage)
		return failWith(session.ReasonAborted, errors.New(sess.AbortReason()))

	case <-ctx.Done():
		e.gates.Withdraw(sess.ID(), stage)
		return failWith(session.ReasonAborted, ctx.Err())
	}
}

func (e *Engine) appendDecision(ctx context.Context, sess *session.Session, prev uint64, payload map[string]any) (uint64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, failWith(session.ReasonLedgerWriteFailure, err)
	}
	entry, err := sess.Ledger.Append(ctx, ledger.KindDecision, prev, data)
	if err != nil {
		return 0, failWith(session.ReasonLedgerWriteFailure, err)
	}
	return entry.Seq, nil
}

func (e *Engine) appendCheckpointEvent(ctx context.Context, sess *session.Session, stage mission.Stage, state string, d *gate.Decision) (uint64, error) {
	payload := map[string]any{
		"stage": string(stage),
		"state": state,
	}
	if d != nil {
		payload["approved"] = d.Approved
		payload["actor"] = d.Actor
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, failWith(session.ReasonLedgerWriteFailure, err)
	}
	entry, err := sess.Ledger.Append(ctx, ledger.KindCheckpointEvent, 0, data)
	if err != nil {
		return 0, failWith(session.ReasonLedgerWriteFailure, err)
	}
	return entry.Seq, nil
}

func (e *Engine) ledgerTail(sess *session.Session) []ledger.Entry {
	n := sess.Ledger.Len()
	since := 0
	if n > e.cfg.LedgerTail {
		since = n - e.cfg.LedgerTail
	}
	return sess.Ledger.EntriesSince(uint64(since))
}

func actionKinds(actions []planner.Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = string(a.Kind)
	}
	return out
}

func joinFailures(failures []string) string {
	if len(failures) == 0 {
		return ""
	}
	s := "Failures from the previous actions:"
	for _, f := range failures {
		s += "\n  " + f
	}
	return s
}
