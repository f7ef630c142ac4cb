package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// LLMPlanner consults a language model through the collaborator protocol.
type LLMPlanner struct {
	model  llms.Model
	logger *zap.Logger
}

// NewLLMPlanner wraps a model as a planner.
func NewLLMPlanner(model llms.Model, logger *zap.Logger) *LLMPlanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMPlanner{model: model, logger: logger}
}

// NewOpenAIPlanner creates a planner against an OpenAI-compatible endpoint.
func NewOpenAIPlanner(baseURL, model, token string, logger *zap.Logger) (*LLMPlanner, error) {
	opts := []openai.Option{openai.WithModel(model)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	if token != "" {
		opts = append(opts, openai.WithToken(token))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	return NewLLMPlanner(llm, logger), nil
}

// Plan renders the consultation prompt, queries the model, and parses its
// response as an action list. A malformed response returns ErrProtocol so
// the pipeline can offer one corrective retry.
func (p *LLMPlanner) Plan(ctx context.Context, req Request) ([]Action, error) {
	prompt := p.prompt(req)

	completion, err := llms.GenerateFromSinglePrompt(ctx, p.model, prompt,
		llms.WithTemperature(0.2),
	)
	if err != nil {
		return nil, fmt.Errorf("collaborator consultation failed: %w", err)
	}

	actions, err := parseActions(completion)
	if err != nil {
		p.logger.Warn("collaborator response unparseable",
			zap.String("session_id", req.SessionID),
			zap.String("stage", string(req.Stage)),
			zap.Error(err))
		return nil, err
	}
	if err := Validate(req, actions); err != nil {
		return nil, err
	}
	return actions, nil
}

func (p *LLMPlanner) prompt(req Request) string {
	var b strings.Builder

	b.WriteString("You are the reasoning collaborator of an autonomous research pipeline.\n")
	b.WriteString("You propose actions; you never execute anything yourself.\n\n")
	fmt.Fprintf(&b, "Objective: %s\n", req.Objective)
	for _, h := range req.Hypotheses {
		fmt.Fprintf(&b, "Hypothesis: %s\n", h)
	}
	fmt.Fprintf(&b, "Current stage: %s\n", req.Stage)

	if req.Domain != "" {
		b.WriteString(PackFor(req.Domain).promptSection())
	}

	if req.Summary != "" {
		fmt.Fprintf(&b, "\nPipeline feedback:\n%s\n", req.Summary)
	}
	if req.Correction != "" {
		fmt.Fprintf(&b, "\nYour previous response was rejected: %s\nRespond again, correctly.\n", req.Correction)
	}

	if len(req.LedgerTail) > 0 {
		b.WriteString("\nRecent provenance entries:\n")
		for _, e := range req.LedgerTail {
			fmt.Fprintf(&b, "  [%d] %s %s\n", e.Seq, e.Kind, string(e.Payload))
		}
	}

	vocab := req.Vocabulary
	if len(vocab) == 0 {
		vocab = []ActionKind{KindInvokeTool, KindProduceArtifact, KindMarkStageComplete, KindAbort}
	}
	names := make([]string, len(vocab))
	for i, k := range vocab {
		names[i] = string(k)
	}
	fmt.Fprintf(&b, "\nRespond with a JSON array of at most %d actions.\n", max(req.MaxActions, 1))
	fmt.Fprintf(&b, "Allowed kinds: %s.\n", strings.Join(names, ", "))
	b.WriteString(`Each action: {"kind": "...", "invoke": {...} | "artifact": {...} | "abort": {...}}.` + "\n")
	b.WriteString("Output only the JSON array, no prose.\n")
	return b.String()
}

// parseActions extracts the action array from a model completion, tolerating
// surrounding prose and markdown code fences.
func parseActions(completion string) ([]Action, error) {
	text := strings.TrimSpace(completion)

	if i := strings.Index(text, "```"); i >= 0 {
		text = text[i+3:]
		text = strings.TrimPrefix(text, "json")
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON array in response", ErrProtocol)
	}

	var actions []Action
	if err := json.Unmarshal([]byte(text[start:end+1]), &actions); err != nil {
		return nil, fmt.Errorf("%w: malformed action JSON: %v", ErrProtocol, err)
	}
	return actions, nil
}
