package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/helioslabs/missiond/internal/mission"
)

func TestValidate(t *testing.T) {
	base := Request{Stage: mission.StageAnalysis, MaxActions: 3}

	tests := []struct {
		name    string
		req     Request
		actions []Action
		wantErr string
	}{
		{
			name: "valid invoke",
			req:  base,
			actions: []Action{{
				Kind:   KindInvokeTool,
				Invoke: &InvokeAction{Provider: "geo", Operation: "fetch_dataset"},
			}},
		},
		{
			name:    "empty response",
			req:     base,
			wantErr: "empty response",
		},
		{
			name: "too many actions",
			req:  Request{MaxActions: 1},
			actions: []Action{
				{Kind: KindMarkStageComplete},
				{Kind: KindMarkStageComplete},
			},
			wantErr: "exceeds limit",
		},
		{
			name:    "unknown kind",
			req:     base,
			actions: []Action{{Kind: "launch_rocket"}},
			wantErr: "unknown action kind",
		},
		{
			name:    "invoke without body",
			req:     base,
			actions: []Action{{Kind: KindInvokeTool}},
			wantErr: "without invoke body",
		},
		{
			name: "invoke missing operation",
			req:  base,
			actions: []Action{{
				Kind:   KindInvokeTool,
				Invoke: &InvokeAction{Provider: "geo"},
			}},
			wantErr: "requires provider and operation",
		},
		{
			name: "negative budget hint",
			req:  base,
			actions: []Action{{
				Kind:   KindInvokeTool,
				Invoke: &InvokeAction{Provider: "geo", Operation: "fetch_dataset", BudgetHint: -1},
			}},
			wantErr: "negative budget hint",
		},
		{
			name: "artifact missing name",
			req:  base,
			actions: []Action{{
				Kind:     KindProduceArtifact,
				Artifact: &ArtifactAction{Type: "figure"},
			}},
			wantErr: "requires name and type",
		},
		{
			name:    "abort without reason",
			req:     base,
			actions: []Action{{Kind: KindAbort, Abort: &AbortAction{}}},
			wantErr: "abort requires a reason",
		},
		{
			name: "kind outside vocabulary",
			req: Request{
				Stage:      mission.StageSelfReview,
				Vocabulary: []ActionKind{KindProduceArtifact, KindMarkStageComplete},
			},
			actions: []Action{{
				Kind:   KindInvokeTool,
				Invoke: &InvokeAction{Provider: "geo", Operation: "fetch_dataset"},
			}},
			wantErr: "not in stage vocabulary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.req, tt.actions)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrProtocol)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestParseActions(t *testing.T) {
	t.Run("plain array", func(t *testing.T) {
		actions, err := parseActions(`[{"kind":"mark_stage_complete"}]`)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, KindMarkStageComplete, actions[0].Kind)
	})

	t.Run("code fence with prose", func(t *testing.T) {
		completion := "Here is my plan:\n```json\n[{\"kind\":\"invoke_tool\",\"invoke\":{\"provider\":\"pubmed\",\"operation\":\"search\"}}]\n```\nDone."
		actions, err := parseActions(completion)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, "pubmed", actions[0].Invoke.Provider)
	})

	t.Run("no array", func(t *testing.T) {
		_, err := parseActions("I cannot help with that.")
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := parseActions(`[{"kind": invoke_tool}]`)
		assert.ErrorIs(t, err, ErrProtocol)
	})
}

// fakeModel returns canned completions in order.
type fakeModel struct {
	completions []string
	calls       int
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	text := f.completions[min(f.calls, len(f.completions)-1)]
	f.calls++
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: text}},
	}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	text := f.completions[min(f.calls, len(f.completions)-1)]
	f.calls++
	return text, nil
}

func TestLLMPlanner(t *testing.T) {
	model := &fakeModel{completions: []string{
		`[{"kind":"invoke_tool","invoke":{"provider":"pubmed","operation":"search","budget_hint":0.1}}]`,
	}}
	p := NewLLMPlanner(model, nil)

	actions, err := p.Plan(context.Background(), Request{
		SessionID:  "session-1",
		Stage:      mission.StageLiteratureReview,
		Objective:  "survey gene X literature",
		MaxActions: 4,
	})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, KindInvokeTool, actions[0].Kind)
	assert.Equal(t, "search", actions[0].Invoke.Operation)
}

func TestLLMPlannerProtocolViolation(t *testing.T) {
	model := &fakeModel{completions: []string{`the dog ate my JSON`}}
	p := NewLLMPlanner(model, nil)

	_, err := p.Plan(context.Background(), Request{Stage: mission.StageAnalysis})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestPackFor(t *testing.T) {
	bio := PackFor("bioinformatics")
	assert.Equal(t, "bioinformatics", bio.Name)
	assert.Contains(t, bio.AnalysisMethods, "differential_expression")
	assert.Contains(t, bio.StatisticalFrameworks, "DESeq2")
	assert.NotEmpty(t, bio.Guidance)

	// Uncurated domains still get a usable pack.
	other := PackFor("oceanography")
	assert.Equal(t, "oceanography", other.Name)
	assert.Empty(t, other.AnalysisMethods)
	assert.Empty(t, other.promptSection())
}

func TestPromptIncludesDomainPack(t *testing.T) {
	p := NewLLMPlanner(&fakeModel{completions: []string{"[]"}}, nil)

	prompt := p.prompt(Request{
		Stage:     mission.StageAnalysis,
		Objective: "estimate treatment effect of policy Y",
		Domain:    "economics",
	})
	assert.Contains(t, prompt, "Domain: economics")
	assert.Contains(t, prompt, "difference_in_differences")
	assert.Contains(t, prompt, "Report robust standard errors")

	// Missions without a domain keep the base prompt.
	bare := p.prompt(Request{Stage: mission.StageAnalysis, Objective: "x"})
	assert.NotContains(t, bare, "Domain:")
}

func TestScripted(t *testing.T) {
	s := NewScripted(map[mission.Stage][][]Action{
		mission.StageAnalysis: {
			{{Kind: KindInvokeTool, Invoke: &InvokeAction{Provider: "hpc", Operation: "run_job"}}},
			{{Kind: KindMarkStageComplete}},
		},
	})

	ctx := context.Background()
	req := Request{Stage: mission.StageAnalysis}

	first, err := s.Plan(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, KindInvokeTool, first[0].Kind)

	second, err := s.Plan(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, KindMarkStageComplete, second[0].Kind)

	// Exhausted stages complete by default.
	third, err := s.Plan(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, KindMarkStageComplete, third[0].Kind)

	other, err := s.Plan(ctx, Request{Stage: mission.StageWriting})
	require.NoError(t, err)
	assert.Equal(t, KindMarkStageComplete, other[0].Kind)
}
