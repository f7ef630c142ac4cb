package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helioslabs/missiond/internal/artifact"
	"github.com/helioslabs/missiond/internal/ledger"
	"github.com/helioslabs/missiond/internal/mission"
	"github.com/helioslabs/missiond/internal/registry"
)

func testMission(t *testing.T) *mission.Mission {
	t.Helper()
	m, err := mission.Load([]byte(`
objective: "test objective"
mode: hypothesis
constraints:
  compute_budget: 10.0
  time_limit: 1h
`))
	require.NoError(t, err)
	return m
}

func TestNew(t *testing.T) {
	m := testMission(t)
	s, err := New(m, t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, m.ID, s.ID())
	assert.Equal(t, StatusPending, s.Status())
	assert.NotNil(t, s.Ledger)
	assert.NotNil(t, s.Budget)
	assert.NotNil(t, s.Artifacts)
}

func TestNewRejectsInvalidMission(t *testing.T) {
	m := testMission(t)
	m.Objective = ""
	_, err := New(m, "", nil)
	assert.ErrorIs(t, err, mission.ErrValidation)
}

func TestLifecycle(t *testing.T) {
	s, err := New(testMission(t), "", nil)
	require.NoError(t, err)

	s.BeginStage(mission.StageLiteratureReview)
	assert.Equal(t, StatusRunning, s.Status())
	assert.Equal(t, mission.StageLiteratureReview, s.Stage())

	s.EndStage(mission.StageLiteratureReview, "completed", "found 12 papers")
	results := s.Results()
	require.Len(t, results, 1)
	assert.Equal(t, "completed", results[0].Status)
	assert.Equal(t, "found 12 papers", results[0].Summary)
	assert.False(t, results[0].Finished.IsZero())

	s.Complete()
	assert.Equal(t, StatusCompleted, s.Status())
}

func TestFirstFailureWins(t *testing.T) {
	s, err := New(testMission(t), "", nil)
	require.NoError(t, err)

	s.Fail(ReasonBudgetExceeded)
	s.Fail(ReasonToolFailure)
	assert.Equal(t, StatusFailed, s.Status())
	assert.Equal(t, ReasonBudgetExceeded, s.Reason())

	// A failed session never completes.
	s.Complete()
	assert.Equal(t, StatusFailed, s.Status())
}

func TestAbort(t *testing.T) {
	s, err := New(testMission(t), "", nil)
	require.NoError(t, err)

	assert.False(t, s.Aborting())
	s.Abort("operator request")
	s.Abort("second request is ignored")

	assert.True(t, s.Aborting())
	assert.Equal(t, "operator request", s.AbortReason())

	select {
	case <-s.AbortChan():
	case <-time.After(time.Second):
		t.Fatal("abort channel never closed")
	}
}

func TestRecordAttempt(t *testing.T) {
	s, err := New(testMission(t), "", nil)
	require.NoError(t, err)

	ctx := context.Background()
	decision, err := s.Ledger.Append(ctx, ledger.KindDecision, 0, json.RawMessage(`{"plan":"search"}`))
	require.NoError(t, err)

	err = s.RecordAttempt(ctx, registry.AttemptRecord{
		Provider:  "pubmed",
		Operation: "search",
		Attempt:   1,
		Status:    "success",
		Cost:      decimal.RequireFromString("0.25"),
		Parent:    decision.Seq,
	})
	require.NoError(t, err)

	entries := s.Ledger.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.KindToolCall, entries[1].Kind)
	assert.Equal(t, decision.Seq, entries[1].Prev)
}

func TestExploratoryCorrectionPolicy(t *testing.T) {
	m, err := mission.Load([]byte(`
objective: "mine the dataset"
mode: exploratory
correction: fdr
constraints:
  compute_budget: 10.0
  time_limit: 1h
`))
	require.NoError(t, err)

	s, err := New(m, "", nil)
	require.NoError(t, err)

	uncorrected, err := json.Marshal(map[string]any{
		"name":  "finding",
		"stats": []artifact.Stat{{Name: "assoc", PValue: 0.01, Corrected: false}},
	})
	require.NoError(t, err)

	_, err = s.Ledger.Append(context.Background(), ledger.KindArtifact, 0, uncorrected)
	assert.ErrorIs(t, err, ledger.ErrRejected)
}

func TestSaveAndSnapshot(t *testing.T) {
	dir := t.TempDir()
	s, err := New(testMission(t), dir, nil)
	require.NoError(t, err)

	s.BeginStage(mission.StageAnalysis)
	s.Budget.Charge(decimal.RequireFromString("2.50"))
	require.NoError(t, s.Save())

	data, err := os.ReadFile(filepath.Join(dir, "session.json"))
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, s.ID(), snap.ID)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, "2.5", snap.Spend)
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	s, err := New(testMission(t), dir, nil)
	require.NoError(t, err)

	ctx := context.Background()
	d, err := s.Ledger.Append(ctx, ledger.KindDecision, 0, json.RawMessage(`{"plan":"fetch"}`))
	require.NoError(t, err)
	require.NoError(t, s.RecordAttempt(ctx, registry.AttemptRecord{
		Provider: "geo", Operation: "fetch_dataset", Attempt: 1, Status: "success", Parent: d.Seq,
	}))
	require.NoError(t, s.RecordAttempt(ctx, registry.AttemptRecord{
		Provider: "pubmed", Operation: "search", Attempt: 1, Status: "success", Parent: d.Seq,
	}))

	_, err = s.Artifacts.Put("analysis", "figure-1", artifact.TypeFigure, []byte("png"), d.Seq, "", nil)
	require.NoError(t, err)

	exportDir := filepath.Join(t.TempDir(), "kit")
	require.NoError(t, s.Export(exportDir))

	entries, err := ledger.Read(filepath.Join(exportDir, "ledger.jsonl"))
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	mData, err := os.ReadFile(filepath.Join(exportDir, "manifest.json"))
	require.NoError(t, err)
	var manifest ReplicationManifest
	require.NoError(t, json.Unmarshal(mData, &manifest))
	assert.Equal(t, []string{"geo", "pubmed"}, manifest.Providers)
	require.Len(t, manifest.Artifacts, 1)

	// Exported artifact content travels with the kit.
	_, err = os.Stat(filepath.Join(exportDir, "artifacts", manifest.Artifacts[0].ID))
	assert.NoError(t, err)
}
