package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helioslabs/missiond/internal/mission"
)

func TestResolve(t *testing.T) {
	cps := []mission.Checkpoint{
		{After: "analysis", Action: mission.ActionRequireApproval},
		{After: "writing", Action: mission.ActionNotify},
	}

	assert.Equal(t, mission.ActionRequireApproval, Resolve(mission.StageAnalysis, cps))
	assert.Equal(t, mission.ActionNotify, Resolve(mission.StageWriting, cps))
	assert.Empty(t, Resolve(mission.StageLiteratureReview, cps))
}

func TestAwaitAndSignal(t *testing.T) {
	s := NewService(nil)

	ch := s.Await("session-1", mission.StageAnalysis)
	require.Len(t, s.Pending("session-1"), 1)

	err := s.Signal("session-1", mission.StageAnalysis, Decision{Approved: true, Actor: "alice"})
	require.NoError(t, err)

	select {
	case d := <-ch:
		assert.True(t, d.Approved)
		assert.Equal(t, "alice", d.Actor)
		assert.False(t, d.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("decision never delivered")
	}

	assert.Empty(t, s.Pending("session-1"))
}

func TestSignalNotPending(t *testing.T) {
	s := NewService(nil)
	err := s.Signal("session-1", mission.StageAnalysis, Decision{Approved: true})
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestSignalAlreadyResolved(t *testing.T) {
	s := NewService(nil)
	s.Await("session-1", mission.StageAnalysis)

	require.NoError(t, s.Signal("session-1", mission.StageAnalysis, Decision{Approved: false, Actor: "alice"}))

	// The first decision wins; a second is rejected.
	err := s.Signal("session-1", mission.StageAnalysis, Decision{Approved: true, Actor: "bob"})
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestWithdraw(t *testing.T) {
	s := NewService(nil)
	s.Await("session-1", mission.StageAnalysis)
	s.Withdraw("session-1", mission.StageAnalysis)

	err := s.Signal("session-1", mission.StageAnalysis, Decision{Approved: true})
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestSignalDoesNotBlock(t *testing.T) {
	s := NewService(nil)
	s.Await("session-1", mission.StageWriting)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// No reader on the decision channel yet; the buffered channel
		// keeps Signal from blocking.
		require.NoError(t, s.Signal("session-1", mission.StageWriting, Decision{Approved: true}))
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Signal blocked without a waiting reader")
	}
}

func TestIndependentSessions(t *testing.T) {
	s := NewService(nil)
	ch1 := s.Await("session-1", mission.StageAnalysis)
	ch2 := s.Await("session-2", mission.StageAnalysis)

	require.NoError(t, s.Signal("session-2", mission.StageAnalysis, Decision{Approved: false}))

	select {
	case <-ch1:
		t.Fatal("decision leaked to the wrong session")
	default:
	}
	d := <-ch2
	assert.False(t, d.Approved)
}
