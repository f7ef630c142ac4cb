package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/helioslabs/missiond/internal/ledger"
)

// Report summarizes a verified ledger replay.
type Report struct {
	SessionID   string         `json:"session_id"`
	Entries     int            `json:"entries"`
	Stages      []string       `json:"stages"`
	ActionKinds map[string]int `json:"action_kinds"`
	Providers   map[string]int `json:"providers"`
	Checkpoints []string       `json:"checkpoints"`
}

// Replay walks a persisted ledger and reconstructs the session's course,
// verifying the sequencing invariants hold end to end. It is the audit
// counterpart of a live run: the same entries, read instead of written.
func Replay(entries []ledger.Entry) (*Report, error) {
	if len(entries) == 0 {
		return &Report{ActionKinds: map[string]int{}, Providers: map[string]int{}}, nil
	}

	r := &Report{
		SessionID:   entries[0].SessionID,
		Entries:     len(entries),
		ActionKinds: make(map[string]int),
		Providers:   make(map[string]int),
	}

	seenStages := make(map[string]bool)
	for i, e := range entries {
		want := uint64(i) + 1
		if e.Seq != want {
			return nil, fmt.Errorf("entry %d out of sequence: got %d", i, e.Seq)
		}
		if e.Prev >= e.Seq {
			return nil, fmt.Errorf("%w: entry %d references %d", ledger.ErrBadCausalLink, e.Seq, e.Prev)
		}
		if e.SessionID != r.SessionID {
			return nil, fmt.Errorf("entry %d belongs to session %s, ledger is %s",
				e.Seq, e.SessionID, r.SessionID)
		}

		switch e.Kind {
		case ledger.KindDecision:
			var p struct {
				Stage   string   `json:"stage"`
				Actions []string `json:"actions"`
			}
			if err := json.Unmarshal(e.Payload, &p); err == nil {
				if p.Stage != "" && !seenStages[p.Stage] {
					seenStages[p.Stage] = true
					r.Stages = append(r.Stages, p.Stage)
				}
				for _, k := range p.Actions {
					r.ActionKinds[k]++
				}
			}

		case ledger.KindToolCall:
			var p struct {
				Provider string `json:"provider"`
			}
			if err := json.Unmarshal(e.Payload, &p); err == nil && p.Provider != "" {
				r.Providers[p.Provider]++
			}

		case ledger.KindCheckpointEvent:
			var p struct {
				Stage string `json:"stage"`
				State string `json:"state"`
			}
			if err := json.Unmarshal(e.Payload, &p); err == nil {
				r.Checkpoints = append(r.Checkpoints, p.Stage+":"+p.State)
			}
		}
	}

	return r, nil
}

// ReplayFile reads and verifies a persisted ledger file.
func ReplayFile(path string) (*Report, error) {
	entries, err := ledger.Read(path)
	if err != nil {
		return nil, err
	}
	return Replay(entries)
}
