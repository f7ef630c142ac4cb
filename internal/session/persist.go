package session

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/helioslabs/missiond/internal/artifact"
	"github.com/helioslabs/missiond/internal/ledger"
	"github.com/helioslabs/missiond/internal/mission"
)

// Snapshot is the persisted view of a session.
type Snapshot struct {
	ID          string              `json:"id"`
	Mission     *mission.Mission    `json:"mission"`
	Status      Status              `json:"status"`
	Reason      string              `json:"reason,omitempty"`
	Stage       mission.Stage       `json:"stage,omitempty"`
	Results     []StageResult       `json:"results,omitempty"`
	Spend       string              `json:"spend"`
	LedgerLen   int                 `json:"ledger_len"`
	Artifacts   []artifact.Artifact `json:"artifacts,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Snapshot returns the current persisted view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:        s.mission.ID,
		Mission:   s.mission,
		Status:    s.status,
		Reason:    s.reason,
		Stage:     s.stage,
		Results:   append([]StageResult(nil), s.results...),
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
	s.mu.Unlock()

	snap.Spend = s.Budget.Spend().String()
	snap.LedgerLen = s.Ledger.Len()
	snap.Artifacts = s.Artifacts.List()
	return snap
}

// Save persists the session snapshot atomically as session.json. In-memory
// sessions are a no-op.
func (s *Session) Save() error {
	if s.dir == "" {
		return nil
	}

	data, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	path := filepath.Join(s.dir, "session.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// ReplicationManifest lists everything needed to reproduce a session's
// results: providers touched, artifact hashes, total spend.
type ReplicationManifest struct {
	SessionID  string              `json:"session_id"`
	Mission    *mission.Mission    `json:"mission"`
	Providers  []string            `json:"providers"`
	Artifacts  []artifact.Artifact `json:"artifacts"`
	TotalSpend string              `json:"total_spend"`
	LedgerFile string              `json:"ledger_file"`
	ExportedAt time.Time           `json:"exported_at"`
}

// Export writes a self-contained replication kit at dst: the session
// snapshot, the full ledger, artifact contents, and a manifest.
func (s *Session) Export(dst string) error {
	if err := os.MkdirAll(dst, 0o700); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	snap := s.Snapshot()
	snapData, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dst, "session.json"), snapData, 0o600); err != nil {
		return fmt.Errorf("failed to write session export: %w", err)
	}

	// Write the ledger as JSONL, identical in shape to the live file.
	entries := s.Ledger.Entries()
	lf, err := os.OpenFile(filepath.Join(dst, "ledger.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create ledger export: %w", err)
	}
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			lf.Close()
			return fmt.Errorf("failed to marshal ledger entry: %w", err)
		}
		if _, err := lf.Write(append(line, '\n')); err != nil {
			lf.Close()
			return fmt.Errorf("failed to write ledger export: %w", err)
		}
	}
	if err := lf.Close(); err != nil {
		return fmt.Errorf("failed to close ledger export: %w", err)
	}

	// Copy artifact contents when they live on disk.
	arts := s.Artifacts.List()
	if len(arts) > 0 {
		artDir := filepath.Join(dst, "artifacts")
		if err := os.MkdirAll(artDir, 0o700); err != nil {
			return fmt.Errorf("failed to create artifact export directory: %w", err)
		}
		for _, a := range arts {
			if a.Location == "" {
				continue
			}
			if err := copyFile(a.Location, filepath.Join(artDir, a.ID)); err != nil {
				return fmt.Errorf("failed to export artifact %s: %w", a.Name, err)
			}
		}
	}

	manifest := ReplicationManifest{
		SessionID:  snap.ID,
		Mission:    snap.Mission,
		Providers:  providersFrom(entries),
		Artifacts:  arts,
		TotalSpend: snap.Spend,
		LedgerFile: "ledger.jsonl",
		ExportedAt: time.Now().UTC(),
	}
	mData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dst, "manifest.json"), mData, 0o600); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// providersFrom extracts the distinct provider names from tool call entries.
func providersFrom(entries []ledger.Entry) []string {
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.Kind != ledger.KindToolCall {
			continue
		}
		var p struct {
			Provider string `json:"provider"`
		}
		if err := json.Unmarshal(e.Payload, &p); err != nil || p.Provider == "" {
			continue
		}
		seen[p.Provider] = true
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
