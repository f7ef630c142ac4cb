// Package ledger provides the append-only provenance log that records every
// consequential event of a session.
//
// Entries carry monotonically increasing sequence numbers, a hash chain over
// their content, and optional causal links to earlier entries. A write
// failure is fatal to the owning session, so the ledger never silently drops
// an event.
package ledger

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/helioslabs/missiond/internal/ledger"

var (
	// ErrWrite indicates the ledger could not persist an entry. The owning
	// session must treat this as fatal.
	ErrWrite = errors.New("ledger write failed")

	// ErrRejected indicates an admission policy refused the entry.
	ErrRejected = errors.New("ledger entry rejected by admission policy")

	// ErrBadCausalLink indicates an entry referenced a sequence number at or
	// beyond its own.
	ErrBadCausalLink = errors.New("causal link must reference an earlier entry")
)

// Kind classifies a ledger entry.
type Kind string

const (
	KindDecision        Kind = "decision"
	KindToolCall        Kind = "tool_call"
	KindArtifact        Kind = "artifact"
	KindCheckpointEvent Kind = "checkpoint_event"
)

// Entry is a single immutable record in the provenance log.
type Entry struct {
	Seq       uint64          `json:"seq"`
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Kind      Kind            `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`

	// Prev is the causal parent entry, 0 when the entry has no parent.
	Prev uint64 `json:"prev,omitempty"`

	// Digest chains this entry to its predecessor: sha256 over the previous
	// entry's digest plus this entry's content.
	Digest string `json:"digest"`

	Payload json.RawMessage `json:"payload"`
}

// AdmissionPolicy may veto an entry before it is appended. Policies see the
// entry kind and payload, never sequence numbers.
type AdmissionPolicy interface {
	Admit(kind Kind, payload json.RawMessage) error
}

// Ledger is an append-only, hash-chained event log for one session.
// All appends serialize on a single lock so sequence numbers are gap-free.
type Ledger struct {
	mu         sync.Mutex
	sessionID  string
	entries    []Entry
	lastDigest string
	file       *os.File
	policies   []AdmissionPolicy
	logger     *zap.Logger

	appends metric.Int64Counter
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithPolicy installs an admission policy. Policies run in installation order.
func WithPolicy(p AdmissionPolicy) Option {
	return func(l *Ledger) { l.policies = append(l.policies, p) }
}

// New creates a ledger persisting entries as JSON lines at path.
// An empty path keeps the ledger in memory only.
func New(sessionID, path string, opts ...Option) (*Ledger, error) {
	if sessionID == "" {
		return nil, errors.New("session ID is required")
	}

	l := &Ledger{
		sessionID: sessionID,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger file: %w", err)
		}
		l.file = f
	}

	if err := l.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return l, nil
}

func (l *Ledger) initMetrics() error {
	meter := otel.Meter(instrumentationName)

	var err error
	l.appends, err = meter.Int64Counter("ledger.appends",
		metric.WithDescription("Total ledger entries appended"),
	)
	return err
}

// Append records an event and returns the committed entry. prev links the
// entry to a causal parent; 0 links it to the immediately preceding entry,
// or nothing when the ledger is empty.
func (l *Ledger) Append(ctx context.Context, kind Kind, prev uint64, payload json.RawMessage) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := uint64(len(l.entries)) + 1
	if prev == 0 && seq > 1 {
		prev = seq - 1
	}
	if prev >= seq {
		return Entry{}, fmt.Errorf("%w: prev=%d seq=%d", ErrBadCausalLink, prev, seq)
	}

	for _, p := range l.policies {
		if err := p.Admit(kind, payload); err != nil {
			l.logger.Warn("ledger entry rejected",
				zap.String("session_id", l.sessionID),
				zap.String("kind", string(kind)),
				zap.Error(err))
			return Entry{}, fmt.Errorf("%w: %v", ErrRejected, err)
		}
	}

	e := Entry{
		Seq:       seq,
		ID:        uuid.New().String(),
		SessionID: l.sessionID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Prev:      prev,
		Payload:   payload,
	}
	e.Digest = l.digest(e)

	if l.file != nil {
		line, err := json.Marshal(e)
		if err != nil {
			return Entry{}, fmt.Errorf("%w: marshal: %v", ErrWrite, err)
		}
		if _, err := l.file.Write(append(line, '\n')); err != nil {
			l.logger.Error("ledger append failed",
				zap.String("session_id", l.sessionID),
				zap.Uint64("seq", seq),
				zap.Error(err))
			return Entry{}, fmt.Errorf("%w: %v", ErrWrite, err)
		}
		if err := l.file.Sync(); err != nil {
			return Entry{}, fmt.Errorf("%w: sync: %v", ErrWrite, err)
		}
	}

	l.entries = append(l.entries, e)
	l.lastDigest = e.Digest
	if l.appends != nil {
		l.appends.Add(ctx, 1)
	}

	l.logger.Debug("ledger entry appended",
		zap.String("session_id", l.sessionID),
		zap.Uint64("seq", seq),
		zap.String("kind", string(kind)))
	return e, nil
}

// digest chains the entry content to the running digest. Caller holds mu.
func (l *Ledger) digest(e Entry) string {
	h := sha256.New()
	h.Write([]byte(l.lastDigest))
	h.Write([]byte(fmt.Sprintf("%d|%s|%s|%d|", e.Seq, e.SessionID, e.Kind, e.Prev)))
	h.Write(e.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Len returns the number of committed entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a copy of all committed entries.
func (l *Ledger) Entries() []Entry {
	return l.EntriesSince(0)
}

// EntriesSince returns a copy of entries with Seq > seq.
func (l *Ledger) EntriesSince(seq uint64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if seq >= uint64(len(l.entries)) {
		return nil
	}
	out := make([]Entry, len(l.entries)-int(seq))
	copy(out, l.entries[seq:])
	return out
}

// Close releases the backing file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Read loads a persisted ledger file and verifies its sequence and hash
// chain. It is the entry point for replay.
func Read(path string) ([]Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes JSONL ledger content and verifies the chain invariants.
func Parse(raw []byte) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("failed to decode ledger entry: %w", err)
		}
		want := uint64(len(entries)) + 1
		if e.Seq != want {
			return nil, fmt.Errorf("ledger sequence gap: got %d, want %d", e.Seq, want)
		}
		if e.Prev >= e.Seq {
			return nil, fmt.Errorf("%w: entry %d references %d", ErrBadCausalLink, e.Seq, e.Prev)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan ledger file: %w", err)
	}
	return entries, nil
}
