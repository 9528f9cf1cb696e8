// Package ledger is the append-only, hash-chained audit trail of the
// pipeline. Every entry binds to its predecessor through its hash, so any
// mutation, insertion, or deletion after the fact is detectable by Verify.
//
// Payloads are redacted before hashing. Verify therefore recomputes hashes
// over exactly the bytes that were stored; secrets never constrain what the
// chain can prove.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kubegate-labs/kubegate/pkg/canonicalize"
	"github.com/kubegate-labs/kubegate/pkg/contracts"
	"github.com/kubegate-labs/kubegate/pkg/redact"
)

// genesisHash is the previous-hash of the first entry in a chain.
const genesisHash = "genesis"

// Entry is one immutable audit record. Payload holds the canonical redacted
// JSON that was hashed; it is stored verbatim so Verify is byte-exact.
type Entry struct {
	ID          string              `json:"id"`
	Sequence    uint64              `json:"sequence"`
	Timestamp   time.Time           `json:"timestamp"`
	Type        contracts.EventType `json:"type"`
	ActorID     string              `json:"actor_id"`
	PlanID      string              `json:"plan_id,omitempty"`
	Payload     json.RawMessage     `json:"payload,omitempty"`
	PayloadHash string              `json:"payload_hash"`
	PrevHash    string              `json:"prev_hash"`
	EntryHash   string              `json:"entry_hash"`
	Archived    bool                `json:"archived,omitempty"`
}

// hashable is the subset of Entry covered by the entry hash. Archived is
// excluded: archival must not break the chain.
type hashable struct {
	Sequence    uint64              `json:"sequence"`
	Timestamp   time.Time           `json:"timestamp"`
	Type        contracts.EventType `json:"type"`
	ActorID     string              `json:"actor_id"`
	PlanID      string              `json:"plan_id,omitempty"`
	PayloadHash string              `json:"payload_hash"`
	PrevHash    string              `json:"prev_hash"`
}

func computeEntryHash(e *Entry) (string, error) {
	return canonicalize.CanonicalHash(hashable{
		Sequence:    e.Sequence,
		Timestamp:   e.Timestamp,
		Type:        e.Type,
		ActorID:     e.ActorID,
		PlanID:      e.PlanID,
		PayloadHash: e.PayloadHash,
		PrevHash:    e.PrevHash,
	})
}

// Filter selects entries for Query, Verify, and Export.
type Filter struct {
	Type            contracts.EventType
	PlanID          string
	ActorID         string
	After           *time.Time
	Before          *time.Time
	IncludeArchived bool
	Limit           int
}

// Matches reports whether the entry passes the filter. Archived entries are
// excluded unless explicitly requested.
func (f Filter) Matches(e *Entry) bool {
	if e.Archived && !f.IncludeArchived {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.PlanID != "" && e.PlanID != f.PlanID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.After != nil && e.Timestamp.Before(*f.After) {
		return false
	}
	if f.Before != nil && e.Timestamp.After(*f.Before) {
		return false
	}
	return true
}

// Store is the persistence backend for the chain. Implementations must keep
// entries in sequence order and never delete them.
type Store interface {
	// AppendEntry persists a fully-formed entry. The entry's sequence must
	// be exactly one past the stored head.
	AppendEntry(ctx context.Context, e *Entry) error

	// Head returns the sequence and entry hash of the newest entry, or
	// (0, genesis) for an empty chain.
	Head(ctx context.Context) (uint64, string, error)

	// Walk visits every entry in sequence order, archived included.
	Walk(ctx context.Context, fn func(*Entry) error) error

	// Query returns entries matching the filter in sequence order.
	Query(ctx context.Context, f Filter) ([]*Entry, error)

	// MarkArchived flags entries at or below the sequence as archived.
	// Archived entries stay in the chain; nothing is deleted.
	MarkArchived(ctx context.Context, upToSeq uint64) (int, error)
}

// VerifyReport summarizes a successful chain verification.
type VerifyReport struct {
	Entries  int    `json:"entries"`
	HeadSeq  uint64 `json:"head_sequence"`
	HeadHash string `json:"head_hash"`
}

// Ledger serializes appends over a Store and maintains the hash chain.
// Once Verify observes a broken chain the ledger poisons itself: further
// appends fail until the operator intervenes, so a tampered trail cannot
// quietly keep growing.
type Ledger struct {
	store    Store
	mu       sync.Mutex
	poisoned atomic.Bool
	logger   *slog.Logger
	clock    func() time.Time
	newID    func() string
}

// New creates a Ledger over the given store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  store,
		logger: logger.With("component", "ledger"),
		clock:  time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append redacts the event payload, hashes it, links it to the chain head,
// and persists the entry. Appends are serialized; the chain has exactly one
// append point.
func (l *Ledger) Append(ctx context.Context, event contracts.PipelineEvent) (*Entry, error) {
	if l.poisoned.Load() {
		return nil, fmt.Errorf("%w: ledger is poisoned, appends disabled", contracts.ErrIntegrityViolation)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("ledger: %w", contracts.ErrMissingField("event type"))
	}
	if event.ActorID == "" {
		return nil, fmt.Errorf("ledger: %w", contracts.ErrMissingField("actor id"))
	}

	payload, payloadHash, err := redactAndHash(event.Payload)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq, head, err := l.store.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: read head: %w", err)
	}

	entry := &Entry{
		ID:          l.newID(),
		Sequence:    seq + 1,
		Timestamp:   l.clock().UTC(),
		Type:        event.Type,
		ActorID:     event.ActorID,
		PlanID:      event.PlanID,
		Payload:     payload,
		PayloadHash: payloadHash,
		PrevHash:    head,
	}
	entry.EntryHash, err = computeEntryHash(entry)
	if err != nil {
		return nil, fmt.Errorf("ledger: hash entry: %w", err)
	}

	if err := l.store.AppendEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("ledger: append: %w", err)
	}

	l.logger.DebugContext(ctx, "entry appended",
		"sequence", entry.Sequence, "type", string(entry.Type), "plan_id", entry.PlanID)
	return entry, nil
}

// redactAndHash produces the canonical redacted payload bytes and their hash.
// A nil payload hashes to the hash of JSON null, so absence is still covered
// by the chain.
func redactAndHash(payload any) (json.RawMessage, string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("ledger: marshal payload: %w", err)
	}
	var shaped any
	if err := json.Unmarshal(raw, &shaped); err != nil {
		return nil, "", fmt.Errorf("ledger: reshape payload: %w", err)
	}
	canonical, err := canonicalize.JCS(redact.Value(shaped))
	if err != nil {
		return nil, "", fmt.Errorf("ledger: canonicalize payload: %w", err)
	}
	return canonical, canonicalize.HashBytes(canonical), nil
}

// Verify walks the whole chain, archived entries included, and recomputes
// every link. On the first broken link it poisons the ledger and returns an
// error wrapping ErrIntegrityViolation.
func (l *Ledger) Verify(ctx context.Context) (*VerifyReport, error) {
	report := &VerifyReport{HeadHash: genesisHash}
	expectedPrev := genesisHash
	var expectedSeq uint64 = 1

	err := l.store.Walk(ctx, func(e *Entry) error {
		if e.Sequence != expectedSeq {
			return fmt.Errorf("%w: entry %s has sequence %d, expected %d",
				contracts.ErrIntegrityViolation, e.ID, e.Sequence, expectedSeq)
		}
		if e.PrevHash != expectedPrev {
			return fmt.Errorf("%w: entry %d links to %s, expected %s",
				contracts.ErrIntegrityViolation, e.Sequence, e.PrevHash, expectedPrev)
		}
		if hash := canonicalize.HashBytes(e.Payload); hash != e.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch",
				contracts.ErrIntegrityViolation, e.Sequence)
		}
		computed, err := computeEntryHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d rehash failed: %v",
				contracts.ErrIntegrityViolation, e.Sequence, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				contracts.ErrIntegrityViolation, e.Sequence, computed, e.EntryHash)
		}
		expectedPrev = e.EntryHash
		expectedSeq++
		report.Entries++
		report.HeadSeq = e.Sequence
		report.HeadHash = e.EntryHash
		return nil
	})
	if err != nil {
		l.poisoned.Store(true)
		l.logger.ErrorContext(ctx, "chain verification failed, ledger poisoned", "error", err)
		return nil, err
	}
	return report, nil
}

// Query returns matching entries; archived entries only when asked for.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	entries, err := l.store.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	return entries, nil
}

// Archive flags every entry at or below upToSeq as archived and records the
// archival itself as a chain entry. Archived entries remain verifiable
// forever; there is no deletion path.
func (l *Ledger) Archive(ctx context.Context, actorID string, upToSeq uint64) (int, error) {
	count, err := l.store.MarkArchived(ctx, upToSeq)
	if err != nil {
		return 0, fmt.Errorf("ledger: archive: %w", err)
	}
	if count == 0 {
		return 0, nil
	}
	_, err = l.Append(ctx, contracts.PipelineEvent{
		Type:    contracts.EventArchival,
		ActorID: actorID,
		Payload: map[string]any{"archived_through_sequence": upToSeq, "entries": count},
	})
	if err != nil {
		return count, err
	}
	return count, nil
}
