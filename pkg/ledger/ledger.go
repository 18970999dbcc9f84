// Package ledger is the append-only, hash-chained audit record of every
// command lifecycle event. It is the single source of truth for "did this
// happen": nothing is reported terminal to a caller before the matching
// event is durably appended here.
package ledger

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fleetgate/fleetgate/pkg/logger"
	"github.com/fleetgate/fleetgate/pkg/models"
)

// Entry is an append request. Seq is normally zero and assigned by the
// ledger; a caller-supplied Seq that is not the next position is refused
// with ErrChainViolation.
type Entry struct {
	Seq       uint64
	Timestamp time.Time
	Actor     string
	JobID     string
	DeviceID  string
	EventKind models.EventKind
	Payload   any
}

// Config controls persistence and checkpointing.
type Config struct {
	// Path is the JSONL file backing the ledger. Empty keeps the ledger
	// in memory only.
	Path string `json:"path"`
	// CheckpointInterval appends a signed checkpoint record every N
	// records when a signer is configured. 0 disables checkpoints.
	CheckpointInterval uint64 `json:"checkpoint_interval"`
}

// Ledger is a single-writer arena of audit records. Appends are
// serialized by one writer position; queries read already-written,
// immutable history.
type Ledger struct {
	mu         sync.RWMutex
	records    []models.AuditRecord
	lastDigest string
	halted     bool
	haltCause  error
	store      *fileStore
	signer     *CheckpointSigner
	config     Config
	logger     logger.Logger
	now        func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSigner enables signed checkpoints over periodic chain digests.
func WithSigner(signer *CheckpointSigner) Option {
	return func(l *Ledger) {
		l.signer = signer
	}
}

// New opens a ledger. When config.Path names an existing file its chain
// is loaded and verified; a corrupt chain opens the ledger halted.
func New(config Config, log logger.Logger, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		lastDigest: genesisDigest,
		config:     config,
		logger:     log,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	if config.Path != "" {
		store, records, err := openFileStore(config.Path)
		if err != nil {
			return nil, err
		}

		l.store = store
		l.records = records

		if len(records) > 0 {
			l.lastDigest = records[len(records)-1].Digest
		}

		if ok, brokenSeq := verifyRecords(records, genesisDigest); !ok {
			l.halted = true
			l.haltCause = fmt.Errorf("%w: stored chain broken at seq %d", models.ErrChainViolation, brokenSeq)
			l.logger.Error().Uint64("seq", brokenSeq).Str("path", config.Path).
				Msg("ledger chain broken on open, appends halted")
		}
	}

	return l, nil
}

// Append serializes the entry, extends the hash chain, durably writes the
// record, and returns its sequence number.
func (l *Ledger) Append(entry Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq, err := l.appendLocked(entry)
	if err != nil {
		return 0, err
	}

	if l.signer != nil && l.config.CheckpointInterval > 0 && seq%l.config.CheckpointInterval == 0 {
		if err := l.checkpointLocked(seq); err != nil {
			return seq, err
		}
	}

	return seq, nil
}

func (l *Ledger) appendLocked(entry Entry) (uint64, error) {
	if l.halted {
		return 0, fmt.Errorf("%w: %v", models.ErrLedgerHalted, l.haltCause)
	}

	next := uint64(len(l.records)) + 1

	if entry.Seq != 0 && entry.Seq != next {
		l.halted = true
		l.haltCause = fmt.Errorf("%w: append seq %d, expected %d", models.ErrChainViolation, entry.Seq, next)

		return 0, l.haltCause
	}

	timestamp := entry.Timestamp
	if timestamp.IsZero() {
		timestamp = l.now()
	}

	var (
		payloadBytes []byte
		err          error
	)

	if entry.Payload != nil {
		payloadBytes, err = json.Marshal(entry.Payload)
		if err != nil {
			return 0, fmt.Errorf("failed to serialize audit payload: %w", err)
		}
	}

	record := models.AuditRecord{
		Seq:           next,
		Timestamp:     timestamp.UTC(),
		Actor:         entry.Actor,
		JobID:         entry.JobID,
		DeviceID:      entry.DeviceID,
		EventKind:     entry.EventKind,
		Payload:       payloadBytes,
		PayloadDigest: payloadDigest(payloadBytes),
		PrevDigest:    l.lastDigest,
	}
	record.Digest = recordDigest(l.lastDigest, &record)

	if l.store != nil {
		if err := l.store.append(&record); err != nil {
			return 0, fmt.Errorf("failed to persist audit record: %w", err)
		}
	}

	l.records = append(l.records, record)
	l.lastDigest = record.Digest

	return next, nil
}

func (l *Ledger) checkpointLocked(seq uint64) error {
	checkpoint := l.signer.Checkpoint(seq, l.lastDigest)

	_, err := l.appendLocked(Entry{
		Actor:     "ledger",
		EventKind: models.EventLedgerCheckpoint,
		Payload:   checkpoint,
	})

	return err
}

// Len returns the number of appended records.
func (l *Ledger) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return uint64(len(l.records))
}

// Halted reports whether appends are refused pending operator
// intervention, along with the cause.
func (l *Ledger) Halted() (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.halted, l.haltCause
}

// Reset clears a halt after operator intervention. It does not repair the
// chain; callers are expected to have truncated or restored the backing
// file first.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.halted = false
	l.haltCause = nil
}

// VerifyChain recomputes digests over [fromSeq, toSeq] and reports
// whether the chain holds, plus the sequence of the first break (0 when
// intact). Sequence 0 means the full range.
func (l *Ledger) VerifyChain(fromSeq, toSeq uint64) (bool, uint64) {
	l.mu.RLock()
	records := l.records
	l.mu.RUnlock()

	total := uint64(len(records))

	if fromSeq == 0 {
		fromSeq = 1
	}

	if toSeq == 0 || toSeq > total {
		toSeq = total
	}

	if fromSeq > toSeq {
		return true, 0
	}

	// Anchor on the stored digest of the record before the range; the
	// genesis digest anchors a verification from the start.
	prev := genesisDigest
	if fromSeq > 1 {
		prev = records[fromSeq-2].Digest
	}

	return verifyRecords(records[fromSeq-1:toSeq], prev)
}

func verifyRecords(records []models.AuditRecord, prevDigest string) (bool, uint64) {
	prev := prevDigest

	for i := range records {
		record := &records[i]

		if record.PrevDigest != prev {
			return false, record.Seq
		}

		if payloadDigest(record.Payload) != record.PayloadDigest {
			return false, record.Seq
		}

		if recordDigest(prev, record) != record.Digest {
			return false, record.Seq
		}

		prev = record.Digest
	}

	return true, 0
}

// Query returns records matching the filter in sequence order, paginated
// by (AfterSeq, Limit). Reads never block appends beyond the snapshot of
// the slice header.
func (l *Ledger) Query(filter models.AuditFilter) []models.AuditRecord {
	l.mu.RLock()
	records := l.records
	l.mu.RUnlock()

	var out []models.AuditRecord

	for i := range records {
		record := &records[i]

		if record.Seq <= filter.AfterSeq {
			continue
		}

		if !matchesFilter(record, &filter) {
			continue
		}

		out = append(out, *record)

		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}

	return out
}

func matchesFilter(record *models.AuditRecord, filter *models.AuditFilter) bool {
	if !filter.From.IsZero() && record.Timestamp.Before(filter.From) {
		return false
	}

	if !filter.To.IsZero() && record.Timestamp.After(filter.To) {
		return false
	}

	if filter.DeviceID != "" && record.DeviceID != filter.DeviceID {
		return false
	}

	if filter.Actor != "" && record.Actor != filter.Actor {
		return false
	}

	if filter.JobID != "" && record.JobID != filter.JobID {
		return false
	}

	if filter.EventKind != "" && record.EventKind != filter.EventKind {
		return false
	}

	return true
}

// Close releases the backing file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.store == nil {
		return nil
	}

	return l.store.close()
}
