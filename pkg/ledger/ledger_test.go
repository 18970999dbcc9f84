package ledger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/pkg/logger"
	"github.com/fleetgate/fleetgate/pkg/models"
)

func newMemoryLedger(t *testing.T) *Ledger {
	t.Helper()

	l, err := New(Config{}, logger.NewTestLogger())
	require.NoError(t, err)

	return l
}

func appendN(t *testing.T, l *Ledger, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		_, err := l.Append(Entry{
			Actor:     "tester",
			JobID:     "job-1",
			DeviceID:  "pixel-01",
			EventKind: models.EventJobQueued,
			Payload:   map[string]string{"state": "queued"},
		})
		require.NoError(t, err)
	}
}

func TestAppendAssignsSequentialSeq(t *testing.T) {
	l := newMemoryLedger(t)

	for want := uint64(1); want <= 5; want++ {
		seq, err := l.Append(Entry{Actor: "tester", EventKind: models.EventJobQueued})
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}

	assert.Equal(t, uint64(5), l.Len())
}

func TestChainVerifies(t *testing.T) {
	l := newMemoryLedger(t)
	appendN(t, l, 10)

	ok, broken := l.VerifyChain(0, 0)
	assert.True(t, ok)
	assert.Zero(t, broken)

	// Partial range anchored mid-chain.
	ok, broken = l.VerifyChain(4, 8)
	assert.True(t, ok)
	assert.Zero(t, broken)
}

func TestAppendOutOfOrderSeqHalts(t *testing.T) {
	l := newMemoryLedger(t)
	appendN(t, l, 3)

	_, err := l.Append(Entry{Seq: 7, Actor: "tester", EventKind: models.EventJobQueued})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrChainViolation)

	halted, cause := l.Halted()
	assert.True(t, halted)
	assert.Error(t, cause)

	// Further appends are refused until an operator resets.
	_, err = l.Append(Entry{Actor: "tester", EventKind: models.EventJobQueued})
	assert.ErrorIs(t, err, models.ErrLedgerHalted)

	l.Reset()

	_, err = l.Append(Entry{Actor: "tester", EventKind: models.EventJobQueued})
	assert.NoError(t, err)
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "ledger.jsonl")

	l, err := New(Config{Path: path}, logger.NewTestLogger())
	require.NoError(t, err)

	appendN(t, l, 5)
	require.NoError(t, l.Close())

	reopened, err := New(Config{Path: path}, logger.NewTestLogger())
	require.NoError(t, err)

	defer reopened.Close()

	assert.Equal(t, uint64(5), reopened.Len())

	halted, _ := reopened.Halted()
	assert.False(t, halted)

	ok, _ := reopened.VerifyChain(0, 0)
	assert.True(t, ok)

	// The chain continues from the stored tip.
	seq, err := reopened.Append(Entry{Actor: "tester", EventKind: models.EventJobSucceeded})
	require.NoError(t, err)
	assert.Equal(t, uint64(6), seq)

	ok, _ = reopened.VerifyChain(0, 0)
	assert.True(t, ok)
}

func TestTamperedFileOpensHalted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	l, err := New(Config{Path: path}, logger.NewTestLogger())
	require.NoError(t, err)

	appendN(t, l, 4)
	require.NoError(t, l.Close())

	// Flip the actor on the second record without recomputing digests.
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 4)

	var record models.AuditRecord
	require.NoError(t, json.Unmarshal(lines[1], &record))

	record.Actor = "intruder"
	forged, err := json.Marshal(record)
	require.NoError(t, err)

	lines[1] = forged
	require.NoError(t, os.WriteFile(path, append(bytes.Join(lines, []byte("\n")), '\n'), 0o640))

	reopened, err := New(Config{Path: path}, logger.NewTestLogger())
	require.NoError(t, err)

	defer reopened.Close()

	halted, cause := reopened.Halted()
	assert.True(t, halted)
	assert.ErrorIs(t, cause, models.ErrChainViolation)

	ok, broken := reopened.VerifyChain(0, 0)
	assert.False(t, ok)
	assert.Equal(t, uint64(2), broken)

	_, err = reopened.Append(Entry{Actor: "tester", EventKind: models.EventJobQueued})
	assert.ErrorIs(t, err, models.ErrLedgerHalted)
}

func TestQueryFilters(t *testing.T) {
	l := newMemoryLedger(t)

	entries := []Entry{
		{Actor: "alice", JobID: "job-1", DeviceID: "d1", EventKind: models.EventJobQueued},
		{Actor: "alice", JobID: "job-1", DeviceID: "d1", EventKind: models.EventJobSucceeded},
		{Actor: "bob", JobID: "job-2", DeviceID: "d2", EventKind: models.EventJobQueued},
		{Actor: "registry", DeviceID: "d2", EventKind: models.EventSessionLost},
	}

	for _, entry := range entries {
		_, err := l.Append(entry)
		require.NoError(t, err)
	}

	byJob := l.Query(models.AuditFilter{JobID: "job-1"})
	require.Len(t, byJob, 2)
	assert.Equal(t, uint64(1), byJob[0].Seq)
	assert.Equal(t, uint64(2), byJob[1].Seq)

	byDevice := l.Query(models.AuditFilter{DeviceID: "d2"})
	require.Len(t, byDevice, 2)

	byKind := l.Query(models.AuditFilter{EventKind: models.EventSessionLost})
	require.Len(t, byKind, 1)
	assert.Equal(t, "registry", byKind[0].Actor)

	paged := l.Query(models.AuditFilter{AfterSeq: 1, Limit: 2})
	require.Len(t, paged, 2)
	assert.Equal(t, uint64(2), paged[0].Seq)
	assert.Equal(t, uint64(3), paged[1].Seq)
}

func TestQueryTimeWindow(t *testing.T) {
	l := newMemoryLedger(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := l.Append(Entry{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Actor:     "tester",
			EventKind: models.EventJobQueued,
		})
		require.NoError(t, err)
	}

	window := l.Query(models.AuditFilter{
		From: base.Add(30 * time.Second),
		To:   base.Add(90 * time.Second),
	})
	require.Len(t, window, 1)
	assert.Equal(t, uint64(2), window[0].Seq)
}

func TestSignedCheckpoints(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, 32)

	signer, err := NewCheckpointSigner(seed)
	require.NoError(t, err)

	l, err := New(Config{CheckpointInterval: 3}, logger.NewTestLogger(), WithSigner(signer))
	require.NoError(t, err)

	appendN(t, l, 3)

	// Record 3 triggered a checkpoint appended as record 4.
	records := l.Query(models.AuditFilter{EventKind: models.EventLedgerCheckpoint})
	require.Len(t, records, 1)
	assert.Equal(t, uint64(4), records[0].Seq)

	var checkpoint Checkpoint
	require.NoError(t, json.Unmarshal(records[0].Payload, &checkpoint))

	assert.Equal(t, uint64(3), checkpoint.Seq)
	assert.True(t, VerifyCheckpoint(checkpoint))

	// A forged digest must not verify.
	checkpoint.Digest = genesisDigest
	assert.False(t, VerifyCheckpoint(checkpoint))

	ok, _ := l.VerifyChain(0, 0)
	assert.True(t, ok)
}

func TestCheckpointSignerRejectsShortSeed(t *testing.T) {
	_, err := NewCheckpointSigner([]byte("short"))
	require.Error(t, err)
}
