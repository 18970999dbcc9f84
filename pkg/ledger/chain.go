package ledger

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/zeebo/blake3"

	"github.com/fleetgate/fleetgate/pkg/models"
)

// recordDomainKey is the 32-byte BLAKE3 key for chain digests. Domain
// separation keeps ledger digests distinct from any other BLAKE3 use of
// the same bytes. The value is the ASCII domain name zero-padded to 32
// bytes so it stays readable in hex dumps.
var recordDomainKey = [32]byte{
	'f', 'l', 'e', 'e', 't', 'g', 'a', 't', 'e', '.', 'l', 'e', 'd', 'g', 'e', 'r',
	'.', 'r', 'e', 'c', 'o', 'r', 'd', 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// payloadDomainKey keys the digest over a record's payload bytes.
var payloadDomainKey = [32]byte{
	'f', 'l', 'e', 'e', 't', 'g', 'a', 't', 'e', '.', 'l', 'e', 'd', 'g', 'e', 'r',
	'.', 'p', 'a', 'y', 'l', 'o', 'a', 'd', 0, 0, 0, 0, 0, 0, 0, 0,
}

// genesisDigest anchors the chain before the first record.
const genesisDigest = "0000000000000000000000000000000000000000000000000000000000000000"

// chainBody is the canonical serialization a record digest covers. Field
// order is fixed by the struct; altering any covered field changes the
// digest and breaks the chain.
type chainBody struct {
	Seq           uint64           `json:"seq"`
	Timestamp     string           `json:"timestamp"`
	Actor         string           `json:"actor"`
	JobID         string           `json:"job_id"`
	DeviceID      string           `json:"device_id"`
	EventKind     models.EventKind `json:"event_kind"`
	PayloadDigest string           `json:"payload_digest"`
}

func keyedDigest(key [32]byte, parts ...[]byte) string {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed only fails on wrong key length, which the fixed-size
		// array rules out.
		panic("ledger: BLAKE3 keyed hasher initialization failed: " + err.Error())
	}

	for _, part := range parts {
		_, _ = hasher.Write(part)
	}

	return hex.EncodeToString(hasher.Sum(nil))
}

// payloadDigest hashes the raw payload bytes of a record.
func payloadDigest(payload []byte) string {
	return keyedDigest(payloadDomainKey, payload)
}

// recordDigest computes digest(record) = H(prevDigest || serialize(record)).
func recordDigest(prevDigest string, record *models.AuditRecord) string {
	body := chainBody{
		Seq:           record.Seq,
		Timestamp:     record.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:         record.Actor,
		JobID:         record.JobID,
		DeviceID:      record.DeviceID,
		EventKind:     record.EventKind,
		PayloadDigest: record.PayloadDigest,
	}

	serialized, err := json.Marshal(body)
	if err != nil {
		// chainBody contains only strings and integers.
		panic("ledger: chain body serialization failed: " + err.Error())
	}

	return keyedDigest(recordDomainKey, []byte(prevDigest), serialized)
}
