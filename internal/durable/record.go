// Package durable implements the persisted, checksum-verified tier of the
// memory engine: record encoding and compression, integrity verification
// with automatic recovery from backups, full and incremental backups,
// schema migration and storage maintenance.
package durable

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/flemzord/tiermem/internal/memory"
)

// Metadata keys written alongside persisted payloads.
const (
	MetaRelevance    = "relevance"
	MetaRetention    = "retention"
	MetaConsolidated = "consolidated"
	MetaSources      = "source_records"
)

// Payload is the logical content of a record.
type Payload struct {
	UserInput string            `json:"user_input"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Relevance returns the relevance stored in the payload metadata, if any.
func (p Payload) Relevance() (float64, bool) {
	v, ok := p.Metadata[MetaRelevance]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return memory.Clamp01(f), true
}

// Record is the durable unit. Exactly one of Serialized and Compressed is
// populated; Payload is filled in when a record is read back and verified.
type Record struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserInput      string    `json:"user_input"`
	Serialized     []byte    `json:"serialized,omitempty"`
	Compressed     []byte    `json:"compressed,omitempty"`
	IsCompressed   bool      `json:"is_compressed"`
	SizeBytes      int       `json:"size_bytes"`
	Checksum       string    `json:"checksum"`
	SchemaVersion  int       `json:"schema_version"`
	AccessCount    int       `json:"access_count"`
	LastAccessed   time.Time `json:"last_accessed"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	Payload Payload `json:"-"`
}

// StoredBytes is the physical size of the stored payload.
func (r Record) StoredBytes() int {
	if r.IsCompressed {
		return len(r.Compressed)
	}
	return len(r.Serialized)
}

// canonical serializes a payload with a stable field order. encoding/json
// emits struct fields in declaration order and map keys sorted.
func canonical(p Payload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("durable: canonical payload: %w: %w", memory.ErrSerialization, err)
	}
	return b, nil
}

// Checksum returns the hex SHA-256 digest of canonical bytes.
func Checksum(canon []byte) string {
	h := sha256.Sum256(canon)
	return hex.EncodeToString(h[:])
}

type recordKey struct {
	conversationID string
	id             string
}

func keyOf(r Record) recordKey {
	return recordKey{conversationID: r.ConversationID, id: r.ID}
}

// checksumKey identifies a record inside a backup's integrity table.
func checksumKey(conversationID, id string) string {
	return conversationID + "/" + id
}
