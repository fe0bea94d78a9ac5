package durable

import (
	"context"
	"time"
)

// Backend persists encoded records. The Store owns encoding, verification
// and policy; a Backend only moves bytes.
//
// Implementations must be safe for concurrent use. ScanAll must not hold
// backend resources while fn runs, since fn may write back through the
// same backend.
type Backend interface {
	// Write inserts or replaces a record. When tx is true the write must be
	// atomic; when false a best-effort write is acceptable.
	Write(ctx context.Context, rec Record, tx bool) error

	// Read returns the stored record or false if it does not exist.
	Read(ctx context.Context, conversationID, id string) (Record, bool, error)

	// ListConversation returns up to limit records of a conversation, newest
	// first. A limit <= 0 returns every record.
	ListConversation(ctx context.Context, conversationID string, limit int) ([]Record, error)

	// ScanAll calls fn for every stored record.
	ScanAll(ctx context.Context, fn func(Record) error) error

	// Conversations lists the ids of conversations with at least one record.
	Conversations(ctx context.Context) ([]string, error)

	Delete(ctx context.Context, conversationID, id string) error
	DeleteConversation(ctx context.Context, conversationID string) (int, error)

	// Touch increments a record's access count and sets its last access time.
	Touch(ctx context.Context, conversationID, id string, at time.Time) error

	// Vacuum reclaims space. It must be safe to run concurrently with reads.
	Vacuum(ctx context.Context) error

	// SchemaVersion and SetSchemaVersion track the record-format version.
	SchemaVersion(ctx context.Context) (int, error)
	SetSchemaVersion(ctx context.Context, v int) error

	Close() error
}
