package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flemzord/tiermem/internal/blob"
	"github.com/flemzord/tiermem/internal/memory"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

const (
	defaultCompressThreshold = 1024
	defaultRecoverCandidates = 5
	defaultFallbackTimeout   = 10 * time.Second
)

// Options configures a Store.
type Options struct {
	// CompressThreshold is the canonical payload size in bytes above which
	// records are stored compressed. Defaults to 1 KiB.
	CompressThreshold int

	// RecoverCandidates bounds how many recent backups Recover scans.
	RecoverCandidates int

	// FallbackTimeout bounds the best-effort write that follows a timed-out
	// transactional write.
	FallbackTimeout time.Duration

	// Migrations are the record-format steps MigrateSchema can apply.
	// Defaults to DefaultMigrations().
	Migrations []Migration

	Logger *slog.Logger
	Now    func() time.Time
}

func (o *Options) defaults() {
	if o.CompressThreshold <= 0 {
		o.CompressThreshold = defaultCompressThreshold
	}
	if o.RecoverCandidates <= 0 {
		o.RecoverCandidates = defaultRecoverCandidates
	}
	if o.FallbackTimeout <= 0 {
		o.FallbackTimeout = defaultFallbackTimeout
	}
	if o.Migrations == nil {
		o.Migrations = DefaultMigrations()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Store is the durable tier. It is safe for concurrent use.
type Store struct {
	backend Backend
	blobs   blob.Store
	opts    Options
	logger  *slog.Logger
	enc     *zstd.Encoder
	dec     *zstd.Decoder

	mu            sync.Mutex
	version       int
	unrecoverable map[recordKey]struct{}

	// backupMu serializes backup writes so handles stay unique.
	backupMu   sync.Mutex
	lastBackup int64
}

// New returns a Store over backend. blobs may be nil, in which case
// backups fail with memory.ErrBackup and Recover always reports false.
func New(ctx context.Context, backend Backend, blobs blob.Store, opts Options) (*Store, error) {
	opts.defaults()

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("durable: create encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("durable: create decoder: %w", err)
	}

	version, err := backend.SchemaVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("durable: read schema version: %w", err)
	}

	return &Store{
		backend:       backend,
		blobs:         blobs,
		opts:          opts,
		logger:        opts.Logger.With("component", "durable"),
		enc:           enc,
		dec:           dec,
		version:       version,
		unrecoverable: make(map[recordKey]struct{}),
	}, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	s.dec.Close()
	return s.backend.Close()
}

// SchemaVersion returns the record-format version new writes are stamped with.
func (s *Store) SchemaVersion() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Put encodes and writes a record. An empty ID is replaced by a new UUID.
// The caller's deadline bounds the transactional write; on timeout the
// record is written again without a transaction.
func (s *Store) Put(ctx context.Context, rec Record) (Record, error) {
	if rec.ConversationID == "" {
		return Record{}, errors.New("durable: conversation id must not be empty")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	now := s.opts.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastAccessed.IsZero() {
		rec.LastAccessed = now
	}
	rec.UpdatedAt = now
	rec.SchemaVersion = s.SchemaVersion()

	enc, err := s.encode(rec, false)
	if err != nil {
		return Record{}, err
	}
	if err := s.write(ctx, enc); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	delete(s.unrecoverable, keyOf(enc))
	s.mu.Unlock()
	return enc, nil
}

// encode fills the serialized form, size and checksum from rec.Payload.
func (s *Store) encode(rec Record, forceCompress bool) (Record, error) {
	canon, err := canonical(rec.Payload)
	if err != nil {
		return Record{}, err
	}
	rec.UserInput = rec.Payload.UserInput
	rec.Checksum = Checksum(canon)
	rec.SizeBytes = len(canon)

	if forceCompress || len(canon) > s.opts.CompressThreshold {
		rec.Compressed = s.enc.EncodeAll(canon, nil)
		rec.Serialized = nil
		rec.IsCompressed = true
	} else {
		rec.Serialized = canon
		rec.Compressed = nil
		rec.IsCompressed = false
	}
	return rec, nil
}

// raw returns the canonical bytes of a record, decompressing if needed.
func (s *Store) raw(rec Record) ([]byte, error) {
	switch {
	case rec.IsCompressed && len(rec.Serialized) == 0:
		b, err := s.dec.DecodeAll(rec.Compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("durable: decompress %s: %w: %w", rec.ID, memory.ErrIntegrity, err)
		}
		return b, nil
	case !rec.IsCompressed && len(rec.Compressed) == 0:
		return rec.Serialized, nil
	default:
		return nil, fmt.Errorf("durable: record %s has inconsistent payload fields: %w", rec.ID, memory.ErrIntegrity)
	}
}

// decode verifies the checksum and fills rec.Payload.
func (s *Store) decode(rec *Record) error {
	b, err := s.raw(*rec)
	if err != nil {
		return err
	}
	if Checksum(b) != rec.Checksum {
		return fmt.Errorf("durable: record %s/%s checksum mismatch: %w", rec.ConversationID, rec.ID, memory.ErrIntegrity)
	}
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("durable: decode payload %s: %w: %w", rec.ID, memory.ErrSerialization, err)
	}
	rec.Payload = p
	return nil
}

// write performs a transactional write, falling back to a best-effort
// write on a fresh deadline if the transaction timed out.
func (s *Store) write(ctx context.Context, rec Record) error {
	err := s.backend.Write(ctx, rec, true)
	if err == nil {
		return nil
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("durable: write %s/%s: %w", rec.ConversationID, rec.ID, err)
	}

	s.logger.Warn("durable: transactional write timed out, falling back to best-effort write",
		"conversation", rec.ConversationID,
		"record", rec.ID,
	)
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.FallbackTimeout)
	defer cancel()
	if err := s.backend.Write(fctx, rec, false); err != nil {
		return fmt.Errorf("durable: best-effort write %s/%s: %w", rec.ConversationID, rec.ID, err)
	}
	return nil
}

// Get returns a verified record. A checksum mismatch triggers Recover; if
// recovery cannot produce a valid copy the record is queued for deletion
// and memory.ErrCorruption is returned.
func (s *Store) Get(ctx context.Context, conversationID, id string) (Record, bool, error) {
	rec, ok, err := s.backend.Read(ctx, conversationID, id)
	if err != nil {
		return Record{}, false, fmt.Errorf("durable: read %s/%s: %w", conversationID, id, err)
	}
	if !ok {
		return Record{}, false, nil
	}

	if verr := s.decode(&rec); verr != nil {
		s.logger.Warn("durable: integrity check failed, attempting recovery",
			"conversation", conversationID,
			"record", id,
			"error", verr,
		)
		rec, ok = s.recoverRecord(ctx, conversationID, id)
		if !ok {
			return Record{}, false, fmt.Errorf("durable: record %s/%s: %w", conversationID, id, memory.ErrCorruption)
		}
	}

	s.touch(ctx, &rec)
	return rec, true, nil
}

// recoverRecord runs Recover and re-reads the record. Failure marks the
// record unrecoverable.
func (s *Store) recoverRecord(ctx context.Context, conversationID, id string) (Record, bool) {
	if s.Recover(ctx, conversationID) {
		rec, ok, err := s.backend.Read(ctx, conversationID, id)
		if err == nil && ok && s.decode(&rec) == nil {
			s.logger.Info("durable: record recovered from backup", "conversation", conversationID, "record", id)
			return rec, true
		}
	}
	s.markUnrecoverable(conversationID, id)
	return Record{}, false
}

func (s *Store) markUnrecoverable(conversationID, id string) {
	s.mu.Lock()
	s.unrecoverable[recordKey{conversationID: conversationID, id: id}] = struct{}{}
	s.mu.Unlock()
	s.logger.Error("durable: record unrecoverable, queued for deletion",
		"conversation", conversationID,
		"record", id,
	)
}

func (s *Store) touch(ctx context.Context, rec *Record) {
	now := s.opts.Now()
	if err := s.backend.Touch(ctx, rec.ConversationID, rec.ID, now); err != nil {
		s.logger.Debug("durable: access stats not updated", "record", rec.ID, "error", err)
		return
	}
	rec.AccessCount++
	rec.LastAccessed = now
}

// QueryByConversation returns verified records of a conversation, newest
// first. Records failing verification go through recovery once; those
// still invalid are left out and queued for deletion.
func (s *Store) QueryByConversation(ctx context.Context, conversationID string, limit int) ([]Record, error) {
	recs, err := s.backend.ListConversation(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("durable: list %s: %w", conversationID, err)
	}

	out := make([]Record, 0, len(recs))
	var broken []string
	for _, rec := range recs {
		if err := s.decode(&rec); err != nil {
			broken = append(broken, rec.ID)
			continue
		}
		out = append(out, rec)
	}
	if len(broken) == 0 {
		return out, nil
	}

	s.logger.Warn("durable: corrupted records in conversation, attempting recovery",
		"conversation", conversationID,
		"count", len(broken),
	)
	recovered := s.Recover(ctx, conversationID)
	for _, id := range broken {
		if recovered {
			rec, ok, err := s.backend.Read(ctx, conversationID, id)
			if err == nil && ok && s.decode(&rec) == nil {
				out = append(out, rec)
				continue
			}
		}
		s.markUnrecoverable(conversationID, id)
	}
	sortNewestFirst(out)
	return out, nil
}

// ScanAll calls fn for every record that passes verification. Invalid
// records are skipped and queued for deletion.
func (s *Store) ScanAll(ctx context.Context, fn func(Record) error) error {
	return s.backend.ScanAll(ctx, func(rec Record) error {
		if err := s.decode(&rec); err != nil {
			s.markUnrecoverable(rec.ConversationID, rec.ID)
			return nil
		}
		return fn(rec)
	})
}

// Conversations lists every conversation with stored records.
func (s *Store) Conversations(ctx context.Context) ([]string, error) {
	ids, err := s.backend.Conversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("durable: list conversations: %w", err)
	}
	return ids, nil
}

// Delete removes a single record.
func (s *Store) Delete(ctx context.Context, conversationID, id string) error {
	if err := s.backend.Delete(ctx, conversationID, id); err != nil {
		return fmt.Errorf("durable: delete %s/%s: %w", conversationID, id, err)
	}
	return nil
}

// DeleteConversation removes every record of a conversation.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) (int, error) {
	n, err := s.backend.DeleteConversation(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("durable: delete conversation %s: %w", conversationID, err)
	}
	s.mu.Lock()
	for k := range s.unrecoverable {
		if k.conversationID == conversationID {
			delete(s.unrecoverable, k)
		}
	}
	s.mu.Unlock()
	return n, nil
}
