package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/flemzord/tiermem/internal/memory"
)

// Backup types recorded in archives.
const (
	BackupFull        = "full"
	BackupIncremental = "incremental"
)

const backupPrefix = "backups/"

// Handle identifies a backup archive in the blob store.
type Handle string

// Archive is the decoded content of a backup file.
type Archive struct {
	Timestamp          time.Time                      `json:"timestamp"`
	BackupType         string                         `json:"backupType"`
	SinceTimestamp     *time.Time                     `json:"sinceTimestamp,omitempty"`
	Conversations      map[string]ConversationArchive `json:"conversations"`
	IntegrityChecksums map[string]string              `json:"integrityChecksums,omitempty"`
}

// ConversationArchive holds one conversation's records inside an archive.
type ConversationArchive struct {
	Context         []Record          `json:"context"`
	Stats           ConversationStats `json:"stats"`
	BackupTimestamp time.Time         `json:"backupTimestamp"`
}

// ConversationStats summarizes the archived records of a conversation.
type ConversationStats struct {
	Records     int `json:"records"`
	Compressed  int `json:"compressed"`
	TotalBytes  int `json:"totalBytes"`
	StoredBytes int `json:"storedBytes"`
}

// RestoreResult reports the outcome of a restore.
type RestoreResult struct {
	Restored int `json:"restored"`
	Skipped  int `json:"skipped"`
}

// Backup writes a full backup of the named conversations, or of every
// conversation when none are named. Records failing verification at
// backup time are left out.
func (s *Store) Backup(ctx context.Context, conversationIDs ...string) (Handle, error) {
	ids := conversationIDs
	if len(ids) == 0 {
		var err error
		ids, err = s.Conversations(ctx)
		if err != nil {
			return "", fmt.Errorf("durable: backup: %w: %w", memory.ErrBackup, err)
		}
	}

	archive := s.newArchive(BackupFull, nil)
	for _, id := range ids {
		recs, err := s.backend.ListConversation(ctx, id, 0)
		if err != nil {
			return "", fmt.Errorf("durable: backup %s: %w: %w", id, memory.ErrBackup, err)
		}
		for _, rec := range recs {
			s.addToArchive(archive, rec)
		}
	}
	return s.writeArchive(ctx, archive)
}

// IncrementalBackup writes a backup of records modified after since.
func (s *Store) IncrementalBackup(ctx context.Context, since time.Time) (Handle, error) {
	archive := s.newArchive(BackupIncremental, &since)
	err := s.backend.ScanAll(ctx, func(rec Record) error {
		if rec.UpdatedAt.After(since) {
			s.addToArchive(archive, rec)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("durable: incremental backup: %w: %w", memory.ErrBackup, err)
	}
	return s.writeArchive(ctx, archive)
}

func (s *Store) newArchive(kind string, since *time.Time) *Archive {
	return &Archive{
		Timestamp:          s.opts.Now().UTC(),
		BackupType:         kind,
		SinceTimestamp:     since,
		Conversations:      make(map[string]ConversationArchive),
		IntegrityChecksums: make(map[string]string),
	}
}

func (s *Store) addToArchive(a *Archive, rec Record) {
	verified := rec
	if err := s.decode(&verified); err != nil {
		s.logger.Warn("durable: skipping invalid record in backup",
			"conversation", rec.ConversationID,
			"record", rec.ID,
			"error", err,
		)
		return
	}

	conv := a.Conversations[rec.ConversationID]
	conv.Context = append(conv.Context, rec)
	conv.BackupTimestamp = a.Timestamp
	conv.Stats.Records++
	conv.Stats.TotalBytes += rec.SizeBytes
	conv.Stats.StoredBytes += rec.StoredBytes()
	if rec.IsCompressed {
		conv.Stats.Compressed++
	}
	a.Conversations[rec.ConversationID] = conv
	a.IntegrityChecksums[checksumKey(rec.ConversationID, rec.ID)] = rec.Checksum
}

func (s *Store) writeArchive(ctx context.Context, a *Archive) (Handle, error) {
	if s.blobs == nil {
		return "", fmt.Errorf("durable: no blob store configured: %w", memory.ErrBackup)
	}

	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("durable: encode archive: %w: %w", memory.ErrBackup, err)
	}
	compressed := s.enc.EncodeAll(data, nil)

	s.backupMu.Lock()
	defer s.backupMu.Unlock()

	stamp := a.Timestamp.UnixNano()
	if stamp <= s.lastBackup {
		stamp = s.lastBackup + 1
	}
	s.lastBackup = stamp

	handle := Handle(fmt.Sprintf("%s%020d-%s.json.zst", backupPrefix, stamp, a.BackupType))
	if err := s.blobs.Put(ctx, string(handle), compressed); err != nil {
		return "", fmt.Errorf("durable: store archive: %w: %w", memory.ErrBackup, err)
	}

	s.logger.Info("durable: backup written",
		"handle", handle,
		"type", a.BackupType,
		"conversations", len(a.Conversations),
		"records", len(a.IntegrityChecksums),
	)
	return handle, nil
}

// ListBackups returns backup handles, newest first.
func (s *Store) ListBackups(ctx context.Context) ([]Handle, error) {
	if s.blobs == nil {
		return nil, fmt.Errorf("durable: no blob store configured: %w", memory.ErrBackup)
	}
	keys, err := s.blobs.List(ctx, backupPrefix)
	if err != nil {
		return nil, fmt.Errorf("durable: list backups: %w: %w", memory.ErrBackup, err)
	}

	out := make([]Handle, 0, len(keys))
	for _, k := range keys {
		if strings.HasSuffix(k, ".json.zst") {
			out = append(out, Handle(k))
		}
	}
	slices.Reverse(out)
	return out, nil
}

// LoadArchive reads and decodes a backup.
func (s *Store) LoadArchive(ctx context.Context, h Handle) (*Archive, error) {
	if s.blobs == nil {
		return nil, fmt.Errorf("durable: no blob store configured: %w", memory.ErrBackup)
	}
	data, err := s.blobs.Get(ctx, string(h))
	if err != nil {
		return nil, fmt.Errorf("durable: read backup %s: %w: %w", h, memory.ErrBackup, err)
	}
	raw, err := s.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("durable: decompress backup %s: %w: %w", h, memory.ErrBackup, err)
	}
	var a Archive
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("durable: decode backup %s: %w: %w", h, memory.ErrBackup, err)
	}
	return &a, nil
}

// Restore writes every record of a backup back to the backend. With
// verify set, each record's checksum is recomputed and compared against
// the archive's integrity table; mismatches are skipped and counted.
func (s *Store) Restore(ctx context.Context, h Handle, verify bool) (RestoreResult, error) {
	a, err := s.LoadArchive(ctx, h)
	if err != nil {
		return RestoreResult{}, err
	}
	res, err := s.restoreArchive(ctx, a, "", verify, false)
	if err != nil {
		return res, err
	}
	s.logger.Info("durable: backup restored",
		"handle", h,
		"restored", res.Restored,
		"skipped", res.Skipped,
	)
	return res, nil
}

// restoreArchive restores records from a, limited to one conversation when
// onlyConv is set. With onlyBroken, records whose current copy verifies
// are left untouched.
func (s *Store) restoreArchive(ctx context.Context, a *Archive, onlyConv string, verify, onlyBroken bool) (RestoreResult, error) {
	var res RestoreResult
	for convID, conv := range a.Conversations {
		if onlyConv != "" && convID != onlyConv {
			continue
		}
		for _, rec := range conv.Context {
			if verify && !s.matchesArchive(a, rec) {
				s.logger.Warn("durable: skipping record failing verification during restore",
					"conversation", convID,
					"record", rec.ID,
				)
				res.Skipped++
				continue
			}
			if onlyBroken && s.currentIsValid(ctx, rec) {
				continue
			}
			if err := s.write(ctx, rec); err != nil {
				return res, fmt.Errorf("durable: restore %s/%s: %w: %w", convID, rec.ID, memory.ErrBackup, err)
			}
			s.mu.Lock()
			delete(s.unrecoverable, keyOf(rec))
			s.mu.Unlock()
			res.Restored++
		}
	}
	return res, nil
}

func (s *Store) matchesArchive(a *Archive, rec Record) bool {
	want, ok := a.IntegrityChecksums[checksumKey(rec.ConversationID, rec.ID)]
	if !ok || want != rec.Checksum {
		return false
	}
	b, err := s.raw(rec)
	if err != nil {
		return false
	}
	return Checksum(b) == want
}

func (s *Store) currentIsValid(ctx context.Context, rec Record) bool {
	cur, ok, err := s.backend.Read(ctx, rec.ConversationID, rec.ID)
	if err != nil || !ok {
		return false
	}
	return s.decode(&cur) == nil
}

// Recover scans the most recent backups newest-first and restores the
// broken or missing records of one conversation from the first backup
// that yields any. It reports whether anything was restored.
func (s *Store) Recover(ctx context.Context, conversationID string) bool {
	handles, err := s.ListBackups(ctx)
	if err != nil {
		s.logger.Warn("durable: recovery skipped, backups unavailable",
			"conversation", conversationID,
			"error", err,
		)
		return false
	}
	if len(handles) > s.opts.RecoverCandidates {
		handles = handles[:s.opts.RecoverCandidates]
	}

	for _, h := range handles {
		a, err := s.LoadArchive(ctx, h)
		if err != nil {
			s.logger.Warn("durable: recovery candidate unreadable", "handle", h, "error", err)
			continue
		}
		if _, ok := a.Conversations[conversationID]; !ok {
			continue
		}
		res, err := s.restoreArchive(ctx, a, conversationID, true, true)
		if err != nil {
			s.logger.Warn("durable: recovery from candidate failed", "handle", h, "error", err)
			continue
		}
		if res.Restored > 0 {
			s.logger.Info("durable: conversation recovered",
				"conversation", conversationID,
				"handle", h,
				"restored", res.Restored,
			)
			return true
		}
	}
	return false
}
