package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"convo-bridge/internal/domain"
)

// FileStore persists all records as one JSON object keyed by conversation
// id. Each mutation rewrites the full snapshot. The snapshot is re-read
// whenever another process has replaced it since this one last touched it.
type FileStore struct {
	path string

	mu sync.Mutex
	// records holds each entry's raw JSON so entries that fail to decode are
	// written back unchanged.
	records map[string]json.RawMessage
	stamp   fileStamp
}

// fileStamp identifies one version of the snapshot on disk. Every write
// renames a fresh file into place, so the file identity changes even when
// size and mtime collide.
type fileStamp struct {
	info fs.FileInfo
}

func (s fileStamp) same(o fileStamp) bool {
	if s.info == nil || o.info == nil {
		return s.info == nil && o.info == nil
	}
	return os.SameFile(s.info, o.info) &&
		s.info.Size() == o.info.Size() &&
		s.info.ModTime().Equal(o.info.ModTime())
}

// NewFileStore returns a FileStore backed by path. The file is created on
// the first write.
func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("repository: state file path must not be empty")
	}
	return &FileStore{path: path, records: make(map[string]json.RawMessage)}, nil
}

// Path returns the snapshot location.
func (f *FileStore) Path() string { return f.path }

// Load reads the snapshot. A missing file is an empty store. Entries that
// fail to decode are reported in a *LoadError and kept on disk. A snapshot
// that is not a JSON object at all is moved aside to <path>.corrupt so the
// next write cannot overwrite it.
func (f *FileStore) Load(_ context.Context) (map[string]domain.ConversationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.readLocked(); err != nil {
		var syntaxErr *decodeSnapshotError
		if errors.As(err, &syntaxErr) {
			if rerr := os.Rename(f.path, f.path+".corrupt"); rerr == nil {
				f.records = make(map[string]json.RawMessage)
				f.stamp = fileStamp{}
				return nil, fmt.Errorf("%w (moved to %s.corrupt)", err, f.path)
			}
		}
		return nil, err
	}

	out := make(map[string]domain.ConversationRecord, len(f.records))
	skipped := make(map[string]error)
	for id, raw := range f.records {
		rec, err := decodeEntry(id, raw)
		if err != nil {
			skipped[id] = err
			continue
		}
		out[id] = rec
	}
	return loadResult(out, skipped)
}

// Get returns one record, re-reading the snapshot first when it changed on
// disk.
func (f *FileStore) Get(_ context.Context, conversationID string) (domain.ConversationRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.refreshLocked(); err != nil {
		return domain.ConversationRecord{}, false, err
	}
	raw, ok := f.records[conversationID]
	if !ok {
		return domain.ConversationRecord{}, false, nil
	}
	rec, err := decodeEntry(conversationID, raw)
	if err != nil {
		return domain.ConversationRecord{}, false, fmt.Errorf("repository: decode record %q: %w", conversationID, err)
	}
	return rec, true, nil
}

// Put upserts rec and rewrites the snapshot.
func (f *FileStore) Put(_ context.Context, rec domain.ConversationRecord) error {
	if rec.ConversationID == "" {
		return errors.New("repository: Put: conversation id is required")
	}
	raw, err := json.Marshal(toJSON(rec))
	if err != nil {
		return fmt.Errorf("repository: encode record %q: %w", rec.ConversationID, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.refreshLocked(); err != nil {
		return err
	}
	f.records[rec.ConversationID] = raw
	return f.writeLocked()
}

// Delete removes ids and rewrites the snapshot.
func (f *FileStore) Delete(_ context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.refreshLocked(); err != nil {
		return err
	}
	for _, id := range ids {
		delete(f.records, id)
	}
	return f.writeLocked()
}

type decodeSnapshotError struct {
	path string
	err  error
}

func (e *decodeSnapshotError) Error() string {
	return fmt.Sprintf("repository: decode %s: %v", e.path, e.err)
}

func (e *decodeSnapshotError) Unwrap() error { return e.err }

func (f *FileStore) statLocked() (fileStamp, error) {
	info, err := os.Stat(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return fileStamp{}, nil
	}
	if err != nil {
		return fileStamp{}, fmt.Errorf("repository: stat %s: %w", f.path, err)
	}
	return fileStamp{info: info}, nil
}

// refreshLocked re-reads the snapshot when it differs from the version this
// store last read or wrote.
func (f *FileStore) refreshLocked() error {
	st, err := f.statLocked()
	if err != nil {
		return err
	}
	if st.same(f.stamp) {
		return nil
	}
	return f.readLocked()
}

func (f *FileStore) readLocked() error {
	st, err := f.statLocked()
	if err != nil {
		return err
	}
	if st.info == nil {
		f.records = make(map[string]json.RawMessage)
		f.stamp = st
		return nil
	}
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("repository: read %s: %w", f.path, err)
	}
	stored := make(map[string]json.RawMessage)
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &stored); err != nil {
			return &decodeSnapshotError{path: f.path, err: err}
		}
	}
	f.records = stored
	f.stamp = st
	return nil
}

// writeLocked replaces the snapshot via a temp file and rename so a reader
// never sees a partially written file.
func (f *FileStore) writeLocked() error {
	buf, err := json.MarshalIndent(f.records, "", "  ")
	if err != nil {
		return fmt.Errorf("repository: encode snapshot: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("repository: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("repository: create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(buf); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("repository: write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("repository: close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("repository: replace %s: %w", f.path, err)
	}
	st, err := f.statLocked()
	if err != nil {
		return err
	}
	f.stamp = st
	return nil
}

func decodeEntry(id string, raw json.RawMessage) (domain.ConversationRecord, error) {
	var entry recordJSON
	if err := json.Unmarshal(raw, &entry); err != nil {
		return domain.ConversationRecord{}, err
	}
	return fromJSON(id, entry)
}
