package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"daynews/internal/schedule"
	"daynews/pkg/logx"
)

const defaultCompactEvery = 200

// fileStore keeps all records in memory and persists them as:
//   - <prefix>.snapshot.json (full map, rewritten on compaction)
//   - <prefix>.journal.jsonl (one full record per mutation, fsynced)
//
// On open the snapshot is loaded and the journal replayed on top of it; the
// last line for a subscriber wins. The journal is folded into the snapshot
// every CompactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	recs         map[string]schedule.Record

	writes       int
	compactEvery int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	recs := map[string]schedule.Record{}
	if err := loadSnapshot(snapPath, recs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	skipped, err := replayJournal(journalPath, recs)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("journal lines skipped", logx.Int("count", skipped))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = defaultCompactEvery
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("records", len(recs)))
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		recs:         recs,
		compactEvery: every,
	}, nil
}

func (s *fileStore) Get(_ context.Context, id string) (schedule.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return schedule.Record{}, false, unavailable("get", ErrClosed)
	}
	r, ok := s.recs[id]
	return r, ok, nil
}

func (s *fileStore) Upsert(_ context.Context, rec schedule.Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(rec); err != nil {
		return unavailable("upsert", err)
	}
	return nil
}

func (s *fileStore) SetActive(_ context.Context, id string, active bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, unavailable("set active", ErrClosed)
	}
	r, ok := s.recs[id]
	if !ok {
		return false, nil
	}
	r.Active = active
	r.UpdatedAt = time.Now()
	if err := s.appendLocked(r); err != nil {
		return true, unavailable("set active", err)
	}
	return true, nil
}

func (s *fileStore) MarkDelivered(_ context.Context, id string, date schedule.Date) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return unavailable("mark delivered", ErrClosed)
	}
	r, ok := s.recs[id]
	if !ok {
		return notFound(id)
	}
	r.LastDelivered = date
	r.UpdatedAt = time.Now()
	if err := s.appendLocked(r); err != nil {
		return unavailable("mark delivered", err)
	}
	return nil
}

func (s *fileStore) ListAll(_ context.Context) ([]schedule.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, unavailable("list", ErrClosed)
	}
	out := make([]schedule.Record, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	if cerr != nil {
		s.log.Warn("compact on close failed", logx.Err(cerr))
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

// appendLocked journals rec durably, then applies it in memory.
func (s *fileStore) appendLocked(rec schedule.Record) error {
	if s.journal == nil {
		return ErrClosed
	}
	b, err := json.Marshal(toJSON(rec))
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(append(b, '\n')); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.recs[rec.SubscriberID] = rec

	s.writes++
	if s.writes%s.compactEvery == 0 {
		// best-effort; the journal still holds everything
		if err := s.compactLocked(); err != nil {
			s.log.Debug("compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	out := make([]recordJSON, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, toJSON(r))
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(out); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string]schedule.Record) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var list []recordJSON
	if err := json.NewDecoder(f).Decode(&list); err != nil {
		return err
	}
	for _, j := range list {
		r, err := fromJSON(j)
		if err != nil || r.SubscriberID == "" {
			continue
		}
		out[r.SubscriberID] = r
	}
	return nil
}

// replayJournal applies journal lines in order. A torn last line from a crash
// is skipped and counted.
func replayJournal(path string, out map[string]schedule.Record) (skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var j recordJSON
		if err := json.Unmarshal(line, &j); err != nil {
			skipped++
			continue
		}
		r, err := fromJSON(j)
		if err != nil || r.SubscriberID == "" {
			skipped++
			continue
		}
		out[r.SubscriberID] = r
	}
	return skipped, sc.Err()
}
