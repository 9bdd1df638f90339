package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"misskeybot/internal/event"
	logx "misskeybot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes and on
// Vacuum.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File

	processed map[string]Record // key: category:id
	kv        map[string]map[string]string

	writes int
}

const compactEvery = 1000

type journalOp struct {
	Op     string  `json:"op"` // mark | set | del | purge
	Record *Record `json:"record,omitempty"`
	NS     string  `json:"ns,omitempty"`
	Key    string  `json:"key,omitempty"`
	Value  string  `json:"value,omitempty"`
	Before int64   `json:"before,omitempty"` // unix milli, purge only
}

type fileSnapshot struct {
	Processed []Record                     `json:"processed"`
	KV        map[string]map[string]string `json:"kv"`
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

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		processed:    map[string]Record{},
		kv:           map[string]map[string]string{},
	}
	journalPath := prefix + ".journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("file store snapshot unreadable", logx.Err(err))
	}
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("file store journal unreadable", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func recordKey(cat event.Category, id string) string { return string(cat) + ":" + id }

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) IsProcessed(ctx context.Context, cat event.Category, id string) (bool, error) {
	if !knownCategory(cat) {
		return false, errUnknownCategory(cat)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	_, ok := s.processed[recordKey(cat, id)]
	return ok, nil
}

func (s *fileStore) MarkProcessed(ctx context.Context, r Record) error {
	if !knownCategory(r.Category) {
		return errUnknownCategory(r.Category)
	}
	if r.ID == "" {
		return errors.New("record id is required")
	}
	if r.ProcessedAt.IsZero() {
		r.ProcessedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey(r.Category, r.ID)
	if _, ok := s.processed[k]; ok {
		return nil
	}
	if err := s.appendLocked(journalOp{Op: "mark", Record: &r}); err != nil {
		return err
	}
	s.processed[k] = r
	s.maybeCompactLocked()
	return nil
}

func (s *fileStore) Recent(ctx context.Context, cat event.Category, limit int) ([]Record, error) {
	if !knownCategory(cat) {
		return nil, errUnknownCategory(cat)
	}
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	out := make([]Record, 0, len(s.processed))
	for _, r := range s.processed {
		if r.Category == cat {
			out = append(out, r)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ProcessedAt.Equal(out[j].ProcessedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].ProcessedAt.After(out[j].ProcessedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalOp{Op: "purge", Before: cutoff.UnixMilli()}); err != nil {
		return 0, err
	}
	n := purgeBefore(s.processed, cutoff.UnixMilli())
	s.maybeCompactLocked()
	return n, nil
}

func purgeBefore(m map[string]Record, before int64) int64 {
	var n int64
	for k, r := range m {
		if r.ProcessedAt.UnixMilli() < before {
			delete(m, k)
			n++
		}
	}
	return n
}

func (s *fileStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Counts: map[event.Category]int64{}}
	for _, cat := range Categories {
		st.Counts[cat] = 0
	}
	for _, r := range s.processed {
		st.Counts[r.Category]++
		st.Oldest = earlier(st.Oldest, r.ProcessedAt)
		st.Newest = later(st.Newest, r.ProcessedAt)
	}
	for _, ns := range s.kv {
		st.PluginKeys += int64(len(ns))
	}
	return st, nil
}

func (s *fileStore) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	return s.compactLocked()
}

func (s *fileStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[namespace][key]
	return v, ok, nil
}

func (s *fileStore) Set(ctx context.Context, namespace, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalOp{Op: "set", NS: namespace, Key: key, Value: value}); err != nil {
		return err
	}
	s.applyLocked(journalOp{Op: "set", NS: namespace, Key: key, Value: value})
	s.maybeCompactLocked()
	return nil
}

func (s *fileStore) Delete(ctx context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kv[namespace][key]; !ok {
		return nil
	}
	if err := s.appendLocked(journalOp{Op: "del", NS: namespace, Key: key}); err != nil {
		return err
	}
	s.applyLocked(journalOp{Op: "del", NS: namespace, Key: key})
	s.maybeCompactLocked()
	return nil
}

func (s *fileStore) appendLocked(op journalOp) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return err
	}
	s.writes++
	return nil
}

// maybeCompactLocked runs after the op has been applied in memory so the
// snapshot includes it.
func (s *fileStore) maybeCompactLocked() {
	if s.writes == 0 || s.writes%compactEvery != 0 {
		return
	}
	if err := s.compactLocked(); err != nil {
		s.log.Debug("file store compact failed", logx.Err(err))
	}
}

func (s *fileStore) applyLocked(op journalOp) {
	switch op.Op {
	case "mark":
		if op.Record != nil && op.Record.ID != "" {
			s.processed[recordKey(op.Record.Category, op.Record.ID)] = *op.Record
		}
	case "purge":
		purgeBefore(s.processed, op.Before)
	case "set":
		ns := s.kv[op.NS]
		if ns == nil {
			ns = map[string]string{}
			s.kv[op.NS] = ns
		}
		ns[op.Key] = op.Value
	case "del":
		if ns := s.kv[op.NS]; ns != nil {
			delete(ns, op.Key)
			if len(ns) == 0 {
				delete(s.kv, op.NS)
			}
		}
	}
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{KV: s.kv}
	for _, r := range s.processed {
		snap.Processed = append(snap.Processed, r)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
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
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, r := range snap.Processed {
		if r.ID != "" {
			s.processed[recordKey(r.Category, r.ID)] = r
		}
	}
	for ns, kv := range snap.KV {
		for k, v := range kv {
			s.applyLocked(journalOp{Op: "set", NS: ns, Key: k, Value: v})
		}
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			continue
		}
		s.applyLocked(op)
	}
	return sc.Err()
}
