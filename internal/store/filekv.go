package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultFileMaxEntries    = 256
	defaultFileMaxValueBytes = int64(64 << 10) // 64 KiB
)

type fileEntry struct {
	Value           []byte `json:"value"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms"`
}

// FileStore is the small secondary DurableStore: a single JSON file rewritten
// atomically on every write. It exists so the engine stays durable when the
// SQLite primary is unavailable (e.g. a locked or corrupt database file).
type FileStore struct {
	path   string
	limits Limits

	mu      sync.Mutex
	entries map[string]fileEntry
}

type FileOptions struct {
	Path string

	// MaxEntries and MaxValueBytes override the capacity contract.
	// If <= 0, small defaults apply: the secondary tier is a lifeboat,
	// not a database.
	MaxEntries    int
	MaxValueBytes int64
}

func OpenFile(opts FileOptions) (*FileStore, error) {
	p := filepath.Clean(strings.TrimSpace(opts.Path))
	if p == "" || p == "." {
		return nil, errors.New("missing store path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	limits := Limits{MaxEntries: opts.MaxEntries, MaxValueBytes: opts.MaxValueBytes}
	if limits.MaxEntries <= 0 {
		limits.MaxEntries = defaultFileMaxEntries
	}
	if limits.MaxValueBytes <= 0 {
		limits.MaxValueBytes = defaultFileMaxValueBytes
	}

	s := &FileStore{path: p, limits: limits, entries: make(map[string]fileEntry)}

	b, err := os.ReadFile(p)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return s, nil
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &s.entries); err != nil {
			// A corrupt secondary must not take the engine down; start fresh.
			s.entries = make(map[string]fileEntry)
		}
	}
	return s, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) Limits() Limits {
	if s == nil {
		return Limits{}
	}
	return s.limits
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if s == nil {
		return nil, false, errors.New("store not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, errors.New("missing key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(e.Value))
	copy(out, e.Value)
	return out, true, nil
}

func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("missing key")
	}
	if s.limits.MaxValueBytes > 0 && int64(len(value)) > s.limits.MaxValueBytes {
		return fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(value))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	s.entries[key] = fileEntry{Value: v, UpdatedAtUnixMs: time.Now().UnixMilli()}
	s.evictLocked()
	return s.flushLocked()
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("missing key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return nil
	}
	delete(s.entries, key)
	return s.flushLocked()
}

func (s *FileStore) Keys(_ context.Context, prefix string) ([]string, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *FileStore) evictLocked() {
	if s.limits.MaxEntries <= 0 || len(s.entries) <= s.limits.MaxEntries {
		return
	}
	type aged struct {
		key string
		at  int64
	}
	all := make([]aged, 0, len(s.entries))
	for k, e := range s.entries {
		all = append(all, aged{key: k, at: e.UpdatedAtUnixMs})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].at != all[j].at {
			return all[i].at < all[j].at
		}
		return all[i].key < all[j].key
	})
	for _, a := range all[:len(s.entries)-s.limits.MaxEntries] {
		delete(s.entries, a.key)
	}
}

func (s *FileStore) flushLocked() error {
	b, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	// Write atomically.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
