package store

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
)

// Tiered reads and writes through the primary store, falling back to the
// secondary when the primary fails. Values written during a fallback window
// stay in the secondary; reads consult both so nothing goes missing after
// the primary recovers.
type Tiered struct {
	log       *slog.Logger
	primary   DurableStore
	secondary DurableStore
}

func NewTiered(log *slog.Logger, primary DurableStore, secondary DurableStore) (*Tiered, error) {
	if primary == nil {
		return nil, errors.New("missing primary store")
	}
	if secondary == nil {
		return nil, errors.New("missing secondary store")
	}
	return &Tiered{log: log, primary: primary, secondary: secondary}, nil
}

func (t *Tiered) Close() error {
	if t == nil {
		return nil
	}
	err := t.primary.Close()
	if e2 := t.secondary.Close(); err == nil {
		err = e2
	}
	return err
}

// Limits reports the secondary's contract: it is the floor a caller can
// rely on when the primary is down.
func (t *Tiered) Limits() Limits {
	if t == nil {
		return Limits{}
	}
	return t.secondary.Limits()
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if t == nil {
		return nil, false, errors.New("store not initialized")
	}
	v, ok, err := t.primary.Get(ctx, key)
	if err == nil && ok {
		return v, true, nil
	}
	if err != nil {
		t.warn("primary get failed", key, err)
	}
	return t.secondary.Get(ctx, key)
}

func (t *Tiered) Set(ctx context.Context, key string, value []byte) error {
	if t == nil {
		return errors.New("store not initialized")
	}
	err := t.primary.Set(ctx, key, value)
	if err == nil {
		// Drop any stale fallback copy so reads don't resurrect it later.
		_ = t.secondary.Delete(ctx, key)
		return nil
	}
	t.warn("primary set failed, writing to secondary", key, err)
	return t.secondary.Set(ctx, key, value)
}

func (t *Tiered) Delete(ctx context.Context, key string) error {
	if t == nil {
		return errors.New("store not initialized")
	}
	err := t.primary.Delete(ctx, key)
	if e2 := t.secondary.Delete(ctx, key); err == nil {
		err = e2
	}
	return err
}

func (t *Tiered) Keys(ctx context.Context, prefix string) ([]string, error) {
	if t == nil {
		return nil, errors.New("store not initialized")
	}
	seen := make(map[string]bool)
	pk, err := t.primary.Keys(ctx, prefix)
	if err != nil {
		t.warn("primary keys failed", prefix, err)
	}
	for _, k := range pk {
		seen[k] = true
	}
	sk, err := t.secondary.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	for _, k := range sk {
		seen[k] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (t *Tiered) warn(msg string, key string, err error) {
	if t == nil || t.log == nil {
		return
	}
	t.log.Warn(msg, "key", strings.TrimSpace(key), "error", err)
}
