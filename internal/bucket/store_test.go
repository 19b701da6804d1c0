package bucket

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pagemark/pagemark-agent/internal/store"
)

func newTestStore(t *testing.T, opts Options) (*Store, store.DurableStore) {
	t.Helper()
	if opts.Durable == nil {
		d, err := store.OpenFile(store.FileOptions{
			Path:          filepath.Join(t.TempDir(), "buckets.json"),
			MaxValueBytes: 10 << 20,
		})
		if err != nil {
			t.Fatalf("OpenFile: %v", err)
		}
		opts.Durable = d
	}
	s, err := NewStore(opts)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s, opts.Durable
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	for _, k := range []string{"user", "assistant", "thinking", "system"} {
		if _, err := ParseKind(k); err != nil {
			t.Errorf("ParseKind(%q): %v", k, err)
		}
	}
	if _, err := ParseKind("tool"); err == nil {
		t.Fatalf("unknown kind accepted")
	}
	if _, err := ParseKind(""); err == nil {
		t.Fatalf("empty kind accepted")
	}
}

func TestStore_GetCreatesEmptyBucket(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Options{})
	b, err := s.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b.Len() != 0 {
		t.Fatalf("new bucket has %d messages", b.Len())
	}
	if b.SessionID() != "s1" {
		t.Fatalf("SessionID=%q", b.SessionID())
	}
}

func TestStore_BucketReferenceStable(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	b1, err := s.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get s1: %v", err)
	}
	// Another session becomes visible and accumulates messages; the first
	// session's bucket pointer must stay attached.
	if _, err := s.Get(ctx, "s2"); err != nil {
		t.Fatalf("Get s2: %v", err)
	}
	if err := s.Append(ctx, "s2", Message{Kind: KindUser, Content: "other session"}); err != nil {
		t.Fatalf("Append s2: %v", err)
	}
	if err := s.Append(ctx, "s1", Message{Kind: KindAssistant, Content: "mid-stream"}); err != nil {
		t.Fatalf("Append s1: %v", err)
	}

	b1again, err := s.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get s1 again: %v", err)
	}
	if b1 != b1again {
		t.Fatalf("bucket reference changed")
	}
	if b1.Len() != 1 {
		t.Fatalf("s1 bucket len=%d, want 1", b1.Len())
	}
}

func TestStore_AppendValidatesKind(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Options{})
	err := s.Append(context.Background(), "s1", Message{Kind: "bogus", Content: "x"})
	if err == nil {
		t.Fatalf("append with unknown kind accepted")
	}
}

func TestStore_PersistAndReload(t *testing.T) {
	t.Parallel()

	durable, err := store.OpenFile(store.FileOptions{
		Path:          filepath.Join(t.TempDir(), "buckets.json"),
		MaxValueBytes: 10 << 20,
	})
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	s, _ := newTestStore(t, Options{Durable: durable})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.Append(ctx, "s1", Message{Kind: KindUser, Content: fmt.Sprintf("msg %d", i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s.Persist(ctx, "s1"); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	// Fresh store over the same durable backend sees the history.
	s2, _ := newTestStore(t, Options{Durable: durable})
	b, err := s2.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	msgs := b.Messages()
	if len(msgs) != 3 {
		t.Fatalf("reloaded %d messages, want 3", len(msgs))
	}
	if msgs[0].Content != "msg 0" || msgs[2].Content != "msg 2" {
		t.Fatalf("order lost: %+v", msgs)
	}
}

func TestStore_TrimByCountOldestFirst(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Options{MaxMessages: 3})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, "s1", Message{Kind: KindUser, Content: fmt.Sprintf("msg %d", i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s.Persist(ctx, "s1"); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	b, _ := s.Get(ctx, "s1")
	msgs := b.Messages()
	if len(msgs) != 3 {
		t.Fatalf("len=%d, want 3", len(msgs))
	}
	if msgs[0].Content != "msg 2" {
		t.Fatalf("oldest surviving=%q, want msg 2", msgs[0].Content)
	}
}

func TestStore_TrimByCharBudget(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Options{MaxChars: 25})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := s.Append(ctx, "s1", Message{Kind: KindUser, Content: strings.Repeat("x", 10)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s.Persist(ctx, "s1"); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	b, _ := s.Get(ctx, "s1")
	if got := b.Len(); got != 2 {
		t.Fatalf("len=%d, want 2 (20 chars fits, 30 does not)", got)
	}
}

func TestStore_DebouncedPersist(t *testing.T) {
	t.Parallel()

	durable, err := store.OpenFile(store.FileOptions{Path: filepath.Join(t.TempDir(), "buckets.json")})
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	s, _ := newTestStore(t, Options{Durable: durable, PersistLag: 30 * time.Millisecond})
	ctx := context.Background()

	if err := s.Append(ctx, "s1", Message{Kind: KindUser, Content: "hello"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, ok, _ := durable.Get(ctx, "bucket/s1"); ok {
		t.Fatalf("persisted before debounce window elapsed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok, _ := durable.Get(ctx, "bucket/s1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("debounced persist never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBucket_Find(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Options{})
	ctx := context.Background()
	if err := s.Append(ctx, "s1", Message{ID: "m1", Kind: KindAssistant, Content: "plan here"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	b, _ := s.Get(ctx, "s1")
	if m := b.Find("m1"); m == nil || m.Content != "plan here" {
		t.Fatalf("Find(m1)=%+v", m)
	}
	if m := b.Find("m2"); m != nil {
		t.Fatalf("Find(m2)=%+v, want nil", m)
	}
}
