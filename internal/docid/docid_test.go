package docid

import "testing"

func TestComputeKey_Order(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   Identity
		want string
	}{
		{"path wins", Identity{HostApp: "host1", ID: "d1", Path: "/tmp/r.docx", Name: "r.docx"}, "host1:/tmp/r.docx"},
		{"id when no path", Identity{HostApp: "host1", ID: "d1", Name: "Book1"}, "host1:d1"},
		{"name last resort", Identity{HostApp: "host1", Name: "Book1"}, "host1:Book1"},
		{"no usable field", Identity{HostApp: "host1"}, ""},
		{"missing host app", Identity{ID: "d1"}, ""},
		{"whitespace only", Identity{HostApp: " host1 ", Path: "  "}, ""},
	}
	for _, tc := range cases {
		if got := ComputeKey(tc.in); got != tc.want {
			t.Errorf("%s: ComputeKey=%q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestComputeKey_StableWhenHostIDChanges(t *testing.T) {
	t.Parallel()

	// The host reopened the same file under a new internal id.
	first := Identity{HostApp: "host1", ID: "d1", Path: "/tmp/r.docx"}
	second := Identity{HostApp: "host1", ID: "d2", Path: "/tmp/r.docx"}
	if ComputeKey(first) != ComputeKey(second) {
		t.Fatalf("keys differ: %q vs %q", ComputeKey(first), ComputeKey(second))
	}
}

func TestCandidateKeys(t *testing.T) {
	t.Parallel()

	got := CandidateKeys(Identity{HostApp: "host1", ID: "d1", Path: "/tmp/r.docx", Name: "r.docx"})
	want := []string{"host1:/tmp/r.docx", "host1:d1", "host1:r.docx"}
	if len(got) != len(want) {
		t.Fatalf("CandidateKeys=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("CandidateKeys[%d]=%q, want %q", i, got[i], want[i])
		}
	}
	if keys := CandidateKeys(Identity{Name: "x"}); keys != nil {
		t.Fatalf("expected nil for missing host app, got %v", keys)
	}
}

func TestResolve_DisambiguatesUnsavedNames(t *testing.T) {
	t.Parallel()

	out := Resolve([]Identity{
		{HostApp: "sheets", Name: "Book1"},
		{HostApp: "sheets", Name: "Book1"},
		{HostApp: "sheets", Name: "Book1"},
		{HostApp: "sheets", Name: "Book2"},
		{HostApp: "sheets"}, // unusable, dropped
	})
	if len(out) != 4 {
		t.Fatalf("resolved %d docs, want 4", len(out))
	}
	wantKeys := []string{"sheets:Book1", "sheets:Book1#2", "sheets:Book1#3", "sheets:Book2"}
	for i, w := range wantKeys {
		if out[i].Key != w {
			t.Fatalf("key[%d]=%q, want %q", i, out[i].Key, w)
		}
	}
}

func TestResolve_SavedDocsNeverSuffixed(t *testing.T) {
	t.Parallel()

	out := Resolve([]Identity{
		{HostApp: "docs", Path: "/a/notes.docx", Name: "notes.docx"},
		{HostApp: "docs", Path: "/b/notes.docx", Name: "notes.docx"},
	})
	if len(out) != 2 {
		t.Fatalf("resolved %d docs, want 2", len(out))
	}
	if out[0].Key == out[1].Key {
		t.Fatalf("saved docs collided: %q", out[0].Key)
	}
}

func TestAmbiguousUnsavedName(t *testing.T) {
	t.Parallel()

	open := []Identity{
		{HostApp: "sheets", Name: "Book1"},
		{HostApp: "sheets", Name: "Book1"},
		{HostApp: "sheets", Name: "Book2"},
		{HostApp: "sheets", Path: "/x/Book3", Name: "Book3"},
		{HostApp: "sheets", Path: "/x/Book3 (copy)", Name: "Book3"},
	}
	if !AmbiguousUnsavedName(open, "Book1") {
		t.Fatalf("Book1 should be ambiguous")
	}
	if AmbiguousUnsavedName(open, "Book2") {
		t.Fatalf("Book2 should not be ambiguous")
	}
	// Saved documents never count toward name ambiguity.
	if AmbiguousUnsavedName(open, "Book3") {
		t.Fatalf("saved Book3 docs should not be ambiguous")
	}
	if AmbiguousUnsavedName(open, "") {
		t.Fatalf("empty name should not be ambiguous")
	}
}
