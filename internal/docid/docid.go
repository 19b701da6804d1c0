// Package docid derives stable keys for open host documents.
//
// Host-internal document ids are ephemeral (a host may reopen the same file
// under a new id), so key derivation prefers the filesystem path when one is
// available, then the host id, then the display name as a last resort.
// Name-only keys may collide between unsaved documents; Resolve assigns a
// numeric suffix to disambiguate them within one open-document snapshot.
package docid

import (
	"fmt"
	"strings"
)

// Identity describes one open document as reported by the document host.
type Identity struct {
	HostApp string `json:"host_app"`
	ID      string `json:"id,omitempty"`
	Path    string `json:"path,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Resolved pairs an identity with its derived key within one snapshot.
type Resolved struct {
	Identity Identity `json:"identity"`
	Key      string   `json:"key"`
}

func (d Identity) normalized() Identity {
	return Identity{
		HostApp: strings.TrimSpace(d.HostApp),
		ID:      strings.TrimSpace(d.ID),
		Path:    strings.TrimSpace(d.Path),
		Name:    strings.TrimSpace(d.Name),
	}
}

// Empty reports whether the identity carries no usable identifying field.
func (d Identity) Empty() bool {
	n := d.normalized()
	return n.HostApp == "" || (n.ID == "" && n.Path == "" && n.Name == "")
}

// Unsaved reports whether the document has no filesystem path yet.
func (d Identity) Unsaved() bool {
	return strings.TrimSpace(d.Path) == ""
}

// ComputeKey derives the canonical key for a single identity:
// path, then host id, then name. Returns "" when no field is usable;
// callers must fall back to an ephemeral session in that case.
func ComputeKey(d Identity) string {
	n := d.normalized()
	if n.HostApp == "" {
		return ""
	}
	switch {
	case n.Path != "":
		return n.HostApp + ":" + n.Path
	case n.ID != "":
		return n.HostApp + ":" + n.ID
	case n.Name != "":
		return n.HostApp + ":" + n.Name
	default:
		return ""
	}
}

// CandidateKeys returns every key derivable from the identity, most durable
// first. The session registry probes these in order so a document keeps its
// binding when one identifying field changes while another stays stable.
func CandidateKeys(d Identity) []string {
	n := d.normalized()
	if n.HostApp == "" {
		return nil
	}
	var out []string
	if n.Path != "" {
		out = append(out, n.HostApp+":"+n.Path)
	}
	if n.ID != "" {
		out = append(out, n.HostApp+":"+n.ID)
	}
	if n.Name != "" {
		out = append(out, n.HostApp+":"+n.Name)
	}
	return out
}

// Resolve derives keys for a snapshot of open documents. Identities with no
// usable field are dropped. When two or more name-keyed documents collide,
// the second and later occurrences get a "#n" suffix (n is the 1-based
// occurrence ordinal) so keys stay unique within the snapshot.
func Resolve(candidates []Identity) []Resolved {
	out := make([]Resolved, 0, len(candidates))
	seen := make(map[string]int, len(candidates))
	for _, c := range candidates {
		n := c.normalized()
		key := ComputeKey(n)
		if key == "" {
			continue
		}
		nameOnly := n.Path == "" && n.ID == "" && n.Name != ""
		if nameOnly {
			seen[key]++
			if occ := seen[key]; occ > 1 {
				key = fmt.Sprintf("%s#%d", key, occ)
			}
		}
		out = append(out, Resolved{Identity: n, Key: key})
	}
	return out
}

// AmbiguousUnsavedName reports whether two or more unsaved documents in the
// snapshot share the given display name. First-save migration must be
// skipped in that case: the name key cannot be attributed to one document.
func AmbiguousUnsavedName(open []Identity, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	count := 0
	for _, d := range open {
		n := d.normalized()
		if n.Unsaved() && n.Name == name {
			count++
			if count > 1 {
				return true
			}
		}
	}
	return false
}
