// Package plan defines the versioned edit-plan document the assistant emits
// and the engine executes against the document host.
package plan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// SchemaVersion is the only plan schema this engine accepts.
const SchemaVersion = "plan.v1"

// Op is the closed set of document-mutation operations.
type Op string

const (
	OpUpsertNamedBlock Op = "upsert_named_block"
	OpDeleteNamedBlock Op = "delete_named_block"
)

// ParseOp validates a raw op value. Unknown ops are a parse error, never a
// silently ignored branch.
func ParseOp(raw string) (Op, error) {
	switch Op(strings.TrimSpace(raw)) {
	case OpUpsertNamedBlock:
		return OpUpsertNamedBlock, nil
	case OpDeleteNamedBlock:
		return OpDeleteNamedBlock, nil
	default:
		return "", fmt.Errorf("unknown plan op: %q", raw)
	}
}

// Action is one document-mutation operation.
type Action struct {
	Op   Op     `json:"op"`
	Name string `json:"name"`

	// Content is the host-specific payload for upsert ops.
	Content json.RawMessage `json:"content,omitempty"`
}

// Plan is the versioned JSON document describing edits to apply.
type Plan struct {
	SchemaVersion string `json:"schema_version"`

	// HostApp names the target document host. May be empty in raw
	// assistant output; Normalize fills it from the document identity.
	HostApp string `json:"host_app,omitempty"`

	// BlockID is the stable id of the logical artifact this plan produces.
	// Re-running a plan with the same block id overwrites rather than
	// duplicates. Optional; see BlockID for the derivation fallback.
	BlockID string `json:"block_id,omitempty"`

	Actions []Action `json:"actions"`
}

var (
	ErrNotAPlan      = errors.New("not a plan document")
	ErrWrongSchema   = errors.New("unsupported plan schema_version")
	ErrEmptyActions  = errors.New("plan has no actions")
	ErrActionInvalid = errors.New("invalid plan action")
)

// Parse strictly decodes a plan. It requires schema_version == "plan.v1",
// at least one action, and every op within the closed set.
func Parse(raw string) (*Plan, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, "{") {
		return nil, ErrNotAPlan
	}

	var p Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAPlan, err)
	}
	if strings.TrimSpace(p.SchemaVersion) != SchemaVersion {
		return nil, fmt.Errorf("%w: %q", ErrWrongSchema, p.SchemaVersion)
	}
	if len(p.Actions) == 0 {
		return nil, ErrEmptyActions
	}
	for i, a := range p.Actions {
		if _, err := ParseOp(string(a.Op)); err != nil {
			return nil, fmt.Errorf("%w: action %d: %v", ErrActionInvalid, i, err)
		}
		if strings.TrimSpace(a.Name) == "" {
			return nil, fmt.Errorf("%w: action %d: missing name", ErrActionInvalid, i)
		}
		if a.Op == OpUpsertNamedBlock && len(bytes.TrimSpace(a.Content)) == 0 {
			return nil, fmt.Errorf("%w: action %d: upsert without content", ErrActionInvalid, i)
		}
	}
	return &p, nil
}

// Normalize runs the fast local validation pass before the first real
// execution attempt: strict parse plus defaulting of host_app from the
// target document. No host mutation happens here. Returns the normalized
// plan JSON.
func Normalize(raw string, hostApp string) (string, error) {
	if _, err := Parse(raw); err != nil {
		return "", err
	}
	out := strings.TrimSpace(raw)
	hostApp = strings.TrimSpace(hostApp)
	if hostApp != "" && strings.TrimSpace(gjson.Get(out, "host_app").String()) == "" {
		v, err := sjson.Set(out, "host_app", hostApp)
		if err != nil {
			return "", err
		}
		out = v
	}
	return out, nil
}

// BlockID returns the stable block id for a plan JSON document:
// the explicit block_id field when present, otherwise an id derived from
// the first action's target name, otherwise a digest of the raw plan.
// The derivation is deterministic so regenerating the same logical
// artifact maps to the same ledger row.
func BlockID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if id := strings.TrimSpace(gjson.Get(raw, "block_id").String()); id != "" {
		return id
	}
	if name := strings.TrimSpace(gjson.Get(raw, "actions.0.name").String()); name != "" {
		return "blk_" + name
	}
	sum := sha256.Sum256([]byte(raw))
	return "blk_" + hex.EncodeToString(sum[:8])
}
