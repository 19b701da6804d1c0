package plan

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Block is one executable plan found in assistant output.
type Block struct {
	BlockID  string `json:"block_id"`
	PlanJSON string `json:"plan_json"`
}

// ExtractBlocks locates embedded plan documents in assistant message text.
//
// This is a documented heuristic, in two stages:
//  1. Scan fenced code regions (labeled or unlabeled ``` fences) and keep
//     every region that is valid JSON with schema_version == "plan.v1".
//  2. Only when no fenced region yields a plan, fall back to a balanced-brace
//     scan over the whole text and probe each balanced object the same way.
//
// Full strict validation (ops, action names) happens at execution time; a
// block that passes the probe here can still fail as invalid_plan_json later.
func ExtractBlocks(text string) []Block {
	blocks := fromFencedRegions(text)
	if len(blocks) == 0 {
		blocks = fromBalancedBraces(text)
	}
	return blocks
}

func fromFencedRegions(text string) []Block {
	var out []Block
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			return out
		}
		rest = rest[start+3:]
		// Skip the fence label (e.g. "json", "plan") up to end of line.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		} else {
			return out
		}
		end := strings.Index(rest, "```")
		if end < 0 {
			return out
		}
		if b, ok := probe(rest[:end]); ok {
			out = append(out, b)
		}
		rest = rest[end+3:]
	}
}

func fromBalancedBraces(text string) []Block {
	var out []Block
	depth := 0
	inString := false
	escaped := false
	start := -1
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				if b, ok := probe(text[start : i+1]); ok {
					out = append(out, b)
				}
				start = -1
			}
		}
	}
	return out
}

func probe(candidate string) (Block, bool) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" || !strings.HasPrefix(candidate, "{") {
		return Block{}, false
	}
	if !gjson.Valid(candidate) {
		return Block{}, false
	}
	if strings.TrimSpace(gjson.Get(candidate, "schema_version").String()) != SchemaVersion {
		return Block{}, false
	}
	return Block{BlockID: BlockID(candidate), PlanJSON: candidate}, true
}
