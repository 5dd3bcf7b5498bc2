// Package prompts holds the LLM prompts used by the suggestion service.
package prompts

import (
	"fmt"
	"strings"
)

// MaxSuggestions caps how many alternates are requested per target.
const MaxSuggestions = 5

// RescanSystemPrompt asks for alternate spellings of an identifier that produced no findings.
const RescanSystemPrompt = `You help investigators re-run identity exposure scans that returned nothing.
Given an identifier and its type, propose alternate spellings a person might realistically use elsewhere.

Rules:
- Keep the same type: usernames stay usernames, names stay full names, emails stay emails.
- Prefer common variants: separators (. _ -), dropped or doubled letters, appended birth years or digits, nickname forms, transliterations.
- Never invent unrelated identities and never repeat the input.
- Output one candidate per line, no numbering, no commentary.`

// BuildRescanPrompt renders the user message for one target.
func BuildRescanPrompt(targetType, value string) string {
	return fmt.Sprintf("Type: %s\nIdentifier: %s\nReturn at most %d alternates.", targetType, value, MaxSuggestions)
}

// ParseSuggestions splits a model reply into clean candidates, dropping the original value,
// list markers and duplicates.
func ParseSuggestions(reply, original string) []string {
	seen := map[string]struct{}{strings.ToLower(strings.TrimSpace(original)): {}}
	var out []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*•0123456789.) ")
		line = strings.Trim(line, "`\"'")
		if line == "" || (strings.ContainsAny(line, " \t") && !strings.Contains(original, " ")) {
			continue
		}
		key := strings.ToLower(line)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, line)
		if len(out) == MaxSuggestions {
			break
		}
	}
	return out
}
