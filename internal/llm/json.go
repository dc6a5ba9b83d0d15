package llm

import (
	"encoding/json"
	"strings"
)

// ExtractJSON pulls the JSON document out of an LLM reply, stripping
// markdown code fences and any prose around the outermost object or array.
func ExtractJSON(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}

	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		endIdx := len(lines) - 1
		for i := len(lines) - 1; i > 0; i-- {
			if strings.TrimSpace(lines[i]) == "```" {
				endIdx = i
				break
			}
		}
		if endIdx < 1 {
			endIdx = 1
		}
		text = strings.TrimSpace(strings.Join(lines[1:endIdx], "\n"))
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", false
	}
	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(text, closer)
	if end < start {
		return "", false
	}
	text = text[start : end+1]
	if !json.Valid([]byte(text)) {
		return "", false
	}
	return text, true
}
