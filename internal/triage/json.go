package triage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// decodeJSONResponse parses a model response expected to be a single JSON
// object. Markdown code fences around the object are tolerated since models
// add them despite instructions; anything else malformed is an error.
func decodeJSONResponse(raw string, v any) error {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	dec := json.NewDecoder(strings.NewReader(text))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to parse model response as JSON: %w", err)
	}
	return nil
}
