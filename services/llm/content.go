package llm

import (
	"encoding/json"
	"strings"
)

// contentPart is one element of a structured content array as produced by
// OpenAI-compatible gateways ({"type": "text", "text": "..."}).
type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// FlattenContent extracts a flat text span from a message content payload
// that is either a JSON string or an array of typed parts. Object parts
// contribute their "text" field in order; non-object elements are skipped.
// Anything else (missing, null, wrong shape) flattens to the empty string.
func FlattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}

	var b strings.Builder
	for _, p := range parts {
		var part contentPart
		if err := json.Unmarshal(p, &part); err != nil {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String()
}
