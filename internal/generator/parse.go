package generator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type reply struct {
	Fields       map[string]string
	Confidence   float64
	EvidenceUsed []string
}

type rawReply struct {
	Fields       map[string]json.RawMessage `json:"fields"`
	Confidence   *float64                   `json:"confidence"`
	EvidenceUsed []string                   `json:"evidence_used"`
}

// parseReply decodes the service output. Code fences and prose around the
// object are tolerated; a missing fields object or confidence is not.
func parseReply(output string) (*reply, error) {
	body := extractObject(output)
	if body == "" {
		return nil, errors.New("no JSON object in output")
	}

	var raw rawReply
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	if raw.Fields == nil {
		return nil, errors.New("output has no fields object")
	}
	if raw.Confidence == nil {
		return nil, errors.New("output has no confidence")
	}

	r := &reply{
		Fields:       make(map[string]string, len(raw.Fields)),
		Confidence:   *raw.Confidence,
		EvidenceUsed: raw.EvidenceUsed,
	}
	for name, v := range raw.Fields {
		r.Fields[name] = fieldText(v)
	}
	return r, nil
}

// fieldText renders a field value as text. Lists are joined by newlines.
func fieldText(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(v, &list); err == nil {
		return strings.Join(list, "\n")
	}
	if string(v) == "null" {
		return ""
	}
	return string(v)
}

func extractObject(output string) string {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end < start {
		return ""
	}
	return output[start : end+1]
}
