package models

import "encoding/json"

// GenerationRequest is the request shape sent to the external generation service.
type GenerationRequest struct {
	SystemInstructions string          `json:"system_instructions"`
	StructuredContext  json.RawMessage `json:"structured_context"`
	OutputSchema       json.RawMessage `json:"output_schema"`
}

// UsageMetadata reports token usage for one external call.
type UsageMetadata struct {
	Model        string `json:"model,omitempty"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// GenerationResponse is the raw reply from the external generation service.
type GenerationResponse struct {
	StructuredOutput string        `json:"structured_output"`
	Usage            UsageMetadata `json:"usage_metadata"`
}
