package providers

import "encoding/json"

// Usage is a token count recovered from a raw provider response.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// rawUsage covers the usage shapes of the providers we talk to:
// OpenAI-compatible (prompt/completion), Anthropic-style (input/output) and
// Gemini (usageMetadata).
type rawUsage struct {
	Usage *struct {
		PromptTokens     *int `json:"prompt_tokens"`
		CompletionTokens *int `json:"completion_tokens"`
		InputTokens      *int `json:"input_tokens"`
		OutputTokens     *int `json:"output_tokens"`
	} `json:"usage"`
	UsageMetadata *struct {
		PromptTokenCount     *int `json:"promptTokenCount"`
		CandidatesTokenCount *int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// UsageFromRaw extracts token usage from a raw response body.
// Missing or malformed usage yields zero counts, never an error.
func UsageFromRaw(raw []byte) Usage {
	if len(raw) == 0 {
		return Usage{}
	}
	var r rawUsage
	if err := json.Unmarshal(raw, &r); err != nil {
		return Usage{}
	}

	var u Usage
	if r.Usage != nil {
		u.InputTokens = first(r.Usage.PromptTokens, r.Usage.InputTokens)
		u.OutputTokens = first(r.Usage.CompletionTokens, r.Usage.OutputTokens)
	}
	if r.UsageMetadata != nil {
		if u.InputTokens == 0 {
			u.InputTokens = first(r.UsageMetadata.PromptTokenCount)
		}
		if u.OutputTokens == 0 {
			u.OutputTokens = first(r.UsageMetadata.CandidatesTokenCount)
		}
	}
	return u
}

func first(vals ...*int) int {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}
