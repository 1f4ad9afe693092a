package stream

import (
	"encoding/json"
	"strings"
)

// chunkShape is the part of an OpenAI-compatible streaming chunk we read.
type chunkShape struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// ExtractDelta returns choices[0].delta.content of an OpenAI-style chunk.
// Any shape mismatch (missing choices, null or non-string content, invalid
// JSON) yields ok=false rather than an error.
func ExtractDelta(raw json.RawMessage) (string, bool) {
	var c chunkShape
	if err := json.Unmarshal(raw, &c); err != nil {
		return "", false
	}
	if len(c.Choices) == 0 || c.Choices[0].Delta.Content == nil {
		return "", false
	}
	return *c.Choices[0].Delta.Content, true
}

// Accumulator folds deltas into the full response text. It only grows.
type Accumulator struct {
	b strings.Builder
}

// Add extracts the delta from raw, appends it verbatim and returns it.
// Payloads without content return "".
func (a *Accumulator) Add(raw json.RawMessage) string {
	delta, ok := ExtractDelta(raw)
	if !ok || delta == "" {
		return ""
	}
	a.b.WriteString(delta)
	return delta
}

func (a *Accumulator) String() string { return a.b.String() }

func (a *Accumulator) Len() int { return a.b.Len() }
