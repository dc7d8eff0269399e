// Package ai wraps the generative models used for classification, date
// extraction and page extraction behind a single structured-output
// contract: every call names a JSON Schema and returns JSON that satisfies
// it.
package ai

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ErrInvalidOutput marks a response that is empty, not JSON, or does not
// match the request schema. Callers retry it like a transient failure.
var ErrInvalidOutput = eris.New("ai: invalid structured output")

// Request is one structured-output call.
type Request struct {
	// Name identifies the call in logs and in provider schema metadata.
	Name        string
	System      string
	Prompt      string
	Schema      map[string]any
	Temperature float64
	// MaxTokens overrides the generator default when positive.
	MaxTokens int
	// CacheSystem marks the system prompt as a prompt-cache breakpoint.
	CacheSystem bool
}

// Generator produces JSON conforming to Request.Schema.
type Generator interface {
	Generate(ctx context.Context, req Request) (json.RawMessage, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (json.RawMessage, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Options holds provider-independent generator settings.
type Options struct {
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

func (o Options) maxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if o.MaxTokens > 0 {
		return o.MaxTokens
	}
	return 2048
}

func (o Options) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.Timeout)
}

// Decode unmarshals a Generate result into out.
func Decode[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, eris.Wrap(ErrInvalidOutput, err.Error())
	}
	return out, nil
}

// decodeOutput turns raw model text into validated JSON.
func decodeOutput(req Request, text string, truncated bool) (json.RawMessage, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		if truncated {
			return nil, eris.Wrapf(ErrInvalidOutput, "ai: %s: empty response (max tokens reached)", req.Name)
		}
		return nil, eris.Wrapf(ErrInvalidOutput, "ai: %s: empty response", req.Name)
	}
	if !json.Valid([]byte(cleaned)) {
		return nil, eris.Wrapf(ErrInvalidOutput, "ai: %s: response is not JSON (truncated=%t)", req.Name, truncated)
	}
	if req.Schema != nil {
		if err := ValidateJSON(req.Schema, []byte(cleaned)); err != nil {
			return nil, eris.Wrapf(ErrInvalidOutput, "ai: %s: %v", req.Name, err)
		}
	}
	return json.RawMessage(cleaned), nil
}

// cleanJSON extracts a JSON object from text that may be wrapped in
// markdown code fences or prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// schemaInstruction renders the schema for providers without native
// structured output.
func schemaInstruction(schema map[string]any) string {
	if schema == nil {
		return "Respond with a single JSON object and nothing else."
	}
	b, _ := json.MarshalIndent(schema, "", "  ")
	return "Respond with a single JSON object and nothing else. It must validate against this JSON Schema:\n" + string(b)
}
