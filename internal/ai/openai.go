package ai

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"

	"github.com/rotisserie/eris"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/sells-group/tender-monitor/internal/resilience"
)

// OpenAIGenerator uses the json_schema response format of OpenAI-compatible
// chat completion APIs.
type OpenAIGenerator struct {
	client *openai.Client
	opts   Options
}

// NewOpenAIGenerator builds a generator for apiKey at baseURL (empty for the
// public API).
func NewOpenAIGenerator(apiKey, baseURL string, opts Options) *OpenAIGenerator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if opts.Model == "" {
		opts.Model = openai.GPT4oMini
	}
	return &OpenAIGenerator{client: openai.NewClientWithConfig(cfg), opts: opts}
}

type rawSchema map[string]any

func (s rawSchema) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any(s))
}

var schemaNameRe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	ctx, cancel := g.opts.withTimeout(ctx)
	defer cancel()

	var msgs []openai.ChatCompletionMessage
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	chatReq := openai.ChatCompletionRequest{
		Model:       g.opts.Model,
		Messages:    msgs,
		MaxTokens:   g.opts.maxTokens(req),
		Temperature: float32(req.Temperature),
	}
	if req.Schema != nil {
		name := schemaNameRe.ReplaceAllString(req.Name, "_")
		if name == "" {
			name = "output"
		}
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   name,
				Schema: rawSchema(req.Schema),
				// Strict mode rejects optional properties, which the
				// schemas here rely on.
				Strict: false,
			},
		}
	} else {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := g.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, eris.Wrapf(ErrInvalidOutput, "ai: %s: no choices", req.Name)
	}
	zap.L().Debug("openai: usage",
		zap.String("model", g.opts.Model),
		zap.String("call", req.Name),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	choice := resp.Choices[0]
	return decodeOutput(req, choice.Message.Content, choice.FinishReason == openai.FinishReasonLength)
}

func classifyOpenAIError(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	wrapped := eris.Wrap(err, "openai: create chat completion")
	if resilience.IsTransientHTTPStatus(status) || (status == 0 && resilience.IsTransient(err)) {
		return resilience.Transient(wrapped)
	}
	return wrapped
}
