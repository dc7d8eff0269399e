package ai

import (
	"context"
	"encoding/json"

	"github.com/sells-group/tender-monitor/pkg/anthropic"
)

// AnthropicGenerator is the default Generator. The schema travels in the
// system prompt and the reply is validated locally.
type AnthropicGenerator struct {
	client anthropic.Client
	opts   Options
}

// NewAnthropicGenerator wraps an Anthropic client.
func NewAnthropicGenerator(client anthropic.Client, opts Options) *AnthropicGenerator {
	return &AnthropicGenerator{client: client, opts: opts}
}

// Generate implements Generator.
func (g *AnthropicGenerator) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	ctx, cancel := g.opts.withTimeout(ctx)
	defer cancel()

	system := schemaInstruction(req.Schema)
	if req.System != "" {
		system = req.System + "\n\n" + system
	}
	var blocks []anthropic.SystemBlock
	if req.CacheSystem {
		blocks = anthropic.BuildCachedSystemBlocks(system, "")
	} else {
		blocks = []anthropic.SystemBlock{{Text: system}}
	}

	temp := req.Temperature
	resp, err := g.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       g.opts.Model,
		MaxTokens:   int64(g.opts.maxTokens(req)),
		System:      blocks,
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, err
	}
	resp.Usage.LogCost(g.opts.Model, req.Name)

	return decodeOutput(req, resp.Text(), resp.Truncated())
}
