package ai

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tender-monitor/internal/config"
	"github.com/sells-group/tender-monitor/internal/resilience"
	"github.com/sells-group/tender-monitor/pkg/anthropic"
	"github.com/sells-group/tender-monitor/pkg/perplexity"
)

// NewGenerator builds the provider selected by cfg.AI.Provider. The result
// does not retry; wrap it with NewResilient.
func NewGenerator(cfg *config.Config) (Generator, error) {
	opts := Options{
		MaxTokens: cfg.AI.MaxTokens,
		Timeout:   time.Duration(cfg.AI.TimeoutSecs) * time.Second,
	}

	switch strings.ToLower(cfg.AI.Provider) {
	case "", "anthropic":
		if cfg.Anthropic.Key == "" {
			return nil, eris.New("ai: anthropic.key is required")
		}
		opts.Model = cfg.Anthropic.Model
		return NewAnthropicGenerator(anthropic.NewClient(cfg.Anthropic.Key), opts), nil
	case "openai":
		if cfg.OpenAI.Key == "" {
			return nil, eris.New("ai: openai.key is required")
		}
		opts.Model = cfg.OpenAI.Model
		return NewOpenAIGenerator(cfg.OpenAI.Key, cfg.OpenAI.BaseURL, opts), nil
	default:
		return nil, eris.Errorf("ai: unknown provider %q (supported: anthropic, openai)", cfg.AI.Provider)
	}
}

// NewBreaker returns the breaker shared by every AI consumer of a run.
func NewBreaker(cfg config.AIConfig) *resilience.Breaker {
	return resilience.NewBreaker("ai", cfg.BreakerThreshold, time.Duration(cfg.BreakerResetSecs)*time.Second)
}

// RetryPolicy returns the backoff policy for AI calls with the given
// attempt budget.
func RetryPolicy(cfg config.AIConfig, attempts int) resilience.Policy {
	p := resilience.NewPolicy(attempts, cfg.RetryInitialMs, cfg.RetryMaxBackoffMs)
	p.Retryable = Retryable
	return p
}

// NewSearcher builds the grounded searcher, or nil when no key is set.
func NewSearcher(cfg *config.Config) Searcher {
	if cfg.Perplexity.Key == "" {
		return nil
	}
	var opts []perplexity.Option
	if cfg.Perplexity.BaseURL != "" {
		opts = append(opts, perplexity.WithBaseURL(cfg.Perplexity.BaseURL))
	}
	if cfg.Perplexity.Model != "" {
		opts = append(opts, perplexity.WithModel(cfg.Perplexity.Model))
	}
	client := perplexity.NewClient(cfg.Perplexity.Key, opts...)
	return NewPerplexitySearcher(client, resilience.NewPolicy(3, cfg.AI.RetryInitialMs, cfg.AI.RetryMaxBackoffMs))
}
