package ai

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/sells-group/tender-monitor/internal/resilience"
	"github.com/sells-group/tender-monitor/pkg/perplexity"
)

// SearchRequest is one grounded web search.
type SearchRequest struct {
	Query      string
	System     string
	MaxResults int
	// Recency limits results to the last day, week, month or year.
	Recency string
}

// SearchResult holds the answer text and the page URLs it points to.
type SearchResult struct {
	Answer string
	URLs   []string
}

// Searcher runs search-grounded queries.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResult, error)
}

// PerplexitySearcher implements Searcher with the Perplexity chat API.
type PerplexitySearcher struct {
	client perplexity.Client
	policy resilience.Policy
}

// NewPerplexitySearcher wraps a Perplexity client. Transient failures are
// retried under policy.
func NewPerplexitySearcher(client perplexity.Client, policy resilience.Policy) *PerplexitySearcher {
	return &PerplexitySearcher{client: client, policy: policy}
}

const searchInstruction = `Answer with a JSON object {"results":[{"url":"...","title":"..."}]} listing the pages that directly describe a matching item. Use only URLs you actually found.`

type searchAnswer struct {
	Results []struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"results"`
}

// Search implements Searcher. URLs come from the JSON answer first, then
// from the response citations.
func (s *PerplexitySearcher) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	system := searchInstruction
	if req.System != "" {
		system = req.System + "\n\n" + searchInstruction
	}
	temp := 0.1
	chatReq := perplexity.ChatCompletionRequest{
		Messages: []perplexity.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: req.Query},
		},
		Temperature:         &temp,
		SearchRecencyFilter: req.Recency,
	}

	resp, err := resilience.RetryVal(ctx, s.policy, func(ctx context.Context) (*perplexity.ChatCompletionResponse, error) {
		return s.client.ChatCompletion(ctx, chatReq)
	})
	if err != nil {
		return nil, err
	}

	answer := resp.Content()
	var urls []string
	seen := make(map[string]bool)
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return
		}
		if seen[raw] {
			return
		}
		seen[raw] = true
		urls = append(urls, raw)
	}

	var parsed searchAnswer
	if err := json.Unmarshal([]byte(cleanJSON(answer)), &parsed); err == nil {
		for _, r := range parsed.Results {
			add(r.URL)
		}
	}
	for _, u := range resp.Sources() {
		add(u)
	}
	if req.MaxResults > 0 && len(urls) > req.MaxResults {
		urls = urls[:req.MaxResults]
	}
	return &SearchResult{Answer: answer, URLs: urls}, nil
}
