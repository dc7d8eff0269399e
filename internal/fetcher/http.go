package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/tender-monitor/internal/resilience"
)

var (
	// ErrDisallowed is returned by Page when robots.txt forbids the URL.
	ErrDisallowed = eris.New("fetcher: disallowed by robots.txt")
	// ErrTooLarge is returned when a body exceeds the configured limit.
	ErrTooLarge = eris.New("fetcher: response body too large")
)

// Options configures the HTTP fetcher.
type Options struct {
	UserAgent         string
	Timeout           time.Duration
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RequestsPerSecond float64
	MaxBodyBytes      int64
	CacheTTL          time.Duration
	RespectRobots     bool
}

// AdaptiveLimiter wraps a rate.Limiter that slows down on 429 responses and
// recovers gradually on success.
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates a limiter starting at r events per second. It
// never exceeds r and never drops below r/8.
func NewAdaptiveLimiter(r rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(r, burst),
		maxRate:     r,
		minRate:     r / 8,
		currentRate: r,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%, up to the initial rate.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentRate >= a.maxRate {
		return
	}
	a.currentRate = min(a.currentRate*1.2, a.maxRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPFetcher implements Fetcher over net/http.
type HTTPFetcher struct {
	client *http.Client
	opts   Options
	cache  *gocache.Cache
	robots *RobotsChecker

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates an HTTPFetcher, filling unset options with defaults.
func NewHTTPFetcher(opts Options) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "tender-monitor/1.0"
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 2
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}

	client := &http.Client{
		Timeout: opts.Timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 10,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	f := &HTTPFetcher{
		client:   client,
		opts:     opts,
		limiters: make(map[string]*AdaptiveLimiter),
	}
	if opts.CacheTTL > 0 {
		f.cache = gocache.New(opts.CacheTTL, 2*opts.CacheTTL)
	}
	if opts.RespectRobots {
		f.robots = NewRobotsChecker(client, opts.UserAgent)
	}
	return f
}

func (f *HTTPFetcher) limiterFor(rawURL string) *AdaptiveLimiter {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = NewAdaptiveLimiter(rate.Limit(f.opts.RequestsPerSecond), 1)
		f.limiters[host] = lim
	}
	return lim
}

// do sends the request produced by build, retrying transient failures. The
// caller owns the returned body.
func (f *HTTPFetcher) do(ctx context.Context, rawURL string, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	lim := f.limiterFor(rawURL)

	policy := resilience.DefaultPolicy()
	policy.Attempts = f.opts.MaxRetries
	policy.BaseDelay = f.opts.RetryBaseDelay
	policy.OnRetry = func(attempt int, err error) {
		zap.L().Warn("fetcher: retrying request",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	resp, err := resilience.RetryVal(ctx, policy, func(ctx context.Context) (*http.Response, error) {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}

		req, err := build(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: create request")
		}
		req.Header.Set("User-Agent", f.opts.UserAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: %s %s", req.Method, rawURL)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lim.OnRateLimit()
		}
		if err := resilience.CheckStatus(resp.StatusCode, rawURL); err != nil {
			_ = resp.Body.Close()
			return nil, err
		}
		lim.OnSuccess()
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (f *HTTPFetcher) getRequest(rawURL string) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	}
}

// Open streams the body of rawURL.
func (f *HTTPFetcher) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	resp, err := f.do(ctx, rawURL, f.getRequest(rawURL))
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

// Get returns the body of rawURL, serving repeated URLs from the run cache.
func (f *HTTPFetcher) Get(ctx context.Context, rawURL string) ([]byte, error) {
	if f.cache != nil {
		if v, ok := f.cache.Get(rawURL); ok {
			return v.([]byte), nil
		}
	}

	body, _, err := f.Open(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(body, f.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, resilience.Transient(eris.Wrapf(err, "fetcher: read %s", rawURL))
	}
	if int64(len(data)) > f.opts.MaxBodyBytes {
		return nil, eris.Wrapf(ErrTooLarge, "fetcher: %s", rawURL)
	}

	if f.cache != nil {
		f.cache.SetDefault(rawURL, data)
	}
	return data, nil
}

// GetJSON decodes the JSON body of rawURL into out.
func (f *HTTPFetcher) GetJSON(ctx context.Context, rawURL string, out any) error {
	data, err := f.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrapf(err, "fetcher: decode json from %s", rawURL)
	}
	return nil
}

// PostJSON posts body as JSON to rawURL and decodes the reply into out.
func (f *HTTPFetcher) PostJSON(ctx context.Context, rawURL string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "fetcher: encode request body")
	}

	resp, err := f.do(ctx, rawURL, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := json.NewDecoder(io.LimitReader(resp.Body, f.opts.MaxBodyBytes)).Decode(out); err != nil {
		return eris.Wrapf(err, "fetcher: decode json from %s", rawURL)
	}
	return nil
}

// Page fetches rawURL and reduces it to readable text and links. With
// RespectRobots set, URLs disallowed for our user agent are refused.
func (f *HTTPFetcher) Page(ctx context.Context, rawURL string) (*Page, error) {
	if f.robots != nil {
		allowed, delay := f.robots.CanFetch(ctx, rawURL)
		if !allowed {
			return nil, eris.Wrapf(ErrDisallowed, "fetcher: %s", rawURL)
		}
		if delay > 0 {
			f.applyCrawlDelay(rawURL, delay)
		}
	}

	body, err := f.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return ParsePage(body, rawURL)
}

// applyCrawlDelay slows a host's limiter to honour a robots.txt Crawl-delay.
func (f *HTTPFetcher) applyCrawlDelay(rawURL string, delay time.Duration) {
	lim := f.limiterFor(rawURL)
	r := rate.Every(delay)
	lim.mu.Lock()
	defer lim.mu.Unlock()
	if r < lim.maxRate {
		lim.maxRate = r
		lim.minRate = r / 8
		if lim.currentRate > r {
			lim.currentRate = r
			lim.limiter.SetLimit(r)
		}
	}
}
