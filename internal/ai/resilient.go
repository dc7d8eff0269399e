package ai

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sells-group/tender-monitor/internal/resilience"
)

// Resilient retries transient failures and invalid output under a policy,
// optionally behind a circuit breaker shared by every call.
type Resilient struct {
	next    Generator
	policy  resilience.Policy
	breaker *resilience.Breaker
}

// NewResilient wraps next. A nil breaker disables circuit breaking.
func NewResilient(next Generator, policy resilience.Policy, breaker *resilience.Breaker) *Resilient {
	if policy.Retryable == nil {
		policy.Retryable = Retryable
	}
	return &Resilient{next: next, policy: policy, breaker: breaker}
}

// Retryable reports whether a Generate error is worth another attempt.
func Retryable(err error) bool {
	return resilience.IsTransient(err) || errors.Is(err, ErrInvalidOutput)
}

// Generate implements Generator.
func (r *Resilient) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	p := r.policy
	if p.OnRetry == nil {
		p.OnRetry = resilience.LogRetries("ai", req.Name)
	}
	return resilience.RetryVal(ctx, p, func(ctx context.Context) (json.RawMessage, error) {
		if r.breaker == nil {
			return r.next.Generate(ctx, req)
		}
		return resilience.Guard(ctx, r.breaker, func(ctx context.Context) (json.RawMessage, error) {
			return r.next.Generate(ctx, req)
		})
	})
}
