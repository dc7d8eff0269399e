// Package collector gathers raw opportunities from the configured sources.
package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/sells-group/tender-monitor/internal/model"
)

// Collector fetches opportunities from one source. Expected per-record
// failures are logged and skipped; an error means the whole source was
// unusable.
type Collector interface {
	Source() model.Source
	Collect(ctx context.Context) ([]model.Opportunity, error)
}

// shortHash returns the first 12 hex chars of the sha256 of parts.
func shortHash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])[:12]
}

// domainName returns the host of rawURL without a leading "www.".
func domainName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

func capItems[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}

// matchesCPV reports whether any code starts with any of the prefixes.
// Empty prefixes match everything.
func matchesCPV(codes, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, c := range codes {
		for _, p := range prefixes {
			if strings.HasPrefix(c, p) {
				return true
			}
		}
	}
	return false
}
