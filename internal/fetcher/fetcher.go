// Package fetcher retrieves remote documents for the collectors and the
// date enricher: rate limited per host, retried on transient failures,
// optionally robots-aware and cached for the lifetime of a run.
package fetcher

import (
	"context"
	"io"
)

// Fetcher is the HTTP surface used by collectors.
type Fetcher interface {
	// Get returns the body of a GET request, bounded in size.
	Get(ctx context.Context, url string) ([]byte, error)

	// GetJSON decodes the JSON body of a GET request into out.
	GetJSON(ctx context.Context, url string, out any) error

	// PostJSON sends body as JSON and decodes the JSON reply into out.
	PostJSON(ctx context.Context, url string, body, out any) error

	// Open streams the body of a GET request. The returned size is the
	// Content-Length, or -1 when unknown.
	Open(ctx context.Context, url string) (io.ReadCloser, int64, error)

	// Page fetches an HTML page and reduces it to title, text and links.
	Page(ctx context.Context, url string) (*Page, error)
}
