// Package fetcher defines the page transport shared by the listing and
// article fetchers.
package fetcher

import (
	"context"
	"net/http"
	"time"
)

// Request describes a single page retrieval.
type Request struct {
	URL     string
	Headers http.Header
}

// Page is the raw result of a retrieval.
type Page struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Rendered   bool
}

// OK reports whether the page came back with a 2xx status.
func (p Page) OK() bool {
	return p.StatusCode >= 200 && p.StatusCode < 300
}

// PageSource retrieves pages over some transport (plain HTTP or a browser).
type PageSource interface {
	Fetch(ctx context.Context, req Request) (Page, error)
}

// Waiter blocks until a request to url may proceed.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}
