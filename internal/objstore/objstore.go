// Package objstore is the boundary to the object store holding uploaded
// documents. The document handler only needs existence and lightweight
// metadata; reading object contents stays out of this service.
package objstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/doyensec/safeurl"
)

// Info is the metadata returned by a Stat call.
type Info struct {
	Exists        bool
	ContentType   string
	ContentLength int64
}

// Checker reports existence and metadata for stored objects.
type Checker interface {
	Stat(ctx context.Context, key string) (Info, error)
}

// HTTPChecker implements Checker with HEAD requests against a bucket base
// URL (S3 or any compatible store serving objects over HTTP).
type HTTPChecker struct {
	baseURL string
	http    *http.Client
}

// NewHTTPChecker creates a Checker with an SSRF-safe client.
func NewHTTPChecker(baseURL string, timeout time.Duration) *HTTPChecker {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		Build()
	return &HTTPChecker{baseURL: baseURL, http: safeurl.Client(cfg).Client}
}

// NewHTTPCheckerWithClient creates a Checker with an injected *http.Client.
// Tests use this with httptest servers, which safeurl would block.
func NewHTTPCheckerWithClient(baseURL string, hc *http.Client) *HTTPChecker {
	return &HTTPChecker{baseURL: baseURL, http: hc}
}

// Stat issues a HEAD request for key. A 404 is not an error: it returns
// Info{Exists: false} so the caller can classify the miss itself.
func (c *HTTPChecker) Stat(ctx context.Context, key string) (Info, error) {
	u := c.baseURL + "/" + url.PathEscape(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return Info{}, fmt.Errorf("stat %s: build request: %w", key, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("stat %s: %w", key, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Info{Exists: false}, nil
	case resp.StatusCode != http.StatusOK:
		return Info{}, fmt.Errorf("stat %s: unexpected status %d", key, resp.StatusCode)
	}

	length, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	return Info{
		Exists:        true,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: length,
	}, nil
}
