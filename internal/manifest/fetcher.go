package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultMaxBytes   int64 = 1 << 20
	defaultRetryDelay       = time.Second
)

// FetchError reports a non-OK HTTP response.
type FetchError struct {
	StatusCode int
	Status     string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("unexpected status: %s", e.Status)
}

// IsRetryable reports whether a later attempt may succeed.
func (e *FetchError) IsRetryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// Fetcher retrieves the application manifest.
type Fetcher interface {
	Fetch(ctx context.Context, previousETag string) (FetchResult, error)
}

// FetchResult contains the fetched manifest bytes and response metadata.
type FetchResult struct {
	Body         []byte
	ETag         string
	LastModified string
	NotModified  bool
}

// HTTPFetcher retrieves a manifest over HTTP.
type HTTPFetcher struct {
	url        string
	client     *http.Client
	maxBytes   int64
	maxRetries uint64
	retryDelay time.Duration
}

// FetcherOption customizes HTTPFetcher behavior.
type FetcherOption func(*HTTPFetcher)

// WithMaxRetries sets how many times retryable failures are retried.
func WithMaxRetries(retries uint64) FetcherOption {
	return func(f *HTTPFetcher) {
		f.maxRetries = retries
	}
}

// WithRetryDelay sets the delay between retry attempts.
func WithRetryDelay(delay time.Duration) FetcherOption {
	return func(f *HTTPFetcher) {
		f.retryDelay = delay
	}
}

// NewHTTPFetcher constructs an HTTPFetcher with the given URL and timeout.
func NewHTTPFetcher(url string, timeout time.Duration, maxBytes int64, opts ...FetcherOption) (*HTTPFetcher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("manifest url must not be empty")
	}
	if timeout <= 0 {
		return nil, errors.New("timeout must be greater than zero")
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	fetcher := &HTTPFetcher{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
		maxBytes:   maxBytes,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(fetcher)
	}
	return fetcher, nil
}

// Fetch downloads the manifest, optionally using ETag caching. Server errors
// are retried up to the configured number of attempts.
func (f *HTTPFetcher) Fetch(ctx context.Context, previousETag string) (FetchResult, error) {
	var result FetchResult
	operation := func() error {
		var err error
		result, err = f.fetchOnce(ctx, previousETag)
		if err == nil {
			return nil
		}
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) && fetchErr.IsRetryable() {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(f.retryDelay), f.maxRetries),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return FetchResult{}, err
	}
	return result, nil
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, previousETag string) (FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, http.NoBody)
	if err != nil {
		return FetchResult{}, fmt.Errorf("create request: %w", err)
	}
	if previousETag != "" {
		req.Header.Set("If-None-Match", previousETag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return FetchResult{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			NotModified:  true,
		}, nil
	}

	if resp.StatusCode != http.StatusOK {
		return FetchResult{}, &FetchError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := readWithLimit(resp.Body, f.maxBytes)
	if err != nil {
		return FetchResult{}, err
	}
	if len(body) == 0 {
		return FetchResult{}, errors.New("manifest body is empty")
	}

	return FetchResult{
		Body:         body,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

// FileFetcher reads the manifest from the local filesystem.
type FileFetcher struct {
	path string
}

// NewFileFetcher constructs a FileFetcher for the given path.
func NewFileFetcher(path string) (*FileFetcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("manifest path must not be empty")
	}
	return &FileFetcher{path: path}, nil
}

// Fetch reads the manifest file. ETags are not supported for local files.
func (f *FileFetcher) Fetch(_ context.Context, _ string) (FetchResult, error) {
	body, err := os.ReadFile(f.path)
	if err != nil {
		return FetchResult{}, fmt.Errorf("read manifest: %w", err)
	}
	if len(body) == 0 {
		return FetchResult{}, errors.New("manifest body is empty")
	}
	return FetchResult{Body: body}, nil
}

func readWithLimit(r io.Reader, maxBytes int64) ([]byte, error) {
	limited := io.LimitReader(r, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("manifest body exceeds %d bytes", maxBytes)
	}
	return body, nil
}
