package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/mkarlsen/stackhost/internal/resource"
)

const defaultHTTPTimeout = 5 * time.Second

// HTTPProbe checks a resource by issuing a GET request to an endpoint.
// 2xx maps to Healthy, 5xx to Unhealthy, everything else to Degraded.
type HTTPProbe struct {
	url    string
	client *retryablehttp.Client
}

// NewHTTPProbe constructs an HTTP probe for the given URL.
func NewHTTPProbe(url string, timeout time.Duration) (*HTTPProbe, error) {
	if url == "" {
		return nil, errors.New("probe url must not be empty")
	}
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 1
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 500 * time.Millisecond
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: timeout}

	return &HTTPProbe{url: url, client: client}, nil
}

// Check implements Probe.
func (p *HTTPProbe) Check(ctx context.Context) (Result, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("probe %s: %w", p.url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{
			Status:      resource.HealthStatusHealthy,
			Description: fmt.Sprintf("GET %s: %s", p.url, resp.Status),
		}, nil
	case resp.StatusCode >= 500:
		return Result{
			Status:      resource.HealthStatusUnhealthy,
			Description: fmt.Sprintf("GET %s: %s", p.url, resp.Status),
		}, nil
	default:
		return Result{
			Status:      resource.HealthStatusDegraded,
			Description: fmt.Sprintf("GET %s: %s", p.url, resp.Status),
		}, nil
	}
}
