package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mkarlsen/stackhost/internal/resource"
)

const defaultDialTimeout = 3 * time.Second

// TCPProbe checks a resource by dialing a TCP address.
type TCPProbe struct {
	address string
	timeout time.Duration
	dialer  *net.Dialer
}

// NewTCPProbe constructs a TCP dial probe for the given host:port address.
func NewTCPProbe(address string, timeout time.Duration) (*TCPProbe, error) {
	if address == "" {
		return nil, errors.New("probe address must not be empty")
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return nil, fmt.Errorf("invalid probe address %q: %w", address, err)
	}
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	return &TCPProbe{
		address: address,
		timeout: timeout,
		dialer:  &net.Dialer{Timeout: timeout},
	}, nil
}

// Check implements Probe.
func (p *TCPProbe) Check(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dialer.DialContext(ctx, "tcp", p.address)
	if err != nil {
		return Result{}, fmt.Errorf("dial %s: %w", p.address, err)
	}
	_ = conn.Close()

	return Result{
		Status:      resource.HealthStatusHealthy,
		Description: fmt.Sprintf("dial %s: connected", p.address),
	}, nil
}
