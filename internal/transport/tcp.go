package transport

import (
	"context"
	"net"
	"time"

	pkerr "pktlog/internal/errors"
)

// TCPDialer connects to the upstream directly.
type TCPDialer struct {
	Timeout time.Duration
}

// Dial connects to address.  Failures come back as *errors.NetworkError
// with Retryable set for refusals and timeouts.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, pkerr.Wrap("dial", address, err)
	}
	return conn, nil
}

// Close is a no-op for TCPDialer.
func (d *TCPDialer) Close() error { return nil }
