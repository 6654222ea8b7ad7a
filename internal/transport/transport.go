// Package transport opens the relay's upstream connections, either
// directly over TCP or through an SSH gateway.
package transport

import (
	"context"
	"net"
)

// Dialer opens connections to the upstream server.
type Dialer interface {
	// Dial establishes a connection to address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases long-lived resources such as an SSH connection.
	// Stateless dialers return nil.
	Close() error
}
