package util

import (
	"errors"
	"io"
	"net"
	"strconv"
)

// DefaultBufSize is the standard buffer size for network I/O (32 KiB).
const DefaultBufSize = 32 * 1024

// CopyRaw forwards r to w through a pooled buffer until EOF or error.
// It is the fallback once a stream can no longer be split into frames.
func CopyRaw(w io.Writer, r io.Reader) (int64, error) {
	buf := GetBuf()
	defer PutBuf(buf)
	return io.CopyBuffer(w, r, *buf)
}

// IsHarmless returns true for errors that are expected when either end
// of a relayed connection goes away.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	// net.OpError wrapping "use of closed network connection"
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}

// SplitAddr splits a net.Addr into host and numeric port.  Addresses
// without a port yield port 0.
func SplitAddr(addr net.Addr) (host string, port int) {
	if addr == nil {
		return "", 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	h, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ = strconv.Atoi(p)
	return h, port
}
