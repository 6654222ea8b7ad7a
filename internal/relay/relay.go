// Package relay is the TCP host that feeds a session.Manager.  It sits
// between game clients and the upstream server, forwards every byte
// unchanged and reports the frames it sees in both directions.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	pkerr "pktlog/internal/errors"
	"pktlog/internal/metrics"
	"pktlog/internal/protocol"
	"pktlog/internal/retry"
	"pktlog/internal/session"
	"pktlog/internal/transport"
	"pktlog/util"
)

// Config configures a Relay.  Upstream and Manager are required.
type Config struct {
	// Listen is the client-facing address, e.g. ":19133".
	Listen string
	// Upstream is the server address dialed for every client.
	Upstream string
	// Dialer reaches the upstream.  Defaults to a plain TCPDialer.
	Dialer transport.Dialer
	// Backoff paces the dial attempts made for one client.  Defaults to
	// retry.DialBackoff(3).
	Backoff *retry.Backoff
	// Breaker turns clients away while the upstream keeps failing.
	// Defaults to a breaker with the package defaults.
	Breaker *retry.Breaker

	Manager *session.Manager
	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Relay accepts clients and pairs each with an upstream connection.
type Relay struct {
	cfg     Config
	backoff retry.Backoff

	ln net.Listener
	wg sync.WaitGroup

	mu     sync.Mutex
	links  map[session.ConnID]*link
	closed bool
}

// New validates cfg and fills in defaults.
func New(cfg Config) (*Relay, error) {
	if cfg.Upstream == "" {
		return nil, &pkerr.ConfigError{Field: "relay.upstream", Message: "upstream address is required"}
	}
	if cfg.Manager == nil {
		return nil, errors.New("relay: session manager is required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &transport.TCPDialer{}
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.DialBackoff(3)
	}
	if cfg.Breaker == nil {
		cfg.Breaker = retry.NewBreaker(retry.BreakerConfig{})
	}
	if cfg.Logger == nil {
		cfg.Logger = util.NewLogger(int(util.LogQuiet))
	}

	r := &Relay{
		cfg:     cfg,
		backoff: *cfg.Backoff,
		links:   make(map[session.ConnID]*link),
	}
	onRetry := cfg.Backoff.OnRetry
	r.backoff.OnRetry = func(attempt int, err error, wait time.Duration) {
		r.cfg.Logger.Verbose("dial %s attempt %d failed: %v (retrying in %s)",
			cfg.Upstream, attempt, err, wait.Round(time.Millisecond))
		r.cfg.Metrics.DialRetry()
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
	}
	return r, nil
}

// Listen binds the client-facing socket.  Serve calls it when needed;
// calling it first lets the caller learn the bound address.
func (r *Relay) Listen() error {
	if r.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", r.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", r.cfg.Listen, err)
	}
	r.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (r *Relay) Addr() net.Addr {
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// ListenAndServe binds and serves until ctx is cancelled.
func (r *Relay) ListenAndServe(ctx context.Context) error {
	if err := r.Listen(); err != nil {
		return err
	}
	return r.Serve(ctx)
}

// Serve accepts clients until ctx is cancelled, then closes every live
// connection and waits for their handlers to report the disconnect.
func (r *Relay) Serve(ctx context.Context) error {
	if err := r.Listen(); err != nil {
		return err
	}
	ln := r.ln
	defer ln.Close()

	r.cfg.Logger.Info("relaying %s -> %s", ln.Addr(), r.cfg.Upstream)

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		ln.Close()
		r.closeAll()
	}()

	var err error
	for {
		conn, aerr := ln.Accept()
		if aerr != nil {
			if ctx.Err() == nil {
				err = fmt.Errorf("accept: %w", aerr)
			}
			break
		}
		r.wg.Add(1)
		go r.handle(ctx, conn)
	}

	close(stop)
	r.wg.Wait()
	return err
}

// Active returns the number of clients currently paired.
func (r *Relay) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

// ── Per-client ───────────────────────────────────────────────────────

func (r *Relay) handle(ctx context.Context, client net.Conn) {
	defer r.wg.Done()

	id := session.ConnID(uuid.NewString())
	r.cfg.Metrics.ConnectionOpened()
	defer r.cfg.Metrics.ConnectionClosed()

	r.cfg.Logger.Verbose("%s: connection from %s", id, client.RemoteAddr())

	l := &link{client: client}
	if !r.track(id, l) {
		client.Close()
		return
	}
	defer r.untrack(id)

	upstream, err := r.dial(ctx)
	if err != nil {
		r.cfg.Logger.Warn("%s: upstream %s unreachable: %v", id, r.cfg.Upstream, err)
		r.cfg.Metrics.RecordError(err.Error())
		l.close()
		return
	}
	if !l.attach(upstream) {
		return
	}

	r.cfg.Manager.Connect(id)
	r.pipe(id, l)
	r.cfg.Manager.Disconnect(id)

	r.cfg.Logger.Verbose("%s: closed", id)
}

// dial reaches the upstream for one client.  The breaker sees the
// outcome of the whole backoff, so one unlucky client counts once.
func (r *Relay) dial(ctx context.Context) (net.Conn, error) {
	var conn net.Conn
	err := r.cfg.Breaker.Execute(func() error {
		return r.backoff.Do(ctx, func(int) error {
			c, err := r.cfg.Dialer.Dial(ctx, "tcp", r.cfg.Upstream)
			if err != nil {
				if ctx.Err() != nil || !pkerr.IsRetryable(err) {
					return retry.Permanent(err)
				}
				return err
			}
			conn = c
			return nil
		})
	})
	return conn, err
}

// pipe runs both directions until either ends, then closes both sides.
func (r *Relay) pipe(id session.ConnID, l *link) {
	addr := l.client.RemoteAddr()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer l.close()
		err := r.pump(id, "client", l.upstream, l.client, r.cfg.Metrics.BytesReceived,
			func(m *protocol.Message) { r.cfg.Manager.Inbound(id, addr, m) })
		r.report(id, "client", err)
	}()
	go func() {
		defer wg.Done()
		defer l.close()
		err := r.pump(id, "upstream", l.client, l.upstream, r.cfg.Metrics.BytesSent,
			func(m *protocol.Message) { r.cfg.Manager.Outbound(id, m) })
		r.report(id, "upstream", err)
	}()
	wg.Wait()
}

// pump copies src to dst frame by frame, handing every decodable frame
// to observe before forwarding it.  Once src stops looking like a frame
// stream the rest is copied raw and no longer observed.
func (r *Relay) pump(id session.ConnID, from string, dst io.Writer, src io.Reader,
	count func(int64), observe func(*protocol.Message)) error {
	fr := protocol.NewReader(src)
	for {
		frame, payload, err := fr.Next()
		if err == nil {
			if msg, derr := protocol.Decode(payload); derr == nil {
				observe(msg)
			} else {
				r.cfg.Logger.Debug("%s: undecodable %s frame: %v", id, from, derr)
			}
		}

		if len(frame) > 0 {
			if _, werr := dst.Write(frame); werr != nil {
				return werr
			}
			count(int64(len(frame)))
		}

		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrFrameTooLarge), errors.Is(err, protocol.ErrBadLength):
			r.cfg.Logger.Verbose("%s: %s stream lost framing (%v), relaying raw", id, from, err)
			n, cerr := util.CopyRaw(dst, fr.Buffered())
			count(n)
			return cerr
		default:
			return err
		}
	}
}

func (r *Relay) report(id session.ConnID, from string, err error) {
	if util.IsHarmless(err) || errors.Is(err, io.ErrUnexpectedEOF) {
		return
	}
	r.cfg.Logger.Debug("%s: %s side: %v", id, from, err)
}

// ── Live connection tracking ─────────────────────────────────────────

func (r *Relay) track(id session.ConnID, l *link) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.links[id] = l
	return true
}

func (r *Relay) untrack(id session.ConnID) {
	r.mu.Lock()
	delete(r.links, id)
	r.mu.Unlock()
}

func (r *Relay) closeAll() {
	r.mu.Lock()
	r.closed = true
	links := make([]*link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	r.mu.Unlock()

	for _, l := range links {
		l.close()
	}
}

// link is one client paired with its upstream connection.
type link struct {
	client net.Conn

	mu       sync.Mutex
	upstream net.Conn
	closed   bool
}

// attach records the upstream side.  It reports false, closing conn,
// when the link was shut down while the dial was in flight.
func (l *link) attach(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		conn.Close()
		return false
	}
	l.upstream = conn
	return true
}

func (l *link) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.client.Close()
	if l.upstream != nil {
		l.upstream.Close()
	}
}
