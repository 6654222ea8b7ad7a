package relay

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"pktlog/internal/metrics"
	"pktlog/internal/protocol"
	"pktlog/internal/retry"
	"pktlog/internal/session"
	"pktlog/util"
)

// ── helpers ──────────────────────────────────────────────────────────

func quietLogger() *util.Logger {
	l := util.NewLogger(int(util.LogQuiet))
	l.SetOutput(io.Discard)
	return l
}

// startUpstream runs a one-shot server.  handle gets the accepted
// connection; whatever it returns is delivered on the channel.
func startUpstream(t *testing.T, handle func(net.Conn) []byte) (string, <-chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	out := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(out)
			return
		}
		defer conn.Close()
		out <- handle(conn)
	}()
	return ln.Addr().String(), out
}

func startRelay(t *testing.T, cfg Config) (*Relay, context.CancelFunc, <-chan error) {
	t.Helper()
	cfg.Listen = "127.0.0.1:0"
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r, cancel, done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

// ── New ──────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	mgr := session.New(session.Options{})
	if _, err := New(Config{Manager: mgr}); err == nil {
		t.Error("missing upstream should fail")
	}
	if _, err := New(Config{Upstream: "127.0.0.1:1"}); err == nil {
		t.Error("missing manager should fail")
	}
	r, err := New(Config{Upstream: "127.0.0.1:1", Manager: mgr})
	if err != nil {
		t.Fatal(err)
	}
	if r.cfg.Dialer == nil || r.cfg.Breaker == nil || r.cfg.Logger == nil {
		t.Error("defaults not filled in")
	}
	if r.Addr() != nil {
		t.Error("Addr before Listen should be nil")
	}
}

// ── End to end ───────────────────────────────────────────────────────

func TestRelay_RecordsSession(t *testing.T) {
	// The upstream answers the login with a PlayStatus, then collects
	// everything else until the client goes away.
	upstream, received := startUpstream(t, func(conn net.Conn) []byte {
		fr := protocol.NewReader(conn)
		first, _, err := fr.Next()
		if err != nil {
			return nil
		}
		if err := protocol.WriteFrame(conn, protocol.New(&protocol.PlayStatus{Status: 0})); err != nil {
			return nil
		}
		rest, _ := io.ReadAll(fr.Buffered())
		return append(first, rest...)
	})

	dir := t.TempDir()
	m := metrics.New()
	mgr := session.New(session.Options{
		Opener:  session.FileOpener{Dir: dir},
		LogName: "{name}-{clientId}.log",
		Host:    session.HostInfo{ToolVersion: "test", ProtocolNumber: 361},
		Logger:  quietLogger(),
		Metrics: m,
	})
	r, _, _ := startRelay(t, Config{Upstream: upstream, Manager: mgr, Metrics: m})

	client, err := net.Dial("tcp", r.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	var sent []byte
	sent = protocol.AppendFrame(sent, protocol.New(&protocol.Login{Protocol: 361, Username: "Alice", ClientID: 7}))
	sent = protocol.AppendFrame(sent, protocol.New(&protocol.Text{Type: 1, Source: "alice", Message: "hello"}))
	if _, err := client.Write(sent); err != nil {
		t.Fatal(err)
	}

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := protocol.NewReader(client).Next()
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	reply, err := protocol.Decode(payload)
	if err != nil || reply.Name() != "PlayStatusPacket" {
		t.Fatalf("reply = %v, %v", reply, err)
	}

	client.Close()
	if got := wait(t, received); !bytes.Equal(got, sent) {
		t.Errorf("upstream received %x, want %x", got, sent)
	}
	waitFor(t, "disconnect", func() bool { return r.Active() == 0 && mgr.Active() == 0 })

	data, err := os.ReadFile(filepath.Join(dir, "alice-7.log"))
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	log := string(data)
	for _, want := range []string{
		"# Log generated by pktlog test",
		"Player: alice, clientId 7 from [/127.0.0.1:",
		"[Client -> Server 0x1] LoginPacket",
		"[Client -> Server 0x9] TextPacket",
		" message: hello",
		"[Server -> Client 0x2] PlayStatusPacket",
		"\n\nEnd time: ",
	} {
		if !strings.Contains(log, want) {
			t.Errorf("log missing %q:\n%s", want, log)
		}
	}

	if got := m.TotalConnections(); got != 1 {
		t.Errorf("TotalConnections = %d, want 1", got)
	}
	if got := m.RecordsWritten(); got != 3 {
		t.Errorf("RecordsWritten = %d, want 3", got)
	}
	if got := m.TotalBytesIn(); got != int64(len(sent)) {
		t.Errorf("TotalBytesIn = %d, want %d", got, len(sent))
	}
	if m.TotalBytesOut() == 0 {
		t.Error("TotalBytesOut = 0")
	}
}

func TestRelay_UnframedStreamRelayedRaw(t *testing.T) {
	upstream, received := startUpstream(t, func(conn net.Conn) []byte {
		b, _ := io.ReadAll(conn)
		return b
	})
	mgr := session.New(session.Options{Opener: session.FileOpener{Dir: t.TempDir()}})
	r, _, _ := startRelay(t, Config{Upstream: upstream, Manager: mgr})

	client, err := net.Dial("tcp", r.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	// A length far beyond the frame limit, followed by arbitrary bytes.
	junk := append([]byte{0xff, 0xff, 0xff, 0x7f}, []byte("not a frame at all")...)
	if _, err := client.Write(junk); err != nil {
		t.Fatal(err)
	}
	client.(*net.TCPConn).CloseWrite()

	if got := wait(t, received); !bytes.Equal(got, junk) {
		t.Errorf("upstream received %q, want %q", got, junk)
	}
	client.Close()
	waitFor(t, "disconnect", func() bool { return r.Active() == 0 })
	if n := mgr.Active(); n != 0 {
		t.Errorf("sessions = %d, want 0", n)
	}
}

// ── Dial failures ────────────────────────────────────────────────────

func deadAddr(t *testing.T) string {
	t.Helper()
	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	return "127.0.0.1:" + strconv.Itoa(port)
}

func expectClosed(t *testing.T, addr string) {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("read = %v, want EOF from a turned-away client", err)
	}
}

func TestRelay_UpstreamUnreachable(t *testing.T) {
	m := metrics.New()
	var retries int
	r, _, _ := startRelay(t, Config{
		Upstream: deadAddr(t),
		Manager:  session.New(session.Options{}),
		Metrics:  m,
		Backoff: &retry.Backoff{
			InitialDelay: time.Millisecond,
			MaxAttempts:  3,
			OnRetry:      func(int, error, time.Duration) { retries++ },
		},
	})

	expectClosed(t, r.Addr().String())
	waitFor(t, "handler exit", func() bool { return m.ActiveConnections() == 0 })

	if got := m.DialRetries(); got != 2 {
		t.Errorf("DialRetries = %d, want 2", got)
	}
	if retries != 2 {
		t.Errorf("caller OnRetry ran %d times, want 2", retries)
	}
	if m.ErrorCount() != 1 {
		t.Errorf("ErrorCount = %d, want 1", m.ErrorCount())
	}
}

func TestRelay_BreakerTurnsClientsAway(t *testing.T) {
	m := metrics.New()
	br := retry.NewBreaker(retry.BreakerConfig{MaxFailures: 1, Cooldown: time.Hour})
	r, _, _ := startRelay(t, Config{
		Upstream: deadAddr(t),
		Manager:  session.New(session.Options{}),
		Metrics:  m,
		Backoff:  &retry.Backoff{InitialDelay: time.Millisecond, MaxAttempts: 2},
		Breaker:  br,
	})

	expectClosed(t, r.Addr().String())
	waitFor(t, "breaker to open", func() bool { return br.State() == retry.Open })

	expectClosed(t, r.Addr().String())
	waitFor(t, "handler exit", func() bool { return m.ActiveConnections() == 0 })

	// The second client never dialed.
	if got := m.DialRetries(); got != 1 {
		t.Errorf("DialRetries = %d, want 1", got)
	}
}

// ── Shutdown ─────────────────────────────────────────────────────────

func TestRelay_CancelClosesLiveConnections(t *testing.T) {
	hold := make(chan struct{})
	upstream, _ := startUpstream(t, func(conn net.Conn) []byte {
		<-hold
		return nil
	})
	defer close(hold)

	mgr := session.New(session.Options{Opener: session.FileOpener{Dir: t.TempDir()}})
	r, cancel, done := startRelay(t, Config{Upstream: upstream, Manager: mgr})

	client, err := net.Dial("tcp", r.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if err := protocol.WriteFrame(client, protocol.New(&protocol.Login{Username: "bob"})); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "session", func() bool { return mgr.Active() == 1 })

	cancel()
	if err := wait(t, done); err != nil {
		t.Errorf("Serve = %v, want nil after cancel", err)
	}

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("client connection still open after shutdown")
	}
	if n := mgr.Active(); n != 0 {
		t.Errorf("sessions after shutdown = %d, want 0", n)
	}
}
