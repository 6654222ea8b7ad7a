package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	pkerr "pktlog/internal/errors"
	"pktlog/util"
)

// SSHConfig describes the gateway the upstream is reached through.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	Timeout       time.Duration

	// Prompt reads a secret (password or key passphrase) from the
	// operator.  Defaults to a no-echo terminal prompt on stderr.
	Prompt func(label string) ([]byte, error)
}

// SSHDialer forwards upstream connections through one shared SSH
// connection to a gateway.  The gateway is dialed on first use and
// redialed on the next Dial after it drops.
type SSHDialer struct {
	cfg    SSHConfig
	logger *util.Logger

	mu     sync.Mutex
	auth   []ssh.AuthMethod
	client *ssh.Client
	closed bool
}

// NewSSHDialer returns a dialer for cfg.  Nothing is dialed yet.
func NewSSHDialer(cfg SSHConfig, logger *util.Logger) *SSHDialer {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Prompt == nil {
		cfg.Prompt = terminalPrompt
	}
	return &SSHDialer{cfg: cfg, logger: logger}
}

// Dial opens a forwarded connection to address on the gateway's side.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	client, err := d.gateway(ctx)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("ssh: forwarding %s %s", network, address)
	conn, err := client.Dial(network, address)
	if err != nil {
		var rejected *ssh.OpenChannelError
		if !errors.As(err, &rejected) {
			// The gateway connection itself is unusable.
			d.drop(client)
		}
		return nil, &pkerr.NetworkError{Op: "dial", Addr: address, Err: err, Retryable: true}
	}
	return conn, nil
}

// Close tears down the gateway connection.  Later Dials fail.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	return err
}

func (d *SSHDialer) addr() string {
	return net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
}

// gateway returns the live SSH client, connecting if necessary.
func (d *SSHDialer) gateway(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, pkerr.ErrNotConnected
	}
	if d.client != nil {
		return d.client, nil
	}

	if d.auth == nil {
		methods, err := authMethods(&d.cfg)
		if err != nil {
			return nil, pkerr.WrapSSH("auth", d.cfg.Host, d.cfg.Port, err)
		}
		d.auth = methods
	}
	hostKey, err := hostKeyCallback(&d.cfg)
	if err != nil {
		return nil, pkerr.WrapSSH("hostkey", d.cfg.Host, d.cfg.Port, err)
	}

	addr := d.addr()
	d.logger.Verbose("ssh: connecting to gateway %s as %s", addr, d.cfg.User)

	dialer := net.Dialer{Timeout: d.cfg.Timeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, pkerr.Wrap("dial", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, &ssh.ClientConfig{
		User:            d.cfg.User,
		Auth:            d.auth,
		HostKeyCallback: hostKey,
		Timeout:         d.cfg.Timeout,
	})
	if err != nil {
		tcpConn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			err = fmt.Errorf("%w: %w", pkerr.ErrAuthFailed, err)
		}
		return nil, pkerr.WrapSSH("handshake", d.cfg.Host, d.cfg.Port, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	d.client = client
	go d.watch(client)
	d.logger.Verbose("ssh: gateway %s connected", addr)
	return client, nil
}

// watch forgets client once its connection ends so the next Dial
// reconnects.
func (d *SSHDialer) watch(client *ssh.Client) {
	err := client.Wait()
	if d.drop(client) {
		if err != nil {
			d.logger.Warn("ssh: gateway connection lost: %v", err)
		} else {
			d.logger.Verbose("ssh: gateway connection closed")
		}
	}
}

// drop closes client if it is still current and reports whether it was.
func (d *SSHDialer) drop(client *ssh.Client) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != client {
		return false
	}
	d.client = nil
	client.Close()
	return true
}

// String describes the route for log lines.
func (d *SSHDialer) String() string {
	return fmt.Sprintf("ssh://%s@%s", d.cfg.User, d.addr())
}
