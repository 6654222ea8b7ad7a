// Package cmd wires up the CLI flags and runs the recording relay.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/hashicorp/go-multierror"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"pktlog/config"
	"pktlog/internal/filter"
	"pktlog/internal/metrics"
	"pktlog/internal/relay"
	"pktlog/internal/retry"
	"pktlog/internal/selector"
	"pktlog/internal/session"
	"pktlog/internal/transport"
	"pktlog/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X pktlog/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// output receives --version and --dry-run output; usage goes to stderr.
var output io.Writer = os.Stdout //nolint:gochecknoglobals

// overrides holds flag values.  Only flags the user actually set are
// applied on top of the file and environment.
type overrides struct {
	configPath string

	logName  string
	outDir   string
	compress bool

	mode      string
	names     []string
	clientIDs []string
	ips       []string
	packets   map[string]string

	listen       string
	upstream     string
	dialTimeout  string
	dialAttempts int

	tunnel        string
	sshKey        string
	sshPassword   bool
	sshAgent      bool
	strictHostKey bool
	knownHosts    string

	metricsAddr string
	verbose     int
}

// Execute parses args and runs the relay until ctx is cancelled.
func Execute(ctx context.Context, args []string) error {
	var o overrides
	fs := flag.NewFlagSet("pktlog", flag.ContinueOnError)

	fs.StringVarP(&o.configPath, "config", "f", "", "YAML configuration file")

	// ── artifacts ────────────────────────────────────────────────
	fs.StringVar(&o.logName, "log-name", "", "Artifact name template ({name} {clientId} {ip} {time})")
	fs.StringVarP(&o.outDir, "out-dir", "o", "", "Directory artifacts are written to")
	fs.BoolVar(&o.compress, "compress", false, "zstd-compress artifacts (.zst)")

	// ── recording policy ─────────────────────────────────────────
	fs.StringVarP(&o.mode, "mode", "m", "", "Selector mode: accept or refuse")
	fs.StringSliceVar(&o.names, "name", nil, "Player name to match (repeatable)")
	fs.StringSliceVar(&o.clientIDs, "client-id", nil, "Client id to match (repeatable)")
	fs.StringSliceVar(&o.ips, "ip", nil, "Client address to match (repeatable)")
	fs.StringToStringVar(&o.packets, "packet", nil, "Packet filter entry id=true|false, or default=…")

	// ── relay ────────────────────────────────────────────────────
	fs.StringVarP(&o.listen, "listen", "l", "", "Client-facing listen address")
	fs.StringVarP(&o.upstream, "upstream", "u", "", "Upstream server address")
	fs.StringVar(&o.dialTimeout, "dial-timeout", "", "Timeout for one upstream dial, e.g. 10s")
	fs.IntVar(&o.dialAttempts, "dial-attempts", 0, "Upstream dial attempts per client")

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVarP(&o.tunnel, "tunnel", "T", "", "Reach the upstream via SSH [user@]host[:port]")
	fs.StringVar(&o.sshKey, "ssh-key", "", "SSH private key file")
	fs.BoolVar(&o.sshPassword, "ssh-password", false, "Prompt for SSH password")
	fs.BoolVar(&o.sshAgent, "ssh-agent", false, "Use SSH agent")
	fs.BoolVar(&o.strictHostKey, "strict-hostkey", false, "Verify SSH host keys")
	fs.StringVar(&o.knownHosts, "known-hosts", "", "Custom known_hosts path")

	// ── output ───────────────────────────────────────────────────
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "Serve Prometheus /metrics on this address")
	fs.CountVarP(&o.verbose, "verbose", "v", "Increase verbosity (repeatable)")

	var showVersion, showHelp, dryRun bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")
	fs.BoolVar(&dryRun, "dry-run", false, "Print the effective configuration and exit")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(output, "pktlog %s\n", version)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments %q (use --help for usage)", fs.Args())
	}

	// ── layer configuration ──────────────────────────────────────
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	config.LoadFromEnv(cfg)
	o.apply(fs, cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := util.NewLogger(cfg.Verbose)

	sel, err := cfg.Selector()
	warnAll(logger, err)
	flt, err := cfg.Filter()
	warnAll(logger, err)

	if dryRun {
		return printConfig(cfg, sel, flt)
	}
	return run(ctx, cfg, sel, flt, logger)
}

// apply copies the flags that were set onto cfg.
func (o *overrides) apply(fs *flag.FlagSet, cfg *config.Config) {
	set := fs.Changed

	if set("log-name") {
		cfg.LogName = o.logName
	}
	if set("out-dir") {
		cfg.OutputDir = o.outDir
	}
	if set("compress") {
		cfg.Compress = o.compress
	}

	if set("mode") {
		cfg.Selectors.Mode = o.mode
	}
	if set("name") {
		cfg.Selectors.Names = o.names
	}
	if set("client-id") {
		cfg.Selectors.ClientIDs = o.clientIDs
	}
	if set("ip") {
		cfg.Selectors.IPs = o.ips
	}
	if set("packet") {
		if cfg.Filters.PacketID == nil {
			cfg.Filters.PacketID = make(map[string]string, len(o.packets))
		}
		for k, v := range o.packets {
			cfg.Filters.PacketID[k] = v
		}
	}

	if set("listen") {
		cfg.Relay.Listen = o.listen
	}
	if set("upstream") {
		cfg.Relay.Upstream = o.upstream
	}
	if set("dial-timeout") {
		cfg.Relay.DialTimeout = o.dialTimeout
	}
	if set("dial-attempts") {
		cfg.Relay.DialAttempts = o.dialAttempts
	}

	if set("tunnel") {
		cfg.Relay.Tunnel = o.tunnel
	}
	if set("ssh-key") {
		cfg.Relay.SSHKey = o.sshKey
	}
	if set("ssh-password") {
		cfg.Relay.SSHPassword = o.sshPassword
	}
	if set("ssh-agent") {
		cfg.Relay.SSHAgent = o.sshAgent
	}
	if set("strict-hostkey") {
		cfg.Relay.StrictHostKey = o.strictHostKey
	}
	if set("known-hosts") {
		cfg.Relay.KnownHosts = o.knownHosts
	}

	if set("metrics-addr") {
		cfg.Metrics.Listen = o.metricsAddr
	}
	if set("verbose") {
		cfg.Verbose = o.verbose
	}
}

// ── run ──────────────────────────────────────────────────────────────

func run(ctx context.Context, cfg *config.Config, sel *selector.Selector, flt *filter.Filter, logger *util.Logger) error {
	m := metrics.New()

	dialer, err := buildDialer(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := dialer.Close(); err != nil {
			logger.Debug("closing dialer: %v", err)
		}
	}()

	mgr := session.New(session.Options{
		Selector: sel,
		Filter:   flt,
		Opener:   session.FileOpener{Dir: cfg.OutputDir, Compress: cfg.Compress},
		LogName:  cfg.LogName,
		Host: session.HostInfo{
			ToolVersion:     version,
			Name:            cfg.Host.Name,
			Version:         cfg.Host.Version,
			ProtocolName:    cfg.Host.ProtocolName,
			ProtocolVersion: cfg.Host.ProtocolVersion,
			ProtocolNumber:  cfg.Host.ProtocolNumber,
		},
		Logger:  logger,
		Metrics: m,
	})

	r, err := relay.New(relay.Config{
		Listen:   cfg.Relay.Listen,
		Upstream: cfg.Relay.Upstream,
		Dialer:   dialer,
		Backoff:  retry.DialBackoff(cfg.Relay.DialAttempts),
		Breaker: retry.NewBreaker(retry.BreakerConfig{
			OnStateChange: func(from, to retry.State) {
				logger.Warn("upstream %s: breaker %s -> %s", cfg.Relay.Upstream, from, to)
			},
		}),
		Manager: mgr,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	if cfg.Metrics.Listen != "" {
		srv, err := metrics.NewServer(cfg.Metrics.Listen, m)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint: %v", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics on http://%s/metrics", cfg.Metrics.Listen)
	}

	var result *multierror.Error
	if err := r.ListenAndServe(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := mgr.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	logger.Verbose("final stats: %s", m.JSON())
	return result.ErrorOrNil()
}

func buildDialer(cfg *config.Config, logger *util.Logger) (transport.Dialer, error) {
	timeout := cfg.Relay.DialTimeoutDuration()
	if cfg.Relay.Tunnel == "" {
		return &transport.TCPDialer{Timeout: timeout}, nil
	}

	user, host, port, err := config.ParseTunnelSpec(cfg.Relay.Tunnel)
	if err != nil {
		return nil, fmt.Errorf("tunnel: %w", err)
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	d := transport.NewSSHDialer(transport.SSHConfig{
		User:          user,
		Host:          host,
		Port:          port,
		KeyPath:       cfg.Relay.SSHKey,
		PromptPass:    cfg.Relay.SSHPassword,
		UseAgent:      cfg.Relay.SSHAgent,
		StrictHostKey: cfg.Relay.StrictHostKey,
		KnownHosts:    cfg.Relay.KnownHosts,
		Timeout:       timeout,
	}, logger)
	logger.Verbose("upstream reached through %s", d)
	return d, nil
}

// ── helpers ──────────────────────────────────────────────────────────

// warnAll logs each aggregated configuration problem on its own line.
func warnAll(logger *util.Logger, err error) {
	if err == nil {
		return
	}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			logger.Warn("config: %v", e)
		}
		return
	}
	logger.Warn("config: %v", err)
}

func printConfig(cfg *config.Config, sel *selector.Selector, flt *filter.Filter) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	fmt.Fprintf(output, "# selector: %s mode\n", sel.Mode())
	fmt.Fprintf(output, "# filter: default allow=%t, %d override(s)\n", flt.Default(), flt.Overrides())
	_, err = output.Write(data)
	return err
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `pktlog – recording relay for game protocol sessions v%s

Sits between clients and a server, forwards every byte unchanged and
writes a readable log of the sessions you select.

Usage:
  pktlog [options]
  pktlog -f pktlog.yaml [options]

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  pktlog -u 10.0.0.5:19132 --name alice                Record alice only
  pktlog -u 10.0.0.5:19132 -m refuse --ip 10.0.0.9     Record everyone else
  pktlog -f pktlog.yaml --packet 0x9=false             Skip text messages
  pktlog -T admin@bastion -u game-internal:19132       Upstream via SSH
  pktlog -f pktlog.yaml --dry-run                      Show effective config
`)
}
