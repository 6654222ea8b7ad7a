// Package config defines the runtime configuration for pktlog: which
// sessions and message types are recorded, where artifacts go, and how
// the relay reaches the upstream server.
//
// Precedence order (highest wins):
//  1. CLI flags  (cmd/root.go)
//  2. Environment variables  (loader.go)
//  3. Config file  (loader.go)
//  4. Defaults   (defaults.go)
package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	pkerr "pktlog/internal/errors"
	"pktlog/internal/filter"
	"pktlog/internal/protocol"
	"pktlog/internal/selector"
)

// Config holds every tuneable for a pktlog run.
type Config struct {
	// ── Artifacts ────────────────────────────────────────────────────
	LogName   string `yaml:"logName"`
	OutputDir string `yaml:"outputDir"`
	Compress  bool   `yaml:"compress"`

	// ── Recording policy ─────────────────────────────────────────────
	Selectors SelectorConfig `yaml:"selectors"`
	Filters   FilterConfig   `yaml:"filters"`

	// ── Host glue ────────────────────────────────────────────────────
	Relay   RelayConfig   `yaml:"relay"`
	Host    HostConfig    `yaml:"host"`
	Metrics MetricsConfig `yaml:"metrics"`

	// ── Output ───────────────────────────────────────────────────────
	Verbose int `yaml:"verbose"`
}

// SelectorConfig lists the identities a session is matched against.
// Entries are kept as text so one bad value degrades alone.
type SelectorConfig struct {
	Mode      string   `yaml:"mode"`
	Names     []string `yaml:"name"`
	ClientIDs []string `yaml:"clientId"`
	IPs       []string `yaml:"ip"`
}

// FilterConfig maps packet ids (decimal or 0x-hex) to "true"/"false".
// The special key "default" sets the policy for unlisted ids.
type FilterConfig struct {
	PacketID map[string]string `yaml:"packetId"`
}

// RelayConfig describes the client-facing listener and the upstream.
type RelayConfig struct {
	Listen        string `yaml:"listen"`
	Upstream      string `yaml:"upstream"`
	DialTimeout   string `yaml:"dialTimeout"`
	DialAttempts  int    `yaml:"dialAttempts"`
	Tunnel        string `yaml:"tunnel"` // [user@]host[:port]
	SSHKey        string `yaml:"sshKey"`
	SSHAgent      bool   `yaml:"sshAgent"`
	SSHPassword   bool   `yaml:"sshPassword"`
	StrictHostKey bool   `yaml:"strictHostKey"`
	KnownHosts    string `yaml:"knownHosts"`
}

// HostConfig identifies the observed server in artifact headers.
type HostConfig struct {
	Name            string `yaml:"name"`
	Version         string `yaml:"version"`
	ProtocolName    string `yaml:"protocolName"`
	ProtocolVersion string `yaml:"protocolVersion"`
	ProtocolNumber  int    `yaml:"protocolNumber"`
}

// MetricsConfig controls the Prometheus endpoint.  An empty Listen
// disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		LogName:   DefaultLogName,
		OutputDir: DefaultOutputDir,
		Selectors: SelectorConfig{Mode: DefaultMode},
		Relay: RelayConfig{
			Listen:       DefaultListen,
			Upstream:     DefaultUpstream,
			DialAttempts: DefaultDialAttempts,
		},
		Host: HostConfig{
			Name:            DefaultHostName,
			Version:         DefaultHostVersion,
			ProtocolName:    DefaultProtocolName,
			ProtocolVersion: DefaultProtocolVersion,
			ProtocolNumber:  DefaultProtocolNumber,
		},
		Verbose: DefaultVerbose,
	}
}

// DialTimeoutDuration parses the configured dial timeout or returns the
// default.
func (r *RelayConfig) DialTimeoutDuration() time.Duration {
	if r.DialTimeout != "" {
		if d, err := time.ParseDuration(r.DialTimeout); err == nil && d > 0 {
			return d
		}
	}
	return DefaultDialTimeout
}

// ── Compilation ──────────────────────────────────────────────────────

// Selector compiles the selector section.  Malformed entries are
// skipped and reported in the returned error; the Selector is always
// usable.
func (c *Config) Selector() (*selector.Selector, error) {
	var errs *multierror.Error

	mode := selector.Accept
	if c.Selectors.Mode != "" {
		m, ok := selector.ParseMode(c.Selectors.Mode)
		if !ok {
			errs = multierror.Append(errs, &pkerr.ConfigError{
				Field:   "selectors.mode",
				Value:   c.Selectors.Mode,
				Message: "unknown mode, using accept",
				Hint:    "use accept or refuse",
			})
		}
		mode = m
	}

	ids := make([]int64, 0, len(c.Selectors.ClientIDs))
	for _, s := range c.Selectors.ClientIDs {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			errs = multierror.Append(errs, &pkerr.ConfigError{
				Field:   "selectors.clientId",
				Value:   s,
				Message: "not a decimal integer, entry ignored",
			})
			continue
		}
		ids = append(ids, id)
	}

	return selector.New(mode, c.Selectors.Names, ids, c.Selectors.IPs), errs.ErrorOrNil()
}

// Filter compiles the packet-id filter.  A missing or malformed default
// means "allow"; malformed entries are skipped and reported.  Keys are
// applied in sorted order, and a key naming the same id as an earlier
// one ("9" and "0x9") is reported and ignored.
func (c *Config) Filter() (*filter.Filter, error) {
	var errs *multierror.Error

	keys := make([]string, 0, len(c.Filters.PacketID))
	for key := range c.Filters.PacketID {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	def := true
	overrides := make(map[protocol.TypeID]bool, len(keys))
	seen := make(map[string]string, len(keys))
	for _, key := range keys {
		val := c.Filters.PacketID[key]

		norm := "default"
		var id uint64
		if !strings.EqualFold(strings.TrimSpace(key), "default") {
			var err error
			id, err = parsePacketID(key)
			if err != nil {
				errs = multierror.Append(errs, &pkerr.ConfigError{
					Field:   "filters.packetId",
					Value:   key,
					Message: "not a packet id, entry ignored",
					Hint:    "use a decimal or 0x-prefixed id",
				})
				continue
			}
			norm = strconv.FormatUint(id, 10)
		}

		allow, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			errs = multierror.Append(errs, &pkerr.ConfigError{
				Field:   "filters.packetId." + key,
				Value:   val,
				Message: "not a boolean, entry ignored",
			})
			continue
		}

		if first, dup := seen[norm]; dup {
			errs = multierror.Append(errs, &pkerr.ConfigError{
				Field:   "filters.packetId." + key,
				Value:   val,
				Message: fmt.Sprintf("same id as %q, entry ignored", first),
			})
			continue
		}
		seen[norm] = key

		if norm == "default" {
			def = allow
			continue
		}
		overrides[protocol.TypeID(id)] = allow
	}

	return filter.New(def, overrides), errs.ErrorOrNil()
}

// parsePacketID reads a decimal id, or a hexadecimal one when it carries
// an explicit 0x prefix.
func parsePacketID(key string) (uint64, error) {
	key = strings.TrimSpace(key)
	if len(key) > 2 && key[0] == '0' && (key[1] == 'x' || key[1] == 'X') {
		return strconv.ParseUint(key[2:], 16, 32)
	}
	return strconv.ParseUint(key, 10, 32)
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:@]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ── Validation ───────────────────────────────────────────────────────

// placeholderRe matches the substitutions a log name may use.
var placeholderRe = regexp.MustCompile(`\{(name|clientId|ip|time)\}`)

// Validate checks that the configuration can run at all.  Recoverable
// problems in selectors and filters are not reported here; see
// Selector and Filter.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.LogName) == "" {
		return &pkerr.ConfigError{
			Field:   "logName",
			Message: "must not be empty",
			Hint:    "for example " + DefaultLogName,
		}
	}
	if probe := placeholderRe.ReplaceAllString(c.LogName, "x"); !filepath.IsLocal(probe) {
		return &pkerr.ConfigError{
			Field:   "logName",
			Value:   c.LogName,
			Message: pkerr.ErrPathEscape.Error(),
			Hint:    "use a relative name; set outputDir to choose the directory",
		}
	}
	if c.Relay.Listen == "" {
		return &pkerr.ConfigError{Field: "relay.listen", Message: "required"}
	}
	if c.Relay.Upstream == "" {
		return &pkerr.ConfigError{
			Field:   "relay.upstream",
			Message: "required",
			Hint:    "the address of the server being observed, e.g. " + DefaultUpstream,
		}
	}
	if c.Relay.DialTimeout != "" {
		if d, err := time.ParseDuration(c.Relay.DialTimeout); err != nil || d <= 0 {
			return &pkerr.ConfigError{
				Field:   "relay.dialTimeout",
				Value:   c.Relay.DialTimeout,
				Message: "not a positive duration",
				Hint:    "for example 10s",
			}
		}
	}
	if c.Relay.Tunnel != "" {
		if _, _, _, err := ParseTunnelSpec(c.Relay.Tunnel); err != nil {
			return &pkerr.ConfigError{Field: "relay.tunnel", Value: c.Relay.Tunnel, Message: err.Error()}
		}
	}
	if c.Verbose < 0 {
		return &pkerr.ConfigError{Field: "verbose", Value: c.Verbose, Message: "must not be negative"}
	}
	return nil
}
