package config

// loader.go - configuration loading from a YAML file and environment
// variables.

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load returns the defaults overlaid with the YAML file at path.  An
// empty path yields the defaults.  A named file that cannot be read or
// parsed is an error; there is nothing sensible to fall back to.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the PKTLOG_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive); lists are
// comma-separated.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("PKTLOG_LOG_NAME"); v != "" {
		cfg.LogName = v
	}
	if v := os.Getenv("PKTLOG_OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}
	if envBool("PKTLOG_COMPRESS") {
		cfg.Compress = true
	}

	// Selectors
	if v := os.Getenv("PKTLOG_MODE"); v != "" {
		cfg.Selectors.Mode = v
	}
	if v := envList("PKTLOG_NAMES"); v != nil {
		cfg.Selectors.Names = v
	}
	if v := envList("PKTLOG_CLIENT_IDS"); v != nil {
		cfg.Selectors.ClientIDs = v
	}
	if v := envList("PKTLOG_IPS"); v != nil {
		cfg.Selectors.IPs = v
	}

	// Relay
	if v := os.Getenv("PKTLOG_LISTEN"); v != "" {
		cfg.Relay.Listen = v
	}
	if v := os.Getenv("PKTLOG_UPSTREAM"); v != "" {
		cfg.Relay.Upstream = v
	}
	if v := os.Getenv("PKTLOG_DIAL_TIMEOUT"); v != "" {
		cfg.Relay.DialTimeout = v
	}
	if v := envInt("PKTLOG_DIAL_ATTEMPTS"); v > 0 {
		cfg.Relay.DialAttempts = v
	}
	if v := os.Getenv("PKTLOG_TUNNEL"); v != "" {
		cfg.Relay.Tunnel = v
	}
	if v := os.Getenv("PKTLOG_SSH_KEY"); v != "" {
		cfg.Relay.SSHKey = v
	}
	if envBool("PKTLOG_SSH_AGENT") {
		cfg.Relay.SSHAgent = true
	}
	if envBool("PKTLOG_SSH_PASSWORD") {
		cfg.Relay.SSHPassword = true
	}
	if envBool("PKTLOG_STRICT_HOSTKEY") {
		cfg.Relay.StrictHostKey = true
	}
	if v := os.Getenv("PKTLOG_KNOWN_HOSTS"); v != "" {
		cfg.Relay.KnownHosts = v
	}

	// Output
	if v := os.Getenv("PKTLOG_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
	if v := envInt("PKTLOG_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
