package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"

	pkerr "pktlog/internal/errors"
	"pktlog/internal/protocol"
	"pktlog/internal/selector"
)

// ── ParseTunnelSpec ──────────────────────────────────────────────────

func TestParseTunnelSpec(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantUser string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"full", "admin@bastion.example.com:2222", "admin", "bastion.example.com", 2222, false},
		{"no port", "root@gateway", "root", "gateway", 22, false},
		{"no user", "jump-host:2200", "", "jump-host", 2200, false},
		{"host only", "gateway.local", "", "gateway.local", 22, false},
		{"bad port", "user@host:999999", "", "", 0, true},
		{"empty", "", "", "", 0, true},
		{"colon only", ":", "", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, host, port, err := ParseTunnelSpec(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr = %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if user != tt.wantUser || host != tt.wantHost || port != tt.wantPort {
				t.Errorf("got (%q, %q, %d), want (%q, %q, %d)",
					user, host, port, tt.wantUser, tt.wantHost, tt.wantPort)
			}
		})
	}
}

// ── Selector ─────────────────────────────────────────────────────────

func TestSelector_Compile(t *testing.T) {
	cfg := Default()
	cfg.Selectors = SelectorConfig{
		Mode:      "REFUSE",
		Names:     []string{"Alice"},
		ClientIDs: []string{"7", "16"},
		IPs:       []string{"10.0.0.1"},
	}

	sel, err := cfg.Selector()
	if err != nil {
		t.Fatalf("unexpected warnings: %v", err)
	}
	if sel.Mode() != selector.Refuse {
		t.Errorf("mode = %v, want refuse", sel.Mode())
	}
	for _, id := range []selector.Identity{
		{Name: "alice"},
		{Name: "x", ClientID: 7},
		{Name: "x", ClientID: 16},
		{Name: "x", Address: "10.0.0.1"},
	} {
		if !sel.Matched(id) {
			t.Errorf("%+v should match", id)
		}
	}
}

func TestSelector_Degrades(t *testing.T) {
	cfg := Default()
	cfg.Selectors = SelectorConfig{
		Mode:      "deny",
		ClientIDs: []string{"seven", "8"},
	}

	sel, err := cfg.Selector()
	if sel == nil {
		t.Fatal("selector should always be returned")
	}
	if sel.Mode() != selector.Accept {
		t.Errorf("bad mode should fall back to accept, got %v", sel.Mode())
	}
	if !sel.Matched(selector.Identity{ClientID: 8}) {
		t.Error("valid client id should survive a bad sibling")
	}

	var merr *multierror.Error
	if !errors.As(err, &merr) || len(merr.Errors) != 2 {
		t.Fatalf("want 2 warnings, got %v", err)
	}
	var ce *pkerr.ConfigError
	if !errors.As(merr.Errors[0], &ce) || ce.Field != "selectors.mode" {
		t.Errorf("first warning = %v", merr.Errors[0])
	}
}

func TestSelector_ClientIDsAreDecimal(t *testing.T) {
	cfg := Default()
	cfg.Selectors = SelectorConfig{ClientIDs: []string{"010", "0x10"}}

	sel, err := cfg.Selector()
	if !sel.Matched(selector.Identity{ClientID: 10}) {
		t.Error(`"010" should select client 10`)
	}
	if sel.Matched(selector.Identity{ClientID: 8}) || sel.Matched(selector.Identity{ClientID: 16}) {
		t.Error("client ids must not be read as octal or hex")
	}
	var ce *pkerr.ConfigError
	if !errors.As(err, &ce) || ce.Value != "0x10" {
		t.Errorf("want a warning for 0x10, got %v", err)
	}
}

func TestSelector_MissingModeIsAccept(t *testing.T) {
	cfg := &Config{}
	sel, err := cfg.Selector()
	if err != nil {
		t.Fatal(err)
	}
	if sel.Mode() != selector.Accept {
		t.Errorf("mode = %v, want accept", sel.Mode())
	}
}

// ── Filter ───────────────────────────────────────────────────────────

func TestFilter_Compile(t *testing.T) {
	cfg := Default()
	cfg.Filters.PacketID = map[string]string{
		"default": "false",
		"0x01":    "true",
		"9":       "true",
	}

	f, err := cfg.Filter()
	if err != nil {
		t.Fatalf("unexpected warnings: %v", err)
	}
	if f.Default() {
		t.Error("default should be false")
	}
	if !f.Allowed(0x01) || !f.Allowed(0x09) {
		t.Error("overrides should allow 0x01 and 0x09")
	}
	if f.Allowed(0x02) {
		t.Error("0x02 should use the default")
	}
}

func TestFilter_Degrades(t *testing.T) {
	cfg := Default()
	cfg.Filters.PacketID = map[string]string{
		"default": "maybe",
		"login":   "true",
		"0x02":    "false",
	}

	f, err := cfg.Filter()
	if err == nil {
		t.Fatal("expected warnings")
	}
	if !f.Default() {
		t.Error("malformed default should mean allow")
	}
	if f.Allowed(0x02) {
		t.Error("valid override should survive")
	}
	if f.Overrides() != 1 {
		t.Errorf("Overrides() = %d, want 1", f.Overrides())
	}
}

func TestFilter_PacketIDBase(t *testing.T) {
	tests := []struct {
		key  string
		id   protocol.TypeID
		warn bool
	}{
		{"010", 10, false},
		{"0x10", 16, false},
		{"0X1f", 31, false},
		{" 42 ", 42, false},
		{"0b11", 0, true},
		{"0o17", 0, true},
		{"0x", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cfg := &Config{Filters: FilterConfig{PacketID: map[string]string{
				"default": "true",
				tt.key:    "false",
			}}}
			f, err := cfg.Filter()
			if (err != nil) != tt.warn {
				t.Fatalf("warnings = %v, want warn=%t", err, tt.warn)
			}
			if !tt.warn && f.Allowed(tt.id) {
				t.Errorf("id %d should be filtered", tt.id)
			}
		})
	}
}

func TestFilter_DuplicateIDsDeterministic(t *testing.T) {
	cfg := &Config{Filters: FilterConfig{PacketID: map[string]string{
		"9":       "false",
		"0x9":     "true",
		"default": "true",
		"DEFAULT": "false",
	}}}

	for i := 0; i < 50; i++ {
		f, err := cfg.Filter()
		if !f.Allowed(9) {
			t.Fatalf("compile %d: 0x9 sorts first and should win", i)
		}
		if f.Default() {
			t.Fatalf("compile %d: DEFAULT sorts first and should win", i)
		}
		var merr *multierror.Error
		if !errors.As(err, &merr) || len(merr.Errors) != 2 {
			t.Fatalf("compile %d: want 2 duplicate warnings, got %v", i, err)
		}
		for _, w := range merr.Errors {
			if !strings.Contains(w.Error(), "same id as") {
				t.Errorf("warning = %v", w)
			}
		}
	}
}

func TestFilter_MissingSection(t *testing.T) {
	f, err := (&Config{}).Filter()
	if err != nil {
		t.Fatal(err)
	}
	if !f.Allowed(0x42) {
		t.Error("missing filter section should allow everything")
	}
}

// ── Validate ─────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string // empty means valid
	}{
		{"defaults", func(*Config) {}, ""},
		{"empty log name", func(c *Config) { c.LogName = " " }, "logName"},
		{"absolute log name", func(c *Config) { c.LogName = "/tmp/{name}.log" }, "escapes"},
		{"parent log name", func(c *Config) { c.LogName = "../{name}.log" }, "escapes"},
		{"nested log name", func(c *Config) { c.LogName = "{name}/{time}.log" }, ""},
		{"no listen", func(c *Config) { c.Relay.Listen = "" }, "relay.listen"},
		{"no upstream", func(c *Config) { c.Relay.Upstream = "" }, "hint:"},
		{"bad timeout", func(c *Config) { c.Relay.DialTimeout = "soon" }, "relay.dialTimeout"},
		{"bad tunnel", func(c *Config) { c.Relay.Tunnel = "user@host:0x" }, "relay.tunnel"},
		{"negative verbose", func(c *Config) { c.Verbose = -1 }, "verbose"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantSub == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantSub)
			}
		})
	}
}

func TestDialTimeoutDuration(t *testing.T) {
	r := RelayConfig{}
	if got := r.DialTimeoutDuration(); got != DefaultDialTimeout {
		t.Errorf("empty = %v, want default", got)
	}
	r.DialTimeout = "250ms"
	if got := r.DialTimeoutDuration(); got != 250*time.Millisecond {
		t.Errorf("250ms = %v", got)
	}
	r.DialTimeout = "garbage"
	if got := r.DialTimeoutDuration(); got != DefaultDialTimeout {
		t.Errorf("garbage = %v, want default", got)
	}
}
