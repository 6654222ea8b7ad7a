package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultLogName is the artifact file name template.
	DefaultLogName = "{name}_{clientId}-{time}.log"

	// DefaultOutputDir is where artifacts are written.
	DefaultOutputDir = "logs"

	// DefaultMode records only sessions matching a selector.
	DefaultMode = "accept"

	// DefaultListen is the client-facing relay address.
	DefaultListen = ":19132"

	// DefaultUpstream is the server the relay forwards to.
	DefaultUpstream = "127.0.0.1:19133"

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultDialTimeout bounds one upstream dial attempt.
	DefaultDialTimeout = 10 * time.Second

	// DefaultDialAttempts is how many times the relay tries to reach
	// the upstream for one client before dropping it.
	DefaultDialAttempts = 3

	// DefaultHostName and friends fill the artifact header.
	DefaultHostName        = "pktlog-relay"
	DefaultHostVersion     = "1.0.0"
	DefaultProtocolName    = "Minecraft: Bedrock Edition"
	DefaultProtocolVersion = "1.12.0"
	DefaultProtocolNumber  = 361

	// DefaultVerbose is the operational log level (1 = normal).
	DefaultVerbose = 1
)
