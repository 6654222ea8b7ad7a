package session

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	pkerr "pktlog/internal/errors"
	"pktlog/internal/protocol"
	"pktlog/internal/render"
	"pktlog/internal/selector"
)

// Direction tells which peer sent a recorded message.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) String() string {
	if d == ServerToClient {
		return "Server -> Client"
	}
	return "Client -> Server"
}

// HostInfo identifies the relay and the observed server in the first
// line of every artifact.
type HostInfo struct {
	ToolVersion     string
	Name            string
	Version         string
	ProtocolName    string
	ProtocolVersion string
	ProtocolNumber  int
}

// header opens an artifact.  The client-supplied name and the address
// go through the renderer so they cannot break the line structure.
func header(h HostInfo, id selector.Identity, start time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Log generated by pktlog %s in %s %s for %s %s (protocol #%d)\n\n",
		h.ToolVersion, h.Name, h.Version, h.ProtocolName, h.ProtocolVersion, h.ProtocolNumber)
	fmt.Fprintf(&b, "Player: %s, clientId %d from [/%s:%d\n",
		render.Value(id.FoldedName(), 0), id.ClientID, render.Value(id.Address, 0), id.Port)
	fmt.Fprintf(&b, "Start time: %s\n\n", start.Format(time.RFC3339))
	return b.Bytes()
}

// record renders one message: the header line, a hex dump of the
// re-encoded payload, the field dump, and a blank separator.
func record(dir Direction, msg *protocol.Message) []byte {
	raw := msg.Encode()

	var b bytes.Buffer
	fmt.Fprintf(&b, "[%s %s] %s (length %d)\n", dir, msg.ID(), msg.Name(), len(raw))
	b.WriteString(strings.TrimSpace(hex.Dump(raw)))
	b.WriteByte('\n')
	b.WriteString(render.Fields(msg.Fields()))
	b.WriteString("\n\n\n")
	return b.Bytes()
}

func footer(end time.Time) []byte {
	return []byte("\n\nEnd time: " + end.Format(time.RFC3339))
}

// expandLogName substitutes the identity into the log name template.
// Substituted values cannot introduce path separators or parent
// references; a template that still resolves outside the output
// directory is rejected.
func expandLogName(tmpl string, id selector.Identity, now time.Time) (string, error) {
	name := strings.NewReplacer(
		"{name}", pathSafe(id.FoldedName()),
		"{clientId}", strconv.FormatInt(id.ClientID, 10),
		"{ip}", pathSafe(id.Address),
		"{time}", strconv.FormatInt(now.Unix(), 10),
	).Replace(tmpl)

	if !filepath.IsLocal(name) {
		return name, pkerr.ErrPathEscape
	}
	return name, nil
}

// pathSafe maps separators, colons and control bytes to '_' and
// neutralizes names made only of dots.
func pathSafe(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':':
			return '_'
		case r < 0x20 || r == 0x7f:
			return '_'
		}
		return r
	}, s)
	if s != "" && strings.Trim(s, ".") == "" {
		return strings.Repeat("_", len(s))
	}
	return s
}
