// Package selector decides, once per connection, whether a client
// session is recorded.
//
// Three membership sets (name, client id, address) are combined with a
// global mode.  In accept mode the sets are an allow-list; in refuse
// mode they are a deny-list.  Both polarities reduce to one comparison:
// a session is recorded when "some set matched" equals the mode.
package selector

import (
	"strconv"
	"strings"
)

// Mode is the polarity applied to selector matches.
type Mode bool

const (
	// Accept records only sessions matching a selector set.
	Accept Mode = true
	// Refuse records every session except those matching a set.
	Refuse Mode = false
)

func (m Mode) String() string {
	if m == Accept {
		return "accept"
	}
	return "refuse"
}

// ParseMode reads "accept" or "refuse", case-insensitively.  ok is false
// for anything else, in which case Accept is returned.
func ParseMode(s string) (mode Mode, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accept":
		return Accept, true
	case "refuse":
		return Refuse, true
	default:
		return Accept, false
	}
}

// Identity is what a client declares in its handshake plus where the
// connection came from.
type Identity struct {
	Name     string
	ClientID int64
	Address  string
	Port     int
}

// FoldedName returns the name as used for matching and file names.
func (id Identity) FoldedName() string { return strings.ToLower(id.Name) }

func (id Identity) String() string {
	return id.FoldedName() + "[/" + id.Address + ":" + strconv.Itoa(id.Port) + "], clientId " +
		strconv.FormatInt(id.ClientID, 10)
}

// Selector is immutable after New and safe for concurrent use.
type Selector struct {
	mode      Mode
	names     map[string]struct{}
	clientIDs map[int64]struct{}
	addresses map[string]struct{}
}

// New builds a Selector.  Names are case-folded; nil slices behave as
// empty sets.
func New(mode Mode, names []string, clientIDs []int64, addresses []string) *Selector {
	s := &Selector{
		mode:      mode,
		names:     make(map[string]struct{}, len(names)),
		clientIDs: make(map[int64]struct{}, len(clientIDs)),
		addresses: make(map[string]struct{}, len(addresses)),
	}
	for _, n := range names {
		s.names[strings.ToLower(n)] = struct{}{}
	}
	for _, id := range clientIDs {
		s.clientIDs[id] = struct{}{}
	}
	for _, a := range addresses {
		s.addresses[a] = struct{}{}
	}
	return s
}

// Mode returns the configured polarity.
func (s *Selector) Mode() Mode { return s.mode }

// Matched reports whether id hits any of the three sets, checking name,
// then client id, then address.
func (s *Selector) Matched(id Identity) bool {
	if _, ok := s.names[id.FoldedName()]; ok {
		return true
	}
	if _, ok := s.clientIDs[id.ClientID]; ok {
		return true
	}
	_, ok := s.addresses[id.Address]
	return ok
}

// ShouldRecord reports whether a session with this identity is logged.
func (s *Selector) ShouldRecord(id Identity) bool {
	return s.Matched(id) == bool(s.mode)
}
