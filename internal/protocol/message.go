// Package protocol models the framed game protocol observed by the
// relay: a closed set of known message kinds, an Unknown fallback that
// carries only the raw payload, and the frame codec.
//
// Every kind exposes its content as an explicit ordered field list so
// the session log never has to introspect message values.
package protocol

import (
	"strconv"

	"pktlog/internal/render"
)

// TypeID identifies a message kind on the wire.
type TypeID uint32

// String returns the id as 0x-prefixed lowercase hex without padding.
func (id TypeID) String() string { return "0x" + strconv.FormatUint(uint64(id), 16) }

// Known message type ids.
const (
	IDLogin                   TypeID = 0x01
	IDPlayStatus              TypeID = 0x02
	IDServerToClientHandshake TypeID = 0x03
	IDClientToServerHandshake TypeID = 0x04
	IDDisconnect              TypeID = 0x05
	IDText                    TypeID = 0x09
)

// Body is the decoded content of one message.  The set of
// implementations is closed; anything this package does not know
// decodes as *Unknown.
type Body interface {
	// ID returns the wire type id.
	ID() TypeID
	// Name returns the kind name used in log record headers.
	Name() string
	// Fields returns the content in wire order.
	Fields() []render.Field

	encode(e *encoder)
	decode(d *decoder) error
}

// Message is one observed protocol message.
type Message struct {
	Body
}

// New wraps body in a Message.
func New(body Body) *Message { return &Message{Body: body} }

// Encode returns the payload as it goes on the wire: the type id
// followed by the encoded body, without the frame length prefix.
func (m *Message) Encode() []byte {
	e := &encoder{}
	e.putUvarint(uint64(m.ID()))
	m.Body.encode(e)
	return e.buf
}

// Login returns the handshake body when m is the initial login message.
func (m *Message) Login() (*Login, bool) {
	l, ok := m.Body.(*Login)
	return l, ok
}

// newBody returns an empty body for a known type id, or nil.
func newBody(id TypeID) Body {
	switch id {
	case IDLogin:
		return &Login{}
	case IDPlayStatus:
		return &PlayStatus{}
	case IDServerToClientHandshake:
		return &ServerToClientHandshake{}
	case IDClientToServerHandshake:
		return &ClientToServerHandshake{}
	case IDDisconnect:
		return &Disconnect{}
	case IDText:
		return &Text{}
	default:
		return nil
	}
}

// ── Login ────────────────────────────────────────────────────────────

// Login is the first message a client sends.  It carries the identity
// used to decide whether the session is recorded.
type Login struct {
	Protocol  int32
	Username  string
	ClientID  int64
	ChainData []byte
}

func (*Login) ID() TypeID   { return IDLogin }
func (*Login) Name() string { return "LoginPacket" }
func (l *Login) Fields() []render.Field {
	return []render.Field{
		{Name: "protocol", Value: l.Protocol},
		{Name: "username", Value: l.Username},
		{Name: "clientId", Value: l.ClientID},
		{Name: "chainData", Value: l.ChainData},
	}
}

func (l *Login) encode(e *encoder) {
	e.putInt32(l.Protocol)
	e.putString(l.Username)
	e.putInt64(l.ClientID)
	e.putRaw(l.ChainData)
}

func (l *Login) decode(d *decoder) (err error) {
	if l.Protocol, err = d.readInt32(); err != nil {
		return err
	}
	if l.Username, err = d.readString(); err != nil {
		return err
	}
	if l.ClientID, err = d.readInt64(); err != nil {
		return err
	}
	l.ChainData = d.rest()
	return nil
}

// ── PlayStatus ───────────────────────────────────────────────────────

// PlayStatus reports login progress to the client.
type PlayStatus struct {
	Status int32
}

func (*PlayStatus) ID() TypeID   { return IDPlayStatus }
func (*PlayStatus) Name() string { return "PlayStatusPacket" }
func (p *PlayStatus) Fields() []render.Field {
	return []render.Field{{Name: "status", Value: p.Status}}
}
func (p *PlayStatus) encode(e *encoder) { e.putInt32(p.Status) }
func (p *PlayStatus) decode(d *decoder) (err error) {
	p.Status, err = d.readInt32()
	return err
}

// ── Handshakes ───────────────────────────────────────────────────────

// ServerToClientHandshake starts encryption with a signed token.
type ServerToClientHandshake struct {
	Token string
}

func (*ServerToClientHandshake) ID() TypeID   { return IDServerToClientHandshake }
func (*ServerToClientHandshake) Name() string { return "ServerToClientHandshakePacket" }
func (h *ServerToClientHandshake) Fields() []render.Field {
	return []render.Field{{Name: "token", Value: h.Token}}
}
func (h *ServerToClientHandshake) encode(e *encoder) { e.putString(h.Token) }
func (h *ServerToClientHandshake) decode(d *decoder) (err error) {
	h.Token, err = d.readString()
	return err
}

// ClientToServerHandshake acknowledges the server handshake.  It has no
// content.
type ClientToServerHandshake struct{}

func (*ClientToServerHandshake) ID() TypeID             { return IDClientToServerHandshake }
func (*ClientToServerHandshake) Name() string           { return "ClientToServerHandshakePacket" }
func (*ClientToServerHandshake) Fields() []render.Field { return nil }
func (*ClientToServerHandshake) encode(*encoder)        {}
func (*ClientToServerHandshake) decode(*decoder) error  { return nil }

// ── Disconnect ───────────────────────────────────────────────────────

// Disconnect tells the client why it is being dropped.
type Disconnect struct {
	HideDisconnectionScreen bool
	Message                 string
}

func (*Disconnect) ID() TypeID   { return IDDisconnect }
func (*Disconnect) Name() string { return "DisconnectPacket" }
func (p *Disconnect) Fields() []render.Field {
	return []render.Field{
		{Name: "hideDisconnectionScreen", Value: p.HideDisconnectionScreen},
		{Name: "message", Value: p.Message},
	}
}

func (p *Disconnect) encode(e *encoder) {
	e.putBool(p.HideDisconnectionScreen)
	e.putString(p.Message)
}

func (p *Disconnect) decode(d *decoder) (err error) {
	if p.HideDisconnectionScreen, err = d.readBool(); err != nil {
		return err
	}
	p.Message, err = d.readString()
	return err
}

// ── Text ─────────────────────────────────────────────────────────────

// Text is a chat line or a translated system message.
type Text struct {
	Type       byte
	Source     string
	Message    string
	Parameters []string
}

func (*Text) ID() TypeID   { return IDText }
func (*Text) Name() string { return "TextPacket" }
func (p *Text) Fields() []render.Field {
	return []render.Field{
		{Name: "type", Value: p.Type},
		{Name: "source", Value: p.Source},
		{Name: "message", Value: p.Message},
		{Name: "parameters", Value: p.Parameters},
	}
}

func (p *Text) encode(e *encoder) {
	e.putByte(p.Type)
	e.putString(p.Source)
	e.putString(p.Message)
	e.putUvarint(uint64(len(p.Parameters)))
	for _, s := range p.Parameters {
		e.putString(s)
	}
}

func (p *Text) decode(d *decoder) (err error) {
	if p.Type, err = d.readByte(); err != nil {
		return err
	}
	if p.Source, err = d.readString(); err != nil {
		return err
	}
	if p.Message, err = d.readString(); err != nil {
		return err
	}
	n, err := d.readCount()
	if err != nil {
		return err
	}
	p.Parameters = nil
	for i := 0; i < n; i++ {
		s, err := d.readString()
		if err != nil {
			return err
		}
		p.Parameters = append(p.Parameters, s)
	}
	return nil
}

// ── Unknown ──────────────────────────────────────────────────────────

// Unknown carries a message this package cannot interpret, or a known
// kind whose body did not decode cleanly.  Only the type id and the
// payload are available.
type Unknown struct {
	Type    TypeID
	Payload []byte
}

func (u *Unknown) ID() TypeID { return u.Type }
func (*Unknown) Name() string { return "UnknownPacket" }
func (u *Unknown) Fields() []render.Field {
	return []render.Field{{Name: "payload", Value: u.Payload}}
}
func (u *Unknown) encode(e *encoder) { e.putRaw(u.Payload) }
func (u *Unknown) decode(d *decoder) error {
	u.Payload = d.rest()
	return nil
}
