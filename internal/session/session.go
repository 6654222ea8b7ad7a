// Package session records selected client connections to per-session
// log artifacts.
//
// The host feeds connection events to a Manager.  A connection is
// recorded from its first inbound login onward when the selector
// accepts the identity in it; from then on every message that passes
// the packet filter is appended to the connection's artifact until the
// host reports the disconnect.  Failures are logged and counted but
// never returned to the host.
package session

import (
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	pkerr "pktlog/internal/errors"
	"pktlog/internal/filter"
	"pktlog/internal/metrics"
	"pktlog/internal/protocol"
	"pktlog/internal/selector"
	"pktlog/util"
)

// ConnID is the host-assigned key of one connection.  It must stay
// stable for the lifetime of the connection and never be reused.
type ConnID string

// Options configures a Manager.
type Options struct {
	// Selector decides which logins start a session.  nil records
	// every session.
	Selector *selector.Selector
	// Filter decides which messages are appended.  nil allows all.
	Filter *filter.Filter
	// Opener creates artifacts.  Defaults to files in the working
	// directory.
	Opener Opener
	// LogName is the artifact name template; see expandLogName.
	LogName string
	Host    HostInfo

	Logger  *util.Logger
	Metrics *metrics.Collector
	// Now is the clock used for headers and names.  Defaults to time.Now.
	Now func() time.Time
}

// Manager owns the open sessions.  It is safe for concurrent use: events
// for different connections may arrive in parallel, and the inbound and
// outbound streams of one connection may too.
type Manager struct {
	opts Options

	mu       sync.Mutex
	sessions map[ConnID]*Session
	opening  map[ConnID]struct{}
	closed   bool
}

// New returns a Manager with no open sessions.
func New(opts Options) *Manager {
	if opts.Selector == nil {
		opts.Selector = selector.New(selector.Refuse, nil, nil, nil)
	}
	if opts.Filter == nil {
		opts.Filter = filter.AllowAll()
	}
	if opts.Opener == nil {
		opts.Opener = FileOpener{Dir: "."}
	}
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(int(util.LogQuiet))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:     opts,
		sessions: make(map[ConnID]*Session),
		opening:  make(map[ConnID]struct{}),
	}
}

// Session is one recorded connection and its open artifact.
type Session struct {
	id       ConnID
	identity selector.Identity
	path     string

	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

// Identity returns the identity the session was selected with.
func (s *Session) Identity() selector.Identity { return s.identity }

// Path returns where the artifact was opened.
func (s *Session) Path() string { return s.path }

func (s *Session) write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, pkerr.ErrSessionClosed
	}
	return s.w.Write(p)
}

// close writes the end line and releases the artifact.  Only the first
// call does anything.
func (s *Session) close(end time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs *multierror.Error
	if _, err := s.w.Write(footer(end)); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.w.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// ── Event feed ───────────────────────────────────────────────────────

// Connect notes a new connection.  Sessions start on the login, not here.
func (m *Manager) Connect(id ConnID) {
	m.opts.Logger.Debug("connection %s opened", id)
}

// Inbound handles a message sent by the client.  addr is the client's
// remote address.  On a connection without a session, only a login
// accepted by the selector has any effect: it opens the artifact, writes
// the header, and becomes the first record.
func (m *Manager) Inbound(id ConnID, addr net.Addr, msg *protocol.Message) {
	if msg == nil {
		return
	}
	if s := m.lookup(id); s != nil {
		m.record(s, ClientToServer, msg)
		return
	}

	login, ok := msg.Login()
	if !ok {
		return
	}
	host, port := util.SplitAddr(addr)
	ident := selector.Identity{
		Name:     login.Username,
		ClientID: login.ClientID,
		Address:  host,
		Port:     port,
	}
	if !m.opts.Selector.ShouldRecord(ident) {
		m.opts.Logger.Verbose("not recording %s (%s mode)", ident, m.opts.Selector.Mode())
		return
	}

	s, err := m.open(id, ident)
	if err != nil {
		m.opts.Logger.Error("%v", err)
		m.opts.Metrics.RecordError(err.Error())
		return
	}
	if s != nil {
		m.record(s, ClientToServer, msg)
	}
}

// Outbound handles a message sent to the client.  It is recorded only
// when the connection already has a session.
func (m *Manager) Outbound(id ConnID, msg *protocol.Message) {
	if msg == nil {
		return
	}
	if s := m.lookup(id); s != nil {
		m.record(s, ServerToClient, msg)
	}
}

// Disconnect finalizes the connection's session, if it has one.
func (m *Manager) Disconnect(id ConnID) {
	m.mu.Lock()
	s := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if s == nil {
		m.opts.Logger.Debug("connection %s closed", id)
		return
	}
	m.finish(s)
}

// Close finalizes every open session and stops new ones from starting.
// It returns the close failures, if any.  Calling it again is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.sessions = make(map[ConnID]*Session)
	m.mu.Unlock()

	sort.Slice(open, func(i, j int) bool { return open[i].id < open[j].id })

	var errs *multierror.Error
	for _, s := range open {
		if err := m.finish(s); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Active returns the number of open sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Lookup returns the open session for id, if any.
func (m *Manager) Lookup(id ConnID) (*Session, bool) {
	s := m.lookup(id)
	return s, s != nil
}

// ── internals ────────────────────────────────────────────────────────

func (m *Manager) lookup(id ConnID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// open creates the session for id.  The artifact is opened and its
// header written without holding m.mu, so a slow filesystem stalls only
// this connection.  It returns nil, nil once the manager is closed or
// while another open for id is in flight.
func (m *Manager) open(id ConnID, ident selector.Identity) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil
	}
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	if _, ok := m.opening[id]; ok {
		m.mu.Unlock()
		m.opts.Logger.Debug("connection %s: session already opening", id)
		return nil, nil
	}
	m.opening[id] = struct{}{}
	m.mu.Unlock()

	s, err := m.create(id, ident)

	m.mu.Lock()
	delete(m.opening, id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if m.closed {
		m.mu.Unlock()
		m.opts.Logger.Debug("connection %s: manager closed while opening %s", id, s.path)
		if cerr := s.close(m.opts.Now()); cerr != nil {
			return nil, pkerr.WrapSession("close", string(id), s.path, cerr)
		}
		return nil, nil
	}
	m.sessions[id] = s
	m.mu.Unlock()

	m.opts.Metrics.SessionOpened()
	m.opts.Logger.Info("Logging packets from %s to %s", ident, s.path)
	return s, nil
}

// create opens the artifact and writes its header.
func (m *Manager) create(id ConnID, ident selector.Identity) (*Session, error) {
	now := m.opts.Now()
	name, err := expandLogName(m.opts.LogName, ident, now)
	if err != nil {
		return nil, pkerr.WrapSession("open", string(id), name, err)
	}
	w, path, err := m.opts.Opener.Open(name)
	if err != nil {
		return nil, pkerr.WrapSession("open", string(id), path, err)
	}
	if _, err := w.Write(header(m.opts.Host, ident, now)); err != nil {
		w.Close()
		return nil, pkerr.WrapSession("open", string(id), path, err)
	}
	return &Session{id: id, identity: ident, path: path, w: w}, nil
}

func (m *Manager) record(s *Session, dir Direction, msg *protocol.Message) {
	if !m.opts.Filter.Allowed(msg.ID()) {
		m.opts.Metrics.RecordSkipped()
		return
	}
	n, err := s.write(record(dir, msg))
	if err != nil {
		if pkerr.Is(err, pkerr.ErrSessionClosed) {
			return
		}
		werr := pkerr.WrapSession("write", string(s.id), s.path, err)
		m.opts.Logger.Warn("%v", werr)
		m.opts.Metrics.RecordError(werr.Error())
		return
	}
	m.opts.Metrics.RecordWritten(n)
}

func (m *Manager) finish(s *Session) error {
	m.opts.Metrics.SessionClosed()
	if err := s.close(m.opts.Now()); err != nil {
		cerr := pkerr.WrapSession("close", string(s.id), s.path, err)
		m.opts.Logger.Warn("%v", cerr)
		m.opts.Metrics.RecordError(cerr.Error())
		return cerr
	}
	m.opts.Logger.Verbose("Stopped logging %s (%s)", s.Identity(), s.Path())
	return nil
}
