package gateway

import (
	"context"
	"errors"
	"fmt"
	"html"
	"math/rand"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quartzvm/quartz/internal/auth"
	"github.com/quartzvm/quartz/internal/wire"
)

// Transport is the write half of one client connection. Writes are
// serialized by the session; implementations only need to deliver one
// message-framed payload at a time.
type Transport interface {
	Write(payload []byte, binary bool) error
	Close() error
}

// Session is the per-connection protocol state: one conduit, an
// identity, a dispatch table, and at most one joined channel.
type Session struct {
	id        uint64
	gw        *Gateway
	transport Transport
	ip        string

	// mu guards identity and dispatch state.
	mu       sync.Mutex
	strategy string
	caps     auth.Capability
	nick     string
	channel  string
	features map[string]bool
	dispatch map[string]dispatchEntry

	// wmu guards the conduit and serializes transport writes, so a
	// conduit swap can never split a statement across encodings.
	wmu     sync.Mutex
	conduit wire.Conduit

	log zerolog.Logger
}

func newSession(gw *Gateway, id uint64, transport Transport, ip string) *Session {
	s := &Session{
		id:        id,
		gw:        gw,
		transport: transport,
		ip:        ip,
		strategy:  "anonymous",
		features:  make(map[string]bool),
		dispatch:  make(map[string]dispatchEntry, len(baseTable)),
		conduit:   wire.TextConduit{},
		log:       gw.log.With().Uint64("session", id).Logger(),
	}
	for op, entry := range baseTable {
		s.dispatch[op] = entry
	}
	s.Guestify()
	return s
}

// ID returns the gateway-assigned session id.
func (s *Session) ID() uint64 { return s.id }

// IP returns the client's remote address, used for upload cooldowns.
func (s *Session) IP() string { return s.ip }

// Nick returns the current display nick.
func (s *Session) Nick() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nick
}

func (s *Session) setNick(nick string) {
	s.mu.Lock()
	s.nick = nick
	s.mu.Unlock()
}

// Channel returns the joined channel, or "".
func (s *Session) Channel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (s *Session) setChannel(channel string) {
	s.mu.Lock()
	s.channel = channel
	s.mu.Unlock()
}

// Caps returns the session's current capability mask.
func (s *Session) Caps() auth.Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// Strategy returns the auth strategy selected for the handshake.
func (s *Session) Strategy() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

func (s *Session) setStrategy(strategy string) {
	s.mu.Lock()
	s.strategy = strategy
	s.mu.Unlock()
}

// HasFeature reports whether an optional protocol feature was
// negotiated on this session.
func (s *Session) HasFeature(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.features[name]
}

// Guestify assigns a fresh anonymous nick and returns it.
func (s *Session) Guestify() string {
	nick := fmt.Sprintf("guest%d", 1+rand.Intn(65536))
	s.setNick(nick)
	return nick
}

// SetIdentity applies an authenticated identity to the session and, if
// joined, refreshes how the room sees it.
func (s *Session) SetIdentity(id *auth.Identity) {
	s.mu.Lock()
	s.strategy = id.Strategy
	s.caps = id.Caps
	channel := s.channel
	s.mu.Unlock()

	if channel != "" {
		s.gw.AnnouncePeer(s, false)
		if c := s.gw.Controller(channel); c != nil {
			c.NotifyIdentify(s)
		}
	}
}

// sanitize HTML-escapes peer-visible strings unless the client opted
// out during feature negotiation.
func (s *Session) sanitize(str string) string {
	if s.HasFeature(featNoSanitize) {
		return str
	}
	return html.EscapeString(str)
}

// Send packs one statement with the session's current conduit and
// writes it to the transport.
func (s *Session) Send(args ...wire.Prim) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	payload, err := s.conduit.Pack(wire.Statement(args))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to pack statement")
		return
	}
	if err := s.transport.Write(payload, s.conduit.Binary()); err != nil {
		s.log.Debug().Err(err).Msg("transport write failed")
	}
}

// setConduit swaps the wire encoding for all subsequent statements.
func (s *Session) setConduit(c wire.Conduit) {
	s.wmu.Lock()
	s.conduit = c
	s.wmu.Unlock()
}

func (s *Session) currentConduit() wire.Conduit {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conduit
}

// Announce sends a server-authored chat line to this session only.
func (s *Session) Announce(text string) {
	if text == "" {
		return
	}
	s.Send("chat", "", text)
}

// Kick tells the session why it is going away and closes its
// transport. The full disconnect sequence runs once the read loop
// observes the close.
func (s *Session) Kick(reason string) {
	s.Announce(reason)
	if err := s.transport.Close(); err != nil {
		s.log.Debug().Err(err).Msg("transport close failed")
	}
}

// SendPing sends a keep-alive nop.
func (s *Session) SendPing() {
	s.Send("nop")
}

// ListEntry is one room in a list reply.
type ListEntry struct {
	ID        string
	Name      string
	Thumbnail []byte
}

// SendList sends the room directory.
func (s *Session) SendList(entries []ListEntry) {
	args := make([]wire.Prim, 0, 1+3*len(entries))
	args = append(args, "list")
	for _, e := range entries {
		args = append(args, e.ID, e.Name, e.Thumbnail)
	}
	s.Send(args...)
}

// SendRename reports the outcome of this session's own rename.
func (s *Session) SendRename(nick string, status int64) {
	s.Send("rename", false, status, s.sanitize(nick))
}

// SendPeerRename reports a peer's nick change.
func (s *Session) SendPeerRename(peer *Session, oldNick string) {
	s.Send("rename", true, s.sanitize(oldNick), s.sanitize(peer.Nick()))
}

// SendPeers sends an adduser (or remuser) roster fragment.
func (s *Session) SendPeers(peers []*Session, leaving bool) {
	args := make([]wire.Prim, 0, 2+2*len(peers))
	if leaving {
		args = append(args, "remuser", int64(len(peers)))
		for _, p := range peers {
			args = append(args, s.sanitize(p.Nick()))
		}
	} else {
		args = append(args, "adduser", int64(len(peers)))
		for _, p := range peers {
			args = append(args, s.sanitize(p.Nick()), int64(p.Caps().Rank()))
		}
	}
	s.Send(args...)
}

// SendChat relays one chat line to this session.
func (s *Session) SendChat(author *Session, content string) {
	s.Send("chat", s.sanitize(author.Nick()), s.sanitize(content))
}

// sendFeatures opens the optional-feature negotiation.
func (s *Session) sendFeatures() {
	args := []wire.Prim{"cap", int64(capAdvertise)}
	for _, f := range s.gw.Features() {
		args = append(args, f)
	}
	s.Send(args...)
}

// HandleFrame decodes one transport frame and dispatches its
// statements. Framing errors drop the frame and keep the connection.
func (s *Session) HandleFrame(ctx context.Context, frame []byte) {
	stmts, err := s.currentConduit().Unpack(frame)
	if err != nil {
		if errors.Is(err, wire.ErrFraming) {
			s.log.Warn().Err(err).Msg("dropping malformed frame")
			return
		}
		s.log.Warn().Err(err).Msg("dropping undecodable frame")
		return
	}

	for _, stmt := range stmts {
		if len(stmt) == 0 {
			continue
		}
		opcode := wire.EnsureString(stmt[0])
		args := stmt[1:]
		s.dispatchStatement(ctx, opcode, args)
	}
}

func (s *Session) dispatchStatement(ctx context.Context, opcode string, args []wire.Prim) {
	if s.gw.AuthMandate && !s.Caps().Has(auth.CapRegistered) && !anonPermitted[opcode] {
		s.log.Warn().Str("opcode", opcode).Msg("rejected opcode from unauthenticated session")
		return
	}

	s.mu.Lock()
	entry, known := s.dispatch[opcode]
	s.mu.Unlock()

	if known {
		if entry.requires != auth.CapNone && !s.Caps().Has(entry.requires) {
			s.log.Warn().Str("opcode", opcode).Msg("capability denied")
			return
		}
		entry.invoke(ctx, s, args)
		return
	}

	if c := s.gw.Controller(s.Channel()); c != nil {
		c.Interpret(s, opcode, args)
	}
}

// mergeDispatch loads a feature's extra dispatch entries.
func (s *Session) mergeDispatch(table map[string]dispatchEntry) {
	s.mu.Lock()
	for op, entry := range table {
		s.dispatch[op] = entry
	}
	s.mu.Unlock()
}

func (s *Session) setFeature(name string) {
	s.mu.Lock()
	s.features[name] = true
	s.mu.Unlock()
}

// partChannel runs the leave-channel sequence: controller part
// notification, peer announcement, then detachment. When internal, the
// client is not told (it already knows it is disconnecting).
func (s *Session) partChannel(internal bool) {
	channel := s.Channel()
	if channel != "" {
		if c := s.gw.Controller(channel); c != nil {
			c.NotifyPart(s)
		}
		s.gw.AnnouncePeer(s, true)
	}
	s.setChannel("")
	if !internal {
		s.Send("connect", int64(connectPart))
	}
}
