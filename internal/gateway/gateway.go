package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quartzvm/quartz/internal/auth"
	"github.com/quartzvm/quartz/internal/upload"
	"github.com/quartzvm/quartz/internal/wire"
)

// keepaliveInterval is how often idle sessions receive a nop.
const keepaliveInterval = 15 * time.Second

// Controller is a room's server-side brain. One controller per channel;
// the gateway only routes, the controller owns all room state.
type Controller interface {
	Channel() string
	DisplayName() string

	// CanUse gates room listing, joining and every broadcast.
	CanUse(s *Session) bool

	NotifyJoin(s *Session)
	NotifyPart(s *Session)
	NotifyNick(s *Session, oldNick string)
	NotifyIdentify(s *Session)

	// Interpret receives opcodes the session dispatch table does not
	// know about.
	Interpret(s *Session, opcode string, args []wire.Prim)

	Thumbnail() []byte

	Destroy()
}

// InstanceInfo describes this deployment to clients.
type InstanceInfo struct {
	Software string
	Version  string
	Name     string
	Contact  string
}

// Gateway is the process-wide registry of live sessions and room
// controllers, and the owner of the broadcast primitives.
type Gateway struct {
	mu          sync.RWMutex
	sessions    map[uint64]*Session
	controllers map[string]Controller
	nextID      uint64

	Auth     *auth.Manager
	Commands *Commands
	Uploads  *upload.Sink

	Instance InstanceInfo

	// AuthMandate forces registration before anything beyond the
	// handshake surface.
	AuthMandate bool
	// MaxUpload is the upload size ceiling advertised to clients.
	MaxUpload int64

	log *zerolog.Logger
}

// New builds an empty gateway.
func New(authority *auth.Manager, commands *Commands, uploads *upload.Sink, logger *zerolog.Logger) *Gateway {
	return &Gateway{
		sessions:    make(map[uint64]*Session),
		controllers: make(map[string]Controller),
		Auth:        authority,
		Commands:    commands,
		Uploads:     uploads,
		MaxUpload:   8 << 20,
		log:         logger,
	}
}

// Features returns the optional protocol features this gateway
// advertises. featPoison is deliberately included: it is never valid to
// request, and requesting it unmasks clients that echo the advertised
// list back verbatim.
func (g *Gateway) Features() []string {
	features := []string{
		featJSONTunnel,
		featBinaryTunnel,
		featAuth,
		featInstance,
		featNoSanitize,
		featPoison,
	}
	if g.Auth != nil && g.Auth.Has("legacy") {
		features = append(features, featLegacyAuth)
	}
	return features
}

// Accept registers a new session for a freshly accepted transport and
// performs the opening feature advertisement.
func (g *Gateway) Accept(transport Transport, remoteAddr string) *Session {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	s := newSession(g, id, transport, remoteAddr)
	g.sessions[id] = s
	g.mu.Unlock()

	g.log.Debug().Uint64("session", id).Str("addr", remoteAddr).Msg("session accepted")
	s.sendFeatures()
	return s
}

// Drop runs the disconnect sequence for a departing session and removes
// it from the registry. Safe to call more than once.
func (g *Gateway) Drop(s *Session) {
	s.partChannel(true)

	g.mu.Lock()
	_, live := g.sessions[s.id]
	delete(g.sessions, s.id)
	g.mu.Unlock()

	if live {
		g.log.Debug().Uint64("session", s.id).Msg("session dropped")
	}
}

// RegisterController attaches a controller to its channel.
func (g *Gateway) RegisterController(c Controller) {
	g.mu.Lock()
	g.controllers[c.Channel()] = c
	g.mu.Unlock()
}

// UnregisterController detaches a channel's controller and tells the
// channel's occupants.
func (g *Gateway) UnregisterController(channel string) {
	g.mu.Lock()
	delete(g.controllers, channel)
	g.mu.Unlock()
	g.Broadcast(channel, "chat", "", "The channel controller for this room has been detached. Please select a different room.")
}

// Controller returns the controller for a channel, or nil.
func (g *Gateway) Controller(channel string) Controller {
	if channel == "" {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.controllers[channel]
}

// Controllers snapshots the registered controllers.
func (g *Gateway) Controllers() []Controller {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Controller, 0, len(g.controllers))
	for _, c := range g.controllers {
		out = append(out, c)
	}
	return out
}

func (g *Gateway) snapshotSessions() []*Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s)
	}
	return out
}

// ChannelSessions returns the sessions currently joined to a channel.
func (g *Gateway) ChannelSessions(channel string) []*Session {
	var out []*Session
	for _, s := range g.snapshotSessions() {
		if s.Channel() == channel {
			out = append(out, s)
		}
	}
	return out
}

// Broadcast sends one statement to every session in a channel.
func (g *Gateway) Broadcast(channel string, args ...wire.Prim) {
	if channel == "" {
		return
	}
	for _, s := range g.snapshotSessions() {
		if s.Channel() != channel {
			continue
		}
		s.Send(args...)
	}
}

// BroadcastFiltered sends per-recipient statements to the sessions in a
// channel that pass check. Used when the payload differs per viewer,
// like turn-queue countdowns.
func (g *Gateway) BroadcastFiltered(channel string, check func(*Session) bool, generate func(*Session) []wire.Prim) {
	if channel == "" {
		return
	}
	for _, s := range g.snapshotSessions() {
		if s.Channel() != channel || !check(s) {
			continue
		}
		s.Send(generate(s)...)
	}
}

// SendExcluding broadcasts to a channel, skipping one session.
func (g *Gateway) SendExcluding(channel string, except *Session, args ...wire.Prim) {
	if channel == "" {
		return
	}
	for _, s := range g.snapshotSessions() {
		if s == except || s.Channel() != channel {
			continue
		}
		s.Send(args...)
	}
}

// NickInUse reports whether a nick is taken in a channel. Nicks are
// unique per channel, case-insensitively, not globally.
func (g *Gateway) NickInUse(channel, nick string) bool {
	for _, s := range g.snapshotSessions() {
		if !strings.EqualFold(s.Channel(), channel) {
			continue
		}
		if strings.EqualFold(s.Nick(), nick) {
			return true
		}
	}
	return false
}

// AnnouncePeer tells a channel about a joining or leaving peer.
func (g *Gateway) AnnouncePeer(peer *Session, leaving bool) {
	channel := peer.Channel()
	if channel == "" {
		return
	}
	for _, s := range g.snapshotSessions() {
		if s.Channel() != channel {
			continue
		}
		s.SendPeers([]*Session{peer}, leaving)
	}
}

// AnnounceRename tells a channel's other occupants about a nick change.
func (g *Gateway) AnnounceRename(peer *Session, oldNick string) {
	channel := peer.Channel()
	if channel == "" {
		return
	}
	for _, s := range g.snapshotSessions() {
		if s == peer || s.Channel() != channel {
			continue
		}
		s.SendPeerRename(peer, oldNick)
	}
}

// SendChat relays a chat line from author to the author's channel,
// author included.
func (g *Gateway) SendChat(author *Session, content string) {
	channel := author.Channel()
	if channel == "" {
		return
	}
	for _, s := range g.snapshotSessions() {
		if s.Channel() != channel {
			continue
		}
		s.SendChat(author, content)
	}
}

// RunKeepalive nops every session on a fixed interval until ctx ends.
// Independent of any room's own tick.
func (g *Gateway) RunKeepalive(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range g.snapshotSessions() {
				s.SendPing()
			}
		}
	}
}

// Shutdown destroys every controller and closes every session.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	controllers := make([]Controller, 0, len(g.controllers))
	for _, c := range g.controllers {
		controllers = append(controllers, c)
	}
	g.controllers = make(map[string]Controller)
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.sessions = make(map[uint64]*Session)
	g.mu.Unlock()

	for _, c := range controllers {
		c.Destroy()
	}
	for _, s := range sessions {
		s.transport.Close()
	}
}
