package gateway

import (
	"context"
	"html"
	"strings"

	"github.com/quartzvm/quartz/internal/auth"
	"github.com/quartzvm/quartz/internal/wire"
)

// Rename reply status codes.
const (
	renameOK      int64 = 0
	renameInUse   int64 = 1
	renameInvalid int64 = 2
	renameBadWord int64 = 3
)

// Connect reply states.
const (
	connectReject int64 = 0
	connectJoin   int64 = 1
	connectPart   int64 = 2
)

// Feature negotiation stages.
const (
	capAdvertise int64 = 0
	capUse       int64 = 1
	capReject    int64 = 2
)

// Auth handshake stages.
const (
	authAdvertise int64 = 0
	authUse       int64 = 1
	authIdentify  int64 = 2
	authSession   int64 = 3
	authReject    int64 = 4
	authNonsense  int64 = 5
	authStale     int64 = 6
)

// Optional protocol feature names.
const (
	featJSONTunnel   = "tunnel:json"
	featBinaryTunnel = "tunnel:cbor"
	featAuth         = "auth"
	featLegacyAuth   = "auth:legacy"
	featInstance     = "instance"
	featNoSanitize   = "dontsanitize"
	// featPoison is advertised but never valid to request; asking for
	// it proves the client blindly echoed the advertisement.
	featPoison = "poison"
)

type dispatchFunc func(ctx context.Context, s *Session, args []wire.Prim)

type dispatchEntry struct {
	// requires is a capability gate checked before invoke; CapNone
	// means no special capability.
	requires auth.Capability
	invoke   dispatchFunc
}

// anonPermitted lists the opcodes an unregistered session may use while
// the process-wide auth mandate is active: just enough surface to log
// in and look around.
var anonPermitted = map[string]bool{
	"nop":        true,
	"connect":    true,
	"disconnect": true,
	"list":       true,
	"rename":     true,
	"admin":      true,

	"cap":      true,
	"auth":     true,
	"instance": true,
	"codebook": true,
}

// baseTable is the dispatch surface every session starts with.
// Immutable after init; sessions copy it.
var baseTable = map[string]dispatchEntry{
	"nop":        {invoke: func(context.Context, *Session, []wire.Prim) {}},
	"connect":    {invoke: opConnect},
	"disconnect": {invoke: opDisconnect},
	"list":       {invoke: opList},
	"rename":     {invoke: opRename},
	"chat":       {invoke: opChat},
	"admin":      {invoke: opAdmin},
	"cap":        {invoke: opCap},
}

// featureTables maps negotiated features to the dispatch entries they
// unlock.
var featureTables = map[string]map[string]dispatchEntry{
	featBinaryTunnel: {
		"codebook": {invoke: opCodebook},
	},
	featAuth: {
		"auth": {invoke: opAuth},
	},
	featInstance: {
		"instance": {invoke: opInstance},
	},
}

func opConnect(ctx context.Context, s *Session, args []wire.Prim) {
	if len(args) < 1 {
		return
	}
	channel := wire.EnsureString(args[0])
	if channel == "" {
		return
	}

	controller := s.gw.Controller(channel)
	if controller == nil || !controller.CanUse(s) {
		if controller == nil {
			s.log.Warn().Str("channel", channel).Msg("join refused, no controller attached")
		} else {
			s.log.Warn().Str("channel", channel).Msg("join refused by controller")
		}
		s.Send("connect", connectReject)
		return
	}

	if s.Nick() == "" {
		s.Guestify()
	}
	if s.gw.NickInUse(channel, s.Nick()) {
		s.SendRename(s.Guestify(), renameInUse)
	} else {
		s.SendRename(s.Nick(), renameOK)
	}

	s.setChannel(channel)
	controller.NotifyJoin(s)

	s.SendPeers(s.gw.ChannelSessions(channel), false)
	s.gw.AnnouncePeer(s, false)
}

func opDisconnect(ctx context.Context, s *Session, args []wire.Prim) {
	internal := len(args) > 0 && wire.EnsureBool(args[0])
	s.partChannel(internal)
}

func opList(ctx context.Context, s *Session, args []wire.Prim) {
	var entries []ListEntry
	for _, c := range s.gw.Controllers() {
		if !c.CanUse(s) {
			continue
		}
		entries = append(entries, ListEntry{
			ID:        c.Channel(),
			Name:      c.DisplayName(),
			Thumbnail: c.Thumbnail(),
		})
	}
	s.SendList(entries)
}

func opRename(ctx context.Context, s *Session, args []wire.Prim) {
	var nick string
	if len(args) > 0 {
		nick = wire.EnsureString(args[0])
	}
	if nick == "" {
		nick = s.Guestify()
	}

	// lazily block anything that HTML escaping would alter
	if nick != html.EscapeString(nick) {
		s.SendRename(s.Nick(), renameInvalid)
		return
	}

	oldNick := s.Nick()
	channel := s.Channel()

	if channel != "" {
		if s.gw.NickInUse(channel, nick) {
			s.SendRename(s.Nick(), renameInUse)
			return
		}
		s.setNick(nick)
		s.SendRename(nick, renameOK)
		// older frontends lose the visible rank on rename without this
		s.SendPeers([]*Session{s}, false)
	} else {
		s.setNick(nick)
		s.SendRename(nick, renameOK)
	}

	s.gw.AnnounceRename(s, oldNick)
	if c := s.gw.Controller(channel); c != nil {
		c.NotifyNick(s, oldNick)
	}
}

func opChat(ctx context.Context, s *Session, args []wire.Prim) {
	if s.Channel() == "" || len(args) < 1 {
		return
	}
	text := wire.EnsureString(args[0])

	if strings.HasPrefix(text, "//") {
		text = text[1:]
	} else if strings.HasPrefix(text, "/") {
		s.gw.Commands.Handle(ctx, s, text)
		return
	}

	s.gw.SendChat(s, text)
}

// opAdmin keeps the legacy single-field login prompt working as an
// alternate path into shared-password auth.
func opAdmin(ctx context.Context, s *Session, args []wire.Prim) {
	if len(args) < 2 {
		return
	}
	switch wire.EnsureInt(args[0]) {
	case 2:
		if !s.gw.Auth.Has("legacy") {
			s.Announce("Legacy password auth is disabled on this instance.")
			return
		}
		identity, token, err := s.gw.Auth.Identify(ctx, "legacy", wire.EnsureString(args[1]))
		if err != nil {
			return
		}
		if s.HasFeature(featAuth) {
			s.Send("auth", authSession, token)
		}
		s.SetIdentity(identity)
	}
}

// opCap handles optional-feature negotiation. Acceptance is all or
// nothing: one unknown name rejects the whole request.
func opCap(ctx context.Context, s *Session, args []wire.Prim) {
	if len(args) < 1 {
		return
	}
	switch wire.EnsureInt(args[0]) {
	case capUse:
		requested := make([]string, 0, len(args)-1)
		for _, a := range args[1:] {
			requested = append(requested, wire.EnsureString(a))
		}

		advertised := make(map[string]bool)
		for _, f := range s.gw.Features() {
			advertised[f] = true
		}
		for _, name := range requested {
			if name == featPoison {
				s.Send("cap", capReject, "broken feature implementation")
				return
			}
			if !advertised[name] {
				s.Send("cap", capReject, "invalid feature requested")
				return
			}
		}

		for _, name := range requested {
			if table, ok := featureTables[name]; ok {
				s.mergeDispatch(table)
			}
			s.setFeature(name)
		}

		// pick the follow-up conduit before acknowledging
		next := s.currentConduit()
		if s.HasFeature(featBinaryTunnel) {
			next = wire.NewBinaryConduit(wire.DefaultCodebook)
		} else if s.HasFeature(featJSONTunnel) {
			next = wire.JSONConduit{}
		}

		// the ack still travels in the old encoding; everything after
		// it uses the new one
		s.Send("cap", capUse)
		s.setConduit(next)
	}
}

// opCodebook lets the peer retrieve the opcode index mapping in use.
func opCodebook(ctx context.Context, s *Session, args []wire.Prim) {
	if bc, ok := s.currentConduit().(*wire.BinaryConduit); ok {
		reply := []wire.Prim{"codebook"}
		for _, name := range bc.Codebook() {
			reply = append(reply, name)
		}
		s.Send(reply...)
		return
	}
	// empty codebook when the binary conduit is not active
	s.Send("codebook")
}

func opAuth(ctx context.Context, s *Session, args []wire.Prim) {
	if len(args) < 1 {
		return
	}
	var data string
	if len(args) > 1 {
		data = wire.EnsureString(args[1])
	}

	switch wire.EnsureInt(args[0]) {
	case authAdvertise:
		reply := []wire.Prim{"auth", authAdvertise, s.gw.AuthMandate}
		for _, name := range s.gw.Auth.Strategies() {
			reply = append(reply, name)
		}
		s.Send(reply...)

	case authUse:
		hints, err := s.gw.Auth.Use(data)
		if err != nil {
			s.Send("auth", authNonsense)
			return
		}
		s.setStrategy(data)
		reply := []wire.Prim{"auth", authUse, data}
		for _, h := range hints {
			reply = append(reply, h)
		}
		s.Send(reply...)

	case authIdentify:
		identity, token, err := s.gw.Auth.Identify(ctx, s.Strategy(), data)
		if err != nil {
			s.log.Warn().Str("strategy", s.Strategy()).Err(err).Msg("authentication failed")
			s.Send("auth", authReject)
			return
		}
		s.Send("auth", authIdentify)
		s.Send("auth", authSession, token)
		s.SetIdentity(identity)

	case authSession:
		identity, err := s.gw.Auth.ValidateToken(ctx, data)
		if err != nil {
			s.Send("auth", authStale)
			return
		}
		s.Send("auth", authIdentify)
		s.SetIdentity(identity)
	}
}

func opInstance(ctx context.Context, s *Session, args []wire.Prim) {
	info := s.gw.Instance
	s.Send("instance", info.Software, info.Version, info.Name, info.Contact)
}
