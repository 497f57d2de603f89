package room

import (
	"fmt"
	"html"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quartzvm/quartz/internal/auth"
	"github.com/quartzvm/quartz/internal/config"
	"github.com/quartzvm/quartz/internal/display"
	"github.com/quartzvm/quartz/internal/gateway"
	"github.com/quartzvm/quartz/internal/wire"
)

// Display layers.
const (
	layerFB     int64 = 0
	layerCursor int64 = 1
)

// Composite operations for png updates.
const (
	pngOpFB     int64 = 14
	pngOpCursor int64 = 12
)

// Vote reply stages.
const (
	voteStatus   int64 = 0
	voteEnded    int64 = 2
	voteTooEarly int64 = 3
)

// File handshake stages.
const (
	fileToken   int64 = 0
	fileSuccess int64 = 2
)

const (
	connectReject int64 = 0
	connectJoin   int64 = 1
)

// tickInterval is the housekeeping cadence while a turn or vote is
// live; the tick is not scheduled at all when both are idle.
const tickInterval = time.Second / 30

const maxUploadName = 64

// Machine is the collaborative-control room controller: a turn queue,
// reset-vote arbitration, the upload handshake, and display fan-out,
// all for one channel.
type Machine struct {
	gw      *gateway.Gateway
	channel string
	backend display.Backend
	log     zerolog.Logger

	clock func() time.Time

	// mu serializes every state mutation; broadcasts read a snapshot
	// taken under it and fan out after release.
	mu  sync.Mutex
	cfg config.RoomConfig

	turnQueue []*gateway.Session
	turnEnd   time.Time

	voteActive bool
	voteEnd    time.Time
	ayes       []*gateway.Session
	nays       []*gateway.Session

	lastUpload map[string]time.Time
	// uploadTokens maps outstanding upload tokens to the session they
	// were minted for, so a part can retire them.
	uploadTokens map[string]*gateway.Session

	lastWidth  int
	lastHeight int

	cursor cursorState

	ticking   bool
	destroyed bool
}

type cursorState struct {
	active bool
	x, y   int
	hx, hy int
	w, h   int
	packed []byte
}

// queueSnapshot is a consistent view of turn state for one broadcast.
type queueSnapshot struct {
	cfg      config.RoomConfig
	sessions []*gateway.Session
	nicks    []string
	turnEnd  time.Time
	duration time.Duration
}

// New builds a machine controller and attaches its display backend.
func New(gw *gateway.Gateway, channel string, cfg config.RoomConfig, backend display.Backend, logger *zerolog.Logger) (*Machine, error) {
	m := &Machine{
		gw:           gw,
		channel:      channel,
		backend:      backend,
		cfg:          cfg,
		clock:        time.Now,
		lastUpload:   make(map[string]time.Time),
		uploadTokens: make(map[string]*gateway.Session),
		lastWidth:    800,
		lastHeight:   600,
		log:          logger.With().Str("room", channel).Logger(),
	}
	if err := backend.Connect(m); err != nil {
		return nil, fmt.Errorf("attach display backend: %w", err)
	}
	return m, nil
}

func (m *Machine) snapshotCfg() config.RoomConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Channel implements gateway.Controller.
func (m *Machine) Channel() string { return m.channel }

// DisplayName implements gateway.Controller.
func (m *Machine) DisplayName() string {
	return m.snapshotCfg().DisplayName
}

func canUse(cfg config.RoomConfig, caps auth.Capability) bool {
	if cfg.Protected && !caps.Has(auth.CapSeeProtected) {
		return false
	}
	if cfg.Internal && !caps.Has(auth.CapSeeInternal) {
		return false
	}
	return true
}

// CanUse gates listing, joining and every broadcast of this room.
func (m *Machine) CanUse(s *gateway.Session) bool {
	return canUse(m.snapshotCfg(), s.Caps())
}

func (m *Machine) canTakeTurn(cfg config.RoomConfig, s *gateway.Session) bool {
	return canUse(cfg, s.Caps()) && (cfg.CanTurn || s.Caps().Has(auth.CapTurnOverride))
}

func (m *Machine) canPlaceVote(cfg config.RoomConfig, s *gateway.Session) bool {
	// a "vote override" permission would not make much sense
	return canUse(cfg, s.Caps()) && cfg.CanVote
}

func (m *Machine) canUploadFile(cfg config.RoomConfig, s *gateway.Session) bool {
	return canUse(cfg, s.Caps()) && (cfg.CanUpload || s.Caps().Has(auth.CapUploadOverride))
}

// broadcast sends one identical statement to every session that may
// use the room.
func (m *Machine) broadcast(args ...wire.Prim) {
	cfg := m.snapshotCfg()
	m.gw.BroadcastFiltered(m.channel,
		func(s *gateway.Session) bool { return canUse(cfg, s.Caps()) },
		func(s *gateway.Session) []wire.Prim { return args })
}

// announce sends a server chat line to the room.
func (m *Machine) announce(text string) {
	if text == "" {
		return
	}
	m.broadcast("chat", "", text)
}

// ensureTickLocked arms the housekeeping tick. Caller holds mu.
func (m *Machine) ensureTickLocked() {
	if m.ticking || m.destroyed {
		return
	}
	m.ticking = true
	go m.tickLoop()
}

func (m *Machine) tickLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for range ticker.C {
		if !m.step() {
			return
		}
	}
}

// step runs one housekeeping pass: advance the turn queue and finalize
// the vote when their deadlines lapse. Returns false once the machine
// is idle and the tick should stop.
func (m *Machine) step() bool {
	m.mu.Lock()
	if m.destroyed {
		m.ticking = false
		m.mu.Unlock()
		return false
	}
	now := m.clock()

	var turnSnap *queueSnapshot
	if len(m.turnQueue) > 0 && now.After(m.turnEnd) {
		snap := m.rotateLocked()
		turnSnap = &snap
	}

	voteOver := false
	votePassed := false
	if m.voteActive && now.After(m.voteEnd) {
		m.voteActive = false
		votePassed = len(m.ayes) > len(m.nays)
		voteOver = true
	}

	active := len(m.turnQueue) > 0 || m.voteActive
	if !active {
		m.ticking = false
	}
	m.mu.Unlock()

	if turnSnap != nil {
		m.sendTurnUpdate(*turnSnap)
	}
	if voteOver {
		m.finishVote(votePassed)
	}
	return active
}

// --- turn queue ---

func (m *Machine) queueIndexLocked(s *gateway.Session) int {
	for i, q := range m.turnQueue {
		if q == s {
			return i
		}
	}
	return -1
}

func (m *Machine) resetTurnClockLocked() {
	m.turnEnd = m.clock().Add(m.cfg.TurnDuration)
}

func (m *Machine) queueSnapshotLocked() queueSnapshot {
	snap := queueSnapshot{
		cfg:      m.cfg,
		sessions: make([]*gateway.Session, len(m.turnQueue)),
		nicks:    make([]string, len(m.turnQueue)),
		turnEnd:  m.turnEnd,
		duration: m.cfg.TurnDuration,
	}
	copy(snap.sessions, m.turnQueue)
	for i, s := range m.turnQueue {
		snap.nicks[i] = s.Nick()
	}
	return snap
}

// rotateLocked pops the queue head and re-arms the clock.
func (m *Machine) rotateLocked() queueSnapshot {
	m.resetTurnClockLocked()
	if len(m.turnQueue) > 0 {
		m.turnQueue = m.turnQueue[1:]
	}
	if len(m.turnQueue) > 0 {
		m.log.Debug().Str("nick", m.turnQueue[0].Nick()).Msg("turn passed to next in queue")
	}
	return m.queueSnapshotLocked()
}

// sendTurnUpdate broadcasts queue state with a per-viewer wait
// estimate: the viewer at position i waits for everyone ahead of it.
func (m *Machine) sendTurnUpdate(snap queueSnapshot) {
	m.gw.BroadcastFiltered(m.channel,
		func(s *gateway.Session) bool { return canUse(snap.cfg, s.Caps()) },
		func(s *gateway.Session) []wire.Prim {
			remaining := snap.turnEnd.Sub(m.clock()).Milliseconds()
			if remaining < 0 {
				remaining = 0
			}
			args := []wire.Prim{"turn", remaining, int64(len(snap.sessions))}
			for _, nick := range snap.nicks {
				args = append(args, nick)
			}
			for i, q := range snap.sessions {
				if q == s && i > 0 {
					args = append(args, int64(i-1)*snap.duration.Milliseconds()+remaining)
					break
				}
			}
			return args
		})
}

// enqueue appends a session to the turn queue, refusing duplicates.
func (m *Machine) enqueue(s *gateway.Session) {
	m.mu.Lock()
	if m.queueIndexLocked(s) != -1 {
		m.mu.Unlock()
		return
	}
	if len(m.turnQueue) == 0 {
		m.resetTurnClockLocked()
	}
	m.turnQueue = append(m.turnQueue, s)
	m.ensureTickLocked()
	snap := m.queueSnapshotLocked()
	if len(m.turnQueue) == 1 {
		m.log.Debug().Str("nick", s.Nick()).Msg("turn taken")
	}
	m.mu.Unlock()
	m.sendTurnUpdate(snap)
}

// takeTurn handles the turn opcode: the head rotates the queue off
// itself, a queued session cannot move, everyone else is enqueued.
func (m *Machine) takeTurn(s *gateway.Session) {
	m.mu.Lock()
	switch i := m.queueIndexLocked(s); {
	case i == 0:
		snap := m.rotateLocked()
		m.mu.Unlock()
		m.sendTurnUpdate(snap)
		return
	case i > 0:
		// relinquishing a queue slot is too easy to do by accident
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.enqueue(s)
}

func (m *Machine) hasTurn(s *gateway.Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turnQueue) > 0 && m.turnQueue[0] == s
}

// --- reset vote ---

// clearVoteLocked removes a session from both tallies, reporting
// whether it had voted.
func (m *Machine) clearVoteLocked(s *gateway.Session) bool {
	had := false
	for i, v := range m.ayes {
		if v == s {
			m.ayes = append(m.ayes[:i], m.ayes[i+1:]...)
			had = true
			break
		}
	}
	for i, v := range m.nays {
		if v == s {
			m.nays = append(m.nays[:i], m.nays[i+1:]...)
			had = true
			break
		}
	}
	return had
}

func (m *Machine) voteStatusArgsLocked() []wire.Prim {
	remaining := m.voteEnd.Sub(m.clock()).Milliseconds()
	if remaining < 0 {
		remaining = 0
	}
	return []wire.Prim{"vote", voteStatus, remaining, int64(len(m.ayes)), int64(len(m.nays))}
}

func (m *Machine) sendVoteUpdate() {
	m.mu.Lock()
	args := m.voteStatusArgsLocked()
	m.mu.Unlock()
	m.broadcast(args...)
}

// startVote begins a reset vote, or, when one is already running, just
// records the caller as an aye.
func (m *Machine) startVote(s *gateway.Session) {
	m.mu.Lock()
	began := false
	if !m.voteActive {
		now := m.clock()
		readyAt := m.voteEnd.Add(m.cfg.VoteCooldown)
		if now.Before(readyAt) || now.Equal(readyAt) {
			// round the remaining wait up to whole seconds
			wait := int64((readyAt.Sub(now) + time.Second - 1) / time.Second)
			m.mu.Unlock()
			s.Send("vote", voteTooEarly, wait)
			return
		}
		m.ayes = nil
		m.nays = nil
		m.voteEnd = now.Add(m.cfg.VoteDuration)
		m.voteActive = true
		m.ensureTickLocked()
		began = true
	}
	m.mu.Unlock()

	if began {
		m.log.Info().Str("nick", s.Nick()).Msg("reset vote started")
		if m.snapshotCfg().AnnounceVotes {
			m.announce("A reset vote has been started.")
		}
	}
	m.castVote(s, true)
}

// castVote moves a session into one tally, out of the other.
func (m *Machine) castVote(s *gateway.Session, aye bool) {
	m.mu.Lock()
	if !m.voteActive {
		m.mu.Unlock()
		return
	}
	m.clearVoteLocked(s)
	if aye {
		m.ayes = append(m.ayes, s)
	} else {
		m.nays = append(m.nays, s)
	}
	args := m.voteStatusArgsLocked()
	cfg := m.cfg
	m.mu.Unlock()

	m.broadcast(args...)
	if cfg.AnnounceVotes {
		side := "against"
		if aye {
			side = "for"
		}
		m.announce(fmt.Sprintf("%s voted %s the reset", s.Nick(), side))
	}
}

// finishVote broadcasts the outcome and fires the reset on a strict
// majority of ayes. A tie fails.
func (m *Machine) finishVote(passed bool) {
	m.broadcast("vote", voteEnded)
	cfg := m.snapshotCfg()
	if passed {
		m.log.Info().Msg("reset vote passed, resetting")
		if cfg.AnnounceVotes {
			m.announce("Vote passed, resetting...")
		}
		m.backend.Reset()
	} else {
		m.log.Info().Msg("reset vote failed")
		if cfg.AnnounceVotes {
			m.announce("The vote did not pass.")
		}
	}
}

// ForceReset resets the machine immediately, bypassing the vote.
func (m *Machine) ForceReset() {
	m.backend.Reset()
}

// --- upload handshake ---

// handleFileIntent mints a single-use upload token when the cooldown
// and size ceiling allow it.
func (m *Machine) handleFileIntent(s *gateway.Session, args []wire.Prim) {
	if len(args) < 4 {
		return
	}
	name := wire.EnsureString(args[1])
	size := wire.EnsureInt(args[2])
	autorun := wire.EnsureBool(args[3])

	if len(name) > maxUploadName {
		name = name[:maxUploadName]
	}

	m.mu.Lock()
	cfg := m.cfg
	now := m.clock()
	if last, ok := m.lastUpload[s.IP()]; ok && !now.After(last.Add(cfg.UploadCooldown)) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if size > m.gw.MaxUpload {
		return
	}

	token := uuid.NewString()
	m.mu.Lock()
	m.uploadTokens[token] = s
	m.mu.Unlock()
	m.gw.Uploads.Register(token, func(data []byte) {
		m.mu.Lock()
		m.lastUpload[s.IP()] = m.clock()
		delete(m.uploadTokens, token)
		m.mu.Unlock()

		if err := m.backend.PushFile(name, data, autorun); err != nil {
			m.log.Warn().Err(err).Str("name", name).Msg("file delivery failed")
			s.Announce("The file could not be delivered to the machine.")
			return
		}
		s.Send("file", fileSuccess, cfg.UploadCooldown.Milliseconds())
		m.log.Info().Str("nick", s.Nick()).Str("addr", s.IP()).Str("name", name).Msg("file uploaded")
		m.announce(fmt.Sprintf("%s uploaded %s", s.Nick(), html.EscapeString(name)))
	})
	s.Send("file", fileToken, token)
}

// --- display sink (called by the backend) ---

// Resize implements display.Sink.
func (m *Machine) Resize(width, height int) {
	m.mu.Lock()
	m.lastWidth = width
	m.lastHeight = height
	m.mu.Unlock()
	m.broadcast("size", layerFB, int64(width), int64(height))
}

// Rect implements display.Sink.
func (m *Machine) Rect(x, y int, blob []byte) {
	m.broadcast("png", pngOpFB, layerFB, int64(x), int64(y), blob)
}

// Sync implements display.Sink.
func (m *Machine) Sync() {
	m.broadcast("sync", int64(0))
}

// Cursor implements display.Sink. Cursor blanking (empty shape) is
// ignored.
func (m *Machine) Cursor(hotX, hotY, width, height int, blob []byte) {
	if width < 1 || height < 1 || len(blob) == 0 {
		return
	}
	m.mu.Lock()
	m.cursor.active = true
	m.cursor.hx = hotX
	m.cursor.hy = hotY
	m.cursor.w = width
	m.cursor.h = height
	m.cursor.packed = blob
	x, y := m.cursor.x, m.cursor.y
	m.mu.Unlock()

	m.broadcast("size", layerCursor, int64(width), int64(height))
	m.broadcast("png", pngOpCursor, layerCursor, int64(0), int64(0), blob)
	m.broadcast("move", layerCursor, int64(0), int64(x-hotX), int64(y-hotY), int64(0))
}

func (m *Machine) moveCursor(x, y int) {
	m.mu.Lock()
	m.cursor.x = x
	m.cursor.y = y
	hx, hy := m.cursor.hx, m.cursor.hy
	m.mu.Unlock()
	m.broadcast("move", layerCursor, int64(0), int64(x-hx), int64(y-hy), int64(0))
}

// --- controller notifications ---

// NotifyJoin replays full room state to a fresh occupant.
func (m *Machine) NotifyJoin(s *gateway.Session) {
	cfg := m.snapshotCfg()

	s.Send("connect", connectJoin,
		m.canTakeTurn(cfg, s),
		m.canPlaceVote(cfg, s),
		m.canUploadFile(cfg, s),
		m.gw.MaxUpload,
		int64(maxUploadName))

	m.mu.Lock()
	var voteArgs []wire.Prim
	if m.voteActive {
		voteArgs = m.voteStatusArgsLocked()
	}
	width, height := m.lastWidth, m.lastHeight
	cursor := m.cursor
	m.mu.Unlock()

	if voteArgs != nil {
		s.Send(voteArgs...)
	}

	frame, fw, fh := m.backend.Framebuffer()
	if frame != nil {
		width, height = fw, fh
	}
	s.Send("size", layerFB, int64(width), int64(height))
	if frame != nil {
		s.Send("png", pngOpFB, layerFB, int64(0), int64(0), frame)
		s.Send("sync", int64(0))
	}

	if cursor.active {
		s.Send("size", layerCursor, int64(cursor.w), int64(cursor.h))
		s.Send("png", pngOpCursor, layerCursor, int64(0), int64(0), cursor.packed)
		s.Send("move", layerCursor, int64(0), int64(cursor.x), int64(cursor.y), int64(0))
	}

	if m.gw.AuthMandate && !s.Caps().Has(auth.CapRegistered) {
		s.Announce("Authentication is mandatory on this instance. Please log in.")
	}

	if cfg.AnnounceJoins {
		m.announce(fmt.Sprintf("%s connected", html.EscapeString(s.Nick())))
	}
	s.Announce(cfg.MOTD)
}

// NotifyPart cleans up queue and vote membership, each with exactly one
// rebroadcast.
func (m *Machine) NotifyPart(s *gateway.Session) {
	m.mu.Lock()
	var turnSnap *queueSnapshot
	if i := m.queueIndexLocked(s); i != -1 {
		m.turnQueue = append(m.turnQueue[:i], m.turnQueue[i+1:]...)
		snap := m.queueSnapshotLocked()
		turnSnap = &snap
	}
	var voteArgs []wire.Prim
	if m.clearVoteLocked(s) && m.voteActive {
		voteArgs = m.voteStatusArgsLocked()
	}
	var stale []string
	for token, owner := range m.uploadTokens {
		if owner == s {
			stale = append(stale, token)
			delete(m.uploadTokens, token)
		}
	}
	cfg := m.cfg
	m.mu.Unlock()

	for _, token := range stale {
		m.gw.Uploads.Cancel(token)
	}
	if turnSnap != nil {
		m.sendTurnUpdate(*turnSnap)
	}
	if voteArgs != nil {
		m.broadcast(voteArgs...)
	}
	if cfg.AnnounceJoins {
		m.announce(fmt.Sprintf("%s disconnected", html.EscapeString(s.Nick())))
	}
}

// NotifyNick implements gateway.Controller.
func (m *Machine) NotifyNick(s *gateway.Session, oldNick string) {
	if m.snapshotCfg().AnnounceJoins {
		m.announce(fmt.Sprintf("%s is now known as %s",
			html.EscapeString(oldNick), html.EscapeString(s.Nick())))
	}
}

// NotifyIdentify refreshes the session's action flags after an
// identity change.
func (m *Machine) NotifyIdentify(s *gateway.Session) {
	cfg := m.snapshotCfg()
	s.Send("action",
		m.canTakeTurn(cfg, s),
		m.canPlaceVote(cfg, s),
		m.canUploadFile(cfg, s))
}

// LoadConfig swaps in a new room configuration and tells every
// occupant what it may now do.
func (m *Machine) LoadConfig(cfg config.RoomConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()

	m.gw.BroadcastFiltered(m.channel,
		func(s *gateway.Session) bool { return canUse(cfg, s.Caps()) },
		func(s *gateway.Session) []wire.Prim {
			return []wire.Prim{"action",
				m.canTakeTurn(cfg, s),
				m.canPlaceVote(cfg, s),
				m.canUploadFile(cfg, s)}
		})
}

// Interpret handles the room-bound opcode surface.
func (m *Machine) Interpret(s *gateway.Session, opcode string, args []wire.Prim) {
	cfg := m.snapshotCfg()
	switch opcode {
	case "turn":
		if m.canTakeTurn(cfg, s) {
			m.takeTurn(s)
		}

	case "vote":
		if !m.canPlaceVote(cfg, s) || len(args) < 1 {
			return
		}
		if wire.EnsureBool(args[0]) {
			m.startVote(s)
		} else {
			m.castVote(s, false)
		}

	case "file":
		if m.canUploadFile(cfg, s) {
			m.handleFileIntent(s, args)
		}

	case "mouse":
		if !m.hasTurn(s) || len(args) < 3 {
			return
		}
		x := int(wire.EnsureInt(args[0]))
		y := int(wire.EnsureInt(args[1]))
		buttons := int(wire.EnsureInt(args[2]))
		m.mu.Lock()
		w, h := m.lastWidth, m.lastHeight
		m.mu.Unlock()
		// guac occasionally reports positions far outside the canvas
		if x < 0 || y < 0 || x >= w || y >= h {
			return
		}
		m.moveCursor(x, y)
		m.backend.SetMouse(x, y, buttons)

	case "key":
		if !m.hasTurn(s) || len(args) < 2 {
			return
		}
		m.backend.SetKey(uint32(wire.EnsureInt(args[0])), wire.EnsureBool(args[1]))
	}
}

// Thumbnail implements gateway.Controller.
func (m *Machine) Thumbnail() []byte {
	frame, _, _ := m.backend.Framebuffer()
	return frame
}

// Destroy detaches the backend and stops the tick.
func (m *Machine) Destroy() {
	m.mu.Lock()
	m.destroyed = true
	m.mu.Unlock()
	if err := m.backend.Disconnect(); err != nil {
		m.log.Warn().Err(err).Msg("backend disconnect failed")
	}
}
