package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/quartzvm/quartz/internal/auth"
	"github.com/quartzvm/quartz/internal/config"
	"github.com/quartzvm/quartz/internal/display"
	"github.com/quartzvm/quartz/internal/gateway"
	"github.com/quartzvm/quartz/internal/upload"
	"github.com/quartzvm/quartz/internal/wire"
)

type fakeTransport struct {
	mu     sync.Mutex
	stmts  []wire.Statement
	binary bool
}

func (t *fakeTransport) Write(payload []byte, binary bool) error {
	stmts, err := (wire.TextConduit{}).Unpack(payload)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.stmts = append(t.stmts, stmts...)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) find(opcode string) []wire.Statement {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []wire.Statement
	for _, s := range t.stmts {
		if len(s) > 0 && wire.EnsureString(s[0]) == opcode {
			out = append(out, s)
		}
	}
	return out
}

func (t *fakeTransport) reset() {
	t.mu.Lock()
	t.stmts = nil
	t.mu.Unlock()
}

type fakeBackend struct {
	mu     sync.Mutex
	resets int
	pushed []string
	mouse  int
	keys   int
}

func (b *fakeBackend) Connect(sink display.Sink) error {
	sink.Resize(800, 600)
	sink.Rect(0, 0, []byte{0x1})
	sink.Sync()
	return nil
}

func (b *fakeBackend) Disconnect() error { return nil }

func (b *fakeBackend) Framebuffer() ([]byte, int, int) { return []byte{0x1}, 800, 600 }

func (b *fakeBackend) SetMouse(x, y, buttons int) {
	b.mu.Lock()
	b.mouse++
	b.mu.Unlock()
}

func (b *fakeBackend) SetKey(keysym uint32, pressed bool) {
	b.mu.Lock()
	b.keys++
	b.mu.Unlock()
}

func (b *fakeBackend) Reset() {
	b.mu.Lock()
	b.resets++
	b.mu.Unlock()
}

func (b *fakeBackend) PushFile(name string, data []byte, autorun bool) error {
	b.mu.Lock()
	b.pushed = append(b.pushed, name)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) resetCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resets
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testRoomConfig() config.RoomConfig {
	return config.RoomConfig{
		DisplayName:    "VM 1",
		CanTurn:        true,
		CanVote:        true,
		CanUpload:      true,
		TurnDuration:   20 * time.Second,
		VoteDuration:   60 * time.Second,
		VoteCooldown:   5 * time.Minute,
		UploadCooldown: 20 * time.Second,
	}
}

func newTestMachine(t *testing.T, cfg config.RoomConfig) (*Machine, *gateway.Gateway, *fakeBackend, *fakeClock) {
	t.Helper()
	logger := zerolog.Nop()
	codec := auth.NewTokenCodec(auth.TokenConfig{Secret: []byte("test")})
	manager := auth.NewManager(codec, &logger)
	gw := gateway.New(manager, gateway.NewCommands(), upload.NewSink(&logger), &logger)

	backend := &fakeBackend{}
	m, err := New(gw, "vm1", cfg, backend, &logger)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m.clock = clk.Now
	gw.RegisterController(m)
	t.Cleanup(gw.Shutdown)
	return m, gw, backend, clk
}

func frame(t *testing.T, args ...wire.Prim) []byte {
	t.Helper()
	payload, err := (wire.TextConduit{}).Pack(wire.Statement(args))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return payload
}

func joinSession(t *testing.T, gw *gateway.Gateway, ip, nick string) (*gateway.Session, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	s := gw.Accept(tr, ip)
	s.HandleFrame(context.Background(), frame(t, "rename", nick))
	s.HandleFrame(context.Background(), frame(t, "connect", "vm1"))
	if s.Channel() != "vm1" {
		t.Fatalf("session %s failed to join", nick)
	}
	return s, tr
}

func (m *Machine) queueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turnQueue)
}

func (m *Machine) queueHead() *gateway.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.turnQueue) == 0 {
		return nil
	}
	return m.turnQueue[0]
}

func TestTurnQueueDeduplicates(t *testing.T) {
	m, gw, _, _ := newTestMachine(t, testRoomConfig())
	s, _ := joinSession(t, gw, "10.0.0.1", "alice")

	m.enqueue(s)
	m.enqueue(s)
	if n := m.queueLen(); n != 1 {
		t.Fatalf("queue length %d, want 1", n)
	}
}

func TestHeadAdvancesQueueWithTurnOpcode(t *testing.T) {
	m, gw, _, _ := newTestMachine(t, testRoomConfig())
	s1, _ := joinSession(t, gw, "10.0.0.1", "alice")
	s2, _ := joinSession(t, gw, "10.0.0.2", "bob")

	m.Interpret(s1, "turn", nil)
	m.Interpret(s2, "turn", nil)
	m.Interpret(s1, "turn", nil)

	if m.queueHead() != s2 || m.queueLen() != 1 {
		t.Fatal("head did not advance the queue")
	}
}

func TestNonHeadNeverPreempts(t *testing.T) {
	m, gw, _, _ := newTestMachine(t, testRoomConfig())
	s1, _ := joinSession(t, gw, "10.0.0.1", "alice")
	s2, _ := joinSession(t, gw, "10.0.0.2", "bob")

	m.Interpret(s1, "turn", nil)
	m.Interpret(s2, "turn", nil)
	if m.queueHead() != s1 {
		t.Fatal("enqueueing preempted the head")
	}

	// a queued non-head re-sending turn neither moves nor leaves
	m.Interpret(s2, "turn", nil)
	if m.queueLen() != 2 || m.queueHead() != s1 {
		t.Fatal("queued session mutated the queue")
	}
}

func TestTurnRotatesOnDeadline(t *testing.T) {
	m, gw, _, clk := newTestMachine(t, testRoomConfig())
	s1, _ := joinSession(t, gw, "10.0.0.1", "alice")
	s2, _ := joinSession(t, gw, "10.0.0.2", "bob")

	m.takeTurn(s1)
	m.takeTurn(s2)

	clk.Advance(21 * time.Second)
	m.step()

	if m.queueHead() != s2 {
		t.Fatal("queue did not rotate after the deadline")
	}
}

func TestTurnCountdownPersonalized(t *testing.T) {
	m, gw, _, _ := newTestMachine(t, testRoomConfig())
	s1, tr1 := joinSession(t, gw, "10.0.0.1", "alice")
	s2, tr2 := joinSession(t, gw, "10.0.0.2", "bob")

	m.takeTurn(s1)
	tr1.reset()
	tr2.reset()
	m.takeTurn(s2)

	head := tr1.find("turn")
	queued := tr2.find("turn")
	if len(head) == 0 || len(queued) == 0 {
		t.Fatal("turn update not broadcast to both viewers")
	}
	// statement: turn, remaining, count, nicks..., [personal wait]
	if got := len(head[0]); got != 5 {
		t.Fatalf("head statement has %d elements, want 5: %v", got, head[0])
	}
	if got := len(queued[0]); got != 6 {
		t.Fatalf("queued statement has %d elements, want 6: %v", got, queued[0])
	}
	wait := wire.EnsureInt(queued[0][5])
	remaining := wire.EnsureInt(queued[0][1])
	if wait != remaining {
		// position 1 waits (1-1)*duration + remaining
		t.Fatalf("personal wait %d, want %d", wait, remaining)
	}
}

func TestVoteCooldownIsSideEffectFree(t *testing.T) {
	m, gw, _, clk := newTestMachine(t, testRoomConfig())
	s, tr := joinSession(t, gw, "10.0.0.1", "alice")

	// a vote just ended
	m.mu.Lock()
	m.voteEnd = clk.Now()
	m.mu.Unlock()

	tr.reset()
	m.Interpret(s, "vote", []wire.Prim{true})

	m.mu.Lock()
	active, ayes, nays := m.voteActive, len(m.ayes), len(m.nays)
	m.mu.Unlock()
	if active || ayes != 0 || nays != 0 {
		t.Fatal("cooldown-refused vote mutated vote state")
	}

	replies := tr.find("vote")
	if len(replies) != 1 || wire.EnsureInt(replies[0][1]) != voteTooEarly {
		t.Fatalf("expected private too-early notice, got %v", replies)
	}
}

func TestVoteCooldownWaitRoundsUp(t *testing.T) {
	m, gw, _, clk := newTestMachine(t, testRoomConfig())
	s, tr := joinSession(t, gw, "10.0.0.1", "alice")

	cfg := testRoomConfig()

	// Exactly on a second boundary the wait must not gain an extra one.
	m.mu.Lock()
	m.voteEnd = clk.Now()
	m.mu.Unlock()

	tr.reset()
	m.Interpret(s, "vote", []wire.Prim{true})
	replies := tr.find("vote")
	if len(replies) != 1 {
		t.Fatalf("expected one too-early notice, got %v", replies)
	}
	want := int64(cfg.VoteCooldown / time.Second)
	if got := wire.EnsureInt(replies[0][2]); got != want {
		t.Fatalf("whole-second wait reported as %d, want %d", got, want)
	}

	// A fractional remainder rounds up, never down.
	m.mu.Lock()
	m.voteEnd = clk.Now().Add(-cfg.VoteCooldown + 1500*time.Millisecond)
	m.mu.Unlock()

	tr.reset()
	m.Interpret(s, "vote", []wire.Prim{true})
	replies = tr.find("vote")
	if len(replies) != 1 {
		t.Fatalf("expected one too-early notice, got %v", replies)
	}
	if got := wire.EnsureInt(replies[0][2]); got != 2 {
		t.Fatalf("fractional wait reported as %d, want 2", got)
	}
}

func TestVoteInitiatorCountsAsAye(t *testing.T) {
	m, gw, _, _ := newTestMachine(t, testRoomConfig())
	s, _ := joinSession(t, gw, "10.0.0.1", "alice")

	m.Interpret(s, "vote", []wire.Prim{true})

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.voteActive {
		t.Fatal("vote did not start")
	}
	if len(m.ayes) != 1 || m.ayes[0] != s {
		t.Fatalf("initiator not in ayes: %v", m.ayes)
	}
	if len(m.nays) != 0 {
		t.Fatal("initiator in nays")
	}
}

func TestCastVoteSingleMembership(t *testing.T) {
	m, gw, _, _ := newTestMachine(t, testRoomConfig())
	s, _ := joinSession(t, gw, "10.0.0.1", "alice")

	m.Interpret(s, "vote", []wire.Prim{true})
	m.Interpret(s, "vote", []wire.Prim{false})

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ayes) != 0 || len(m.nays) != 1 || m.nays[0] != s {
		t.Fatalf("vote membership broken: ayes=%v nays=%v", m.ayes, m.nays)
	}
}

func TestVoteMajorityFiresReset(t *testing.T) {
	m, gw, backend, clk := newTestMachine(t, testRoomConfig())
	s1, _ := joinSession(t, gw, "10.0.0.1", "alice")
	s2, _ := joinSession(t, gw, "10.0.0.2", "bob")
	s3, _ := joinSession(t, gw, "10.0.0.3", "carol")

	m.Interpret(s1, "vote", []wire.Prim{true})
	m.Interpret(s2, "vote", []wire.Prim{true})
	m.Interpret(s3, "vote", []wire.Prim{false})

	clk.Advance(61 * time.Second)
	m.step()

	if backend.resetCount() != 1 {
		t.Fatalf("reset fired %d times, want 1", backend.resetCount())
	}
}

func TestVoteTieFails(t *testing.T) {
	m, gw, backend, clk := newTestMachine(t, testRoomConfig())
	s1, tr1 := joinSession(t, gw, "10.0.0.1", "alice")
	s2, _ := joinSession(t, gw, "10.0.0.2", "bob")

	m.Interpret(s1, "vote", []wire.Prim{true})
	m.Interpret(s2, "vote", []wire.Prim{false})

	tr1.reset()
	clk.Advance(61 * time.Second)
	m.step()

	if backend.resetCount() != 0 {
		t.Fatal("tie fired a reset")
	}
	ended := false
	for _, stmt := range tr1.find("vote") {
		if wire.EnsureInt(stmt[1]) == voteEnded {
			ended = true
		}
	}
	if !ended {
		t.Fatal("vote end never broadcast")
	}
}

func TestPartCleansQueueAndVote(t *testing.T) {
	m, gw, _, _ := newTestMachine(t, testRoomConfig())
	s1, _ := joinSession(t, gw, "10.0.0.1", "alice")
	s2, _ := joinSession(t, gw, "10.0.0.2", "bob")

	m.takeTurn(s1)
	m.takeTurn(s2)
	m.Interpret(s1, "vote", []wire.Prim{true})

	s1.HandleFrame(context.Background(), frame(t, "disconnect"))

	if m.queueLen() != 1 || m.queueHead() != s2 {
		t.Fatal("departing session not removed from queue")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ayes) != 0 {
		t.Fatal("departing session's vote survived")
	}
}

func TestUploadTokenSingleUse(t *testing.T) {
	m, gw, backend, _ := newTestMachine(t, testRoomConfig())
	s, tr := joinSession(t, gw, "10.0.0.1", "alice")

	tr.reset()
	m.Interpret(s, "file", []wire.Prim{int64(0), "tool.iso", int64(1024), false})

	replies := tr.find("file")
	if len(replies) != 1 || wire.EnsureInt(replies[0][1]) != fileToken {
		t.Fatalf("expected a token reply, got %v", replies)
	}
	token := wire.EnsureString(replies[0][2])

	if err := gw.Uploads.Consume(token, []byte("bits")); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(backend.pushed) != 1 || backend.pushed[0] != "tool.iso" {
		t.Fatalf("file not delivered: %v", backend.pushed)
	}

	if err := gw.Uploads.Consume(token, []byte("bits")); err == nil {
		t.Fatal("token replay succeeded")
	}
	if len(backend.pushed) != 1 {
		t.Fatal("replay delivered the file again")
	}
}

func TestPartRetiresPendingUploadToken(t *testing.T) {
	m, gw, backend, _ := newTestMachine(t, testRoomConfig())
	s, tr := joinSession(t, gw, "10.0.0.1", "alice")

	tr.reset()
	m.Interpret(s, "file", []wire.Prim{int64(0), "tool.iso", int64(1024), false})
	token := wire.EnsureString(tr.find("file")[0][2])

	s.HandleFrame(context.Background(), frame(t, "disconnect"))

	if err := gw.Uploads.Consume(token, []byte("bits")); err == nil {
		t.Fatal("token survived its session's departure")
	}
	if len(backend.pushed) != 0 {
		t.Fatalf("file delivered after the session left: %v", backend.pushed)
	}
}

func TestUploadCooldownPerAddress(t *testing.T) {
	m, gw, _, _ := newTestMachine(t, testRoomConfig())
	s, tr := joinSession(t, gw, "10.0.0.1", "alice")

	tr.reset()
	m.Interpret(s, "file", []wire.Prim{int64(0), "a.iso", int64(1024), false})
	token := wire.EnsureString(tr.find("file")[0][2])
	if err := gw.Uploads.Consume(token, []byte("bits")); err != nil {
		t.Fatalf("consume: %v", err)
	}

	tr.reset()
	m.Interpret(s, "file", []wire.Prim{int64(0), "b.iso", int64(1024), false})
	for _, stmt := range tr.find("file") {
		if wire.EnsureInt(stmt[1]) == fileToken {
			t.Fatal("token minted during cooldown")
		}
	}
}

func TestUploadSizeCeiling(t *testing.T) {
	m, gw, _, _ := newTestMachine(t, testRoomConfig())
	s, tr := joinSession(t, gw, "10.0.0.1", "alice")

	tr.reset()
	m.Interpret(s, "file", []wire.Prim{int64(0), "huge.iso", gw.MaxUpload + 1, false})
	if got := tr.find("file"); len(got) != 0 {
		t.Fatalf("oversize intent got a reply: %v", got)
	}
}

func TestVisibilityDowngradeStopsBroadcasts(t *testing.T) {
	cfg := testRoomConfig()
	cfg.Protected = true
	m, gw, _, _ := newTestMachine(t, cfg)

	tr := &fakeTransport{}
	s := gw.Accept(tr, "10.0.0.1")
	s.SetIdentity(&auth.Identity{
		Strategy: "local",
		Subject:  "mod",
		Caps:     auth.CapRegistered | auth.CapSeeProtected,
	})
	s.HandleFrame(context.Background(), frame(t, "connect", "vm1"))
	if s.Channel() != "vm1" {
		t.Fatal("privileged session failed to join")
	}

	tr.reset()
	m.announce("before downgrade")
	if len(tr.find("chat")) != 1 {
		t.Fatal("broadcast missing before downgrade")
	}

	s.SetIdentity(&auth.Identity{Strategy: "local", Subject: "mod", Caps: auth.CapRegistered})
	tr.reset()
	m.announce("after downgrade")
	if len(tr.find("chat")) != 0 {
		t.Fatal("downgraded session still receives protected broadcasts")
	}
}

func TestInputRequiresTurn(t *testing.T) {
	m, gw, backend, _ := newTestMachine(t, testRoomConfig())
	s1, _ := joinSession(t, gw, "10.0.0.1", "alice")
	s2, _ := joinSession(t, gw, "10.0.0.2", "bob")

	m.takeTurn(s1)
	m.takeTurn(s2)

	m.Interpret(s2, "mouse", []wire.Prim{int64(10), int64(10), int64(0)})
	m.Interpret(s2, "key", []wire.Prim{int64(0x41), true})
	if backend.mouse != 0 || backend.keys != 0 {
		t.Fatal("input from a non-holder reached the backend")
	}

	m.Interpret(s1, "mouse", []wire.Prim{int64(10), int64(10), int64(0)})
	m.Interpret(s1, "key", []wire.Prim{int64(0x41), true})
	if backend.mouse != 1 || backend.keys != 1 {
		t.Fatal("holder input did not reach the backend")
	}

	// out-of-range coordinates are dropped
	m.Interpret(s1, "mouse", []wire.Prim{int64(-5), int64(10), int64(0)})
	m.Interpret(s1, "mouse", []wire.Prim{int64(9000), int64(10), int64(0)})
	if backend.mouse != 1 {
		t.Fatal("insane mouse coordinates reached the backend")
	}
}
