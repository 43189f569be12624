package voicecall

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"voicecall-platform/internal/calls"
	"voicecall-platform/internal/feedback"
	"voicecall-platform/internal/media"
	"voicecall-platform/internal/rbac"
	"voicecall-platform/internal/signaling"
	"voicecall-platform/pkg/logger"
	"voicecall-platform/pkg/utils"
)

// ---- fakes ----

type fakeMic struct {
	mu       sync.Mutex
	err      error
	requests int
}

func (f *fakeMic) Request(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return f.err
}

type alertMsg struct{ title, body string }

type fakeAlerter struct {
	mu  sync.Mutex
	got []alertMsg
}

func (f *fakeAlerter) Alert(ctx context.Context, title, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, alertMsg{title: title, body: message})
}

func (f *fakeAlerter) titles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.got))
	for _, a := range f.got {
		out = append(out, a.title)
	}
	return out
}

type fakeCreds struct {
	mu   sync.Mutex
	err  error
	reqs []media.CredentialRequest
}

func (f *fakeCreds) Credentials(ctx context.Context, req media.CredentialRequest) (media.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return media.Credentials{}, f.err
	}
	return media.Credentials{AppID: 1, Token: "04test", RoomID: req.RoomID, UserID: req.UserID, UserName: req.UserName}, nil
}

type fakeEngine struct {
	mu      sync.Mutex
	hooks   media.Hooks
	joinErr error
	joins   []media.Container
	leaves  int
	mic     []bool
	speaker []bool
}

func (e *fakeEngine) JoinRoom(ctx context.Context, c media.Container) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.joins = append(e.joins, c)
	return e.joinErr
}

func (e *fakeEngine) LeaveRoom(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leaves++
	return nil
}

func (e *fakeEngine) SetMicrophoneEnabled(ctx context.Context, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mic = append(e.mic, on)
	return nil
}

func (e *fakeEngine) SetSpeakerRouting(ctx context.Context, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.speaker = append(e.speaker, on)
	return nil
}

func (e *fakeEngine) snapshot() (joins []media.Container, leaves int, mic, speaker []bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]media.Container(nil), e.joins...), e.leaves, append([]bool(nil), e.mic...), append([]bool(nil), e.speaker...)
}

type fakeEngines struct {
	mu      sync.Mutex
	err     error
	joinErr error
	made    []*fakeEngine
}

func (f *fakeEngines) NewEngine(ctx context.Context, creds media.Credentials, hooks media.Hooks) (media.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	e := &fakeEngine{hooks: hooks, joinErr: f.joinErr}
	f.made = append(f.made, e)
	return e, nil
}

func (f *fakeEngines) last() *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.made) == 0 {
		return nil
	}
	return f.made[len(f.made)-1]
}

type fakeAudio struct {
	mu      sync.Mutex
	played  []feedback.Tone
	stopped []feedback.Tone
}

func (a *fakeAudio) Play(ctx context.Context, tone feedback.Tone) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.played = append(a.played, tone)
	return nil
}

func (a *fakeAudio) Stop(ctx context.Context, tone feedback.Tone) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = append(a.stopped, tone)
	return nil
}

func (a *fakeAudio) didPlay(tone feedback.Tone) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return containsTone(a.played, tone)
}

func (a *fakeAudio) didStop(tone feedback.Tone) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return containsTone(a.stopped, tone)
}

func containsTone(ts []feedback.Tone, want feedback.Tone) bool {
	for _, t := range ts {
		if t == want {
			return true
		}
	}
	return false
}

type fakeLines struct {
	mu       sync.Mutex
	free     bool
	released int
}

func (l *fakeLines) Acquire(ctx context.Context, userID, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.free, nil
}

func (l *fakeLines) Release(ctx context.Context, userID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

// countingStore records terminal writes per call.
type countingStore struct {
	*calls.MemoryStore

	mu            sync.Mutex
	terminal      map[string][]calls.Status
	failSubscribe error
}

func (s *countingStore) Update(ctx context.Context, id string, p calls.Patch) error {
	err := s.MemoryStore.Update(ctx, id, p)
	if err == nil && p.Status.IsTerminal() {
		s.mu.Lock()
		s.terminal[id] = append(s.terminal[id], p.Status)
		s.mu.Unlock()
	}
	return err
}

func (s *countingStore) SubscribeRow(ctx context.Context, id string, fn func(calls.Record)) (func(), error) {
	if s.failSubscribe != nil {
		return nil, s.failSubscribe
	}
	return s.MemoryStore.SubscribeRow(ctx, id, fn)
}

func (s *countingStore) terminalWrites(id string) []calls.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]calls.Status(nil), s.terminal[id]...)
}

// ---- harness ----

type harness struct {
	t     *testing.T
	bus   *signaling.MemoryBus
	store *countingStore
	clock *utils.ManualClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := utils.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return &harness{
		t:     t,
		bus:   signaling.NewMemoryBus(),
		store: &countingStore{MemoryStore: calls.NewMemoryStore().WithClock(clock.Now), terminal: make(map[string][]calls.Status)},
		clock: clock,
	}
}

type leg struct {
	m       *Machine
	mic     *fakeMic
	alerts  *fakeAlerter
	creds   *fakeCreds
	engines *fakeEngines
	audio   *fakeAudio

	mu    sync.Mutex
	trail []Status
}

func (h *harness) newLeg(id, name, role string, tweak ...func(*Deps)) *leg {
	h.t.Helper()
	l := &leg{
		mic:     &fakeMic{},
		alerts:  &fakeAlerter{},
		creds:   &fakeCreds{},
		engines: &fakeEngines{},
		audio:   &fakeAudio{},
	}
	deps := Deps{
		Bus:         h.bus,
		Store:       h.store,
		Credentials: l.creds,
		Engines:     l.engines,
		Feedback:    feedback.New(l.audio, nil, nil, h.clock, logger.Discard()),
		Microphone:  l.mic,
		Alerter:     l.alerts,
		Clock:       h.clock,
		Log:         logger.Discard(),
	}
	for _, fn := range tweak {
		fn(&deps)
	}

	m, err := NewMachine(Participant{ID: id, Name: name, Type: role}, deps, Options{RingTimeout: 30 * time.Second, GracePeriod: 2 * time.Second})
	if err != nil {
		h.t.Fatalf("new machine: %v", err)
	}
	m.Observe(func(s State) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if n := len(l.trail); n == 0 || l.trail[n-1] != s.Status {
			l.trail = append(l.trail, s.Status)
		}
	})
	if err := m.Open(context.Background()); err != nil {
		h.t.Fatalf("open: %v", err)
	}
	h.t.Cleanup(func() { _ = m.Close(context.Background()) })
	l.m = m
	return l
}

func (l *leg) statuses() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.trail...)
}

func (l *leg) status() Status { return l.m.State().Status }

// call places a call from a to b and returns the call id.
func (h *harness) call(a, b *leg) string {
	h.t.Helper()
	req := StartRequest{ReceiverID: b.m.self.ID, ReceiverName: b.m.self.Name, ChatID: "chat-42"}
	if err := a.m.StartCall(context.Background(), req); err != nil {
		h.t.Fatalf("start call: %v", err)
	}
	if a.status() != StatusCalling {
		h.t.Fatalf("expected caller calling, got %s", a.status())
	}
	if b.status() != StatusRinging {
		h.t.Fatalf("expected callee ringing, got %s", b.status())
	}
	return a.m.State().CallID
}

func (h *harness) record(id string) calls.Record {
	h.t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	if err != nil {
		h.t.Fatalf("get record: %v", err)
	}
	return rec
}

func (h *harness) broadcasts(callID, event string) []signaling.CallSignal {
	var out []signaling.CallSignal
	for _, msg := range h.bus.Published(signaling.CallTopic(callID)) {
		if msg.Event != event {
			continue
		}
		var sig signaling.CallSignal
		_ = msg.Decode(&sig)
		out = append(out, sig)
	}
	return out
}

func equalStatuses(got []Status, want ...Status) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func assertTerminalWrites(t *testing.T, h *harness, callID string, want ...calls.Status) {
	t.Helper()
	got := h.store.terminalWrites(callID)
	if len(got) != len(want) {
		t.Fatalf("expected terminal writes %v, got %v", want, got)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("expected terminal writes %v, got %v", want, got)
		}
	}
}

// connect answers a ringing call and mounts both presentation containers.
func (h *harness) connect(a, b *leg) {
	h.t.Helper()
	ctx := context.Background()
	if err := b.m.AnswerCall(ctx); err != nil {
		h.t.Fatalf("answer: %v", err)
	}
	a.m.Wait()
	a.m.SetCallContainer(ctx, "view-a")
	b.m.SetCallContainer(ctx, "view-b")
}

// ---- scenarios ----

func TestStartCall_CallerStaysCallingWhileCalleeRings(t *testing.T) {
	h := newHarness(t)
	alice := h.newLeg("alice", "Alice", rbac.RoleUser)
	bob := h.newLeg("bob", "Bob", rbac.RoleDeliveryPartner)

	callID := h.call(alice, bob)

	as := alice.m.State()
	if as.Incoming || as.CallerType != rbac.RoleDeliveryPartner || as.CallerName != "Bob" {
		t.Fatalf("unexpected caller state: %+v", as)
	}
	bs := bob.m.State()
	if !bs.Incoming || bs.CallID != callID || bs.RoomID != as.RoomID {
		t.Fatalf("unexpected callee state: %+v", bs)
	}
	if bs.CallerType != rbac.RoleUser || bs.CallerName != "Alice" {
		t.Fatalf("expected callee to see the caller, got %+v", bs)
	}

	rec := h.record(callID)
	if rec.Status != calls.StatusRinging || rec.CallerID != "alice" || rec.ReceiverID != "bob" || rec.CallerType != rbac.RoleUser {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.ChatID != "chat-42" {
		t.Fatalf("expected chat id on record, got %q", rec.ChatID)
	}
	if len(h.broadcasts(callID, signaling.EventRinging)) != 1 {
		t.Fatalf("expected one ringing ack")
	}
	if !alice.audio.didPlay(feedback.ToneRingback) {
		t.Fatalf("expected ringback on caller")
	}
	if !bob.audio.didPlay(feedback.ToneRingtone) {
		t.Fatalf("expected ringtone on callee")
	}
}

func TestRingTimeout_BothLegsMissed(t *testing.T) {
	h := newHarness(t)
	alice := h.newLeg("alice", "Alice", rbac.RoleUser)
	bob := h.newLeg("bob", "Bob", rbac.RoleDeliveryPartner)
	callID := h.call(alice, bob)

	h.clock.Advance(29 * time.Second)
	if alice.status() != StatusCalling {
		t.Fatalf("expected still calling before timeout, got %s", alice.status())
	}

	h.clock.Advance(time.Second)
	if alice.status() != StatusMissed || bob.status() != StatusMissed {
		t.Fatalf("expected both missed, got %s/%s", alice.status(), bob.status())
	}
	if rec := h.record(callID); rec.Status != calls.StatusMissed || rec.EndedAt == nil {
		t.Fatalf("unexpected record: %+v", rec)
	}
	assertTerminalWrites(t, h, callID, calls.StatusMissed)
	ended := h.broadcasts(callID, signaling.EventEnded)
	if len(ended) != 1 || ended[0].Reason != signaling.ReasonMissed {
		t.Fatalf("expected one missed broadcast, got %+v", ended)
	}
	if !alice.audio.didStop(feedback.ToneRingback) || !bob.audio.didStop(feedback.ToneRingtone) {
		t.Fatalf("expected tones stopped")
	}

	h.clock.Advance(2 * time.Second)
	if got := alice.statuses(); !equalStatuses(got, StatusCalling, StatusMissed, StatusIdle) {
		t.Fatalf("unexpected caller trail: %v", got)
	}
	if got := bob.statuses(); !equalStatuses(got, StatusRinging, StatusMissed, StatusIdle) {
		t.Fatalf("unexpected callee trail: %v", got)
	}
}

func TestRingTimeout_CalleeOffline(t *testing.T) {
	h := newHarness(t)
	alice := h.newLeg("alice", "Alice", rbac.RoleUser)

	if err := alice.m.StartCall(context.Background(), StartRequest{ReceiverID: "carol"}); err != nil {
		t.Fatalf("start call: %v", err)
	}
	callID := alice.m.State().CallID

	h.clock.Advance(30 * time.Second)
	if alice.status() != StatusMissed {
		t.Fatalf("expected missed, got %s", alice.status())
	}
	if rec := h.record(callID); rec.Status != calls.StatusMissed {
		t.Fatalf("expected missed record, got %s", rec.Status)
	}
	h.clock.Advance(2 * time.Second)
	if alice.status() != StatusIdle {
		t.Fatalf("expected idle after grace, got %s", alice.status())
	}
	if h.bus.Subscribers(signaling.CallTopic(callID)) != 0 || h.store.Subscribers(callID) != 0 {
		t.Fatalf("expected subscriptions released")
	}
}

func TestDecline_CallerSeesDeclined(t *testing.T) {
	h := newHarness(t)
	alice := h.newLeg("alice", "Alice", rbac.RoleUser)
	bob := h.newLeg("bob", "Bob", rbac.RoleDeliveryPartner)
	callID := h.call(alice, bob)

	if err := bob.m.DeclineCall(context.Background()); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if alice.status() != StatusDeclined || bob.status() != StatusDeclined {
		t.Fatalf("expected both declined, got %s/%s", alice.status(), bob.status())
	}
	if rec := h.record(callID); rec.Status != calls.StatusDeclined {
		t.Fatalf("expected declined record, got %s", rec.Status)
	}
	assertTerminalWrites(t, h, callID, calls.StatusDeclined)
	if len(h.broadcasts(callID, signaling.EventDeclined)) != 1 {
		t.Fatalf("expected one declined broadcast")
	}

	h.clock.Advance(2 * time.Second)
	if got := alice.statuses(); !equalStatuses(got, StatusCalling, StatusDeclined, StatusIdle) {
		t.Fatalf("unexpected caller trail: %v", got)
	}

	// The ring timer must not fire after the session ended.
	h.clock.Advance(time.Minute)
	assertTerminalWrites(t, h, callID, calls.StatusDeclined)
}

func TestDecline_BroadcastAloneWhenFeedUnavailable(t *testing.T) {
	h := newHarness(t)
	h.store.failSubscribe = errors.New("listener down")
	alice := h.newLeg("alice", "Alice", rbac.RoleUser)
	bob := h.newLeg("bob", "Bob", rbac.RoleDeliveryPartner)
	callID := h.call(alice, bob)

	if err := bob.m.DeclineCall(context.Background()); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if alice.status() != StatusDeclined {
		t.Fatalf("expected caller declined via broadcast, got %s", alice.status())
	}
	assertTerminalWrites(t, h, callID, calls.StatusDeclined)
}

func TestAnswer_RecordFeedDrivesCallerWhenBroadcastLost(t *testing.T) {
	h := newHarness(t)
	h.bus.SetDrop(func(topic string, msg signaling.Message) bool {
		return msg.Event == signaling.EventAnswered
	})
	alice := h.newLeg("alice", "Alice", rbac.RoleUser)
	bob := h.newLeg("bob", "Bob", rbac.RoleDeliveryPartner)
	callID := h.call(alice, bob)

	if err := bob.m.AnswerCall(context.Background()); err != nil {
		t.Fatalf("answer: %v", err)
	}
	alice.m.Wait()

	if alice.status() != StatusOngoing {
		t.Fatalf("expected caller ongoing via record, got %s", alice.status())
	}
	if alice.engines.last() == nil {
		t.Fatalf("expected caller media engine")
	}
	if rec := h.record(callID); rec.Status != calls.StatusOngoing || rec.StartedAt == nil {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestRingTimeout_CalleeAnsweredButBroadcastLost(t *testing.T) {
	h := newHarness(t)
	h.store.failSubscribe = errors.New("listener down")
	h.bus.SetDrop(func(topic string, msg signaling.Message) bool {
		return msg.Event == signaling.EventAnswered
	})
	alice := h.newLeg("alice", "Alice", rbac.RoleUser)
	bob := h.newLeg("bob", "Bob", rbac.RoleDeliveryPartner)
	callID := h.call(alice, bob)

	h.clock.Advance(29 * time.Second)
	h.connect(alice, bob)
	if alice.status() != StatusCalling || bob.status() != StatusOngoing {
		t.Fatalf("expected calling/ongoing, got %s/%s", alice.status(), bob.status())
	}

	h.clock.Advance(time.Second)
	if alice.status() != StatusMissed {
		t.Fatalf("expected caller missed, got %s", alice.status())
	}
	if bob.status() != StatusEnded {
		t.Fatalf("expected callee ended by the missed broadcast, got %s", bob.status())
	}
	assertTerminalWrites(t, h, callID, calls.StatusMissed)
	if _, leaves, _, _ := bob.engines.last().snapshot(); leaves != 1 {
		t.Fatalf("expected callee to leave the room once, got %d", leaves)
	}

	h.clock.Advance(2 * time.Second)
	if alice.status() != StatusIdle || bob.status() != StatusIdle {
		t.Fatalf("expected both idle after grace, got %s/%s", alice.status(), bob.status())
	}
}

func TestEndCall_SingleTerminalWriteAndBroadcast(t *testing.T) {
	h := newHarness(t)
	alice := h.newLeg("alice", "Alice", rbac.RoleUser)
	bob := h.newLeg("bob", "Bob", rbac.RoleDeliveryPartner)
	callID := h.call(alice, bob)
	h.connect(alice, bob)
	ctx := context.Background()

	if alice.status() != StatusOngoing || bob.status() != StatusOngoing {
		t.Fatalf("expected both ongoing, got %s/%s", alice.status(), bob.status())
	}
	if !alice.audio.didStop(feedback.ToneRingback) || !bob.audio.didStop(feedback.ToneRingtone) {
		t.Fatalf("expected tones stopped on connect")
	}

	h.clock.Advance(3 * time.Second)
	if d := alice.m.State().Duration; d != 3 {
		t.Fatalf("expected caller duration 3, got %d", d)
	}
	if d := bob.m.State().Duration; d != 3 {
		t.Fatalf("expected callee duration 3, got %d", d)
	}

	for i := 0; i < 2; i++ {
		if err := alice.m.EndCall(ctx); err != nil {
			t.Fatalf("end call %d: %v", i, err)
		}
	}
	if err := bob.m.EndCall(ctx); err != nil {
		t.Fatalf("callee end after remote end: %v", err)
	}

	if alice.status() != StatusEnded || bob.status() != StatusEnded {
		t.Fatalf("expected both ended, got %s/%s", alice.status(), bob.status())
	}
	rec := h.record(callID)
	if rec.Status != calls.StatusEnded || rec.DurationSeconds != 3 || rec.EndedAt == nil {
		t.Fatalf("unexpected record: %+v", rec)
	}
	assertTerminalWrites(t, h, callID, calls.StatusEnded)
	if n := len(h.broadcasts(callID, signaling.EventEnded)); n != 1 {
		t.Fatalf("expected one ended broadcast, got %d", n)
	}

	for name, l := range map[string]*leg{"caller": alice, "callee": bob} {
		joins, leaves, _, _ := l.engines.last().snapshot()
		if len(joins) != 1 || leaves != 1 {
			t.Fatalf("%s: expected one join and one leave, got %d/%d", name, len(joins), leaves)
		}
	}

	h.clock.Advance(2 * time.Second)
	if got := alice.statuses(); !equalStatuses(got, StatusCalling, StatusOngoing, StatusEnded, StatusIdle) {
		t.Fatalf("unexpected caller trail: %v", got)
	}
	if got := bob.statuses(); !equalStatuses(got, StatusRinging, StatusOngoing, StatusEnded, StatusIdle) {
		t.Fatalf("unexpected callee trail: %v", got)
	}
	if d := alice.m.State().Duration; d != 0 {
		t.Fatalf("expected duration reset, got %d", d)
	}
}

func TestEndCall_WhileCallingEndsRecord(t *testing.T) {
	h := newHarness(t)
	alice := h.newLeg("alice", "Alice", rbac.RoleUser)
	bob := h.newLeg("bob", "Bob", rbac.RoleDeliveryPartner)
	callID := h.call(alice, bob)

	if err := alice.m.EndCall(context.Background()); err != nil {
		t.Fatalf("end call: %v", err)
	}
	if alice.status() != StatusEnded || bob.status() != StatusEnded {
		t.Fatalf("expected both ended, got %s/%s", alice.status(), bob.status())
	}
	assertTerminalWrites(t, h, callID, calls.StatusEnded)
	if rec := h.record(callID); rec.DurationSeconds != 0 {
		t.Fatalf("expected zero duration, got %d", rec.DurationSeconds)
	}
}

func TestBusy_SecondInvitationIgnored(t *testing.T) {
	h := newHarness(t)
	alice := h.newLeg("alice", "Alice", rbac.RoleUser)
	bob := h.newLeg("bob", "Bob", rbac.RoleDeliveryPartner)
	carol := h.newLeg("carol", "Carol", rbac.RoleUser)
	callID := h.call(alice, bob)

	if err := carol.m.StartCall(context.Background(), StartRequest{ReceiverID: "bob"}); err != nil {
		t.Fatalf("second caller start: %v", err)
	}
	if bob.m.State().CallID != callID {
		t.Fatalf("callee switched calls")
	}
	if got := bob.statuses(); !equalStatuses(got, StatusRinging) {
		t.Fatalf("unexpected callee trail: %v", got)
	}

	if err := alice.m.StartCall(context.Background(), StartRequest{ReceiverID: "carol"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestStartCall_LineHeldElsewhere(t *testing.T) {
	h := newHarness(t)
	lines := &fakeLines{free: false}
	alice := h.newLeg("alice", "Alice", rbac.RoleUser, func(d *Deps) { d.Lines = lines })

	err := alice.m.StartCall(context.Background(), StartRequest{ReceiverID: "bob"})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if alice.status() != StatusIdle {
		t.Fatalf("expected idle, got %s", alice.status())
	}
	if got := alice.alerts.titles(); len(got) != 1 || got[0] != alertFailedTitle {
		t.Fatalf("unexpected alerts: %v", got)
	}
}

func TestStartCall_LineReleasedAfterCall(t *testing.T) {
	h := newHarness(t)
	lines := &fakeLines{free: true}
	alice := h.newLeg("alice", "Alice", rbac.RoleUser, func(d *Deps) { d.Lines = lines })

	if err := alice.m.StartCall(context.Background(), StartRequest{ReceiverID: "bob"}); err != nil {
		t.Fatalf("start call: %v", err)
	}
	if err := alice.m.EndCall(context.Background()); err != nil {
		t.Fatalf("end call: %v", err)
	}
	lines.mu.Lock()
	released := lines.released
	lines.mu.Unlock()
	if released != 1 {
		t.Fatalf("expected line released once, got %d", released)
	}
}

// ownerLines grants each user's line to one owner at a time.
type ownerLines struct {
	mu     sync.Mutex
	owners map[string]string
}

func (l *ownerLines) Acquire(ctx context.Context, userID, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners == nil {
		l.owners = make(map[string]string)
	}
	if cur, ok := l.owners[userID]; ok && cur != owner {
		return false, nil
	}
	l.owners[userID] = owner
	return true, nil
}

func (l *ownerLines) Release(ctx context.Context, userID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners[userID] == owner {
		delete(l.owners, userID)
	}
	return nil
}

func TestIncomingCall_OnlyLineOwnerRings(t *testing.T) {
	h := newHarness(t)
	lines := &ownerLines{}
	useLines := func(d *Deps) { d.Lines = lines }
	alice := h.newLeg("alice", "Alice", rbac.RoleUser, useLines)
	phone := h.newLeg("bob", "Bob", rbac.RoleDeliveryPartner, useLines)
	tablet := h.newLeg("bob", "Bob", rbac.RoleDeliveryPartner, useLines)

	if err := alice.m.StartCall(context.Background(), StartRequest{ReceiverID: "bob", ChatID: "chat-42"}); err != nil {
		t.Fatalf("start call: %v", err)
	}

	ringing, idle := phone, tablet
	if phone.status() != StatusRinging {
		ringing, idle = tablet, phone
	}
	if ringing.status() != StatusRinging {
		t.Fatalf("expected one bob connection ringing, got %s and %s", phone.status(), tablet.status())
	}
	if idle.status() != StatusIdle || len(idle.statuses()) != 0 {
		t.Fatalf("expected the other connection to ignore the invite, trail %v", idle.statuses())
	}
	if len(idle.alerts.titles()) != 0 {
		t.Fatalf("expected a silent ignore, got alerts %v", idle.alerts.titles())
	}
}

func TestStartCall_MicrophoneDenied(t *testing.T) {
	h := newHarness(t)
	alice := h.newLeg("alice", "Alice", rbac.RoleUser)
	alice.mic.err = errors.New("permission denied")

	err := alice.m.StartCall(context.Background(), StartRequest{ReceiverID: "bob"})
	if !errors.Is(err, ErrMicrophone) {
		t.Fatalf("expected ErrMicrophone, got %v", err)
	}
	if alice.status() != StatusIdle || len(alice.statuses()) != 0 {
		t.Fatalf("expected to stay idle, trail %v", alice.statuses())
	}
	if got := alice.alerts.titles(); len(got) != 1 || got[0] != alertMicTitle {
		t.Fatalf("unexpected alerts: %v", got)
	}
	now := h.clock.Now()
	recs, _ := h.store.ListForParticipant(context.Background(), "alice", now.Add(-time.Hour), now.Add(time.Hour))
	if len(recs) != 0 {
		t.Fatalf("expected no record, got %d", len(recs))
	}

	// The leg is reusable afterwards.
	alice.mic.err = nil
	if err := alice.m.StartCall(context.Background(), StartRequest{ReceiverID: "bob"}); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestStartCall_RecordCreateFails(t *testing.T) {
	h := newHarness(t)
	h.store.FailCreate = errors.New("db down")
	alice := h.newLeg("alice", "Alice", rbac.RoleUser)

	err := alice.m.StartCall(context.Background(), StartRequest{ReceiverID: "bob"})
	if !errors.Is(err, ErrService) {
		t.Fatalf("expected ErrService, got %v", err)
	}
	if got := alice.statuses(); !equalStatuses(got, StatusCalling, StatusIdle) {
		t.Fatalf("unexpected trail: %v", got)
	}
	if got := alice.alerts.titles(); len(got) != 1 || got[0] != alertFailedTitle {
		t.Fatalf("unexpected alerts: %v", got)
	}
	if !alice.audio.didStop(feedback.ToneRingback) {
		t.Fatalf("expected ringback stopped")
	}
}

func TestAnswer_MicrophoneDeniedLeavesCallerRinging(t *testing.T) {
	h := newHarness(t)
	alice := h.newLeg("alice", "Alice", rbac.RoleUser)
	bob := h.newLeg("bob", "Bob", rbac.RoleDeliveryPartner)
	callID := h.call(alice, bob)
	bob.mic.err = errors.New("permission denied")

	if err := bob.m.AnswerCall(context.Background()); !errors.Is(err, ErrMicrophone) {
		t.Fatalf("expected ErrMicrophone, got %v", err)
	}
	if bob.status() != StatusIdle || alice.status() != StatusCalling {
		t.Fatalf("unexpected statuses %s/%s", alice.status(), bob.status())
	}
	if got := bob.alerts.titles(); len(got) != 1 || got[0] != alertMicTitle {
		t.Fatalf("unexpected alerts: %v", got)
	}
	if rec := h.record(callID); rec.Status != calls.StatusRinging {
		t.Fatalf("expected record still ringing, got %s", rec.Status)
	}

	h.clock.Advance(30 * time.Second)
	if alice.status() != StatusMissed {
		t.Fatalf("expected caller missed, got %s", alice.status())
	}
}

func TestAnswer_CredentialFailure(t *testing.T) {
	h := newHarness(t)
	alice := h.newLeg("alice", "Alice", rbac.RoleUser)
	bob := h.newLeg("bob", "Bob", rbac.RoleDeliveryPartner)
	callID := h.call(alice, bob)
	bob.creds.err = errors.New("token service down")

	if err := bob.m.AnswerCall(context.Background()); !errors.Is(err, ErrService) {
		t.Fatalf("expected ErrService, got %v", err)
	}
	if bob.status() != StatusIdle {
		t.Fatalf("expected callee idle, got %s", bob.status())
	}
	if got := bob.statuses(); !equalStatuses(got, StatusRinging, StatusOngoing, StatusIdle) {
		t.Fatalf("unexpected callee trail: %v", got)
	}
	if got := bob.alerts.titles(); len(got) != 1 || got[0] != alertFailedTitle {
		t.Fatalf("unexpected alerts: %v", got)
	}
	if alice.status() != StatusCalling {
		t.Fatalf("expected caller still calling, got %s", alice.status())
	}
	if rec := h.record(callID); rec.Status != calls.StatusRinging {
		t.Fatalf("expected record untouched, got %s", rec.Status)
	}
}

func TestJoin_ContainerMountedBeforeAnswer(t *testing.T) {
	h := newHarness(t)
	alice := h.newLeg("alice", "Alice", rbac.RoleUser)
	bob := h.newLeg("bob", "Bob", rbac.RoleDeliveryPartner)
	h.call(alice, bob)
	ctx := context.Background()

	bob.m.SetCallContainer(ctx, "view-b")
	if err := bob.m.AnswerCall(ctx); err != nil {
		t.Fatalf("answer: %v", err)
	}
	joins, _, _, _ := bob.engines.last().snapshot()
	if len(joins) != 1 || joins[0] != "view-b" {
		t.Fatalf("expected join into view-b, got %v", joins)
	}

	bob.m.SetCallContainer(ctx, "view-b2")
	joins, _, _, _ = bob.engines.last().snapshot()
	if len(joins) != 1 {
		t.Fatalf("expected a single join, got %v", joins)
	}
}

func TestJoin_ContainerMountedAfterEngine(t *testing.T) {
	h := newHarness(t)
	alice := h.newLeg("alice", "Alice", rbac.RoleUser)
	bob := h.newLeg("bob", "Bob", rbac.RoleDeliveryPartner)
	h.call(alice, bob)
	ctx := context.Background()

	if err := bob.m.AnswerCall(ctx); err != nil {
		t.Fatalf("answer: %v", err)
	}
	alice.m.Wait()
	joins, _, _, _ := alice.engines.last().snapshot()
	if len(joins) != 0 {
		t.Fatalf("expected no join without a container, got %v", joins)
	}

	alice.m.SetCallContainer(ctx, "view-a")
	joins, _, _, _ = alice.engines.last().snapshot()
	if len(joins) != 1 || joins[0] != "view-a" {
		t.Fatalf("expected join into view-a, got %v", joins)
	}
}

func TestJoin_FailureEndsCall(t *testing.T) {
	h := newHarness(t)
	alice := h.newLeg("alice", "Alice", rbac.RoleUser)
	bob := h.newLeg("bob", "Bob", rbac.RoleDeliveryPartner)
	callID := h.call(alice, bob)
	bob.engines.joinErr = errors.New("room full")
	ctx := context.Background()

	if err := bob.m.AnswerCall(ctx); err != nil {
		t.Fatalf("answer: %v", err)
	}
	bob.m.SetCallContainer(ctx, "view-b")

	if got := bob.alerts.titles(); len(got) != 1 || got[0] != alertErrorTitle {
		t.Fatalf("unexpected alerts: %v", got)
	}
	if bob.status() != StatusEnded || alice.status() != StatusEnded {
		t.Fatalf("expected both ended, got %s/%s", alice.status(), bob.status())
	}
	assertTerminalWrites(t, h, callID, calls.StatusEnded)
}

func TestMedia_RemoteLeaveEndsCall(t *testing.T) {
	h := newHarness(t)
	alice := h.newLeg("alice", "Alice", rbac.RoleUser)
	bob := h.newLeg("bob", "Bob", rbac.RoleDeliveryPartner)
	callID := h.call(alice, bob)
	h.connect(alice, bob)
	h.clock.Advance(5 * time.Second)

	bob.engines.last().hooks.OnRemoteLeave()

	if bob.status() != StatusEnded || alice.status() != StatusEnded {
		t.Fatalf("expected both ended, got %s/%s", alice.status(), bob.status())
	}
	if rec := h.record(callID); rec.DurationSeconds != 5 {
		t.Fatalf("expected duration 5, got %d", rec.DurationSeconds)
	}
	assertTerminalWrites(t, h, callID, calls.StatusEnded)
	if n := len(h.broadcasts(callID, signaling.EventEnded)); n != 1 {
		t.Fatalf("expected one ended broadcast, got %d", n)
	}

	// A late hook from the already-ended room is ignored.
	bob.engines.last().hooks.OnLeave()
	assertTerminalWrites(t, h, callID, calls.StatusEnded)
}

func TestToggles_ForwardedAndReplayed(t *testing.T) {
	h := newHarness(t)
	alice := h.newLeg("alice", "Alice", rbac.RoleUser)
	bob := h.newLeg("bob", "Bob", rbac.RoleDeliveryPartner)
	ctx := context.Background()

	// Idle toggles are local only and do not carry into the next call.
	if err := alice.m.ToggleMute(ctx); err != nil || !alice.m.State().IsMuted {
		t.Fatalf("expected optimistic mute while idle, err=%v", err)
	}
	if err := alice.m.ToggleMute(ctx); err != nil || alice.m.State().IsMuted {
		t.Fatalf("expected unmute while idle, err=%v", err)
	}

	h.call(alice, bob)
	if err := alice.m.ToggleMute(ctx); err != nil {
		t.Fatalf("toggle mute: %v", err)
	}
	if !alice.m.State().IsMuted {
		t.Fatalf("expected muted")
	}
	h.connect(alice, bob)

	_, _, mic, _ := alice.engines.last().snapshot()
	if len(mic) != 1 || mic[0] {
		t.Fatalf("expected muted microphone replayed on join, got %v", mic)
	}

	if err := bob.m.ToggleSpeaker(ctx); err != nil {
		t.Fatalf("toggle speaker: %v", err)
	}
	if !bob.m.State().IsSpeaker {
		t.Fatalf("expected speaker on")
	}
	_, _, _, speaker := bob.engines.last().snapshot()
	if len(speaker) != 1 || !speaker[0] {
		t.Fatalf("expected speaker routed, got %v", speaker)
	}
}

func TestIncoming_AlreadyEndedCall(t *testing.T) {
	h := newHarness(t)
	bob := h.newLeg("bob", "Bob", rbac.RoleDeliveryPartner)
	ctx := context.Background()

	callID, err := h.store.Create(ctx, calls.NewRecord{CallerID: "alice", CallerType: rbac.RoleUser, ReceiverID: "bob"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.store.Update(ctx, callID, calls.Patch{Status: calls.StatusEnded}); err != nil {
		t.Fatalf("update: %v", err)
	}

	err = bob.m.HandleIncomingCall(ctx, signaling.IncomingCall{
		CallID:     callID,
		RoomID:     "c_chat_abc",
		CallerID:   "alice",
		CallerName: "Alice",
		CallerType: rbac.RoleUser,
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if bob.status() != StatusEnded {
		t.Fatalf("expected ended, got %s", bob.status())
	}
	if len(h.broadcasts(callID, signaling.EventRinging)) != 0 {
		t.Fatalf("expected no ringing ack for a dead call")
	}
	assertTerminalWrites(t, h, callID, calls.StatusEnded)
}

func TestClose_EndsActiveCall(t *testing.T) {
	h := newHarness(t)
	alice := h.newLeg("alice", "Alice", rbac.RoleUser)
	bob := h.newLeg("bob", "Bob", rbac.RoleDeliveryPartner)
	callID := h.call(alice, bob)
	h.connect(alice, bob)

	if err := alice.m.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if alice.status() != StatusIdle {
		t.Fatalf("expected closed leg idle, got %s", alice.status())
	}
	if bob.status() != StatusEnded {
		t.Fatalf("expected remote ended, got %s", bob.status())
	}
	assertTerminalWrites(t, h, callID, calls.StatusEnded)
	if h.bus.Subscribers(signaling.IncomingTopic("alice")) != 0 {
		t.Fatalf("expected incoming subscription closed")
	}
	if err := alice.m.StartCall(context.Background(), StartRequest{ReceiverID: "bob"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestOperations_WithoutCall(t *testing.T) {
	h := newHarness(t)
	alice := h.newLeg("alice", "Alice", rbac.RoleUser)
	ctx := context.Background()

	if err := alice.m.AnswerCall(ctx); !errors.Is(err, ErrNoPendingCall) {
		t.Fatalf("answer: expected ErrNoPendingCall, got %v", err)
	}
	if err := alice.m.DeclineCall(ctx); !errors.Is(err, ErrNoPendingCall) {
		t.Fatalf("decline: expected ErrNoPendingCall, got %v", err)
	}
	if err := alice.m.EndCall(ctx); !errors.Is(err, ErrNotInCall) {
		t.Fatalf("end: expected ErrNotInCall, got %v", err)
	}
	if err := alice.m.StartCall(ctx, StartRequest{ReceiverID: "alice"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("self call: expected ErrInvalidRequest, got %v", err)
	}
	if len(alice.statuses()) != 0 {
		t.Fatalf("expected no transitions, got %v", alice.statuses())
	}
}

func TestObserve_CallbackMayReenter(t *testing.T) {
	h := newHarness(t)
	alice := h.newLeg("alice", "Alice", rbac.RoleUser)
	bob := h.newLeg("bob", "Bob", rbac.RoleDeliveryPartner)

	// Auto-decline from inside the observer.
	bob.m.Observe(func(s State) {
		if s.Status == StatusRinging {
			_ = bob.m.DeclineCall(context.Background())
		}
	})

	if err := alice.m.StartCall(context.Background(), StartRequest{ReceiverID: "bob"}); err != nil {
		t.Fatalf("start call: %v", err)
	}
	if alice.status() != StatusDeclined {
		t.Fatalf("expected declined, got %s", alice.status())
	}
}
