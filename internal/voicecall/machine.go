package voicecall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"voicecall-platform/internal/calls"
	"voicecall-platform/internal/media"
	"voicecall-platform/internal/rbac"
	"voicecall-platform/internal/signaling"
	"voicecall-platform/pkg/utils"

	"github.com/google/uuid"
)

// Participant is the local user a leg acts for.
type Participant struct {
	ID   string
	Name string
	// Type is the participant's role (user or delivery_partner); it becomes
	// caller_type on records this leg creates.
	Type string
}

type Options struct {
	// RingTimeout bounds how long a call may ring unanswered.
	RingTimeout time.Duration
	// GracePeriod is how long a terminal status stays visible.
	GracePeriod time.Duration
}

func (o Options) withDefaults() Options {
	if o.RingTimeout <= 0 {
		o.RingTimeout = 30 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 2 * time.Second
	}
	return o
}

// Deps are the collaborators of a leg. Lines, Audit, Clock and Log are optional.
type Deps struct {
	Bus         signaling.Bus
	Store       calls.Store
	Credentials media.CredentialSource
	Engines     media.EngineFactory
	Feedback    Feedback
	Microphone  Microphone
	Alerter     Alerter

	Lines LineLock
	Audit Auditor
	Clock utils.Clock
	Log   *slog.Logger
}

type StartRequest struct {
	ReceiverID   string
	ReceiverName string
	// ReceiverType defaults to the counterpart of the local participant's type.
	ReceiverType string
	ChatID       string
}

// Machine is one participant's call leg.
//
// All state lives under mu. Blocking steps run without the lock and, when
// they resume, re-check gen and status; gen changes whenever the leg starts
// a new session or returns to idle, so results from an abandoned session
// are dropped.
type Machine struct {
	self  Participant
	deps  Deps
	opts  Options
	legID string
	log   *slog.Logger

	mu          sync.Mutex
	st          State
	gen         uint64
	starting    bool
	terminating bool
	closed      bool
	pending     *signaling.IncomingCall
	channel     *signaling.Channel
	unsubRow    func()
	session     *media.Session
	container   media.Container
	ringTimer   utils.Timer
	graceTimer  utils.Timer
	tickTimer   utils.Timer
	ongoingAt   time.Time
	lineHeld    bool
	incoming    signaling.Subscription

	observers map[int]func(State)
	nextObs   int
	outbox    []State
	notifyMu  sync.Mutex

	wg sync.WaitGroup
}

func NewMachine(self Participant, deps Deps, opts Options) (*Machine, error) {
	if self.ID == "" {
		return nil, errors.New("voicecall: participant id is required")
	}
	if deps.Bus == nil || deps.Store == nil || deps.Credentials == nil || deps.Engines == nil {
		return nil, errors.New("voicecall: bus, store, credentials and engines are required")
	}
	if deps.Feedback == nil || deps.Microphone == nil || deps.Alerter == nil {
		return nil, errors.New("voicecall: feedback, microphone and alerter are required")
	}
	if deps.Clock == nil {
		deps.Clock = utils.SystemClock{}
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if self.Name == "" {
		self.Name = self.ID
	}

	legID := uuid.NewString()
	return &Machine{
		self:      self,
		deps:      deps,
		opts:      opts.withDefaults(),
		legID:     legID,
		log:       deps.Log.With("user_id", self.ID, "leg_id", legID),
		st:        idleState(),
		observers: make(map[int]func(State)),
	}, nil
}

func (m *Machine) LegID() string { return m.legID }

// State returns the current snapshot.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// Observe registers fn for every state change, delivered in transition
// order. fn may call back into the Machine.
func (m *Machine) Observe(fn func(State)) (cancel func()) {
	m.mu.Lock()
	m.nextObs++
	key := m.nextObs
	m.observers[key] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, key)
		m.mu.Unlock()
	}
}

// Wait blocks until background media setup started by this leg finishes.
func (m *Machine) Wait() { m.wg.Wait() }

// Open subscribes to the participant's incoming-call topic.
func (m *Machine) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.incoming != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	sub, err := m.deps.Bus.Subscribe(ctx, signaling.IncomingTopic(m.self.ID), m.onInvite)
	if err != nil {
		return fmt.Errorf("subscribe incoming calls: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = sub.Close()
		return ErrClosed
	}
	m.incoming = sub
	return nil
}

// Close ends any active call, stops listening for invitations and waits
// for background work. A ringing call is left for the caller's timeout.
func (m *Machine) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sub := m.incoming
	m.incoming = nil
	status, gen := m.st.Status, m.gen
	m.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	if status == StatusCalling || status == StatusOngoing {
		m.terminate(ctx, gen, ending{ev: EvLocalEnd, record: calls.StatusEnded, signal: signaling.EventEnded})
	}

	m.mu.Lock()
	prev := m.st.Status
	td := m.resetLocked()
	m.mu.Unlock()
	m.flush()

	if prev != StatusIdle {
		m.deps.Feedback.StopAll(ctx)
	}
	m.runTeardown(ctx, td)
	m.wg.Wait()
	return nil
}

// StartCall places a call to req.ReceiverID.
func (m *Machine) StartCall(ctx context.Context, req StartRequest) error {
	if req.ReceiverID == "" || req.ReceiverID == m.self.ID {
		return ErrInvalidRequest
	}
	if req.ReceiverType == "" {
		req.ReceiverType = rbac.Counterpart(m.self.Type)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.st.Status != StatusIdle || m.starting {
		m.mu.Unlock()
		return ErrBusy
	}
	m.starting = true
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	if !m.claimLine(ctx, gen) {
		m.alert(ctx, alertFailedTitle, alertBusyBody)
		m.abort(ctx, gen)
		return ErrBusy
	}
	if err := m.deps.Microphone.Request(ctx); err != nil {
		m.alert(ctx, alertMicTitle, alertMicBody)
		m.abort(ctx, gen)
		return fmt.Errorf("%w: %v", ErrMicrophone, err)
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return ErrCancelled
	}
	next, _ := Transition(m.st.Status, EvStart)
	roomID := media.NewRoomID(req.ChatID, m.deps.Clock.Now())
	m.starting = false
	m.st = State{
		Status:     next,
		RoomID:     roomID,
		CallerType: req.ReceiverType,
		CallerName: req.ReceiverName,
	}
	m.emitLocked()
	m.mu.Unlock()
	m.flush()

	if err := m.deps.Feedback.PlayRingback(ctx); err != nil {
		m.log.Debug("ringback unavailable", "err", err)
	}
	if !m.current(gen, StatusCalling) {
		m.deps.Feedback.StopRingback(ctx)
		return ErrCancelled
	}

	callID, err := m.deps.Store.Create(ctx, calls.NewRecord{
		ChatID:     req.ChatID,
		CallerID:   m.self.ID,
		CallerType: m.self.Type,
		ReceiverID: req.ReceiverID,
	})
	if err != nil {
		return m.failStart(ctx, gen, "", fmt.Errorf("create call record: %w", err))
	}

	m.mu.Lock()
	if gen != m.gen || m.terminating || m.st.Status != StatusCalling {
		m.mu.Unlock()
		m.markEnded(ctx, callID)
		return ErrCancelled
	}
	m.st.CallID = callID
	m.emitLocked()
	m.mu.Unlock()
	m.flush()

	if err := m.watchCall(ctx, gen, callID); err != nil {
		if errors.Is(err, ErrCancelled) {
			return err
		}
		return m.failStart(ctx, gen, callID, err)
	}

	if !m.current(gen, StatusCalling) {
		return ErrCancelled
	}
	raw, err := json.Marshal(signaling.IncomingCall{
		CallID:     callID,
		RoomID:     roomID,
		ChatID:     req.ChatID,
		CallerID:   m.self.ID,
		CallerName: m.self.Name,
		CallerType: m.self.Type,
	})
	if err != nil {
		return m.failStart(ctx, gen, callID, err)
	}
	invite := signaling.Message{Event: signaling.EventIncomingCall, From: m.legID, Payload: raw}
	if err := m.deps.Bus.Publish(ctx, signaling.IncomingTopic(req.ReceiverID), invite); err != nil {
		return m.failStart(ctx, gen, callID, fmt.Errorf("publish invite: %w", err))
	}

	m.mu.Lock()
	if gen == m.gen && !m.terminating && m.st.Status == StatusCalling {
		m.ringTimer = m.deps.Clock.AfterFunc(m.opts.RingTimeout, func() { m.onRingTimeout(gen) })
	}
	m.mu.Unlock()

	m.log.Info("call started", "call_id", callID, "receiver_id", req.ReceiverID, "room_id", roomID)
	m.audit(ctx, callID, "call_started", req.ReceiverID)
	return nil
}

// HandleIncomingCall rings this leg for an invitation. It is ignored with
// ErrBusy unless the leg is idle.
func (m *Machine) HandleIncomingCall(ctx context.Context, ic signaling.IncomingCall) error {
	if err := ic.Validate(); err != nil || ic.CallerID == m.self.ID {
		return ErrInvalidRequest
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.st.Status != StatusIdle || m.starting {
		m.mu.Unlock()
		m.log.Info("ignoring incoming call while busy", "call_id", ic.CallID, "caller_id", ic.CallerID)
		return ErrBusy
	}
	m.starting = true
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	if !m.claimLine(ctx, gen) {
		m.abort(ctx, gen)
		m.log.Info("ignoring incoming call, line held elsewhere", "call_id", ic.CallID)
		return ErrBusy
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return ErrCancelled
	}
	next, _ := Transition(m.st.Status, EvIncoming)
	pc := ic
	m.pending = &pc
	m.starting = false
	m.st = State{
		Status:     next,
		CallID:     ic.CallID,
		RoomID:     ic.RoomID,
		CallerType: ic.CallerType,
		CallerName: ic.CallerName,
		Incoming:   true,
	}
	m.emitLocked()
	m.mu.Unlock()
	m.flush()

	if err := m.watchCall(ctx, gen, ic.CallID); err != nil {
		if errors.Is(err, ErrCancelled) {
			return err
		}
		m.log.Warn("incoming call subscription failed", "call_id", ic.CallID, "err", err)
		m.abort(ctx, gen)
		return fmt.Errorf("%w: %v", ErrService, err)
	}

	// The caller may have hung up before the subscriptions existed.
	if rec, err := m.deps.Store.Get(ctx, ic.CallID); err == nil {
		m.onRecord(gen, rec)
	} else {
		m.log.Debug("incoming call record lookup failed", "call_id", ic.CallID, "err", err)
	}
	if !m.current(gen, StatusRinging) {
		return ErrCancelled
	}

	modality := m.deps.Feedback.PlayRingtone(ctx, ic.CallerName)
	if !m.current(gen, StatusRinging) {
		m.deps.Feedback.StopRingtone(ctx)
		return ErrCancelled
	}

	var ch *signaling.Channel
	m.mu.Lock()
	if gen == m.gen && !m.terminating && m.st.Status == StatusRinging {
		// Outlives the caller's timer so the caller decides normally.
		m.ringTimer = m.deps.Clock.AfterFunc(m.opts.RingTimeout+m.opts.GracePeriod, func() { m.onRingTimeout(gen) })
		ch = m.channel
	}
	m.mu.Unlock()

	if ch != nil {
		if err := ch.Send(ctx, signaling.EventRinging, signaling.CallSignal{CallID: ic.CallID}); err != nil {
			m.log.Debug("ringing ack failed", "call_id", ic.CallID, "err", err)
		}
	}
	m.log.Info("incoming call ringing", "call_id", ic.CallID, "caller_id", ic.CallerID, "feedback", string(modality))
	m.audit(ctx, ic.CallID, "call_ringing", ic.CallerID)
	return nil
}

// AnswerCall accepts the pending incoming call.
func (m *Machine) AnswerCall(ctx context.Context) error {
	m.mu.Lock()
	if m.pending == nil || m.terminating || m.st.Status != StatusRinging {
		m.mu.Unlock()
		return ErrNoPendingCall
	}
	gen := m.gen
	pc := *m.pending
	m.mu.Unlock()

	if err := m.deps.Microphone.Request(ctx); err != nil {
		m.alert(ctx, alertMicTitle, alertMicBody)
		m.abort(ctx, gen)
		return fmt.Errorf("%w: %v", ErrMicrophone, err)
	}
	m.deps.Feedback.StopRingtone(ctx)

	m.mu.Lock()
	if gen != m.gen || m.terminating {
		m.mu.Unlock()
		return ErrCancelled
	}
	next, ok := Transition(m.st.Status, EvLocalAnswer)
	if !ok {
		m.mu.Unlock()
		return ErrCancelled
	}
	stopTimer(&m.ringTimer)
	m.st.Status = next
	m.pending = nil
	m.beginOngoingLocked(gen)
	session := m.newSessionLocked()
	container := m.container
	ch := m.channel
	m.emitLocked()
	m.mu.Unlock()
	m.flush()

	if container != "" {
		_, _ = session.AttachContainer(ctx, container)
	}

	engine, err := m.prepareMedia(ctx, gen, pc.RoomID)
	if errors.Is(err, ErrCancelled) {
		return err
	}
	if err != nil {
		m.log.Error("answer failed", "call_id", pc.CallID, "err", err)
		m.alert(ctx, alertFailedTitle, alertAnswerBody)
		m.abort(ctx, gen)
		return fmt.Errorf("%w: %v", ErrService, err)
	}

	if ch != nil {
		if err := ch.Send(ctx, signaling.EventAnswered, signaling.CallSignal{CallID: pc.CallID}); err != nil {
			m.log.Warn("answered broadcast failed", "call_id", pc.CallID, "err", err)
		}
	}

	err = m.deps.Store.Update(ctx, pc.CallID, calls.Patch{
		Status:    calls.StatusOngoing,
		StartedAt: calls.TimePtr(m.deps.Clock.Now()),
	})
	if errors.Is(err, calls.ErrTerminal) {
		if rec, gerr := m.deps.Store.Get(ctx, pc.CallID); gerr == nil {
			m.onRecord(gen, rec)
		}
		return ErrCancelled
	}
	if err != nil {
		m.log.Warn("mark call ongoing failed", "call_id", pc.CallID, "err", err)
	}

	m.log.Info("call answered", "call_id", pc.CallID)
	m.audit(ctx, pc.CallID, "call_answered", pc.CallerID)

	if _, err := session.AttachEngine(ctx, engine); err != nil {
		if errors.Is(err, media.ErrSessionDestroyed) {
			return ErrCancelled
		}
		m.joinFailed(ctx, gen, pc.CallID, err)
		return fmt.Errorf("%w: %v", ErrService, err)
	}
	return nil
}

// DeclineCall rejects the pending incoming call.
func (m *Machine) DeclineCall(ctx context.Context) error {
	m.mu.Lock()
	if m.pending == nil || m.terminating || m.st.Status != StatusRinging {
		m.mu.Unlock()
		return ErrNoPendingCall
	}
	gen := m.gen
	m.mu.Unlock()

	m.terminate(ctx, gen, ending{ev: EvLocalDecline, record: calls.StatusDeclined, signal: signaling.EventDeclined})
	return nil
}

// EndCall hangs up an outgoing or connected call. Repeated calls while the
// call is already ending are no-ops.
func (m *Machine) EndCall(ctx context.Context) error {
	m.mu.Lock()
	status, gen, terminating := m.st.Status, m.gen, m.terminating
	m.mu.Unlock()

	switch {
	case terminating || status.IsTerminal():
		return nil
	case status == StatusCalling || status == StatusOngoing:
		m.terminate(ctx, gen, ending{ev: EvLocalEnd, record: calls.StatusEnded, signal: signaling.EventEnded})
		return nil
	default:
		return ErrNotInCall
	}
}

// ToggleMute flips the local mute flag and forwards it to the media session.
// The flag flips in every status; a new session starts unmuted.
func (m *Machine) ToggleMute(ctx context.Context) error {
	m.mu.Lock()
	m.st.IsMuted = !m.st.IsMuted
	muted, s := m.st.IsMuted, m.session
	m.emitLocked()
	m.mu.Unlock()
	m.flush()

	if s != nil {
		if err := s.SetMicrophoneEnabled(ctx, !muted); err != nil {
			m.log.Warn("set microphone failed", "err", err)
		}
	}
	return nil
}

// ToggleSpeaker flips speaker routing and forwards it to the media session
// when one exists.
func (m *Machine) ToggleSpeaker(ctx context.Context) error {
	m.mu.Lock()
	m.st.IsSpeaker = !m.st.IsSpeaker
	speaker, s := m.st.IsSpeaker, m.session
	m.emitLocked()
	m.mu.Unlock()
	m.flush()

	if s != nil {
		if err := s.SetSpeakerRouting(ctx, speaker); err != nil {
			m.log.Warn("set speaker failed", "err", err)
		}
	}
	return nil
}

// SetCallContainer records the presentation surface for the media room and
// retries the join. The empty Container detaches it.
func (m *Machine) SetCallContainer(ctx context.Context, c media.Container) {
	m.mu.Lock()
	m.container = c
	s, gen, callID := m.session, m.gen, m.st.CallID
	m.mu.Unlock()

	if s == nil {
		return
	}
	if _, err := s.AttachContainer(ctx, c); err != nil && !errors.Is(err, media.ErrSessionDestroyed) {
		m.joinFailed(ctx, gen, callID, err)
	}
}

// ---- event sources ----

func (m *Machine) onInvite(msg signaling.Message) {
	if msg.Event != signaling.EventIncomingCall {
		return
	}
	var ic signaling.IncomingCall
	if err := msg.Decode(&ic); err != nil {
		m.log.Warn("malformed incoming call", "err", err)
		return
	}
	if err := m.HandleIncomingCall(context.Background(), ic); err != nil && !errors.Is(err, ErrBusy) {
		m.log.Debug("incoming call not rung", "call_id", ic.CallID, "err", err)
	}
}

func (m *Machine) onSignal(gen uint64, msg signaling.Message) {
	var sig signaling.CallSignal
	_ = msg.Decode(&sig)

	ctx := context.Background()
	switch msg.Event {
	case signaling.EventRinging:
		// Informational: the caller stays in calling while the callee rings.
		m.log.Debug("remote is ringing", "call_id", sig.CallID)
	case signaling.EventAnswered:
		m.remoteConnected(gen, EvRemoteAnswered)
	case signaling.EventDeclined:
		m.terminate(ctx, gen, ending{ev: EvRemoteDeclined})
	case signaling.EventEnded:
		ev := EvRemoteEnded
		if sig.Reason == signaling.ReasonMissed {
			ev = EvRemoteMissed
		}
		m.terminate(ctx, gen, ending{ev: ev})
	}
}

func (m *Machine) onRecord(gen uint64, rec calls.Record) {
	ctx := context.Background()
	switch rec.Status {
	case calls.StatusOngoing:
		m.remoteConnected(gen, EvRecordOngoing)
	case calls.StatusEnded:
		m.terminate(ctx, gen, ending{ev: EvRecordEnded})
	case calls.StatusDeclined:
		m.terminate(ctx, gen, ending{ev: EvRecordDeclined})
	case calls.StatusMissed:
		m.terminate(ctx, gen, ending{ev: EvRecordMissed})
	}
}

func (m *Machine) onRingTimeout(gen uint64) {
	m.mu.Lock()
	due := gen == m.gen && !m.terminating &&
		(m.st.Status == StatusCalling || m.st.Status == StatusRinging)
	m.mu.Unlock()
	if !due {
		return
	}
	m.terminate(context.Background(), gen, ending{
		ev:     EvTimeout,
		record: calls.StatusMissed,
		signal: signaling.EventEnded,
		reason: signaling.ReasonMissed,
	})
}

func (m *Machine) onMediaLeft(gen uint64) {
	m.terminate(context.Background(), gen, ending{ev: EvMediaLeft, record: calls.StatusEnded, signal: signaling.EventEnded})
}

// remoteConnected moves a caller to ongoing and connects media in the background.
func (m *Machine) remoteConnected(gen uint64, ev Event) {
	m.mu.Lock()
	if gen != m.gen || m.terminating {
		m.mu.Unlock()
		return
	}
	next, ok := Transition(m.st.Status, ev)
	if !ok || next != StatusOngoing {
		m.mu.Unlock()
		return
	}
	stopTimer(&m.ringTimer)
	m.st.Status = next
	m.beginOngoingLocked(gen)
	session := m.newSessionLocked()
	container, roomID, callID := m.container, m.st.RoomID, m.st.CallID
	m.emitLocked()
	m.wg.Add(1)
	m.mu.Unlock()
	m.flush()

	ctx := context.Background()
	m.deps.Feedback.StopRingback(ctx)
	m.log.Info("call connected", "call_id", callID, "via", string(ev))
	m.audit(ctx, callID, "call_connected", string(ev))

	go func() {
		defer m.wg.Done()
		if container != "" {
			_, _ = session.AttachContainer(ctx, container)
		}
		engine, err := m.prepareMedia(ctx, gen, roomID)
		if errors.Is(err, ErrCancelled) {
			return
		}
		if err != nil {
			m.joinFailed(ctx, gen, callID, err)
			return
		}
		if _, err := session.AttachEngine(ctx, engine); err != nil && !errors.Is(err, media.ErrSessionDestroyed) {
			m.joinFailed(ctx, gen, callID, err)
		}
	}()
}

// ---- lifecycle helpers ----

type ending struct {
	ev Event
	// record is written to the call record when set.
	record calls.Status
	// signal is broadcast on the call topic when set.
	signal string
	reason string
}

// terminate moves the leg to a terminal status at most once per session,
// then persists, broadcasts and tears down. The record is written before the
// broadcast so peers reacting to either source never write it again.
func (m *Machine) terminate(ctx context.Context, gen uint64, e ending) bool {
	m.mu.Lock()
	if gen != m.gen || m.terminating {
		m.mu.Unlock()
		return false
	}
	next, ok := Transition(m.st.Status, e.ev)
	if !ok || !next.IsTerminal() {
		m.mu.Unlock()
		return false
	}
	m.terminating = true
	now := m.deps.Clock.Now()
	duration := 0
	if m.st.Status == StatusOngoing && !m.ongoingAt.IsZero() {
		duration = int(now.Sub(m.ongoingAt) / time.Second)
	}
	callID := m.st.CallID
	m.st.Status = next
	m.pending = nil
	td := m.detachLocked()
	m.graceTimer = m.deps.Clock.AfterFunc(m.opts.GracePeriod, func() { m.resetAfterGrace(gen) })
	m.emitLocked()
	m.mu.Unlock()
	m.flush()

	m.deps.Feedback.StopAll(ctx)

	if e.record != "" && callID != "" {
		err := m.deps.Store.Update(ctx, callID, calls.Patch{
			Status:          e.record,
			EndedAt:         calls.TimePtr(now),
			DurationSeconds: calls.IntPtr(duration),
		})
		if err != nil && !errors.Is(err, calls.ErrTerminal) {
			m.log.Warn("persist call end failed", "call_id", callID, "status", string(e.record), "err", err)
		}
	}
	if e.signal != "" && td.channel != nil {
		sig := signaling.CallSignal{CallID: callID, Reason: e.reason}
		if err := td.channel.Send(ctx, e.signal, sig); err != nil {
			m.log.Warn("end broadcast failed", "call_id", callID, "err", err)
		}
	}
	m.runTeardown(ctx, td)

	m.log.Info("call finished", "call_id", callID, "status", string(next), "via", string(e.ev), "duration_seconds", duration)
	m.audit(ctx, callID, "call_"+string(next), string(e.ev))
	return true
}

func (m *Machine) resetAfterGrace(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if _, ok := Transition(m.st.Status, EvReset); !ok || !m.st.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	td := m.resetLocked()
	m.mu.Unlock()
	m.flush()
	m.runTeardown(context.Background(), td)
}

// abort unwinds a session that failed before reaching a terminal status.
// It reports false when the session already moved on.
func (m *Machine) abort(ctx context.Context, gen uint64) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	prev := m.st.Status
	if _, ok := Transition(prev, EvFailure); !ok && !(prev == StatusIdle && m.starting) {
		m.mu.Unlock()
		return false
	}
	td := m.resetLocked()
	m.mu.Unlock()
	m.flush()

	if prev != StatusIdle {
		m.deps.Feedback.StopAll(ctx)
	}
	m.runTeardown(ctx, td)
	return true
}

func (m *Machine) failStart(ctx context.Context, gen uint64, callID string, cause error) error {
	m.log.Error("start call failed", "call_id", callID, "err", cause)
	m.alert(ctx, alertFailedTitle, alertFailedBody)
	if m.abort(ctx, gen) && callID != "" {
		m.markEnded(ctx, callID)
	}
	return fmt.Errorf("%w: %v", ErrService, cause)
}

func (m *Machine) joinFailed(ctx context.Context, gen uint64, callID string, cause error) {
	m.log.Error("media join failed", "call_id", callID, "err", cause)
	m.alert(ctx, alertErrorTitle, alertErrorBody)
	m.terminate(ctx, gen, ending{ev: EvLocalEnd, record: calls.StatusEnded, signal: signaling.EventEnded})
}

func (m *Machine) markEnded(ctx context.Context, callID string) {
	err := m.deps.Store.Update(ctx, callID, calls.Patch{
		Status:          calls.StatusEnded,
		EndedAt:         calls.TimePtr(m.deps.Clock.Now()),
		DurationSeconds: calls.IntPtr(0),
	})
	if err != nil && !errors.Is(err, calls.ErrTerminal) {
		m.log.Warn("mark abandoned call ended failed", "call_id", callID, "err", err)
	}
}

// watchCall subscribes to both event sources for callID: the broadcast topic
// (confirmed before returning) and the record change feed.
func (m *Machine) watchCall(ctx context.Context, gen uint64, callID string) error {
	onSignal := func(msg signaling.Message) { m.onSignal(gen, msg) }
	ch := signaling.NewChannel(m.deps.Bus, signaling.CallTopic(callID), m.legID).
		On(signaling.EventRinging, onSignal).
		On(signaling.EventAnswered, onSignal).
		On(signaling.EventDeclined, onSignal).
		On(signaling.EventEnded, onSignal)
	if err := ch.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribe call channel: %w", err)
	}

	unsub, err := m.deps.Store.SubscribeRow(ctx, callID, func(rec calls.Record) { m.onRecord(gen, rec) })
	if err != nil {
		// Broadcast alone still drives the call.
		m.log.Warn("call record feed unavailable", "call_id", callID, "err", err)
		unsub = nil
	}

	m.mu.Lock()
	if gen != m.gen || m.terminating || m.st.Status == StatusIdle {
		m.mu.Unlock()
		_ = ch.Close()
		if unsub != nil {
			unsub()
		}
		return ErrCancelled
	}
	m.channel = ch
	m.unsubRow = unsub
	m.mu.Unlock()
	return nil
}

func (m *Machine) prepareMedia(ctx context.Context, gen uint64, roomID string) (media.Engine, error) {
	creds, err := m.deps.Credentials.Credentials(ctx, media.CredentialRequest{
		RoomID:   roomID,
		UserID:   m.self.ID,
		UserName: m.self.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("media credentials: %w", err)
	}
	if !m.current(gen, StatusOngoing) {
		return nil, ErrCancelled
	}

	engine, err := m.deps.Engines.NewEngine(ctx, creds, media.Hooks{
		OnLeave:       func() { m.onMediaLeft(gen) },
		OnRemoteLeave: func() { m.onMediaLeft(gen) },
	})
	if err != nil {
		return nil, fmt.Errorf("media engine: %w", err)
	}
	if !m.current(gen, StatusOngoing) {
		return nil, ErrCancelled
	}
	return engine, nil
}

func (m *Machine) claimLine(ctx context.Context, gen uint64) bool {
	if m.deps.Lines == nil {
		return true
	}
	ok, err := m.deps.Lines.Acquire(ctx, m.self.ID, m.legID)
	if err != nil {
		// A broken lock store must not block calling.
		m.log.Warn("line lock unavailable", "err", err)
		return true
	}
	if !ok {
		return false
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.releaseLine(ctx)
		return false
	}
	m.lineHeld = true
	m.mu.Unlock()
	return true
}

func (m *Machine) releaseLine(ctx context.Context) {
	if m.deps.Lines == nil {
		return
	}
	if err := m.deps.Lines.Release(ctx, m.self.ID, m.legID); err != nil {
		m.log.Warn("line release failed", "err", err)
	}
}

func (m *Machine) current(gen uint64, want Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && !m.terminating && m.st.Status == want
}

func (m *Machine) beginOngoingLocked(gen uint64) {
	m.ongoingAt = m.deps.Clock.Now()
	m.st.Duration = 0
	stopTimer(&m.tickTimer)
	m.tickTimer = m.deps.Clock.AfterFunc(time.Second, func() { m.tick(gen) })
}

// newSessionLocked creates the media session, seeded with toggles made
// before it existed.
func (m *Machine) newSessionLocked() *media.Session {
	s := media.NewSession()
	if m.st.IsMuted {
		_ = s.SetMicrophoneEnabled(context.Background(), false)
	}
	if m.st.IsSpeaker {
		_ = s.SetSpeakerRouting(context.Background(), true)
	}
	m.session = s
	return s
}

func (m *Machine) tick(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.terminating || m.st.Status != StatusOngoing {
		m.mu.Unlock()
		return
	}
	m.st.Duration++
	m.tickTimer = m.deps.Clock.AfterFunc(time.Second, func() { m.tick(gen) })
	m.emitLocked()
	m.mu.Unlock()
	m.flush()
}

type teardown struct {
	channel  *signaling.Channel
	unsubRow func()
	session  *media.Session
	line     bool
}

func (m *Machine) detachLocked() teardown {
	td := teardown{channel: m.channel, unsubRow: m.unsubRow, session: m.session, line: m.lineHeld}
	m.channel, m.unsubRow, m.session, m.lineHeld = nil, nil, nil, false
	stopTimer(&m.ringTimer)
	stopTimer(&m.tickTimer)
	return td
}

// resetLocked returns the leg to idle and starts a new generation.
func (m *Machine) resetLocked() teardown {
	td := m.detachLocked()
	stopTimer(&m.graceTimer)
	prev := m.st.Status
	m.gen++
	m.st = idleState()
	m.pending = nil
	m.container = ""
	m.terminating = false
	m.starting = false
	m.ongoingAt = time.Time{}
	if prev != StatusIdle {
		m.emitLocked()
	}
	return td
}

func (m *Machine) runTeardown(ctx context.Context, td teardown) {
	if td.unsubRow != nil {
		td.unsubRow()
	}
	if td.channel != nil {
		_ = td.channel.Close()
	}
	if td.session != nil {
		if err := td.session.Destroy(ctx); err != nil {
			m.log.Warn("leave media room failed", "err", err)
		}
	}
	if td.line {
		m.releaseLine(ctx)
	}
}

func (m *Machine) emitLocked() {
	m.outbox = append(m.outbox, m.st)
}

// flush delivers queued snapshots. Only one goroutine delivers at a time;
// others leave their snapshots for it, which keeps delivery ordered and
// lets observers call back into the Machine.
func (m *Machine) flush() {
	for {
		if !m.notifyMu.TryLock() {
			return
		}
		for {
			m.mu.Lock()
			batch := m.outbox
			m.outbox = nil
			obs := make([]func(State), 0, len(m.observers))
			for i := 1; i <= m.nextObs; i++ {
				if fn, ok := m.observers[i]; ok {
					obs = append(obs, fn)
				}
			}
			m.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, s := range batch {
				for _, fn := range obs {
					fn(s)
				}
			}
		}
		m.notifyMu.Unlock()

		m.mu.Lock()
		empty := len(m.outbox) == 0
		m.mu.Unlock()
		if empty {
			return
		}
	}
}

func (m *Machine) alert(ctx context.Context, title, body string) {
	m.deps.Alerter.Alert(ctx, title, body)
}

func (m *Machine) audit(ctx context.Context, callID, event, detail string) {
	if m.deps.Audit == nil || callID == "" {
		return
	}
	m.deps.Audit.CallEvent(ctx, callID, m.self.ID, event, detail)
}

func stopTimer(t *utils.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
