// Package call orchestrates the lifecycle of a single voice call: media
// acquisition, peer-connection setup, SDP offer/answer exchange, ICE relay,
// mute, and total teardown. It talks to the realtime layer only through the
// Signaler interface.
//
// At most one session exists per client. Starting a second call while one
// is active is rejected outright rather than left unspecified.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/shrey2343/researcher-rtc/model"
)

const (
	defaultRingTimeout = 45 * time.Second
	defaultSTUNServer  = "stun:stun.l.google.com:19302"
)

var (
	ErrSignalingDown  = errors.New("signaling transport is not connected")
	ErrCallInProgress = errors.New("another call is already in progress")
	ErrNoIncomingCall = errors.New("no incoming call to answer")
	ErrMediaAcquire   = errors.New("unable to acquire local media")
	ErrNegotiation    = errors.New("unable to negotiate call")
)

type Config struct {
	Logger   *zerolog.Logger
	Signaler Signaler
	Media    MediaSource

	SelfID   string
	SelfName string

	// RingTimeout bounds how long an outbound call may stay in calling
	// before it is ended automatically. Zero means the default (45s).
	RingTimeout time.Duration

	// ICEServers overrides the default public STUN server.
	ICEServers []string
}

// Manager owns the active call session and bridges signaling to it.
type Manager struct {
	logger   zerolog.Logger
	sig      Signaler
	media    MediaSource
	selfID   string
	selfName string

	ringTimeout time.Duration
	iceServers  []string

	mu   sync.Mutex
	sess *session

	cbMu          sync.RWMutex
	onIncoming    func(IncomingCall)
	onEnded       func(EndReason)
	onRemoteTrack func(*webrtc.TrackRemote)

	cancel func()
	done   chan struct{}
}

// NewManager creates a call manager attached to sig and starts listening
// for call signaling immediately.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		logger:      cfg.Logger.With().Str("component", "call").Logger(),
		sig:         cfg.Signaler,
		media:       cfg.Media,
		selfID:      cfg.SelfID,
		selfName:    cfg.SelfName,
		ringTimeout: cfg.RingTimeout,
		iceServers:  cfg.ICEServers,
		done:        make(chan struct{}),
	}
	if m.media == nil {
		m.media = &AudioSource{}
	}
	if m.ringTimeout <= 0 {
		m.ringTimeout = defaultRingTimeout
	}
	if len(m.iceServers) == 0 {
		m.iceServers = []string{defaultSTUNServer}
	}
	ch, cancel := m.sig.Subscribe()
	m.cancel = cancel
	go m.dispatchLoop(ch)
	return m
}

// OnIncoming registers the callback fired for each inbound call. The
// callback runs on its own goroutine so a slow answer decision does not
// stall signaling dispatch (the offer typically arrives right behind the
// incoming-call event).
func (m *Manager) OnIncoming(fn func(IncomingCall)) {
	m.cbMu.Lock()
	m.onIncoming = fn
	m.cbMu.Unlock()
}

// OnEnded registers the completion callback invoked exactly once per
// session, whichever path tears it down.
func (m *Manager) OnEnded(fn func(EndReason)) {
	m.cbMu.Lock()
	m.onEnded = fn
	m.cbMu.Unlock()
}

// OnRemoteTrack registers the callback receiving remote media tracks.
func (m *Manager) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	m.cbMu.Lock()
	m.onRemoteTrack = fn
	m.cbMu.Unlock()
}

// State returns the active session's state, or StateIdle without one.
func (m *Manager) State() State {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return StateIdle
	}
	return sess.currentState()
}

// Remote returns the other party's user id, empty when idle.
func (m *Manager) Remote() string {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return ""
	}
	return sess.remote()
}

// StartCall places an outbound call to userID. It fails fast when the
// signaling transport is down, before any media is acquired or a
// peer-connection is created, and when a session already exists.
func (m *Manager) StartCall(ctx context.Context, userID, userName string) error {
	if !m.sig.Connected() {
		return ErrSignalingDown
	}

	sess := &session{
		callID:     uuid.NewString(),
		remoteID:   userID,
		remoteName: userName,
		callType:   model.CallTypeAudio,
		caller:     true,
		state:      StateCalling,
	}
	sess.logger = m.logger.With().Str("callID", sess.callID).Str("remote", userID).Logger()

	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	m.sess = sess
	m.mu.Unlock()

	// Failure unwinds like the callee's media failure: full teardown and
	// one media-error completion, so both sides report symmetrically.
	if err := m.buildCaller(ctx, sess); err != nil {
		m.finish(sess, EndReasonMediaError)
		return err
	}

	sess.mu.Lock()
	sess.ringTimer = time.AfterFunc(m.ringTimeout, func() { m.timeout(sess) })
	sess.mu.Unlock()

	sess.logger.Info().Msg("call started")
	return nil
}

// buildCaller runs the caller-side setup: media, peer-connection, offer,
// initiate + offer signals.
func (m *Manager) buildCaller(ctx context.Context, sess *session) error {
	tracks, err := m.media.Acquire(ctx)
	if err != nil {
		return errors.Join(ErrMediaAcquire, err)
	}
	sess.mu.Lock()
	sess.tracks = tracks
	sess.mu.Unlock()

	pc, err := m.newPeerConnection(sess)
	if err != nil {
		return errors.Join(ErrNegotiation, err)
	}
	for _, t := range tracks {
		if _, err = pc.AddTrack(t.Local()); err != nil {
			return errors.Join(ErrNegotiation, err)
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return errors.Join(ErrNegotiation, err)
	}
	if err = pc.SetLocalDescription(offer); err != nil {
		return errors.Join(ErrNegotiation, err)
	}

	m.emit(sess, model.EventCallInitiate, model.CallSignalPayload{
		CallID:     sess.callID,
		To:         sess.remote(),
		From:       m.selfID,
		CallerName: m.selfName,
		CallType:   sess.callType,
	})
	m.emit(sess, model.EventWebRTCOffer, model.OfferPayload{
		Offer: model.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP},
		To:    sess.remote(),
		From:  m.selfID,
	})
	m.relayCandidates(sess, sess.markSignalReady())
	return nil
}

// AcceptCall answers the ringing inbound call: acquires media, attaches
// tracks, emits the accept signal, and produces the SDP answer once the
// remote offer is present. Media failure unwinds through the same teardown
// as a reject.
func (m *Manager) AcceptCall(ctx context.Context) error {
	sess := m.current()
	if sess == nil || sess.caller || sess.currentState() != StateReceiving {
		return ErrNoIncomingCall
	}

	tracks, err := m.media.Acquire(ctx)
	if err != nil {
		m.emit(sess, model.EventCallReject, model.CallSignalPayload{
			CallID: sess.callID,
			To:     sess.remote(),
			From:   m.selfID,
		})
		m.finish(sess, EndReasonMediaError)
		return errors.Join(ErrMediaAcquire, err)
	}

	sess.mu.Lock()
	pc := sess.pc
	sess.tracks = tracks
	sess.state = StateAccepted
	sess.acceptRequested = true
	remoteReady := sess.remoteSet
	sess.mu.Unlock()

	if pc != nil {
		for _, t := range tracks {
			if _, err = pc.AddTrack(t.Local()); err != nil {
				sess.logger.Error().Err(err).Msg("failed to attach local track")
			}
		}
	}

	m.emit(sess, model.EventCallAccept, model.CallSignalPayload{
		CallID: sess.callID,
		To:     sess.remote(),
		From:   m.selfID,
	})
	m.relayCandidates(sess, sess.markSignalReady())

	if remoteReady {
		m.produceAnswer(sess)
	}
	sess.logger.Info().Msg("call accepted")
	return nil
}

// RejectCall declines the ringing inbound call. Media is never touched on
// this path.
func (m *Manager) RejectCall() error {
	sess := m.current()
	if sess == nil || sess.caller || sess.currentState() != StateReceiving {
		return ErrNoIncomingCall
	}
	m.emit(sess, model.EventCallReject, model.CallSignalPayload{
		CallID: sess.callID,
		To:     sess.remote(),
		From:   m.selfID,
	})
	m.finish(sess, EndReasonRejected)
	return nil
}

// EndCall hangs up the active call. Idempotent: with no session, or one
// already torn down, it does nothing.
func (m *Manager) EndCall() {
	sess := m.current()
	if sess == nil {
		return
	}
	m.emit(sess, model.EventCallEnd, model.CallSignalPayload{
		CallID: sess.callID,
		To:     sess.remote(),
		From:   m.selfID,
	})
	m.finish(sess, EndReasonLocal)
}

// ToggleMute flips the mute state of the active call's audio tracks and
// returns the new muted value. False without an active call.
func (m *Manager) ToggleMute() bool {
	sess := m.current()
	if sess == nil {
		return false
	}
	return sess.toggleMute()
}

// Close shuts the manager down, ending any active call.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}
	m.cancel()
	m.EndCall()
}

func (m *Manager) current() *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

func (m *Manager) clearSession(sess *session) {
	m.mu.Lock()
	if m.sess == sess {
		m.sess = nil
	}
	m.mu.Unlock()
}

// finish tears sess down and fires the completion callback exactly once.
func (m *Manager) finish(sess *session, reason EndReason) {
	if !sess.terminate() {
		return
	}
	m.clearSession(sess)
	m.cbMu.RLock()
	fn := m.onEnded
	m.cbMu.RUnlock()
	if fn != nil {
		fn(reason)
	}
	m.logger.Debug().Str("reason", string(reason)).Msg("call ended")
}

func (m *Manager) timeout(sess *session) {
	if sess.currentState() != StateCalling {
		return
	}
	m.emit(sess, model.EventCallEnd, model.CallSignalPayload{
		CallID: sess.callID,
		To:     sess.remote(),
		From:   m.selfID,
	})
	sess.logger.Warn().Dur("after", m.ringTimeout).Msg("no answer")
	m.finish(sess, EndReasonTimeout)
}

// emit sends a signaling event best-effort. Send failures degrade the call
// rather than destroy it.
func (m *Manager) emit(sess *session, kind model.EventKind, payload any) {
	ev, err := model.NewEvent(kind, payload)
	if err != nil {
		sess.logger.Error().Err(err).Str("event", string(kind)).Msg("failed to build signal")
		return
	}
	if err = m.sig.Send(ev); err != nil {
		sess.logger.Error().Err(err).Str("event", string(kind)).Msg("failed to send signal")
	}
}

func (m *Manager) relayCandidates(sess *session, cands []model.ICECandidateInit) {
	for _, cand := range cands {
		m.emit(sess, model.EventWebRTCCandidate, model.CandidatePayload{
			Candidate: cand,
			To:        sess.remote(),
			From:      m.selfID,
		})
	}
}

// newPeerConnection builds the pion peer-connection wired to sess.
func (m *Manager) newPeerConnection(sess *session) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: m.iceServers}},
	})
	if err != nil {
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		cand := model.ICECandidateInit{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		}
		m.relayCandidates(sess, sess.holdOrReleaseLocal(cand))
	})

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		sess.logger.Debug().Str("kind", tr.Kind().String()).Msg("remote track arrived")
		m.cbMu.RLock()
		fn := m.onRemoteTrack
		m.cbMu.RUnlock()
		if fn != nil {
			fn(tr)
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		sess.logger.Debug().Str("state", st.String()).Msg("peer connection state changed")
	})

	sess.mu.Lock()
	sess.pc = pc
	sess.mu.Unlock()
	return pc, nil
}

// produceAnswer creates and relays the callee's SDP answer. Failures are
// logged and swallowed; the call degrades instead of being destroyed by a
// single bad negotiation step.
func (m *Manager) produceAnswer(sess *session) {
	sess.mu.Lock()
	pc := sess.pc
	sess.mu.Unlock()
	if pc == nil {
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		sess.logger.Error().Err(err).Msg("failed to create answer")
		return
	}
	if err = pc.SetLocalDescription(answer); err != nil {
		sess.logger.Error().Err(err).Msg("failed to set local description")
		return
	}
	m.emit(sess, model.EventWebRTCAnswer, model.AnswerPayload{
		Answer: model.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP},
		To:     sess.remote(),
		From:   m.selfID,
	})
}

func (m *Manager) dispatchLoop(ch <-chan model.Event) {
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(ev)
		}
	}
}

func (m *Manager) dispatch(ev model.Event) {
	switch ev.Kind {
	case model.EventCallIncoming:
		m.handleIncoming(ev.Payload)
	case model.EventCallAccepted:
		m.handleAccepted()
	case model.EventCallRejected:
		if sess := m.current(); sess != nil {
			m.finish(sess, EndReasonRejected)
		}
	case model.EventCallEnded:
		if sess := m.current(); sess != nil {
			m.finish(sess, EndReasonRemote)
		}
	case model.EventWebRTCOffer:
		m.handleOffer(ev.Payload)
	case model.EventWebRTCAnswer:
		m.handleAnswer(ev.Payload)
	case model.EventWebRTCCandidate:
		m.handleCandidate(ev.Payload)
	}
}

// handleIncoming enters the receiving state: the peer-connection is created
// right away so the offer that follows has somewhere to land, but local
// media stays untouched until an explicit accept.
func (m *Manager) handleIncoming(raw json.RawMessage) {
	var p model.CallSignalPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.logger.Error().Err(err).Msg("failed to decode incoming call")
		return
	}

	callID := p.CallID
	if callID == "" {
		callID = uuid.NewString()
	}
	sess := &session{
		callID:     callID,
		remoteID:   p.From,
		remoteName: p.CallerName,
		callType:   p.CallType,
		state:      StateReceiving,
	}
	sess.logger = m.logger.With().Str("callID", callID).Str("remote", p.From).Logger()

	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		// Busy: one call per client.
		busy := &session{callID: callID, remoteID: p.From, logger: sess.logger}
		m.emit(busy, model.EventCallReject, model.CallSignalPayload{
			CallID: callID,
			To:     p.From,
			From:   m.selfID,
		})
		m.logger.Warn().Str("from", p.From).Msg("incoming call rejected, already in a call")
		return
	}
	m.sess = sess
	m.mu.Unlock()

	if _, err := m.newPeerConnection(sess); err != nil {
		sess.logger.Error().Err(err).Msg("failed to create peer connection")
		m.emit(sess, model.EventCallReject, model.CallSignalPayload{
			CallID: callID,
			To:     p.From,
			From:   m.selfID,
		})
		m.finish(sess, EndReasonMediaError)
		return
	}
	sess.logger.Info().Str("caller", p.CallerName).Msg("incoming call")

	m.cbMu.RLock()
	fn := m.onIncoming
	m.cbMu.RUnlock()
	if fn != nil {
		go fn(IncomingCall{
			CallID:     callID,
			From:       p.From,
			CallerName: p.CallerName,
			CallType:   p.CallType,
		})
	}
}

func (m *Manager) handleAccepted() {
	sess := m.current()
	if sess == nil || !sess.caller {
		return
	}
	sess.mu.Lock()
	if sess.state == StateCalling {
		sess.state = StateAccepted
	}
	if sess.ringTimer != nil {
		sess.ringTimer.Stop()
		sess.ringTimer = nil
	}
	sess.mu.Unlock()
	sess.logger.Info().Msg("call accepted by remote")
}

func (m *Manager) handleOffer(raw json.RawMessage) {
	sess := m.current()
	if sess == nil {
		return
	}
	var p model.OfferPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		sess.logger.Error().Err(err).Msg("failed to decode offer")
		return
	}
	err := sess.applyRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(p.Offer.Type),
		SDP:  p.Offer.SDP,
	})
	if err != nil {
		sess.logger.Error().Err(err).Msg("failed to apply remote offer")
		return
	}

	sess.mu.Lock()
	answerNow := !sess.caller && sess.acceptRequested
	sess.mu.Unlock()
	if answerNow {
		m.produceAnswer(sess)
	}
}

func (m *Manager) handleAnswer(raw json.RawMessage) {
	sess := m.current()
	if sess == nil {
		return
	}
	var p model.AnswerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		sess.logger.Error().Err(err).Msg("failed to decode answer")
		return
	}
	err := sess.applyRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(p.Answer.Type),
		SDP:  p.Answer.SDP,
	})
	if err != nil {
		sess.logger.Error().Err(err).Msg("failed to apply remote answer")
	}
}

func (m *Manager) handleCandidate(raw json.RawMessage) {
	sess := m.current()
	if sess == nil {
		return
	}
	var p model.CandidatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		sess.logger.Error().Err(err).Msg("failed to decode ICE candidate")
		return
	}
	sess.addRemoteCandidate(webrtc.ICECandidateInit{
		Candidate:     p.Candidate.Candidate,
		SDPMid:        p.Candidate.SDPMid,
		SDPMLineIndex: p.Candidate.SDPMLineIndex,
	})
}
