package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/shrey2343/researcher-rtc/model"
)

type fakeSignaler struct {
	mu        sync.Mutex
	connected bool
	sent      []model.Event
	ch        chan model.Event
}

func newFakeSignaler(connected bool) *fakeSignaler {
	return &fakeSignaler{
		connected: connected,
		ch:        make(chan model.Event, 64),
	}
}

func (f *fakeSignaler) Send(ev model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return errors.New("not connected")
	}
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeSignaler) Subscribe() (chan model.Event, func()) {
	return f.ch, func() {}
}

func (f *fakeSignaler) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSignaler) push(t *testing.T, kind model.EventKind, payload any) {
	t.Helper()
	ev, err := model.NewEvent(kind, payload)
	if err != nil {
		t.Fatalf("failed to build event: %v", err)
	}
	f.ch <- ev
}

func (f *fakeSignaler) sentKinds() []model.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.EventKind, 0, len(f.sent))
	for _, ev := range f.sent {
		out = append(out, ev.Kind)
	}
	return out
}

func (f *fakeSignaler) hasSent(kind model.EventKind) bool {
	for _, k := range f.sentKinds() {
		if k == kind {
			return true
		}
	}
	return false
}

type fakeTrack struct {
	local *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	closed  bool
}

func (t *fakeTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }
func (t *fakeTrack) Local() webrtc.TrackLocal  { return t.local }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTrack) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeMedia struct {
	mu       sync.Mutex
	fail     bool
	acquired int
	tracks   []*fakeTrack
}

func (m *fakeMedia) Acquire(_ context.Context) ([]Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("permission denied")
	}
	m.acquired++
	tl, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "test",
	)
	if err != nil {
		return nil, err
	}
	tr := &fakeTrack{local: tl, enabled: true}
	m.tracks = append(m.tracks, tr)
	return []Track{tr}, nil
}

func (m *fakeMedia) acquireCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired
}

type endRecorder struct {
	mu      sync.Mutex
	reasons []EndReason
}

func (r *endRecorder) record(reason EndReason) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}

func (r *endRecorder) all() []EndReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EndReason, len(r.reasons))
	copy(out, r.reasons)
	return out
}

func newTestManager(t *testing.T, sig *fakeSignaler, media *fakeMedia, ringTimeout time.Duration) (*Manager, *endRecorder) {
	t.Helper()
	logger := zerolog.Nop()
	rec := &endRecorder{}
	m := NewManager(Config{
		Logger:      &logger,
		Signaler:    sig,
		Media:       media,
		SelfID:      "u1",
		SelfName:    "Alice",
		RingTimeout: ringTimeout,
	})
	m.OnEnded(rec.record)
	t.Cleanup(m.Close)
	return m, rec
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// remoteOffer produces a real SDP offer the way the remote stack would.
func remoteOffer(t *testing.T) model.SessionDescription {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("failed to create remote pc: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	if _, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		t.Fatalf("failed to add transceiver: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("failed to create offer: %v", err)
	}
	if err = pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("failed to set local description: %v", err)
	}
	return model.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}
}

func TestStartCallOfflineFailsFast(t *testing.T) {
	sig := newFakeSignaler(false)
	media := &fakeMedia{}
	m, _ := newTestManager(t, sig, media, 0)

	err := m.StartCall(context.Background(), "u2", "Bob")
	if !errors.Is(err, ErrSignalingDown) {
		t.Fatalf("expected ErrSignalingDown, got %v", err)
	}
	// No resource may be allocated when the signaling path cannot succeed.
	if media.acquireCount() != 0 {
		t.Fatal("media must not be acquired while offline")
	}
	if m.State() != StateIdle {
		t.Fatalf("expected idle, got %s", m.State())
	}
}

func TestStartCallSignalsInitiateThenOffer(t *testing.T) {
	sig := newFakeSignaler(true)
	media := &fakeMedia{}
	m, _ := newTestManager(t, sig, media, 0)

	if err := m.StartCall(context.Background(), "u2", "Bob"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if m.State() != StateCalling {
		t.Fatalf("expected calling, got %s", m.State())
	}
	if m.Remote() != "u2" {
		t.Fatalf("expected remote u2, got %q", m.Remote())
	}

	kinds := sig.sentKinds()
	if len(kinds) < 2 || kinds[0] != model.EventCallInitiate || kinds[1] != model.EventWebRTCOffer {
		t.Fatalf("expected initiate then offer, got %v", kinds)
	}
}

func TestSecondStartCallRejected(t *testing.T) {
	sig := newFakeSignaler(true)
	m, _ := newTestManager(t, sig, &fakeMedia{}, 0)

	if err := m.StartCall(context.Background(), "u2", "Bob"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := m.StartCall(context.Background(), "u3", "Carol"); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("expected ErrCallInProgress, got %v", err)
	}
}

func TestEndCallTeardownIsTotalAndIdempotent(t *testing.T) {
	sig := newFakeSignaler(true)
	media := &fakeMedia{}
	m, rec := newTestManager(t, sig, media, 0)

	if err := m.StartCall(context.Background(), "u2", "Bob"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	m.EndCall()
	m.EndCall() // second end must not throw or double-release

	if m.State() != StateIdle {
		t.Fatalf("expected idle after end, got %s", m.State())
	}
	if m.Remote() != "" {
		t.Fatal("remote reference must be cleared")
	}
	for _, tr := range media.tracks {
		if !tr.isClosed() {
			t.Fatal("local tracks must be stopped on teardown")
		}
	}
	if !sig.hasSent(model.EventCallEnd) {
		t.Fatal("call:end must be emitted")
	}
	if reasons := rec.all(); len(reasons) != 1 || reasons[0] != EndReasonLocal {
		t.Fatalf("completion callback must fire exactly once, got %v", reasons)
	}
}

func TestStartCallMediaFailureLeavesNoSession(t *testing.T) {
	sig := newFakeSignaler(true)
	media := &fakeMedia{fail: true}
	m, rec := newTestManager(t, sig, media, 0)

	err := m.StartCall(context.Background(), "u2", "Bob")
	if !errors.Is(err, ErrMediaAcquire) {
		t.Fatalf("expected ErrMediaAcquire, got %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("expected idle after media failure, got %s", m.State())
	}
	// The caller's failure completes like the callee's: one media-error.
	if reasons := rec.all(); len(reasons) != 1 || reasons[0] != EndReasonMediaError {
		t.Fatalf("expected one media-error completion, got %v", reasons)
	}

	// No half-built session: a fresh call must work once media recovers.
	media.mu.Lock()
	media.fail = false
	media.mu.Unlock()
	if err = m.StartCall(context.Background(), "u2", "Bob"); err != nil {
		t.Fatalf("StartCall after recovery: %v", err)
	}
}

func TestIncomingCreatesPeerConnectionBeforeAccept(t *testing.T) {
	sig := newFakeSignaler(true)
	media := &fakeMedia{}
	m, _ := newTestManager(t, sig, media, 0)

	incoming := make(chan IncomingCall, 1)
	m.OnIncoming(func(ic IncomingCall) { incoming <- ic })

	sig.push(t, model.EventCallIncoming, model.CallSignalPayload{
		CallID: "c1", From: "u2", CallerName: "Bob", CallType: model.CallTypeAudio,
	})

	select {
	case ic := <-incoming:
		if ic.From != "u2" || ic.CallerName != "Bob" {
			t.Fatalf("unexpected incoming call %+v", ic)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for incoming callback")
	}
	if m.State() != StateReceiving {
		t.Fatalf("expected receiving, got %s", m.State())
	}
	if media.acquireCount() != 0 {
		t.Fatal("media must not be acquired before accept")
	}

	// The offer arrives right behind the incoming event; the
	// peer-connection created at incoming time must be able to take it.
	sig.push(t, model.EventWebRTCOffer, model.OfferPayload{Offer: remoteOffer(t), From: "u2"})

	if err := m.AcceptCall(context.Background()); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	if m.State() != StateAccepted {
		t.Fatalf("expected accepted, got %s", m.State())
	}
	if media.acquireCount() != 1 {
		t.Fatal("accept must acquire media exactly once")
	}
	waitUntil(t, "accept and answer signals", func() bool {
		return sig.hasSent(model.EventCallAccept) && sig.hasSent(model.EventWebRTCAnswer)
	})
}

func TestAcceptBeforeOfferAnswersWhenOfferArrives(t *testing.T) {
	sig := newFakeSignaler(true)
	m, _ := newTestManager(t, sig, &fakeMedia{}, 0)

	sig.push(t, model.EventCallIncoming, model.CallSignalPayload{CallID: "c1", From: "u2", CallerName: "Bob"})
	waitUntil(t, "receiving state", func() bool { return m.State() == StateReceiving })

	if err := m.AcceptCall(context.Background()); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	if sig.hasSent(model.EventWebRTCAnswer) {
		t.Fatal("answer cannot exist before the remote offer")
	}

	sig.push(t, model.EventWebRTCOffer, model.OfferPayload{Offer: remoteOffer(t), From: "u2"})
	waitUntil(t, "deferred answer", func() bool { return sig.hasSent(model.EventWebRTCAnswer) })
}

func TestRejectNeverTouchesMedia(t *testing.T) {
	sig := newFakeSignaler(true)
	media := &fakeMedia{}
	m, rec := newTestManager(t, sig, media, 0)

	sig.push(t, model.EventCallIncoming, model.CallSignalPayload{CallID: "c1", From: "u2", CallerName: "Bob"})
	waitUntil(t, "receiving state", func() bool { return m.State() == StateReceiving })

	if err := m.RejectCall(); err != nil {
		t.Fatalf("RejectCall: %v", err)
	}
	if media.acquireCount() != 0 {
		t.Fatal("reject must never touch media")
	}
	if !sig.hasSent(model.EventCallReject) {
		t.Fatal("call:reject must be emitted")
	}
	waitUntil(t, "idle state", func() bool { return m.State() == StateIdle })
	if reasons := rec.all(); len(reasons) != 1 || reasons[0] != EndReasonRejected {
		t.Fatalf("expected one rejected completion, got %v", reasons)
	}
}

func TestRemoteEndTearsDown(t *testing.T) {
	sig := newFakeSignaler(true)
	media := &fakeMedia{}
	m, rec := newTestManager(t, sig, media, 0)

	if err := m.StartCall(context.Background(), "u2", "Bob"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	sig.push(t, model.EventCallEnded, model.CallSignalPayload{From: "u2"})

	waitUntil(t, "idle after remote end", func() bool { return m.State() == StateIdle })
	for _, tr := range media.tracks {
		if !tr.isClosed() {
			t.Fatal("local tracks must be stopped on remote end")
		}
	}
	if reasons := rec.all(); len(reasons) != 1 || reasons[0] != EndReasonRemote {
		t.Fatalf("expected one remote-end completion, got %v", reasons)
	}
}

func TestCallerTransitionsOnRemoteAccept(t *testing.T) {
	sig := newFakeSignaler(true)
	m, _ := newTestManager(t, sig, &fakeMedia{}, 0)

	if err := m.StartCall(context.Background(), "u2", "Bob"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	sig.push(t, model.EventCallAccepted, model.CallSignalPayload{From: "u2"})
	waitUntil(t, "accepted state", func() bool { return m.State() == StateAccepted })
}

func TestRingTimeoutEndsUnansweredCall(t *testing.T) {
	sig := newFakeSignaler(true)
	m, rec := newTestManager(t, sig, &fakeMedia{}, 50*time.Millisecond)

	if err := m.StartCall(context.Background(), "u2", "Bob"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitUntil(t, "ring timeout", func() bool { return m.State() == StateIdle })
	if !sig.hasSent(model.EventCallEnd) {
		t.Fatal("timeout must emit call:end")
	}
	if reasons := rec.all(); len(reasons) != 1 || reasons[0] != EndReasonTimeout {
		t.Fatalf("expected one timeout completion, got %v", reasons)
	}
}

func TestMuteToggleTwiceRestoresTracks(t *testing.T) {
	sig := newFakeSignaler(true)
	media := &fakeMedia{}
	m, _ := newTestManager(t, sig, media, 0)

	if m.ToggleMute() {
		t.Fatal("mute without a call must report unmuted")
	}

	if err := m.StartCall(context.Background(), "u2", "Bob"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	track := media.tracks[0]
	if !track.Enabled() {
		t.Fatal("track must start enabled")
	}
	if !m.ToggleMute() {
		t.Fatal("first toggle must mute")
	}
	if track.Enabled() {
		t.Fatal("muted track must be disabled")
	}
	if m.ToggleMute() {
		t.Fatal("second toggle must unmute")
	}
	if !track.Enabled() {
		t.Fatal("second toggle must restore the enabled flag")
	}
	if m.State() != StateCalling {
		t.Fatal("mute must not change call state")
	}
}

func TestCandidateBeforeOfferIsBuffered(t *testing.T) {
	sig := newFakeSignaler(true)
	m, _ := newTestManager(t, sig, &fakeMedia{}, 0)

	sig.push(t, model.EventCallIncoming, model.CallSignalPayload{CallID: "c1", From: "u2", CallerName: "Bob"})
	waitUntil(t, "receiving state", func() bool { return m.State() == StateReceiving })

	// ICE candidates may arrive before the remote description; they must
	// be tolerated, not crash the session.
	mid := "0"
	idx := uint16(0)
	sig.push(t, model.EventWebRTCCandidate, model.CandidatePayload{
		Candidate: model.ICECandidateInit{
			Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		},
		From: "u2",
	})
	sig.push(t, model.EventWebRTCOffer, model.OfferPayload{Offer: remoteOffer(t), From: "u2"})

	if err := m.AcceptCall(context.Background()); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	waitUntil(t, "answer after buffered candidate", func() bool {
		return sig.hasSent(model.EventWebRTCAnswer)
	})
}

func TestBusyRejectsSecondIncomingCall(t *testing.T) {
	sig := newFakeSignaler(true)
	m, _ := newTestManager(t, sig, &fakeMedia{}, 0)

	if err := m.StartCall(context.Background(), "u2", "Bob"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	sig.push(t, model.EventCallIncoming, model.CallSignalPayload{CallID: "c2", From: "u3", CallerName: "Carol"})

	waitUntil(t, "busy reject", func() bool { return sig.hasSent(model.EventCallReject) })
	if m.State() != StateCalling || m.Remote() != "u2" {
		t.Fatal("active call must be unaffected by a busy reject")
	}
}

func TestAcceptMediaFailureUnwindsLikeReject(t *testing.T) {
	sig := newFakeSignaler(true)
	media := &fakeMedia{fail: true}
	m, rec := newTestManager(t, sig, media, 0)

	sig.push(t, model.EventCallIncoming, model.CallSignalPayload{CallID: "c1", From: "u2", CallerName: "Bob"})
	waitUntil(t, "receiving state", func() bool { return m.State() == StateReceiving })

	err := m.AcceptCall(context.Background())
	if !errors.Is(err, ErrMediaAcquire) {
		t.Fatalf("expected ErrMediaAcquire, got %v", err)
	}
	if !sig.hasSent(model.EventCallReject) {
		t.Fatal("media failure must signal a reject to the caller")
	}
	waitUntil(t, "idle after media failure", func() bool { return m.State() == StateIdle })
	if reasons := rec.all(); len(reasons) != 1 || reasons[0] != EndReasonMediaError {
		t.Fatalf("expected one media-error completion, got %v", reasons)
	}
}
