package call

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/shrey2343/researcher-rtc/model"
)

// session is one active call. It exclusively owns the peer-connection and
// the local tracks; the two are 1:1 and co-terminate in teardown. All state
// transitions happen under mu.
type session struct {
	callID     string
	remoteName string
	callType   model.CallType
	caller     bool

	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	remoteID string
	pc       *webrtc.PeerConnection
	tracks   []Track
	muted    bool

	// acceptRequested is set when the callee accepts before the remote
	// offer has arrived; the answer is produced once it does.
	acceptRequested bool

	// remoteSet flips when the remote description is applied. Remote ICE
	// candidates arriving earlier wait in pendingRemote.
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit

	// signalReady flips once the handshake has a destination for local
	// candidates (offer sent / accept sent). Earlier candidates wait in
	// pendingLocal.
	signalReady  bool
	pendingLocal []model.ICECandidateInit

	ringTimer *time.Timer
	ended     bool
}

// terminate is the single total-teardown path: stop local tracks, close the
// peer-connection, drop every reference. Idempotent; reports whether this
// call performed the teardown.
func (s *session) terminate() bool {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return false
	}
	s.ended = true
	s.state = StateEnded
	pc := s.pc
	tracks := s.tracks
	s.pc = nil
	s.tracks = nil
	s.remoteID = ""
	s.pendingRemote = nil
	s.pendingLocal = nil
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	s.mu.Unlock()

	for _, t := range tracks {
		if err := t.Close(); err != nil {
			s.logger.Error().Err(err).Msg("failed to close local track")
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			s.logger.Error().Err(err).Msg("failed to close peer connection")
		}
	}
	s.logger.Debug().Msg("session terminated")
	return true
}

// applyRemoteDescription sets the remote SDP and drains candidates that
// arrived before it. Per-candidate failures are logged and swallowed; a bad
// candidate does not destroy the session.
func (s *session) applyRemoteDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return nil
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	s.mu.Lock()
	s.remoteSet = true
	pending := s.pendingRemote
	s.pendingRemote = nil
	s.mu.Unlock()

	for _, cand := range pending {
		if err := pc.AddICECandidate(cand); err != nil {
			s.logger.Error().Err(err).Msg("failed to add buffered ICE candidate")
		}
	}
	return nil
}

// addRemoteCandidate applies an inbound candidate, buffering it when the
// remote description is not set yet.
func (s *session) addRemoteCandidate(cand webrtc.ICECandidateInit) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if !s.remoteSet {
		s.pendingRemote = append(s.pendingRemote, cand)
		s.mu.Unlock()
		return
	}
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.AddICECandidate(cand); err != nil {
		s.logger.Error().Err(err).Msg("failed to add ICE candidate")
	}
}

// holdOrReleaseLocal buffers cand until the handshake can route it, and
// returns the candidates ready to relay (nil while not ready).
func (s *session) holdOrReleaseLocal(cand model.ICECandidateInit) []model.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil
	}
	if !s.signalReady {
		s.pendingLocal = append(s.pendingLocal, cand)
		return nil
	}
	return []model.ICECandidateInit{cand}
}

// markSignalReady flips the local-candidate gate and returns whatever was
// buffered, for the manager to relay.
func (s *session) markSignalReady() []model.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signalReady = true
	pending := s.pendingLocal
	s.pendingLocal = nil
	return pending
}

// toggleMute flips the enabled flag on every local audio track. Purely
// local, no renegotiation, no state change. Returns the new muted value.
func (s *session) toggleMute() bool {
	s.mu.Lock()
	s.muted = !s.muted
	muted := s.muted
	tracks := s.tracks
	s.mu.Unlock()

	for _, t := range tracks {
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			t.SetEnabled(!muted)
		}
	}
	s.logger.Debug().Bool("muted", muted).Msg("mute toggled")
	return muted
}

func (s *session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) remote() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}
