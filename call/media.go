package call

import (
	"context"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Track is one local media track owned by a call session. Enabled gates the
// track without renegotiation; a disabled audio track is "muted".
type Track interface {
	Kind() webrtc.RTPCodecType
	Local() webrtc.TrackLocal
	Enabled() bool
	SetEnabled(bool)
	Close() error
}

// MediaSource acquires local media device tracks. Acquisition can fail
// (permission denied, device busy) and the session treats that failure as a
// call end, never as a half-built session. Capture-driver implementations
// plug in here; the default source produces a sample-fed opus track.
type MediaSource interface {
	Acquire(ctx context.Context) ([]Track, error)
}

// AudioSource is the default MediaSource: a single opus audio track whose
// samples are pushed by the application (e.g. from a capture pipeline).
type AudioSource struct {
	// StreamID labels the track's stream. Empty means "researcher-rtc".
	StreamID string
}

func (s *AudioSource) Acquire(_ context.Context) ([]Track, error) {
	streamID := s.StreamID
	if streamID == "" {
		streamID = "researcher-rtc"
	}
	tl, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", streamID,
	)
	if err != nil {
		return nil, err
	}
	t := &sampleTrack{track: tl}
	t.enabled.Store(true)
	return []Track{t}, nil
}

// sampleTrack wraps a static sample track with an enabled gate. Samples
// written while disabled are dropped, which is what mute means here.
type sampleTrack struct {
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	closed  atomic.Bool
}

func (t *sampleTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

func (t *sampleTrack) Local() webrtc.TrackLocal { return t.track }

func (t *sampleTrack) Enabled() bool { return t.enabled.Load() }

func (t *sampleTrack) SetEnabled(v bool) { t.enabled.Store(v) }

// WriteSample feeds captured audio into the track, honoring the mute gate.
func (t *sampleTrack) WriteSample(s media.Sample) error {
	if t.closed.Load() || !t.enabled.Load() {
		return nil
	}
	return t.track.WriteSample(s)
}

func (t *sampleTrack) Close() error {
	t.closed.Store(true)
	return nil
}
