package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/corvino/connectsphere/internal/call"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// ErrPermissionDenied is returned by devices configured to refuse access.
var ErrPermissionDenied = errors.New("device permission denied")

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// SyntheticDevices stands in for a camera and microphone on headless hosts.
// The microphone sends Opus silence while enabled; the camera track is
// negotiated but idle.
type SyntheticDevices struct {
	// Deny refuses every acquisition.
	Deny bool
}

// Acquire creates one track per requested kind.
func (d SyntheticDevices) Acquire(ctx context.Context, m call.Media) (call.LocalStream, error) {
	if d.Deny {
		return nil, ErrPermissionDenied
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := "cs-" + uuid.NewString()
	s := &Stream{stop: make(chan struct{})}
	if m.Audio {
		t, err := newTrack(call.KindAudio, webrtc.MimeTypeOpus, streamID)
		if err != nil {
			return nil, err
		}
		s.tracks = append(s.tracks, t)
		go s.pumpSilence(t)
	}
	if m.Video {
		t, err := newTrack(call.KindVideo, webrtc.MimeTypeVP8, streamID)
		if err != nil {
			return nil, err
		}
		s.tracks = append(s.tracks, t)
	}
	return s, nil
}

// Track is a local sample track with an enabled switch.
type Track struct {
	kind  call.TrackKind
	local *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func newTrack(kind call.TrackKind, mime, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, string(kind), streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	return &Track{kind: kind, local: local, enabled: true}, nil
}

func (t *Track) Kind() call.TrackKind { return t.kind }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.stopped
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *Track) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// WriteSample sends a sample when the track is enabled and drops it otherwise.
func (t *Track) WriteSample(s media.Sample) error {
	if !t.Enabled() {
		return nil
	}
	return t.local.WriteSample(s)
}

// Stream groups the tracks of one acquisition.
type Stream struct {
	tracks []call.LocalTrack
	once   sync.Once
	stop   chan struct{}
}

func (s *Stream) Tracks() []call.LocalTrack { return s.tracks }

func (s *Stream) Stop() {
	s.once.Do(func() {
		close(s.stop)
		for _, t := range s.tracks {
			t.Stop()
		}
	})
}

func (s *Stream) pumpSilence(t *Track) {
	tick := time.NewTicker(frameDuration)
	defer tick.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-tick.C:
			_ = t.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration})
		}
	}
}
