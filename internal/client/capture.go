package client

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"voicemesh/internal/client/device"
	"voicemesh/internal/domain"
)

// Track is one outgoing media track. The live flag gates packet emission
// without touching the underlying capture, so flipping it never renegotiates.
type Track struct {
	id   string
	kind domain.CaptureKind
	rtp  *webrtc.TrackLocalStaticRTP
	live atomic.Bool
}

func newLocalTrack(kind domain.CaptureKind, mimeType, streamID string) (*Track, error) {
	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		id,
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	t := &Track{id: id, kind: kind, rtp: local}
	t.live.Store(true)
	return t, nil
}

func (t *Track) ID() string                { return t.id }
func (t *Track) Kind() domain.CaptureKind  { return t.kind }
func (t *Track) SetLive(v bool)            { t.live.Store(v) }
func (t *Track) Live() bool                { return t.live.Load() }

type capture struct {
	kind        domain.CaptureKind
	deviceID    string
	constraints domain.Constraints
	src         device.Source
	cancel      context.CancelFunc
	tracks      []*Track
	audio       *Track // screen system-audio sub-track, nil otherwise
	state       domain.CaptureState
}

// CaptureManager owns local capture lifecycles: at most one active capture
// per kind, tracks that outlive device switches, and attachment of every
// track to every peer session in a stable order.
type CaptureManager struct {
	log     zerolog.Logger
	devices *device.Mux

	micLevel atomic.Uint64

	mu       sync.Mutex
	captures map[domain.CaptureKind]*capture
	sessions []transportSession
	endedMu  sync.Mutex
	ended    map[int]chan domain.CaptureKind
	nextSub  int
}

func NewCaptureManager(log zerolog.Logger, devices *device.Mux) *CaptureManager {
	return &CaptureManager{
		log:      log.With().Str("module", "client.capture").Logger(),
		devices:  devices,
		captures: make(map[domain.CaptureKind]*capture),
		ended:    make(map[int]chan domain.CaptureKind),
	}
}

// StartCapture activates a capture of the given kind. Starting a kind that is
// already active switches to the new device: the existing tracks are kept so
// peers see the same track across the switch.
func (m *CaptureManager) StartCapture(ctx context.Context, kind domain.CaptureKind, deviceID string, c domain.Constraints) (*Track, error) {
	src, err := m.devices.Open(kind, deviceID, c)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	cap, existing := m.captures[kind]
	if existing {
		m.stopSourceLocked(cap)
		cap.deviceID = deviceID
		cap.constraints = c
	} else {
		cap = &capture{kind: kind, deviceID: deviceID, constraints: c}
		if err := m.createTracksLocked(cap, src); err != nil {
			m.mu.Unlock()
			src.Close()
			return nil, err
		}
		m.captures[kind] = cap
		for _, s := range m.sessions {
			m.attachCaptureLocked(cap, s)
		}
	}
	m.startSourceLocked(ctx, cap, src)
	track := cap.tracks[0]
	m.mu.Unlock()

	m.log.Info().Str("kind", string(kind)).Str("device", deviceID).Bool("switched", existing).Msg("capture started")
	return track, nil
}

// StopCapture deactivates a capture. Stopping an inactive kind is a no-op.
func (m *CaptureManager) StopCapture(kind domain.CaptureKind) {
	m.mu.Lock()
	cap, ok := m.captures[kind]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.stopSourceLocked(cap)
	for _, s := range m.sessions {
		m.detachCaptureLocked(cap, s)
	}
	delete(m.captures, kind)
	m.mu.Unlock()

	if kind == domain.CaptureMicrophone {
		m.micLevel.Store(0)
	}
	m.log.Info().Str("kind", string(kind)).Msg("capture stopped")
}

// SwitchDevice swaps the physical device behind an active capture without
// replacing its tracks. On failure the previous device keeps running.
func (m *CaptureManager) SwitchDevice(ctx context.Context, kind domain.CaptureKind, deviceID string) error {
	m.mu.Lock()
	cap, ok := m.captures[kind]
	if !ok {
		m.mu.Unlock()
		return domain.ErrCaptureNotActive
	}
	constraints := cap.constraints
	m.mu.Unlock()

	src, err := m.devices.Open(kind, deviceID, constraints)
	if err != nil {
		return err
	}

	m.mu.Lock()
	cap, ok = m.captures[kind]
	if !ok {
		m.mu.Unlock()
		src.Close()
		return domain.ErrCaptureNotActive
	}
	m.stopSourceLocked(cap)
	cap.deviceID = deviceID
	m.startSourceLocked(ctx, cap, src)
	m.mu.Unlock()

	m.log.Info().Str("kind", string(kind)).Str("device", deviceID).Msg("device switched")
	return nil
}

func (m *CaptureManager) State(kind domain.CaptureKind) domain.CaptureState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cap, ok := m.captures[kind]; ok {
		return cap.state
	}
	return domain.CaptureInactive
}

// AttachTo adds every active track to the session. Called by each peer
// connection when its media session opens.
func (m *CaptureManager) AttachTo(s transportSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, s)
	for _, cap := range m.captures {
		m.attachCaptureLocked(cap, s)
	}
}

// DetachFrom removes the tracks from a closing session.
func (m *CaptureManager) DetachFrom(s transportSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, known := range m.sessions {
		if known == s {
			m.sessions = append(m.sessions[:i], m.sessions[i+1:]...)
			break
		}
	}
	for _, cap := range m.captures {
		m.detachCaptureLocked(cap, s)
	}
}

// SetMicLive gates the outgoing microphone track. The capture and the level
// meter keep running either way.
func (m *CaptureManager) SetMicLive(live bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cap, ok := m.captures[domain.CaptureMicrophone]; ok {
		cap.tracks[0].SetLive(live)
	}
}

// SetScreenAudio toggles the system-audio sub-track of an active screen
// capture. Pure gating: the video track and the negotiated media lines are
// untouched.
func (m *CaptureManager) SetScreenAudio(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cap, ok := m.captures[domain.CaptureScreen]
	if !ok {
		return domain.ErrCaptureNotActive
	}
	if cap.audio == nil {
		return fmt.Errorf("screen capture has no audio sub-track")
	}
	cap.audio.SetLive(enabled)
	return nil
}

// MicLevel reports the most recent microphone RMS in 0..1.
func (m *CaptureManager) MicLevel() float64 {
	return math.Float64frombits(m.micLevel.Load())
}

// SubscribeEnded delivers the kind of any capture that ends unexpectedly
// (device unplugged, OS revoked access).
func (m *CaptureManager) SubscribeEnded(buffer int) (<-chan domain.CaptureKind, func()) {
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan domain.CaptureKind, buffer)
	m.endedMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.ended[id] = ch
	m.endedMu.Unlock()

	return ch, func() {
		m.endedMu.Lock()
		if sub, ok := m.ended[id]; ok {
			delete(m.ended, id)
			close(sub)
		}
		m.endedMu.Unlock()
	}
}

// Close stops every capture.
func (m *CaptureManager) Close() {
	for _, kind := range []domain.CaptureKind{domain.CaptureMicrophone, domain.CaptureCamera, domain.CaptureScreen} {
		m.StopCapture(kind)
	}
}

func (m *CaptureManager) createTracksLocked(cap *capture, src device.Source) error {
	streamID := "capture-" + string(cap.kind)
	switch cap.kind {
	case domain.CaptureMicrophone:
		t, err := newLocalTrack(cap.kind, webrtc.MimeTypeOpus, streamID)
		if err != nil {
			return err
		}
		cap.tracks = []*Track{t}
	case domain.CaptureCamera:
		t, err := newLocalTrack(cap.kind, webrtc.MimeTypeVP8, streamID)
		if err != nil {
			return err
		}
		cap.tracks = []*Track{t}
	case domain.CaptureScreen:
		t, err := newLocalTrack(cap.kind, webrtc.MimeTypeVP8, streamID)
		if err != nil {
			return err
		}
		cap.tracks = []*Track{t}
		if _, hasAudio := src.(device.AudioSource); hasAudio && cap.constraints.SystemAudio {
			at, err := newLocalTrack(cap.kind, webrtc.MimeTypeOpus, streamID)
			if err != nil {
				return err
			}
			at.SetLive(cap.constraints.SystemAudio)
			cap.audio = at
			cap.tracks = append(cap.tracks, at)
		}
	default:
		return fmt.Errorf("unknown capture kind %q", cap.kind)
	}
	return nil
}

// startSourceLocked wires the pump goroutines for src and the watcher for its
// unexpected end.
func (m *CaptureManager) startSourceLocked(ctx context.Context, cap *capture, src device.Source) {
	pumpCtx, cancel := context.WithCancel(ctx)
	cap.src = src
	cap.cancel = cancel
	cap.state = domain.CaptureActive

	switch s := src.(type) {
	case device.AudioSource:
		if cap.kind == domain.CaptureMicrophone {
			go m.runAudioPump(pumpCtx, s, cap.tracks[0], cap.constraints, true)
		} else if cap.audio != nil {
			go m.runAudioPump(pumpCtx, s, cap.audio, cap.constraints, false)
		}
		if vs, ok := src.(device.VideoSource); ok {
			go m.runVideoPump(pumpCtx, vs, cap.tracks[0])
		}
	case device.VideoSource:
		go m.runVideoPump(pumpCtx, s, cap.tracks[0])
	}

	go m.watchSource(pumpCtx, cap.kind, src)
}

// stopSourceLocked halts the pumps and closes the device, keeping the tracks.
func (m *CaptureManager) stopSourceLocked(cap *capture) {
	if cap.cancel != nil {
		cap.cancel()
		cap.cancel = nil
	}
	if cap.src != nil {
		if err := cap.src.Close(); err != nil {
			m.log.Warn().Err(err).Str("kind", string(cap.kind)).Msg("close source")
		}
		cap.src = nil
	}
	cap.state = domain.CaptureInactive
}

// watchSource flags captures that die underneath us. A deliberate stop
// cancels ctx first, so it never reports.
func (m *CaptureManager) watchSource(ctx context.Context, kind domain.CaptureKind, src device.Source) {
	select {
	case <-ctx.Done():
		return
	case <-src.Done():
	}
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	cap, ok := m.captures[kind]
	if ok && cap.src == src {
		m.stopSourceLocked(cap)
		cap.state = domain.CaptureError
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.log.Warn().Str("kind", string(kind)).Msg("capture ended unexpectedly")
	m.endedMu.Lock()
	for _, ch := range m.ended {
		select {
		case ch <- kind:
		default:
		}
	}
	m.endedMu.Unlock()
}

func (m *CaptureManager) attachCaptureLocked(cap *capture, s transportSession) {
	for _, t := range cap.tracks {
		if err := s.AttachTrack(t); err != nil {
			m.log.Warn().Err(err).Str("kind", string(cap.kind)).Msg("attach track")
		}
	}
}

func (m *CaptureManager) detachCaptureLocked(cap *capture, s transportSession) {
	for _, t := range cap.tracks {
		if err := s.DetachTrack(t); err != nil {
			m.log.Warn().Err(err).Str("kind", string(cap.kind)).Msg("detach track")
		}
	}
}
