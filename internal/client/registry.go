package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"voicemesh/internal/domain"
	"voicemesh/internal/signal"
)

// SignalTransport is what the registry needs from the signaling layer.
type SignalTransport interface {
	Send(event string, payload any) error
	Subscribe(buffer int) (<-chan signal.Envelope, func())
}

type RegistryConfig struct {
	DegradedTimeout time.Duration
	RetryLimit      int
	StatsInterval   time.Duration
}

// ParticipantSession is one remote user's presence in the joined channel.
// The embedded peer connection is exclusively owned here.
type ParticipantSession struct {
	Participant domain.Participant
	IsMuted     bool
	IsSpeaking  bool
	Quality     domain.ConnectionQuality
	lastGrade   domain.QualityGrade
	peer        *peerConn
}

// ParticipantInfo is the read-only snapshot handed to callers.
type ParticipantInfo struct {
	Participant domain.Participant
	IsMuted     bool
	IsSpeaking  bool
	Quality     domain.ConnectionQuality
	State       ConnState
}

type joinResult struct {
	users []domain.Participant
	err   error
}

// Registry owns every active peer session, keyed by participant id. It is the
// single source of truth for "who is a peer right now"; other components only
// take ephemeral reads.
type Registry struct {
	log     zerolog.Logger
	tr      SignalTransport
	capture *CaptureManager
	cfg     RegistryConfig
	self    domain.Participant
	bus     *eventBus

	// sessionFactory builds the underlying transport session; swapped for a
	// fake in tests.
	sessionFactory func(ice []webrtc.ICEServer) (transportSession, error)

	mu            sync.Mutex
	joined        bool
	channel       domain.ChannelID
	muted         bool
	iceServers    []webrtc.ICEServer
	sessions      map[domain.ParticipantID]*ParticipantSession
	joinWait      chan joinResult
	monitorCancel context.CancelFunc
}

func NewRegistry(log zerolog.Logger, self domain.Participant, tr SignalTransport, capture *CaptureManager, cfg RegistryConfig) *Registry {
	return &Registry{
		log:            log.With().Str("module", "client.registry").Logger(),
		tr:             tr,
		capture:        capture,
		cfg:            cfg,
		self:           self,
		bus:            newEventBus(),
		sessionFactory: newPionSession,
		sessions:       make(map[domain.ParticipantID]*ParticipantSession),
	}
}

func (reg *Registry) Self() domain.Participant { return reg.self }

// Events subscribes to registry events; dispose the returned func.
func (reg *Registry) Events(buffer int) (<-chan Event, func()) {
	return reg.bus.Subscribe(buffer)
}

// Run consumes the signaling stream until ctx is done. Start it before
// JoinChannel.
func (reg *Registry) Run(ctx context.Context) {
	envs, unsub := reg.tr.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envs:
			if !ok {
				return
			}
			reg.dispatch(ctx, env)
		}
	}
}

func (reg *Registry) dispatch(ctx context.Context, env signal.Envelope) {
	switch env.Event {
	case signal.EventVoiceUsers:
		reg.handleVoiceUsers(ctx, env)
	case signal.EventUserJoined:
		reg.handleUserJoined(ctx, env)
	case signal.EventUserLeft:
		reg.handleUserLeft(env)
	case signal.EventOffer:
		reg.handleOffer(ctx, env)
	case signal.EventAnswer:
		reg.handleAnswer(env)
	case signal.EventCandidate:
		reg.handleCandidate(env)
	case signal.EventAudioState:
		reg.handleAudioState(env)
	case signal.EventSpeaking:
		reg.handleSpeaking(env)
	case signal.EventError:
		reg.handleError(env)
	case transportEventDown:
		reg.handleTransportDown()
	case transportEventReconnected:
		reg.handleTransportReconnected()
	default:
		reg.log.Debug().Str("event", env.Event).Msg("unhandled event")
	}
}

// JoinChannel announces intent and waits for the roster snapshot or a
// rejection. A rejection performs no connection setup and carries the server
// reason verbatim.
func (reg *Registry) JoinChannel(ctx context.Context, ch domain.ChannelID) ([]domain.Participant, error) {
	reg.mu.Lock()
	if reg.joined {
		reg.mu.Unlock()
		return nil, domain.ErrAlreadyInChannel
	}
	if reg.joinWait != nil {
		reg.mu.Unlock()
		return nil, fmt.Errorf("join already in progress")
	}
	wait := make(chan joinResult, 1)
	reg.joinWait = wait
	reg.channel = ch
	reg.mu.Unlock()

	if err := reg.tr.Send(signal.EventJoin, signal.JoinPayload{ChannelID: ch}); err != nil {
		reg.clearJoinWait()
		return nil, err
	}

	select {
	case res := <-wait:
		if res.err != nil {
			reg.clearJoinWait()
			return nil, res.err
		}
		reg.mu.Lock()
		reg.joined = true
		reg.mu.Unlock()
		reg.startMonitor()
		return res.users, nil
	case <-ctx.Done():
		reg.clearJoinWait()
		return nil, ctx.Err()
	}
}

func (reg *Registry) clearJoinWait() {
	reg.mu.Lock()
	reg.joinWait = nil
	if !reg.joined {
		reg.channel = ""
	}
	reg.mu.Unlock()
}

// LeaveChannel closes every owned connection and notifies the server.
// Captures stay running; only their per-connection attachments are released.
func (reg *Registry) LeaveChannel() error {
	reg.mu.Lock()
	if !reg.joined {
		reg.mu.Unlock()
		return domain.ErrNotInChannel
	}
	peers := make([]*peerConn, 0, len(reg.sessions))
	for _, s := range reg.sessions {
		peers = append(peers, s.peer)
	}
	reg.sessions = make(map[domain.ParticipantID]*ParticipantSession)
	reg.joined = false
	reg.channel = ""
	cancel := reg.monitorCancel
	reg.monitorCancel = nil
	reg.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, p := range peers {
		p.close()
	}
	err := reg.tr.Send(signal.EventLeave, nil)
	reg.bus.publish(Event{Kind: EventChannelLeft})
	return err
}

// SetMuted broadcasts the local mute flag. The actual audio gate lives in the
// transmission controller; this is the state peers render.
func (reg *Registry) SetMuted(muted bool) error {
	reg.mu.Lock()
	reg.muted = muted
	reg.mu.Unlock()
	return reg.tr.Send(signal.EventAudioState, signal.AudioStatePayload{IsMuted: muted})
}

// ReportSpeaking broadcasts a transmission-activity flip. Wired as the
// transmission controller's report hook.
func (reg *Registry) ReportSpeaking(active bool) {
	if err := reg.tr.Send(signal.EventSpeaking, signal.SpeakingPayload{IsSpeaking: active}); err != nil {
		reg.log.Warn().Err(err).Msg("speaking report")
	}
}

// Participants snapshots the current roster with per-peer state.
func (reg *Registry) Participants() []ParticipantInfo {
	reg.mu.Lock()
	sessions := make([]*ParticipantSession, 0, len(reg.sessions))
	for _, s := range reg.sessions {
		sessions = append(sessions, s)
	}
	reg.mu.Unlock()

	out := make([]ParticipantInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, ParticipantInfo{
			Participant: s.Participant,
			IsMuted:     s.IsMuted,
			IsSpeaking:  s.IsSpeaking,
			Quality:     s.Quality,
			State:       s.peer.currentState(),
		})
	}
	return out
}

func (reg *Registry) handleVoiceUsers(ctx context.Context, env signal.Envelope) {
	var vp signal.VoiceUsersPayload
	if err := env.Decode(&vp); err != nil {
		reg.log.Error().Err(err).Msg("bad voice-users payload")
		return
	}

	ice := make([]webrtc.ICEServer, 0, len(vp.ICEServers))
	for _, s := range vp.ICEServers {
		ice = append(ice, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}

	inRoster := make(map[domain.ParticipantID]bool, len(vp.Users))
	var created, existing []*peerConn
	var removed []*peerConn

	reg.mu.Lock()
	reg.iceServers = ice
	for _, u := range vp.Users {
		inRoster[u.ID] = true
		if s, ok := reg.sessions[u.ID]; ok {
			s.Participant = u
			existing = append(existing, s.peer)
			continue
		}
		created = append(created, reg.createSessionLocked(u).peer)
	}
	// The snapshot is authoritative: anyone we know who is absent has left
	// while signaling was down.
	for id, s := range reg.sessions {
		if !inRoster[id] {
			removed = append(removed, s.peer)
			delete(reg.sessions, id)
		}
	}
	wait := reg.joinWait
	reg.joinWait = nil
	reg.mu.Unlock()

	for _, p := range removed {
		p.close()
	}
	// Still-present peers whose negotiation failed while signaling was down
	// get a fresh start; renegotiate is a no-op for healthy ones.
	for _, p := range existing {
		p.renegotiate(ctx)
	}
	for _, p := range created {
		if p.isCaller() {
			go p.initiate(ctx)
		}
	}
	if wait != nil {
		wait <- joinResult{users: vp.Users}
	}
}

func (reg *Registry) handleUserJoined(ctx context.Context, env signal.Envelope) {
	var up signal.UserJoinedPayload
	if err := env.Decode(&up); err != nil {
		reg.log.Error().Err(err).Msg("bad user-joined payload")
		return
	}

	reg.mu.Lock()
	if !reg.joined {
		reg.mu.Unlock()
		return
	}
	if s, ok := reg.sessions[up.UserID]; ok {
		// Duplicate join for a known id updates in place, never a second session.
		s.Participant.DisplayName = up.Username
		reg.mu.Unlock()
		return
	}
	s := reg.createSessionLocked(domain.Participant{ID: up.UserID, DisplayName: up.Username})
	peer := s.peer
	reg.mu.Unlock()

	reg.bus.publish(Event{Kind: EventParticipantJoined, Participant: up.UserID, DisplayName: up.Username})
	if peer.isCaller() {
		go peer.initiate(ctx)
	}
}

func (reg *Registry) handleUserLeft(env signal.Envelope) {
	var up signal.UserLeftPayload
	if err := env.Decode(&up); err != nil {
		reg.log.Error().Err(err).Msg("bad user-left payload")
		return
	}

	reg.mu.Lock()
	s, ok := reg.sessions[up.UserID]
	if ok {
		delete(reg.sessions, up.UserID)
	}
	reg.mu.Unlock()
	if !ok {
		return
	}
	s.peer.close()
	reg.bus.publish(Event{Kind: EventParticipantLeft, Participant: up.UserID})
}

// lookupPeer fetches the peer for id without holding the registry lock while
// the caller talks to it. Missing means stale signaling for a gone peer.
func (reg *Registry) lookupPeer(id domain.ParticipantID) (*peerConn, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	s, ok := reg.sessions[id]
	if !ok {
		return nil, false
	}
	return s.peer, true
}

func (reg *Registry) handleOffer(ctx context.Context, env signal.Envelope) {
	var sp signal.SDPPayload
	if err := env.Decode(&sp); err != nil || sp.From == "" {
		reg.log.Error().Err(err).Msg("bad offer payload")
		return
	}
	peer, ok := reg.lookupPeer(sp.From)
	if !ok {
		// An offer can outrun the user-joined delta; the roster is still
		// authoritative, so admit the session now.
		reg.mu.Lock()
		if !reg.joined {
			reg.mu.Unlock()
			reg.log.Warn().Str("from", string(sp.From)).Msg("offer while not in channel, dropped")
			return
		}
		peer = reg.createSessionLocked(domain.Participant{ID: sp.From, DisplayName: string(sp.From)}).peer
		reg.mu.Unlock()
	}
	peer.handleRemoteOffer(ctx, sp.SDP)
}

func (reg *Registry) handleAnswer(env signal.Envelope) {
	var sp signal.SDPPayload
	if err := env.Decode(&sp); err != nil || sp.From == "" {
		reg.log.Error().Err(err).Msg("bad answer payload")
		return
	}
	peer, ok := reg.lookupPeer(sp.From)
	if !ok {
		reg.log.Debug().Str("from", string(sp.From)).Msg("stale answer for unknown peer dropped")
		return
	}
	peer.handleRemoteAnswer(sp.SDP)
}

func (reg *Registry) handleCandidate(env signal.Envelope) {
	var cp signal.CandidatePayload
	if err := env.Decode(&cp); err != nil || cp.From == "" {
		reg.log.Error().Err(err).Msg("bad candidate payload")
		return
	}
	peer, ok := reg.lookupPeer(cp.From)
	if !ok {
		reg.log.Debug().Str("from", string(cp.From)).Msg("stale candidate for unknown peer dropped")
		return
	}
	peer.handleRemoteCandidate(cp)
}

func (reg *Registry) handleAudioState(env signal.Envelope) {
	var ap signal.AudioStatePayload
	if err := env.Decode(&ap); err != nil {
		return
	}
	reg.mu.Lock()
	if s, ok := reg.sessions[ap.UserID]; ok {
		s.IsMuted = ap.IsMuted
	}
	reg.mu.Unlock()
	reg.bus.publish(Event{Kind: EventAudioStateChanged, Participant: ap.UserID, IsMuted: ap.IsMuted})
}

func (reg *Registry) handleSpeaking(env signal.Envelope) {
	var sp signal.SpeakingPayload
	if err := env.Decode(&sp); err != nil {
		return
	}
	reg.mu.Lock()
	if s, ok := reg.sessions[sp.UserID]; ok {
		s.IsSpeaking = sp.IsSpeaking
	}
	reg.mu.Unlock()
	reg.bus.publish(Event{Kind: EventSpeakingChanged, Participant: sp.UserID, IsSpeaking: sp.IsSpeaking})
}

func (reg *Registry) handleError(env signal.Envelope) {
	var ep signal.ErrorPayload
	if err := env.Decode(&ep); err != nil {
		return
	}
	reg.mu.Lock()
	wait := reg.joinWait
	reg.joinWait = nil
	reg.mu.Unlock()

	if wait != nil {
		wait <- joinResult{err: fmt.Errorf("%w: %s", domain.ErrJoinRejected, ep.Message)}
		return
	}
	reg.bus.publish(Event{Kind: EventSignalingError, Err: fmt.Errorf("%s: %s", ep.Code, ep.Message)})
}

// handleTransportDown fails mid-negotiation peers; connected media keeps
// flowing without signaling and is left untouched.
func (reg *Registry) handleTransportDown() {
	for _, s := range reg.snapshotSessions() {
		s.peer.markSignalingLost()
	}
}

// handleTransportReconnected re-announces membership; the roster snapshot in
// the resulting voice-users event reconciles sessions and retries failed
// negotiations.
func (reg *Registry) handleTransportReconnected() {
	reg.mu.Lock()
	joined, ch := reg.joined, reg.channel
	reg.mu.Unlock()
	if !joined {
		return
	}
	reg.log.Info().Str("channel", string(ch)).Msg("re-announcing channel membership")
	if err := reg.tr.Send(signal.EventJoin, signal.JoinPayload{ChannelID: ch}); err != nil {
		reg.log.Error().Err(err).Msg("rejoin after reconnect")
	}
}

func (reg *Registry) snapshotSessions() []*ParticipantSession {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*ParticipantSession, 0, len(reg.sessions))
	for _, s := range reg.sessions {
		out = append(out, s)
	}
	return out
}

// createSessionLocked wires a new peer connection into the registry. Caller
// holds reg.mu and must release it before invoking any peer method.
func (reg *Registry) createSessionLocked(p domain.Participant) *ParticipantSession {
	peer := newPeerConn(reg.log, reg.self.ID, p.ID, reg.cfg.RetryLimit, reg.cfg.DegradedTimeout)
	peer.send = reg.tr.Send
	peer.newSess = func() (transportSession, error) {
		return reg.sessionFactory(reg.iceSnapshot())
	}
	peer.onState = reg.onPeerState
	peer.onRemoteTrack = func(id domain.ParticipantID, t RemoteTrack) {
		reg.bus.publish(Event{Kind: EventRemoteTrackAdded, Participant: id, Track: &t})
	}
	if reg.capture != nil {
		peer.attachTracks = reg.capture.AttachTo
		peer.detachTracks = reg.capture.DetachFrom
	}
	s := &ParticipantSession{Participant: p, Quality: domain.QualityGood, peer: peer}
	reg.sessions[p.ID] = s
	reg.log.Info().Str("peer", string(p.ID)).Bool("caller", peer.isCaller()).Msg("participant session created")
	return s
}

func (reg *Registry) iceSnapshot() []webrtc.ICEServer {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return append([]webrtc.ICEServer(nil), reg.iceServers...)
}

// Close stops the monitor and releases every event subscriber. The registry
// is unusable afterwards.
func (reg *Registry) Close() {
	reg.mu.Lock()
	cancel := reg.monitorCancel
	reg.monitorCancel = nil
	reg.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	reg.bus.closeAll()
}

func (reg *Registry) onPeerState(id domain.ParticipantID, s ConnState, err error) {
	if err != nil {
		reg.bus.publish(Event{Kind: EventPeerFailed, Participant: id, State: s, Err: err})
		return
	}
	reg.bus.publish(Event{Kind: EventPeerStateChanged, Participant: id, State: s})
}
