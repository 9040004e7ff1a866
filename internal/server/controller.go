package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"voicemesh/internal/config"
	"voicemesh/internal/domain"
	"voicemesh/internal/signal"
)

var ErrBackpressure = errors.New("backpressure")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller owns every websocket signaling connection and mediates the
// voice-channel protocol between them.
type Controller struct {
	cfg      *config.ServerConfig
	channels *Channels
	relay    *Relay
	metrics  *Metrics
}

func NewController(cfg *config.ServerConfig, channels *Channels, relay *Relay, metrics *Metrics) *Controller {
	return &Controller{cfg: cfg, channels: channels, relay: relay, metrics: metrics}
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// HandleSignal upgrades the request and runs the read/write pumps until the
// socket drops. Identity comes from the auth middleware.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	p := domain.Participant{
		ID:          domain.ParticipantID(c.GetString("participant_id")),
		DisplayName: c.GetString("display_name"),
	}
	log.Info().Str("module", "server.signal").Str("user", string(p.ID)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "server.signal").Msg("ws upgrade")
		return
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, 32),
	}
	ctl.metrics.ConnOpened()

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, p, conn)
		ctl.drop(p, conn)
	}()
}

// drop runs when a socket dies: the server-side roster is authoritative, so
// the membership is removed and channel mates are told immediately.
func (ctl *Controller) drop(p domain.Participant, conn *wsConn) {
	conn.Close()
	ctl.metrics.ConnClosed()
	if ch, ok := ctl.channels.Leave(p.ID); ok {
		ctl.broadcast(ch, p.ID, signal.EventUserLeft, signal.UserLeftPayload{UserID: p.ID})
	}
	ctl.updateGauges()
}

func (ctl *Controller) dispatch(p domain.Participant, conn *wsConn, lim *rate.Limiter, data []byte) {
	var env signal.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "server.signal").Msg("bad json")
		ctl.sendError(conn, signal.CodeBadPayload, "malformed envelope")
		return
	}

	if !lim.Allow() {
		ctl.metrics.RateLimited()
		ctl.sendError(conn, signal.CodeRateLimited, domain.ErrRateLimited.Error())
		return
	}
	ctl.metrics.MessageHandled(env.Event)

	switch env.Event {
	case signal.EventJoin:
		ctl.handleJoin(p, conn, env)
	case signal.EventLeave:
		ctl.handleLeave(p, conn)
	case signal.EventOffer, signal.EventAnswer:
		ctl.relaySDP(p, conn, env)
	case signal.EventCandidate:
		ctl.relayCandidate(p, conn, env)
	case signal.EventAudioState:
		ctl.handleAudioState(p, conn, env)
	case signal.EventSpeaking:
		ctl.handleSpeaking(p, conn, env)
	default:
		log.Warn().Str("module", "server.signal").Str("event", env.Event).Msg("unknown event")
		ctl.sendError(conn, signal.CodeUnknownEvent, "unknown event: "+env.Event)
	}
}

func (ctl *Controller) handleJoin(p domain.Participant, conn *wsConn, env signal.Envelope) {
	var jp signal.JoinPayload
	if err := env.Decode(&jp); err != nil || jp.ChannelID == "" {
		ctl.sendError(conn, signal.CodeBadPayload, "join requires channelId")
		return
	}

	others, rejoined, prev, err := ctl.channels.Join(jp.ChannelID, p, conn)
	if err != nil {
		ctl.metrics.JoinRejected()
		ctl.sendError(conn, signal.CodeChannelFull, err.Error())
		return
	}
	if prev != "" {
		ctl.broadcast(prev, p.ID, signal.EventUserLeft, signal.UserLeftPayload{UserID: p.ID})
	}

	if others == nil {
		others = []domain.Participant{}
	}
	ctl.sendEvent(conn, signal.EventVoiceUsers, signal.VoiceUsersPayload{
		Users:      others,
		ICEServers: ctl.relay.ICEServers(p.ID),
	})

	if !rejoined {
		ctl.broadcast(jp.ChannelID, p.ID, signal.EventUserJoined, signal.UserJoinedPayload{
			UserID:   p.ID,
			Username: p.DisplayName,
		})
	}
	ctl.updateGauges()
}

func (ctl *Controller) handleLeave(p domain.Participant, conn *wsConn) {
	ch, ok := ctl.channels.Leave(p.ID)
	if !ok {
		ctl.sendError(conn, signal.CodeNotInChannel, domain.ErrNotInChannel.Error())
		return
	}
	ctl.broadcast(ch, p.ID, signal.EventUserLeft, signal.UserLeftPayload{UserID: p.ID})
	ctl.updateGauges()
}

// relaySDP forwards an offer or answer to the addressed channel mate,
// rewriting to -> from so the receiver knows the origin.
func (ctl *Controller) relaySDP(p domain.Participant, conn *wsConn, env signal.Envelope) {
	var sp signal.SDPPayload
	if err := env.Decode(&sp); err != nil || sp.To == "" || sp.SDP == "" {
		ctl.sendError(conn, signal.CodeBadPayload, "sdp relay requires to and sdp")
		return
	}
	target, ok := ctl.lookupPeer(p, conn, sp.To)
	if !ok {
		return
	}
	sp.From, sp.To = p.ID, ""
	ctl.forward(target, env.Event, sp)
}

func (ctl *Controller) relayCandidate(p domain.Participant, conn *wsConn, env signal.Envelope) {
	var cp signal.CandidatePayload
	if err := env.Decode(&cp); err != nil || cp.To == "" {
		ctl.sendError(conn, signal.CodeBadPayload, "candidate relay requires to")
		return
	}
	target, ok := ctl.lookupPeer(p, conn, cp.To)
	if !ok {
		return
	}
	cp.From, cp.To = p.ID, ""
	ctl.forward(target, signal.EventCandidate, cp)
}

func (ctl *Controller) lookupPeer(p domain.Participant, conn *wsConn, to domain.ParticipantID) (*member, bool) {
	ch, ok := ctl.channels.ChannelOf(p.ID)
	if !ok {
		ctl.sendError(conn, signal.CodeNotInChannel, domain.ErrNotInChannel.Error())
		return nil, false
	}
	target, ok := ctl.channels.Peer(ch, to)
	if !ok {
		ctl.sendError(conn, signal.CodeNoSuchPeer, "no such peer in channel: "+string(to))
		return nil, false
	}
	return target, true
}

func (ctl *Controller) handleAudioState(p domain.Participant, conn *wsConn, env signal.Envelope) {
	var ap signal.AudioStatePayload
	if err := env.Decode(&ap); err != nil {
		ctl.sendError(conn, signal.CodeBadPayload, "bad audio-state payload")
		return
	}
	ch, ok := ctl.channels.ChannelOf(p.ID)
	if !ok {
		ctl.sendError(conn, signal.CodeNotInChannel, domain.ErrNotInChannel.Error())
		return
	}
	ap.UserID = p.ID
	ctl.broadcast(ch, p.ID, signal.EventAudioState, ap)
}

func (ctl *Controller) handleSpeaking(p domain.Participant, conn *wsConn, env signal.Envelope) {
	var sp signal.SpeakingPayload
	if err := env.Decode(&sp); err != nil {
		ctl.sendError(conn, signal.CodeBadPayload, "bad speaking payload")
		return
	}
	ch, ok := ctl.channels.ChannelOf(p.ID)
	if !ok {
		ctl.sendError(conn, signal.CodeNotInChannel, domain.ErrNotInChannel.Error())
		return
	}
	sp.UserID = p.ID
	ctl.broadcast(ch, p.ID, signal.EventSpeaking, sp)
}

func (ctl *Controller) broadcast(ch domain.ChannelID, from domain.ParticipantID, event string, payload any) {
	for _, m := range ctl.channels.MembersExcept(ch, from) {
		ctl.forward(m, event, payload)
	}
}

func (ctl *Controller) forward(m *member, event string, payload any) {
	env, err := signal.NewEnvelope(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "server.signal").Msg("forward marshal")
		return
	}
	b, _ := json.Marshal(env)
	if err := m.Conn.TrySend(b); err != nil {
		// Slow consumers are disconnected rather than allowed to stall the channel.
		log.Warn().Err(err).Str("module", "server.signal").Str("user", string(m.Participant.ID)).Msg("dropping slow member")
		m.Conn.Close()
	}
}

func (ctl *Controller) sendEvent(conn *wsConn, event string, payload any) {
	env, err := signal.NewEnvelope(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "server.signal").Msg("sendEvent marshal")
		return
	}
	b, _ := json.Marshal(env)
	_ = conn.TrySend(b)
}

func (ctl *Controller) sendError(conn *wsConn, code, message string) {
	ctl.sendEvent(conn, signal.EventError, signal.ErrorPayload{Code: code, Message: message})
}

func (ctl *Controller) updateGauges() {
	channels, members := ctl.channels.Counts()
	ctl.metrics.SetRoster(channels, members)
}
