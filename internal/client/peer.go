package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voicemesh/internal/domain"
	"voicemesh/internal/signal"
)

// peerConn drives one peer-to-peer media session through the explicit state
// table in state.go. Every async callback carries the generation tag it was
// created under and is discarded if the session has since been replaced or
// closed, so stale offers, answers and ICE signals can never resurrect a dead
// negotiation.
type peerConn struct {
	log    zerolog.Logger
	self   domain.ParticipantID
	remote domain.ParticipantID

	retryLimit      int
	degradedTimeout time.Duration

	newSess       func() (transportSession, error)
	send          func(event string, payload any) error
	onState       func(id domain.ParticipantID, s ConnState, err error)
	onRemoteTrack func(id domain.ParticipantID, t RemoteTrack)
	attachTracks  func(s transportSession)
	detachTracks  func(s transportSession)

	mu             sync.Mutex
	state          ConnState
	gen            uint64
	retries        int
	sess           transportSession
	pending        []signal.CandidatePayload
	candidateReady bool
	degradedTimer  *time.Timer
}

func newPeerConn(log zerolog.Logger, self, remote domain.ParticipantID, retryLimit int, degradedTimeout time.Duration) *peerConn {
	if degradedTimeout <= 0 {
		degradedTimeout = 12 * time.Second
	}
	return &peerConn{
		log:             log.With().Str("module", "client.peer").Str("peer", string(remote)).Logger(),
		self:            self,
		remote:          remote,
		retryLimit:      retryLimit,
		degradedTimeout: degradedTimeout,
		state:           StateNew,
	}
}

// isCaller applies the glare tie-break: the lexicographically smaller stable
// identifier initiates; the other side waits to be callee. Deterministic and
// symmetric across both peers.
func (p *peerConn) isCaller() bool {
	return p.self < p.remote
}

func (p *peerConn) currentState() ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *peerConn) setStateLocked(to ConnState) {
	if p.state == to {
		return
	}
	if !canTransition(p.state, to) {
		p.log.Warn().Str("from", p.state.String()).Str("to", to.String()).Msg("illegal transition dropped")
		return
	}
	p.log.Debug().Str("from", p.state.String()).Str("to", to.String()).Msg("state transition")
	p.state = to
	if p.onState != nil {
		p.onState(p.remote, to, nil)
	}
}

// initiate starts the caller side of the handshake. No-op unless the machine
// sits at new.
func (p *peerConn) initiate(ctx context.Context) {
	p.mu.Lock()
	if p.state != StateNew {
		p.mu.Unlock()
		return
	}
	if err := p.openSessionLocked(); err != nil {
		p.failLocked(err)
		p.mu.Unlock()
		return
	}
	p.setStateLocked(StateGathering)
	gen, sess := p.gen, p.sess
	p.mu.Unlock()

	sdp, err := sess.CreateOffer(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || p.state == StateClosed {
		return
	}
	if err != nil {
		p.failLocked(err)
		return
	}
	if err := p.send(signal.EventOffer, signal.SDPPayload{To: p.remote, SDP: sdp}); err != nil {
		p.failLocked(err)
		return
	}
	p.setStateLocked(StateOfferSent)
}

// handleRemoteOffer runs the callee side. When offers cross (glare) the
// caller by tie-break ignores the remote offer; the other side discards its
// own outgoing offer, rebuilds the session and answers.
func (p *peerConn) handleRemoteOffer(ctx context.Context, sdp string) {
	p.mu.Lock()
	switch p.state {
	case StateNew:
	case StateGathering, StateOfferSent:
		if p.isCaller() {
			p.log.Info().Msg("glare: keeping own offer, remote offer discarded")
			p.mu.Unlock()
			return
		}
		p.log.Info().Msg("glare: discarding own offer, answering remote")
		p.closeSessionLocked()
	case StateFailed:
		// Remote retry after a failure: accept the fresh negotiation.
		p.closeSessionLocked()
		p.setStateLocked(StateNew)
	default:
		p.log.Warn().Str("state", p.state.String()).Msg("unexpected offer dropped")
		p.mu.Unlock()
		return
	}
	if err := p.openSessionLocked(); err != nil {
		p.failLocked(err)
		p.mu.Unlock()
		return
	}
	gen, sess := p.gen, p.sess
	p.mu.Unlock()

	answer, err := sess.AcceptOffer(ctx, sdp)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || p.state == StateClosed {
		return
	}
	if err != nil {
		p.failLocked(err)
		return
	}
	if err := p.send(signal.EventAnswer, signal.SDPPayload{To: p.remote, SDP: answer}); err != nil {
		p.failLocked(err)
		return
	}
	p.setStateLocked(StateAnswerSent)
	// Both descriptions are applied at this point, so buffered candidates can
	// flow and the connection moves on to connectivity checks.
	p.candidateReady = true
	p.flushCandidatesLocked()
	p.setStateLocked(StateConnecting)
}

// handleRemoteAnswer completes the caller handshake. Answers arriving in any
// other state are stale and dropped.
func (p *peerConn) handleRemoteAnswer(sdp string) {
	p.mu.Lock()
	if p.state != StateOfferSent {
		p.log.Warn().Str("state", p.state.String()).Msg("stale answer dropped")
		p.mu.Unlock()
		return
	}
	p.setStateLocked(StateAnswerReceived)
	gen, sess := p.gen, p.sess
	p.mu.Unlock()

	err := sess.AcceptAnswer(sdp)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || p.state == StateClosed {
		return
	}
	if err != nil {
		p.failLocked(err)
		return
	}
	p.candidateReady = true
	p.flushCandidatesLocked()
	p.setStateLocked(StateConnecting)
}

// handleRemoteCandidate applies a relayed candidate, buffering it in arrival
// order while descriptions are still in flight.
func (p *peerConn) handleRemoteCandidate(cp signal.CandidatePayload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed || p.state == StateFailed {
		return
	}
	if !p.candidateReady {
		p.pending = append(p.pending, cp)
		return
	}
	if err := p.sess.AddCandidate(cp); err != nil {
		p.log.Warn().Err(err).Msg("add candidate")
	}
}

func (p *peerConn) flushCandidatesLocked() {
	for _, cp := range p.pending {
		if err := p.sess.AddCandidate(cp); err != nil {
			p.log.Warn().Err(err).Msg("flush candidate")
		}
	}
	p.pending = nil
}

func (p *peerConn) handleICEState(gen uint64, s ICELinkState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || p.state == StateClosed {
		return
	}
	switch s {
	case ICEConnected:
		if p.state == StateConnecting || p.state == StateDegraded {
			p.stopDegradedTimerLocked()
			p.setStateLocked(StateConnected)
		}
	case ICEDisconnected:
		if p.state != StateConnected {
			return
		}
		p.setStateLocked(StateDegraded)
		p.degradedTimer = time.AfterFunc(p.degradedTimeout, func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.gen == gen && p.state == StateDegraded {
				p.failLocked(fmt.Errorf("degraded for %s without recovery", p.degradedTimeout))
			}
		})
	case ICEFailed:
		if p.state.negotiating() || p.state == StateConnected || p.state == StateDegraded {
			p.failLocked(fmt.Errorf("ice failed"))
		}
	case ICEClosed:
	}
}

// markSignalingLost fails a mid-negotiation connection after a signaling
// drop; connected peers are untouched because media flows independently.
// No retry fires here since offers cannot travel anywhere yet; renegotiate
// picks the peer back up once signaling returns.
func (p *peerConn) markSignalingLost() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.negotiating() {
		return
	}
	p.log.Warn().Str("state", p.state.String()).Msg("signaling lost mid-negotiation")
	p.stopDegradedTimerLocked()
	p.closeSessionLocked()
	p.pending = nil
	p.setStateLocked(StateFailed)
}

// renegotiate restarts a failed handshake from scratch, typically after
// signaling comes back and the roster confirms the peer is still present.
// The reconnect opens a fresh epoch, so the retry budget resets.
func (p *peerConn) renegotiate(ctx context.Context) {
	p.mu.Lock()
	if p.state != StateFailed {
		p.mu.Unlock()
		return
	}
	p.closeSessionLocked()
	p.pending = nil
	p.retries = 0
	p.setStateLocked(StateNew)
	caller := p.isCaller()
	p.mu.Unlock()

	if caller {
		p.initiate(ctx)
	}
}

// failLocked moves to failed and either renegotiates (bounded retries, caller
// re-initiates) or surfaces a terminal error. Never retried silently past the
// limit, which prevents reconnect storms.
func (p *peerConn) failLocked(cause error) {
	p.stopDegradedTimerLocked()
	if p.state == StateClosed {
		return
	}
	p.log.Warn().Err(cause).Int("retries", p.retries).Msg("negotiation failed")
	p.setStateLocked(StateFailed)

	if p.retries < p.retryLimit {
		p.retries++
		p.closeSessionLocked()
		p.pending = nil
		p.candidateReady = false
		p.setStateLocked(StateNew)
		if p.isCaller() {
			go p.initiate(context.Background())
		}
		return
	}
	if p.onState != nil {
		p.onState(p.remote, StateFailed, fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, cause))
	}
}

// close tears the connection down: timers cleared, tracks detached, buffered
// candidates discarded, terminal. The registry removes the object afterwards.
func (p *peerConn) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed {
		return
	}
	p.stopDegradedTimerLocked()
	p.closeSessionLocked()
	p.pending = nil
	p.candidateReady = false
	p.setStateLocked(StateClosed)
}

func (p *peerConn) closeSessionLocked() {
	if p.sess != nil {
		if p.detachTracks != nil {
			p.detachTracks(p.sess)
		}
		if err := p.sess.Close(); err != nil {
			p.log.Warn().Err(err).Msg("session close")
		}
		p.sess = nil
	}
	p.gen++
	p.candidateReady = false
}

func (p *peerConn) stopDegradedTimerLocked() {
	if p.degradedTimer != nil {
		p.degradedTimer.Stop()
		p.degradedTimer = nil
	}
}

// openSessionLocked builds a fresh transport session and wires its callbacks
// under the current generation. Local tracks are attached before any
// description is created so they land in the SDP.
func (p *peerConn) openSessionLocked() error {
	sess, err := p.newSess()
	if err != nil {
		return err
	}
	gen := p.gen
	sess.OnCandidate(func(cp signal.CandidatePayload) {
		// Local candidates go out immediately upon discovery, not batched.
		p.mu.Lock()
		live := p.gen == gen && p.state != StateClosed
		p.mu.Unlock()
		if !live {
			return
		}
		cp.To = p.remote
		if err := p.send(signal.EventCandidate, cp); err != nil {
			p.log.Warn().Err(err).Msg("send candidate")
		}
	})
	sess.OnICEState(func(s ICELinkState) {
		p.handleICEState(gen, s)
	})
	sess.OnRemoteTrack(func(t RemoteTrack) {
		p.mu.Lock()
		live := p.gen == gen && p.state != StateClosed
		p.mu.Unlock()
		if live && p.onRemoteTrack != nil {
			p.onRemoteTrack(p.remote, t)
		}
	})
	p.sess = sess
	if p.attachTracks != nil {
		p.attachTracks(sess)
	}
	return nil
}

// readStats samples the transport while media is (or was just) flowing.
func (p *peerConn) readStats() (domain.QualitySample, bool) {
	p.mu.Lock()
	sess, st := p.sess, p.state
	p.mu.Unlock()
	if sess == nil || (st != StateConnected && st != StateDegraded) {
		return domain.QualitySample{}, false
	}
	return sess.ReadStats()
}
