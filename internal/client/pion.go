package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"voicemesh/internal/domain"
	"voicemesh/internal/signal"
)

// pionSession is the production transportSession. It deliberately contains no
// negotiation logic: the state machine in peer.go stays the only place that
// decides what happens when.
type pionSession struct {
	pc *webrtc.PeerConnection

	mu            sync.Mutex
	onCandidate   func(signal.CandidatePayload)
	onICEState    func(ICELinkState)
	onRemoteTrack func(RemoteTrack)
	senders       map[*Track]*webrtc.RTPSender
	lastLost      map[uint32]int32
	sample        domain.QualitySample
	haveSample    bool
}

func newPionSession(ice []webrtc.ICEServer) (transportSession, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, err
	}
	s := &pionSession{
		pc:       pc,
		senders:  make(map[*Track]*webrtc.RTPSender),
		lastLost: make(map[uint32]int32),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		s.mu.Lock()
		fn := s.onCandidate
		s.mu.Unlock()
		if fn != nil {
			fn(signal.CandidatePayload{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			})
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Debug().Str("module", "client.pion").Str("ice_state", state.String()).Msg("ICE state")
		var link ICELinkState
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			link = ICEConnected
		case webrtc.ICEConnectionStateDisconnected:
			link = ICEDisconnected
		case webrtc.ICEConnectionStateFailed:
			link = ICEFailed
		case webrtc.ICEConnectionStateClosed:
			link = ICEClosed
		default:
			return
		}
		s.mu.Lock()
		fn := s.onICEState
		s.mu.Unlock()
		if fn != nil {
			fn(link)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "client.pion").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		s.mu.Lock()
		fn := s.onRemoteTrack
		s.mu.Unlock()
		if fn != nil {
			fn(RemoteTrack{Kind: track.Kind().String(), Track: track, Receiver: receiver})
		}
	})

	return s, nil
}

func (s *pionSession) OnCandidate(fn func(signal.CandidatePayload)) {
	s.mu.Lock()
	s.onCandidate = fn
	s.mu.Unlock()
}

func (s *pionSession) OnICEState(fn func(ICELinkState)) {
	s.mu.Lock()
	s.onICEState = fn
	s.mu.Unlock()
}

func (s *pionSession) OnRemoteTrack(fn func(RemoteTrack)) {
	s.mu.Lock()
	s.onRemoteTrack = fn
	s.mu.Unlock()
}

// CreateOffer applies the local description immediately; candidates trickle
// through OnCandidate as gathering finds them.
func (s *pionSession) CreateOffer(ctx context.Context) (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (s *pionSession) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (s *pionSession) AcceptAnswer(sdp string) error {
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (s *pionSession) AddCandidate(cp signal.CandidatePayload) error {
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cp.Candidate,
		SDPMid:        cp.SDPMid,
		SDPMLineIndex: cp.SDPMLineIndex,
	})
}

func (s *pionSession) AttachTrack(t *Track) error {
	sender, err := s.pc.AddTrack(t.rtp)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.senders[t] = sender
	s.mu.Unlock()
	go s.readRTCP(sender)
	return nil
}

func (s *pionSession) DetachTrack(t *Track) error {
	s.mu.Lock()
	sender, ok := s.senders[t]
	delete(s.senders, t)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.pc.RemoveTrack(sender)
}

// readRTCP consumes receiver reports for one outgoing track and folds them
// into the current quality sample. Exits when the sender stops.
func (s *pionSession) readRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				log.Debug().Str("module", "client.pion").Err(err).Msg("rtcp read ended")
			}
			return
		}
		clockRate := senderClockRate(sender)
		for _, pkt := range pkts {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, report := range rr.Reports {
				s.recordReport(report, clockRate)
			}
		}
	}
}

func senderClockRate(sender *webrtc.RTPSender) float64 {
	params := sender.GetParameters()
	if len(params.Codecs) > 0 && params.Codecs[0].ClockRate > 0 {
		return float64(params.Codecs[0].ClockRate)
	}
	return 48000
}

func (s *pionSession) recordReport(r rtcp.ReceptionReport, clockRate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.lastLost[r.SSRC]
	lost := int(int32(r.TotalLost) - prev)
	if lost < 0 {
		lost = 0
	}
	s.lastLost[r.SSRC] = int32(r.TotalLost)

	s.sample = domain.QualitySample{
		PacketsLost:     lost,
		JitterMs:        float64(r.Jitter) / clockRate * 1000,
		RoundTripTimeMs: rttFromReport(r, time.Now()),
		Timestamp:       time.Now(),
	}
	s.haveSample = true
}

// rttFromReport derives round-trip time from the LSR/DLSR fields, both in
// 1/65536 second units relative to our last sender report. Zero LSR means the
// receiver has not seen a sender report yet.
func rttFromReport(r rtcp.ReceptionReport, now time.Time) float64 {
	if r.LastSenderReport == 0 {
		return 0
	}
	ntp := toNtpTime(now)
	mid := uint32(ntp >> 16)
	delta := mid - r.LastSenderReport - r.Delay
	if int32(delta) < 0 {
		return 0
	}
	return float64(delta) / 65536 * 1000
}

// toNtpTime converts wall time to the 64-bit NTP timestamp format.
func toNtpTime(t time.Time) uint64 {
	const ntpEpochOffset = 2208988800
	sec := uint64(t.Unix() + ntpEpochOffset)
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return sec<<32 | frac
}

func (s *pionSession) ReadStats() (domain.QualitySample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sample, s.haveSample
}

func (s *pionSession) Close() error {
	return s.pc.Close()
}
