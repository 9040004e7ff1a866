package client

import (
	"context"

	"github.com/pion/webrtc/v4"

	"voicemesh/internal/domain"
	"voicemesh/internal/signal"
)

// ICELinkState is the connectivity signal the state machine reacts to,
// decoupled from the transport library's own enums.
type ICELinkState int

const (
	ICEConnected ICELinkState = iota
	ICEDisconnected
	ICEFailed
	ICEClosed
)

// RemoteTrack is a media track received from a peer, handed to playback sinks.
type RemoteTrack struct {
	Kind     string
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// transportSession abstracts one underlying peer connection so the state
// machine owns every transition itself and stays testable with a fake.
type transportSession interface {
	// CreateOffer builds and applies the local offer, returning its SDP.
	CreateOffer(ctx context.Context) (string, error)
	// AcceptOffer applies a remote offer and returns the local answer SDP.
	AcceptOffer(ctx context.Context, sdp string) (string, error)
	// AcceptAnswer applies a remote answer to a previously sent offer.
	AcceptAnswer(sdp string) error
	AddCandidate(signal.CandidatePayload) error

	AttachTrack(*Track) error
	DetachTrack(*Track) error

	OnCandidate(func(signal.CandidatePayload))
	OnICEState(func(ICELinkState))
	OnRemoteTrack(func(RemoteTrack))

	// ReadStats returns the latest transport quality sample, if any arrived.
	ReadStats() (domain.QualitySample, bool)
	Close() error
}
