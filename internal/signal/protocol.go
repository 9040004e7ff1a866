// Package signal defines the wire protocol spoken between voice clients and
// the rendezvous server: named events wrapped in a JSON envelope.
package signal

import (
	"encoding/json"

	"voicemesh/internal/domain"
)

// Event names. Direction noted as client->server (C>S) or server->client (S>C).
const (
	EventJoin       = "voice:join"          // C>S
	EventLeave      = "voice:leave"         // C>S
	EventVoiceUsers = "voice-users"         // S>C roster + relay credential snapshot
	EventUserJoined = "user-joined-voice"   // S>C roster delta
	EventUserLeft   = "user-left-voice"     // S>C roster delta
	EventOffer      = "webrtc:offer"        // relayed both ways
	EventAnswer     = "webrtc:answer"       // relayed both ways
	EventCandidate  = "webrtc:ice-candidate" // relayed both ways
	EventAudioState = "audio-state"         // both ways
	EventSpeaking   = "speaking"            // both ways
	EventError      = "error"               // S>C
)

// Stable error codes carried by EventError payloads.
const (
	CodeBadPayload   = "bad_payload"
	CodeChannelFull  = "channel_full"
	CodeNotInChannel = "not_in_channel"
	CodeNoSuchPeer   = "no_such_peer"
	CodeRateLimited  = "rate_limited"
	CodeUnknownEvent = "unknown_event"
)

// Envelope wraps every message on the socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}

func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

type JoinPayload struct {
	ChannelID domain.ChannelID `json:"channelId"`
}

// ICEServer mirrors the webrtc configuration entry in wire-friendly form.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// VoiceUsersPayload is the full roster snapshot sent on every (re)join. The
// server is the source of truth; clients never reconstruct rosters from deltas
// across a reconnect.
type VoiceUsersPayload struct {
	Users      []domain.Participant `json:"users"`
	ICEServers []ICEServer          `json:"iceServers"`
}

type UserJoinedPayload struct {
	UserID   domain.ParticipantID `json:"userId"`
	Username string               `json:"username"`
}

type UserLeftPayload struct {
	UserID domain.ParticipantID `json:"userId"`
}

// SDPPayload relays an offer or answer. Clients fill To; the server rewrites
// it to From before forwarding.
type SDPPayload struct {
	To   domain.ParticipantID `json:"to,omitempty"`
	From domain.ParticipantID `json:"from,omitempty"`
	SDP  string               `json:"sdp"`
}

type CandidatePayload struct {
	To            domain.ParticipantID `json:"to,omitempty"`
	From          domain.ParticipantID `json:"from,omitempty"`
	Candidate     string               `json:"candidate"`
	SDPMid        *string              `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16              `json:"sdpMLineIndex,omitempty"`
}

type AudioStatePayload struct {
	UserID  domain.ParticipantID `json:"userId"`
	IsMuted bool                 `json:"isMuted"`
}

type SpeakingPayload struct {
	UserID     domain.ParticipantID `json:"userId"`
	IsSpeaking bool                 `json:"isSpeaking"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
