package client

import (
	"sync"

	"voicemesh/internal/domain"
)

type EventKind string

const (
	EventParticipantJoined EventKind = "participant-joined"
	EventParticipantLeft   EventKind = "participant-left"
	EventPeerStateChanged  EventKind = "peer-state-changed"
	EventPeerFailed        EventKind = "peer-failed"
	EventQualityChanged    EventKind = "quality-changed"
	EventAudioStateChanged EventKind = "audio-state-changed"
	EventSpeakingChanged   EventKind = "speaking-changed"
	EventRemoteTrackAdded  EventKind = "remote-track-added"
	EventChannelLeft       EventKind = "channel-left"
	EventSignalingError    EventKind = "signaling-error"
)

// Event is what registry subscribers receive. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind        EventKind
	Participant domain.ParticipantID
	DisplayName string
	State       ConnState
	Grade       domain.QualityGrade
	Quality     domain.ConnectionQuality
	IsMuted     bool
	IsSpeaking  bool
	Track       *RemoteTrack
	Err         error
}

// eventBus fans events out to subscribers. Delivery is best-effort: a full
// subscriber channel drops the event rather than stalling the core.
type eventBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

// Subscribe returns a receive channel and the matching unsubscribe func.
// Callers must unsubscribe when done or the channel leaks.
func (b *eventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
}

func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *eventBus) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
