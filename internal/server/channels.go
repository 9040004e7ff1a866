package server

import (
	"sync"

	"github.com/rs/zerolog/log"

	"voicemesh/internal/domain"
)

// Sender is the transport endpoint of one connected participant. Owned by the
// controller; the controller must Close() it.
type Sender interface {
	TrySend(data []byte) error
	Close()
}

type member struct {
	Participant domain.Participant
	Conn        Sender
}

// Channels is the server-side roster: the single source of truth for who is
// in which voice channel. At most one member per participant id; a duplicate
// join replaces the existing entry in place.
type Channels struct {
	mu        sync.RWMutex
	capacity  int
	byChannel map[domain.ChannelID]map[domain.ParticipantID]*member
	byUser    map[domain.ParticipantID]domain.ChannelID
}

// NewChannels creates a roster with a per-channel member limit.
// capacity <= 0 means unlimited.
func NewChannels(capacity int) *Channels {
	return &Channels{
		capacity:  capacity,
		byChannel: make(map[domain.ChannelID]map[domain.ParticipantID]*member),
		byUser:    make(map[domain.ParticipantID]domain.ChannelID),
	}
}

// Join adds p to ch and returns the roster of other members. rejoined reports
// that p was already in ch and only its connection was refreshed, so the
// caller must not broadcast a second join. If p was in another channel it is
// moved; prev carries the channel it left.
func (cs *Channels) Join(ch domain.ChannelID, p domain.Participant, conn Sender) (others []domain.Participant, rejoined bool, prev domain.ChannelID, err error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cur, ok := cs.byUser[p.ID]; ok {
		if cur == ch {
			rejoined = true
		} else {
			cs.removeLocked(cur, p.ID)
			prev = cur
		}
	}

	room := cs.byChannel[ch]
	if room == nil {
		room = make(map[domain.ParticipantID]*member)
		cs.byChannel[ch] = room
	}
	if !rejoined && cs.capacity > 0 && len(room) >= cs.capacity {
		return nil, false, prev, domain.ErrChannelFull
	}

	for id, m := range room {
		if id != p.ID {
			others = append(others, m.Participant)
		}
	}
	room[p.ID] = &member{Participant: p, Conn: conn}
	cs.byUser[p.ID] = ch
	log.Info().Str("module", "server.channels").Str("user", string(p.ID)).Str("channel", string(ch)).Bool("rejoined", rejoined).Msg("member joined")
	return others, rejoined, prev, nil
}

// Leave removes p from whatever channel it is in.
func (cs *Channels) Leave(id domain.ParticipantID) (domain.ChannelID, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	ch, ok := cs.byUser[id]
	if !ok {
		return "", false
	}
	cs.removeLocked(ch, id)
	log.Info().Str("module", "server.channels").Str("user", string(id)).Str("channel", string(ch)).Msg("member left")
	return ch, true
}

func (cs *Channels) removeLocked(ch domain.ChannelID, id domain.ParticipantID) {
	if room, ok := cs.byChannel[ch]; ok {
		delete(room, id)
		if len(room) == 0 {
			delete(cs.byChannel, ch)
		}
	}
	delete(cs.byUser, id)
}

// ChannelOf reports which channel id is currently in.
func (cs *Channels) ChannelOf(id domain.ParticipantID) (domain.ChannelID, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	ch, ok := cs.byUser[id]
	return ch, ok
}

// Peer returns the member entry for id inside ch.
func (cs *Channels) Peer(ch domain.ChannelID, id domain.ParticipantID) (*member, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	m, ok := cs.byChannel[ch][id]
	return m, ok
}

// MembersExcept snapshots all members of ch other than except.
func (cs *Channels) MembersExcept(ch domain.ChannelID, except domain.ParticipantID) []*member {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	room := cs.byChannel[ch]
	out := make([]*member, 0, len(room))
	for id, m := range room {
		if id != except {
			out = append(out, m)
		}
	}
	return out
}

func (cs *Channels) Counts() (channels, members int) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.byChannel), len(cs.byUser)
}
