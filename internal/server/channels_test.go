package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicemesh/internal/domain"
)

type nopSender struct{ closed bool }

func (s *nopSender) TrySend([]byte) error { return nil }
func (s *nopSender) Close()               { s.closed = true }

func participant(id string) domain.Participant {
	return domain.Participant{ID: domain.ParticipantID(id), DisplayName: id}
}

func TestChannelsJoinReturnsOthers(t *testing.T) {
	cs := NewChannels(0)

	others, rejoined, prev, err := cs.Join("general", participant("alice"), &nopSender{})
	require.NoError(t, err)
	assert.Empty(t, others)
	assert.False(t, rejoined)
	assert.Empty(t, prev)

	others, _, _, err = cs.Join("general", participant("bob"), &nopSender{})
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Equal(t, domain.ParticipantID("alice"), others[0].ID)
}

func TestChannelsCapacityEnforced(t *testing.T) {
	cs := NewChannels(2)

	_, _, _, err := cs.Join("small", participant("alice"), &nopSender{})
	require.NoError(t, err)
	_, _, _, err = cs.Join("small", participant("bob"), &nopSender{})
	require.NoError(t, err)

	_, _, _, err = cs.Join("small", participant("carol"), &nopSender{})
	assert.ErrorIs(t, err, domain.ErrChannelFull)

	// A full channel still accepts a rejoin of an existing member.
	_, rejoined, _, err := cs.Join("small", participant("alice"), &nopSender{})
	require.NoError(t, err)
	assert.True(t, rejoined)
}

func TestChannelsRejoinReplacesConnection(t *testing.T) {
	cs := NewChannels(0)
	first := &nopSender{}
	second := &nopSender{}

	_, _, _, err := cs.Join("general", participant("alice"), first)
	require.NoError(t, err)
	_, rejoined, _, err := cs.Join("general", participant("alice"), second)
	require.NoError(t, err)
	assert.True(t, rejoined)

	m, ok := cs.Peer("general", "alice")
	require.True(t, ok)
	assert.Same(t, second, m.Conn)

	_, members := cs.Counts()
	assert.Equal(t, 1, members)
}

func TestChannelsJoinMovesBetweenChannels(t *testing.T) {
	cs := NewChannels(0)

	_, _, _, err := cs.Join("general", participant("alice"), &nopSender{})
	require.NoError(t, err)

	_, rejoined, prev, err := cs.Join("music", participant("alice"), &nopSender{})
	require.NoError(t, err)
	assert.False(t, rejoined)
	assert.Equal(t, domain.ChannelID("general"), prev)

	ch, ok := cs.ChannelOf("alice")
	require.True(t, ok)
	assert.Equal(t, domain.ChannelID("music"), ch)

	channels, _ := cs.Counts()
	assert.Equal(t, 1, channels, "empty channel garbage-collected")
}

func TestChannelsLeave(t *testing.T) {
	cs := NewChannels(0)

	_, _, _, err := cs.Join("general", participant("alice"), &nopSender{})
	require.NoError(t, err)

	ch, ok := cs.Leave("alice")
	require.True(t, ok)
	assert.Equal(t, domain.ChannelID("general"), ch)

	_, ok = cs.Leave("alice")
	assert.False(t, ok)

	channels, members := cs.Counts()
	assert.Zero(t, channels)
	assert.Zero(t, members)
}

func TestChannelsMembersExcept(t *testing.T) {
	cs := NewChannels(0)
	for _, id := range []string{"alice", "bob", "carol"} {
		_, _, _, err := cs.Join("general", participant(id), &nopSender{})
		require.NoError(t, err)
	}

	got := cs.MembersExcept("general", "bob")
	require.Len(t, got, 2)
	for _, m := range got {
		assert.NotEqual(t, domain.ParticipantID("bob"), m.Participant.ID)
	}
}
