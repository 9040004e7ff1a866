package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicemesh/internal/domain"
	"voicemesh/internal/signal"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []sentMsg
	sentCh chan sentMsg
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sentCh: make(chan sentMsg, 32)}
}

func (f *fakeTransport) Send(event string, payload any) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentMsg{event: event, payload: payload})
	f.mu.Unlock()
	select {
	case f.sentCh <- sentMsg{event: event, payload: payload}:
	default:
	}
	return nil
}

func (f *fakeTransport) Subscribe(buffer int) (<-chan signal.Envelope, func()) {
	ch := make(chan signal.Envelope, buffer)
	return ch, func() { close(ch) }
}

func (f *fakeTransport) sentEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.event
	}
	return out
}

func (f *fakeTransport) countSent(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m.event == event {
			n++
		}
	}
	return n
}

func (f *fakeTransport) waitFor(t *testing.T, event string) sentMsg {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case m := <-f.sentCh:
			if m.event == event {
				return m
			}
		case <-deadline:
			t.Fatalf("no %s sent", event)
		}
	}
}

type registryHarness struct {
	reg *Registry
	ft  *fakeTransport

	mu       sync.Mutex
	sessions []*fakeSession
}

func newRegistryHarness(t *testing.T, self domain.ParticipantID) *registryHarness {
	t.Helper()
	h := &registryHarness{ft: newFakeTransport()}
	h.reg = NewRegistry(zerolog.Nop(), domain.Participant{ID: self, DisplayName: string(self)}, h.ft, nil, RegistryConfig{
		StatsInterval: time.Hour,
	})
	h.reg.sessionFactory = func(ice []webrtc.ICEServer) (transportSession, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		f := &fakeSession{id: len(h.sessions)}
		h.sessions = append(h.sessions, f)
		return f, nil
	}
	t.Cleanup(h.reg.Close)
	return h
}

// waitEvent drains the subscription until an event of the wanted kind shows
// up; peer state transitions share the same bus.
func waitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
			return Event{}
		}
	}
}

func (h *registryHarness) dispatch(t *testing.T, event string, payload any) {
	t.Helper()
	env, err := signal.NewEnvelope(event, payload)
	require.NoError(t, err)
	h.reg.dispatch(context.Background(), env)
}

// join drives a complete join handshake against the fake transport.
func (h *registryHarness) join(t *testing.T, ch domain.ChannelID, roster []domain.Participant) []domain.Participant {
	t.Helper()
	type res struct {
		users []domain.Participant
		err   error
	}
	done := make(chan res, 1)
	go func() {
		users, err := h.reg.JoinChannel(context.Background(), ch)
		done <- res{users, err}
	}()

	h.ft.waitFor(t, signal.EventJoin)
	h.dispatch(t, signal.EventVoiceUsers, signal.VoiceUsersPayload{Users: roster})

	select {
	case r := <-done:
		require.NoError(t, r.err)
		return r.users
	case <-time.After(time.Second):
		t.Fatal("join did not complete")
		return nil
	}
}

func TestRegistryJoinReceivesRosterAndInitiatesAsCaller(t *testing.T) {
	h := newRegistryHarness(t, "mallory")
	roster := []domain.Participant{
		{ID: "alice", DisplayName: "alice"},
		{ID: "zed", DisplayName: "zed"},
	}

	users := h.join(t, "general", roster)
	assert.Equal(t, roster, users)
	assert.Len(t, h.reg.Participants(), 2)

	// mallory < zed so mallory calls zed; alice < mallory so mallory waits.
	offer := h.ft.waitFor(t, signal.EventOffer)
	sp, ok := offer.payload.(signal.SDPPayload)
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantID("zed"), sp.To)

	assert.Never(t, func() bool {
		return h.ft.countSent(signal.EventOffer) > 1
	}, 100*time.Millisecond, 20*time.Millisecond)
}

func TestRegistryJoinRejectedVerbatim(t *testing.T) {
	h := newRegistryHarness(t, "mallory")

	errCh := make(chan error, 1)
	go func() {
		_, err := h.reg.JoinChannel(context.Background(), "crowded")
		errCh <- err
	}()
	h.ft.waitFor(t, signal.EventJoin)
	h.dispatch(t, signal.EventError, signal.ErrorPayload{Code: signal.CodeChannelFull, Message: "channel full"})

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrJoinRejected)
		assert.Contains(t, err.Error(), "channel full")
	case <-time.After(time.Second):
		t.Fatal("join did not return")
	}
	assert.Empty(t, h.reg.Participants(), "rejection performs no connection setup")
}

func TestRegistryDoubleJoinRefused(t *testing.T) {
	h := newRegistryHarness(t, "mallory")
	h.join(t, "general", nil)

	_, err := h.reg.JoinChannel(context.Background(), "other")
	assert.ErrorIs(t, err, domain.ErrAlreadyInChannel)
}

func TestRegistryDuplicateJoinUpdatesInPlace(t *testing.T) {
	h := newRegistryHarness(t, "mallory")
	h.join(t, "general", nil)

	h.dispatch(t, signal.EventUserJoined, signal.UserJoinedPayload{UserID: "zed", Username: "zed"})
	h.dispatch(t, signal.EventUserJoined, signal.UserJoinedPayload{UserID: "zed", Username: "zed the second"})

	infos := h.reg.Participants()
	require.Len(t, infos, 1, "at most one session per participant id")
	assert.Equal(t, "zed the second", infos[0].Participant.DisplayName)
}

func TestRegistryUserLeftRemovesSession(t *testing.T) {
	h := newRegistryHarness(t, "mallory")
	h.join(t, "general", []domain.Participant{{ID: "alice", DisplayName: "alice"}})

	events, unsub := h.reg.Events(8)
	defer unsub()

	h.dispatch(t, signal.EventUserLeft, signal.UserLeftPayload{UserID: "alice"})
	assert.Empty(t, h.reg.Participants())

	ev := waitEvent(t, events, EventParticipantLeft)
	assert.Equal(t, domain.ParticipantID("alice"), ev.Participant)
}

func TestRegistryOfferFromUnknownPeerAdmitsSession(t *testing.T) {
	h := newRegistryHarness(t, "mallory")
	h.join(t, "general", nil)

	// The offer outran the user-joined delta.
	h.dispatch(t, signal.EventOffer, signal.SDPPayload{From: "quentin", SDP: "offer-sdp"})

	require.Len(t, h.reg.Participants(), 1)
	answer := h.ft.waitFor(t, signal.EventAnswer)
	sp, ok := answer.payload.(signal.SDPPayload)
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantID("quentin"), sp.To)
}

func TestRegistryOfferWhileNotJoinedDropped(t *testing.T) {
	h := newRegistryHarness(t, "mallory")

	h.dispatch(t, signal.EventOffer, signal.SDPPayload{From: "quentin", SDP: "offer-sdp"})
	assert.Empty(t, h.reg.Participants())
}

func TestRegistryAudioStateAndSpeakingTracked(t *testing.T) {
	h := newRegistryHarness(t, "mallory")
	h.join(t, "general", []domain.Participant{{ID: "alice", DisplayName: "alice"}})

	h.dispatch(t, signal.EventAudioState, signal.AudioStatePayload{UserID: "alice", IsMuted: true})
	h.dispatch(t, signal.EventSpeaking, signal.SpeakingPayload{UserID: "alice", IsSpeaking: true})

	infos := h.reg.Participants()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].IsMuted)
	assert.True(t, infos[0].IsSpeaking)
}

func TestRegistryLeaveClosesEverything(t *testing.T) {
	h := newRegistryHarness(t, "mallory")
	h.join(t, "general", []domain.Participant{
		{ID: "alice", DisplayName: "alice"},
		{ID: "zed", DisplayName: "zed"},
	})

	require.NoError(t, h.reg.LeaveChannel())
	assert.Empty(t, h.reg.Participants())
	assert.Equal(t, 1, h.ft.countSent(signal.EventLeave))

	assert.ErrorIs(t, h.reg.LeaveChannel(), domain.ErrNotInChannel)
}

func TestRegistryIndependentPeerFailures(t *testing.T) {
	h := newRegistryHarness(t, "mallory")
	h.join(t, "general", []domain.Participant{
		{ID: "zed", DisplayName: "zed"},
		{ID: "zoe", DisplayName: "zoe"},
	})

	// Both outgoing negotiations start.
	require.Eventually(t, func() bool {
		return h.ft.countSent(signal.EventOffer) == 2
	}, time.Second, 10*time.Millisecond)

	events, unsub := h.reg.Events(8)
	defer unsub()

	h.mu.Lock()
	first := h.sessions[0]
	h.mu.Unlock()
	first.onICE(ICEFailed)
	waitEvent(t, events, EventPeerFailed)

	// The other peer is untouched.
	infos := h.reg.Participants()
	require.Len(t, infos, 2)
	failed := 0
	for _, info := range infos {
		if info.State == StateFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestRegistryReconnectRejoinsAndReconciles(t *testing.T) {
	h := newRegistryHarness(t, "mallory")
	h.join(t, "general", []domain.Participant{
		{ID: "zed", DisplayName: "zed"},
		{ID: "alice", DisplayName: "alice"},
	})
	require.Eventually(t, func() bool {
		return h.ft.countSent(signal.EventOffer) == 1
	}, time.Second, 10*time.Millisecond)

	// Signaling drops mid-negotiation, then comes back.
	h.dispatch(t, transportEventDown, nil)
	h.dispatch(t, transportEventReconnected, nil)
	assert.Equal(t, 2, h.ft.countSent(signal.EventJoin), "membership re-announced")

	// Fresh snapshot: alice left while we were away, zed is still there.
	h.dispatch(t, signal.EventVoiceUsers, signal.VoiceUsersPayload{
		Users: []domain.Participant{{ID: "zed", DisplayName: "zed"}},
	})

	infos := h.reg.Participants()
	require.Len(t, infos, 1)
	assert.Equal(t, domain.ParticipantID("zed"), infos[0].Participant.ID)

	// The failed negotiation toward zed starts over.
	require.Eventually(t, func() bool {
		return h.ft.countSent(signal.EventOffer) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestRegistrySetMutedBroadcasts(t *testing.T) {
	h := newRegistryHarness(t, "mallory")
	h.join(t, "general", nil)

	require.NoError(t, h.reg.SetMuted(true))
	m := h.ft.waitFor(t, signal.EventAudioState)
	ap, ok := m.payload.(signal.AudioStatePayload)
	require.True(t, ok)
	assert.True(t, ap.IsMuted)
}
