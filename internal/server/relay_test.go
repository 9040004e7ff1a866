package server

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicemesh/internal/config"
)

func TestRelayStunOnly(t *testing.T) {
	r := NewRelay(&config.ServerConfig{
		StunURLs: []string{"stun:stun.example.org:3478"},
	})

	servers := r.ICEServers("alice")
	require.Len(t, servers, 1)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, servers[0].URLs)
	assert.Empty(t, servers[0].Username)
}

func TestRelayTurnCredentials(t *testing.T) {
	r := NewRelay(&config.ServerConfig{
		StunURLs:   []string{"stun:stun.example.org:3478"},
		TurnURL:    "turn:turn.example.org:3478",
		TurnSecret: "sekret",
		TurnTTL:    time.Hour,
	})
	issued := time.Unix(1700000000, 0)
	r.now = func() time.Time { return issued }

	servers := r.ICEServers("alice")
	require.Len(t, servers, 2)

	turn := servers[1]
	assert.Equal(t, []string{"turn:turn.example.org:3478"}, turn.URLs)

	wantUser := fmt.Sprintf("%d:alice", issued.Add(time.Hour).Unix())
	assert.Equal(t, wantUser, turn.Username)

	mac := hmac.New(sha1.New, []byte("sekret"))
	mac.Write([]byte(wantUser))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), turn.Credential)
}

func TestRelayTurnOmittedWithoutSecret(t *testing.T) {
	r := NewRelay(&config.ServerConfig{
		TurnURL: "turn:turn.example.org:3478",
	})
	assert.Empty(t, r.ICEServers("alice"))
}
