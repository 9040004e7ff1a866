package server

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"voicemesh/internal/config"
	"voicemesh/internal/domain"
	"voicemesh/internal/signal"
)

// Relay issues the iceServers list clients use to negotiate. STUN entries are
// static; TURN credentials are minted per join with the time-limited
// shared-secret scheme so leaked credentials expire on their own.
type Relay struct {
	stunURLs   []string
	turnURL    string
	turnSecret string
	ttl        time.Duration

	now func() time.Time
}

func NewRelay(cfg *config.ServerConfig) *Relay {
	ttl := cfg.TurnTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Relay{
		stunURLs:   cfg.StunURLs,
		turnURL:    cfg.TurnURL,
		turnSecret: cfg.TurnSecret,
		ttl:        ttl,
		now:        time.Now,
	}
}

func (r *Relay) ICEServers(id domain.ParticipantID) []signal.ICEServer {
	var out []signal.ICEServer
	if len(r.stunURLs) > 0 {
		out = append(out, signal.ICEServer{URLs: r.stunURLs})
	}
	if r.turnURL != "" && r.turnSecret != "" {
		username := fmt.Sprintf("%d:%s", r.now().Add(r.ttl).Unix(), id)
		mac := hmac.New(sha1.New, []byte(r.turnSecret))
		mac.Write([]byte(username))
		out = append(out, signal.ICEServer{
			URLs:       []string{r.turnURL},
			Username:   username,
			Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		})
	}
	return out
}
