package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voicemesh/internal/domain"
)

const (
	evalInterval = 50 * time.Millisecond
	// vadHangover keeps the gate open briefly after the level drops below
	// threshold so natural pauses inside a sentence do not chop the stream.
	vadHangover = 200 * time.Millisecond
)

// vadThreshold maps a 0-100 sensitivity to an RMS level threshold. Monotone
// decreasing: higher sensitivity lets quieter input count as speech.
func vadThreshold(sensitivity int) float64 {
	return 0.30 - 0.29*float64(sensitivity)/100
}

// TransmitController decides, on a fixed evaluation cycle, whether the local
// microphone transmits. It gates the outgoing audio track and reports
// transmission flips; it never touches capture itself, so the mic keeps
// running (and the level meter keeps working) while gated.
type TransmitController struct {
	log    zerolog.Logger
	gate   func(live bool)
	report func(active bool)
	level  func() float64
	now    func() time.Time

	mu        sync.Mutex
	cfg       domain.TransmitConfig
	pending   *domain.TransmitConfig
	muted     bool
	pressed   bool
	holdUntil time.Time
	vadHold   time.Time
	active    bool
}

// NewTransmitController validates cfg and wires the controller. gate receives
// the track-live flips, report the activity broadcasts, level the current mic
// RMS in 0..1.
func NewTransmitController(log zerolog.Logger, cfg domain.TransmitConfig, gate func(bool), report func(bool), level func() float64) (*TransmitController, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TransmitController{
		log:    log.With().Str("module", "client.transmit").Logger(),
		gate:   gate,
		report: report,
		level:  level,
		now:    time.Now,
		cfg:    cfg,
	}, nil
}

// Run evaluates the gate every cycle until ctx is done, then closes the gate.
func (c *TransmitController) Run(ctx context.Context) {
	ticker := time.NewTicker(evalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.setActiveLocked(false)
			c.mu.Unlock()
			return
		case now := <-ticker.C:
			c.evaluate(now)
		}
	}
}

// SetConfig stages a new config; it takes effect on the next evaluation cycle
// so a mid-cycle switch cannot produce a half-applied decision.
func (c *TransmitController) SetConfig(cfg domain.TransmitConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.pending = &cfg
	c.mu.Unlock()
	return nil
}

func (c *TransmitController) Config() domain.TransmitConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentCfgLocked()
}

// SetMuted overrides every mode: a muted client never transmits, regardless of
// key state or voice activity.
func (c *TransmitController) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
}

// PressTalk marks the push-to-talk key held. Re-pressing during the release
// delay keeps the stream open with no gap.
func (c *TransmitController) PressTalk() {
	c.mu.Lock()
	c.pressed = true
	c.holdUntil = time.Time{}
	c.mu.Unlock()
}

// ReleaseTalk starts the release-delay countdown instead of cutting
// transmission immediately, which avoids clipping trailing words.
func (c *TransmitController) ReleaseTalk() {
	c.mu.Lock()
	if c.pressed {
		c.pressed = false
		// Staged config is invisible until evaluate commits it.
		c.holdUntil = c.now().Add(c.cfg.ReleaseDelay)
	}
	c.mu.Unlock()
}

func (c *TransmitController) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *TransmitController) currentCfgLocked() domain.TransmitConfig {
	if c.pending != nil {
		return *c.pending
	}
	return c.cfg
}

// evaluate runs one decision cycle at the given instant.
func (c *TransmitController) evaluate(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != nil {
		c.cfg = *c.pending
		c.pending = nil
	}

	want := false
	if !c.muted {
		switch c.cfg.Mode {
		case domain.ModeOpenMic:
			want = true
		case domain.ModePushToTalk:
			want = c.pttLiveLocked(now)
		case domain.ModeVoiceActivity:
			want = c.vadLiveLocked(now)
		case domain.ModeHybrid:
			want = c.pttLiveLocked(now) || c.vadLiveLocked(now)
		}
	}
	c.setActiveLocked(want)
}

func (c *TransmitController) pttLiveLocked(now time.Time) bool {
	return c.pressed || now.Before(c.holdUntil)
}

func (c *TransmitController) vadLiveLocked(now time.Time) bool {
	if c.level == nil {
		return false
	}
	if c.level() >= vadThreshold(c.cfg.VADSensitivity) {
		c.vadHold = now.Add(vadHangover)
		return true
	}
	return now.Before(c.vadHold)
}

func (c *TransmitController) setActiveLocked(want bool) {
	if want == c.active {
		return
	}
	c.active = want
	c.log.Debug().Bool("active", want).Str("mode", string(c.cfg.Mode)).Msg("transmission flipped")
	if c.gate != nil {
		c.gate(want)
	}
	if c.report != nil {
		c.report(want)
	}
}
