package client

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicemesh/internal/domain"
)

type gateRecorder struct {
	flips  []bool
	states []bool
}

func (g *gateRecorder) gate(v bool)   { g.flips = append(g.flips, v) }
func (g *gateRecorder) report(v bool) { g.states = append(g.states, v) }

func newTestController(t *testing.T, cfg domain.TransmitConfig, level func() float64) (*TransmitController, *gateRecorder) {
	t.Helper()
	rec := &gateRecorder{}
	c, err := NewTransmitController(zerolog.Nop(), cfg, rec.gate, rec.report, level)
	require.NoError(t, err)
	return c, rec
}

func TestTransmitOpenMic(t *testing.T) {
	c, rec := newTestController(t, domain.TransmitConfig{Mode: domain.ModeOpenMic}, nil)
	t0 := time.Now()

	c.evaluate(t0)
	assert.True(t, c.Active())

	c.SetMuted(true)
	c.evaluate(t0.Add(evalInterval))
	assert.False(t, c.Active())

	c.SetMuted(false)
	c.evaluate(t0.Add(2 * evalInterval))
	assert.True(t, c.Active())

	assert.Equal(t, []bool{true, false, true}, rec.flips)
	assert.Equal(t, rec.flips, rec.states)
}

func TestTransmitPushToTalkReleaseDelay(t *testing.T) {
	c, _ := newTestController(t, domain.TransmitConfig{
		Mode:         domain.ModePushToTalk,
		ReleaseDelay: 250 * time.Millisecond,
	}, nil)
	t0 := time.Now()
	c.now = func() time.Time { return t0 }

	c.evaluate(t0)
	assert.False(t, c.Active())

	c.PressTalk()
	c.evaluate(t0)
	assert.True(t, c.Active())

	// Transmission continues through the release delay window.
	c.ReleaseTalk()
	c.evaluate(t0.Add(100 * time.Millisecond))
	assert.True(t, c.Active())
	c.evaluate(t0.Add(249 * time.Millisecond))
	assert.True(t, c.Active())

	c.evaluate(t0.Add(300 * time.Millisecond))
	assert.False(t, c.Active())
}

func TestTransmitPushToTalkRePressKeepsStreamOpen(t *testing.T) {
	c, rec := newTestController(t, domain.TransmitConfig{
		Mode:         domain.ModePushToTalk,
		ReleaseDelay: 250 * time.Millisecond,
	}, nil)
	t0 := time.Now()
	c.now = func() time.Time { return t0 }

	c.PressTalk()
	c.evaluate(t0)
	require.True(t, c.Active())

	c.ReleaseTalk()
	c.evaluate(t0.Add(50 * time.Millisecond))
	// Re-press inside the delay window: the stream must never close.
	c.PressTalk()
	c.evaluate(t0.Add(100 * time.Millisecond))
	c.evaluate(t0.Add(400 * time.Millisecond))
	assert.True(t, c.Active())

	assert.Equal(t, []bool{true}, rec.flips)
}

func TestTransmitVoiceActivityHysteresis(t *testing.T) {
	level := 0.5
	c, _ := newTestController(t, domain.TransmitConfig{
		Mode:           domain.ModeVoiceActivity,
		VADSensitivity: 50,
	}, func() float64 { return level })
	t0 := time.Now()

	c.evaluate(t0)
	assert.True(t, c.Active())

	// Dipping below threshold keeps the gate open through the hangover.
	level = 0.0
	c.evaluate(t0.Add(100 * time.Millisecond))
	assert.True(t, c.Active())

	c.evaluate(t0.Add(400 * time.Millisecond))
	assert.False(t, c.Active())
}

func TestTransmitVoiceActivitySensitivityMonotone(t *testing.T) {
	assert.Greater(t, vadThreshold(0), vadThreshold(50))
	assert.Greater(t, vadThreshold(50), vadThreshold(100))
	assert.Greater(t, vadThreshold(100), 0.0)
}

func TestTransmitHybridEitherConditionTransmits(t *testing.T) {
	level := 0.0
	c, _ := newTestController(t, domain.TransmitConfig{
		Mode:           domain.ModeHybrid,
		VADSensitivity: 50,
	}, func() float64 { return level })
	t0 := time.Now()
	c.now = func() time.Time { return t0 }

	c.evaluate(t0)
	assert.False(t, c.Active())

	// Key held alone transmits, no voice required.
	c.PressTalk()
	c.evaluate(t0)
	assert.True(t, c.Active(), "key held but no voice")

	c.ReleaseTalk()
	c.evaluate(t0.Add(time.Second))
	require.False(t, c.Active())

	// Voice alone transmits, no key required.
	level = 0.9
	c.evaluate(t0.Add(2 * time.Second))
	assert.True(t, c.Active(), "voice without key")

	level = 0.0
	c.evaluate(t0.Add(3 * time.Second))
	assert.False(t, c.Active())
}

func TestTransmitConfigStagedUntilNextCycle(t *testing.T) {
	c, _ := newTestController(t, domain.TransmitConfig{Mode: domain.ModeOpenMic}, nil)
	t0 := time.Now()

	c.evaluate(t0)
	require.True(t, c.Active())

	require.NoError(t, c.SetConfig(domain.TransmitConfig{Mode: domain.ModePushToTalk}))
	// Still the old decision until a cycle runs.
	assert.True(t, c.Active())

	c.evaluate(t0.Add(evalInterval))
	assert.False(t, c.Active())
	assert.Equal(t, domain.ModePushToTalk, c.Config().Mode)
}

func TestTransmitStagedConfigDoesNotAffectReleaseDelay(t *testing.T) {
	c, _ := newTestController(t, domain.TransmitConfig{
		Mode:         domain.ModePushToTalk,
		ReleaseDelay: 100 * time.Millisecond,
	}, nil)
	t0 := time.Now()
	c.now = func() time.Time { return t0 }

	c.PressTalk()
	c.evaluate(t0)
	require.True(t, c.Active())

	// A staged, longer delay must not stretch a release that happens before
	// the next cycle commits it.
	require.NoError(t, c.SetConfig(domain.TransmitConfig{
		Mode:         domain.ModePushToTalk,
		ReleaseDelay: time.Hour,
	}))
	c.ReleaseTalk()

	c.evaluate(t0.Add(50 * time.Millisecond))
	assert.True(t, c.Active())
	c.evaluate(t0.Add(150 * time.Millisecond))
	assert.False(t, c.Active())
}

func TestTransmitConfigRejectsBadSensitivity(t *testing.T) {
	_, err := NewTransmitController(zerolog.Nop(), domain.TransmitConfig{
		Mode:           domain.ModeVoiceActivity,
		VADSensitivity: 101,
	}, nil, nil, nil)
	assert.ErrorIs(t, err, domain.ErrBadSensitivity)
}

func TestTransmitMutedOverridesEveryMode(t *testing.T) {
	level := 1.0
	c, _ := newTestController(t, domain.TransmitConfig{
		Mode:           domain.ModeVoiceActivity,
		VADSensitivity: 100,
	}, func() float64 { return level })
	t0 := time.Now()

	c.SetMuted(true)
	c.PressTalk()
	c.evaluate(t0)
	assert.False(t, c.Active())
}
