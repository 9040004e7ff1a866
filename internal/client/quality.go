package client

import (
	"context"
	"time"

	"voicemesh/internal/domain"
)

const minStatsInterval = 500 * time.Millisecond

// Grade scores a stats sample on a 0-100 scale and maps it to a label.
// Packet loss dominates, then round-trip time, then jitter; each factor has a
// capped penalty so a single bad dimension cannot drive the score below what
// it alone justifies.
func Grade(s domain.QualitySample) (domain.QualityGrade, float64) {
	score := 100.0

	loss := float64(s.PacketsLost) * 6
	if loss > 30 {
		loss = 30
	}
	score -= loss

	if s.JitterMs > 30 {
		j := (s.JitterMs - 30) * 0.5
		if j > 30 {
			j = 30
		}
		score -= j
	}

	if s.RoundTripTimeMs > 150 {
		r := (s.RoundTripTimeMs - 150) * 0.2
		if r > 40 {
			r = 40
		}
		score -= r
	}

	if score < 0 {
		score = 0
	}

	switch {
	case score >= 80:
		return domain.GradeExcellent, score
	case score >= 60:
		return domain.GradeGood, score
	case score >= 40:
		return domain.GradeFair, score
	default:
		return domain.GradePoor, score
	}
}

// startMonitor launches the periodic stats sampler for the joined channel.
// Stopped by LeaveChannel via the stored cancel func.
func (reg *Registry) startMonitor() {
	interval := reg.cfg.StatsInterval
	if interval < minStatsInterval {
		interval = minStatsInterval
	}
	ctx, cancel := context.WithCancel(context.Background())

	reg.mu.Lock()
	if reg.monitorCancel != nil {
		reg.monitorCancel()
	}
	reg.monitorCancel = cancel
	reg.mu.Unlock()

	go reg.monitorLoop(ctx, interval)
}

func (reg *Registry) monitorLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.sampleAll()
		}
	}
}

// sampleAll polls every connected peer once and publishes quality flips. Peers
// still negotiating or already failed have no stats to read and are skipped.
func (reg *Registry) sampleAll() {
	for _, s := range reg.snapshotSessions() {
		sample, ok := s.peer.readStats()
		if !ok {
			continue
		}
		grade, score := Grade(sample)

		reg.mu.Lock()
		changed := s.lastGrade != grade
		s.lastGrade = grade
		s.Quality = grade.Coarse()
		quality := s.Quality
		id := s.Participant.ID
		reg.mu.Unlock()

		if changed {
			reg.log.Debug().
				Str("peer", string(id)).
				Str("grade", string(grade)).
				Float64("score", score).
				Int("lost", sample.PacketsLost).
				Float64("jitter_ms", sample.JitterMs).
				Float64("rtt_ms", sample.RoundTripTimeMs).
				Msg("quality changed")
			reg.bus.publish(Event{Kind: EventQualityChanged, Participant: id, Grade: grade, Quality: quality})
		}
	}
}
