package server

import "golang.org/x/time/rate"

// newLimiter builds the per-connection signaling budget. ICE trickling is
// bursty, so the burst is sized well above the steady rate.
func (ctl *Controller) newLimiter() *rate.Limiter {
	r := ctl.cfg.MessageRate
	if r <= 0 {
		r = 25
	}
	burst := ctl.cfg.MessageBurst
	if burst <= 0 {
		burst = 50
	}
	return rate.NewLimiter(rate.Limit(r), burst)
}
