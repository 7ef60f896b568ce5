package realtime

import (
	"math"

	"golang.org/x/time/rate"
)

// newLimiter builds a per-connection token bucket with a burst equal to
// one second of traffic. perSecond <= 0 disables limiting.
func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	burst := int(math.Max(1, math.Ceil(perSecond)))
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
