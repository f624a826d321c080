package session

import (
	"math/rand"
	"time"
)

// Delay returns the wait before retry attempt n (1-based): InitialDelay
// grown by Multiplier per attempt and capped at MaxDelay. With Jitter the
// result is drawn from [delay/2, delay) so concurrent pollers spread out.
func (b BackoffConfig) Delay(n int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(b.InitialDelay)
	for i := 1; i < n; i++ {
		delay *= mult
		if b.MaxDelay > 0 && delay >= float64(b.MaxDelay) {
			delay = float64(b.MaxDelay)
			break
		}
	}
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	if b.Jitter && rng != nil {
		delay = delay/2 + rng.Float64()*delay/2
	}
	return time.Duration(delay)
}
