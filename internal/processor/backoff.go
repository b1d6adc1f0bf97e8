package processor

import (
	"math"
	"math/rand"
	"time"
)

// backoff returns the delay before retry attempt k (k starting at 1):
// backoff(k) = 2^k + U(0,1) seconds.
func backoff(k int) time.Duration {
	seconds := math.Pow(2, float64(k)) + rand.Float64()
	return time.Duration(seconds * float64(time.Second))
}
