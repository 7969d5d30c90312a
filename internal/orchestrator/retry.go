package orchestrator

import (
	"hash/fnv"
	"math"

	"github.com/google/uuid"
)

// RetryConfig holds the tunables for delay_ms.
type RetryConfig struct {
	MaxAttempts                  int
	BackoffBaseMs                int64
	BackoffMaxMs                 int64
	FastRetryAttempts            int
	FastRetryFactor              float64 // clamped to [0.05, 1.0]
	HeavyLibraryAttemptThreshold int
	HeavyLibrarySlowdownFactor   float64
	JitterRatio                  float64
	JitterMinMs                  int64
}

// DefaultRetryConfig mirrors a reasonable set of end-to-end tunables,
// scaled up for general use.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:                  8,
		BackoffBaseMs:                1000,
		BackoffMaxMs:                 60000,
		FastRetryAttempts:            2,
		FastRetryFactor:              0.25,
		HeavyLibraryAttemptThreshold: 4,
		HeavyLibrarySlowdownFactor:   2.0,
		JitterRatio:                  0.2,
		JitterMinMs:                  50,
	}
}

// clampFastRetryFactor enforces the [0.05, 1.0] clamp regardless of how the
// config was constructed.
func (c RetryConfig) clampFastRetryFactor() float64 {
	f := c.FastRetryFactor
	if f < 0.05 {
		return 0.05
	}
	if f > 1.0 {
		return 1.0
	}
	return f
}

// DelayMs implements the pure retry-delay function. attempt is the attempt
// number the job is about to make (1-based; 0 means "no retry has
// happened", which always yields 0).
func (c RetryConfig) DelayMs(attempt int, payload Payload, libraryUnderPressure bool, jobID uuid.UUID) int64 {
	anchor := c.anchorDelayMs(attempt, payload, libraryUnderPressure)
	return c.jitteredDelayForAnchor(anchor, jobID, attempt)
}

func (c RetryConfig) baseDelayMs(attempt int) int64 {
	if attempt <= 0 {
		return 0
	}
	exp := attempt - 1
	scaled := float64(c.BackoffBaseMs) * math.Pow(2, float64(exp))
	capped := math.Min(scaled, float64(c.BackoffMaxMs))
	if capped < 0 {
		capped = 0
	}
	return int64(capped)
}

func (c RetryConfig) fastRetryMultiplier(attempt int, payload Payload) float64 {
	if attempt <= 0 || attempt > c.FastRetryAttempts {
		return 1.0
	}
	if payload != nil && isFastRetryReason(payload) {
		return c.clampFastRetryFactor()
	}
	return 1.0
}

func (c RetryConfig) anchorDelayMs(attempt int, payload Payload, libraryUnderPressure bool) int64 {
	if attempt <= 0 {
		return 0
	}
	base := c.baseDelayMs(attempt)
	if base == 0 {
		return 0
	}

	multiplier := c.fastRetryMultiplier(attempt, payload)
	scaled := math.Round(float64(base) * multiplier)
	if libraryUnderPressure {
		scaled = math.Round(scaled * c.HeavyLibrarySlowdownFactor)
	}

	if scaled < 0 {
		scaled = 0
	}
	if scaled > float64(c.BackoffMaxMs) {
		scaled = float64(c.BackoffMaxMs)
	}
	return int64(scaled)
}

func (c RetryConfig) jitteredDelayForAnchor(anchorMs int64, jobID uuid.UUID, attempt int) int64 {
	if anchorMs == 0 {
		return 0
	}

	jitterRatio := c.JitterRatio
	if jitterRatio < 0 {
		jitterRatio = 0
	}
	jitterSpan := math.Max(float64(anchorMs)*jitterRatio, float64(c.JitterMinMs))
	jitterSpan = math.Min(jitterSpan, float64(c.BackoffMaxMs))

	lower := math.Max(0, float64(anchorMs)-jitterSpan)
	upper := math.Min(float64(anchorMs)+jitterSpan, float64(c.BackoffMaxMs))
	if upper <= lower {
		return int64(math.Round(lower))
	}

	unit := deterministicUnit(jobID, attempt)
	jittered := lower + (upper-lower)*unit
	return int64(math.Round(jittered))
}

// deterministicUnit produces a reproducible value in [0,1) from (jobID,
// attempt) so retry timing is pinnable in tests without faking the clock.
// FNV-1a over the job id bytes plus the attempt number gives a stable hash
// of the pair.
func deterministicUnit(jobID uuid.UUID, attempt int) float64 {
	h := fnv.New64a()
	h.Write(jobID[:])
	h.Write([]byte{
		byte(attempt), byte(attempt >> 8), byte(attempt >> 16), byte(attempt >> 24),
	})
	bits := h.Sum64()
	return float64(bits) / float64(math.MaxUint64)
}
