package orchestrator

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryConfig_DelayMs_ZeroAttemptIsZero(t *testing.T) {
	cfg := DefaultRetryConfig()
	jobID := uuid.New()

	delay := cfg.DelayMs(0, FolderScanPayload{}, false, jobID)
	assert.Equal(t, int64(0), delay)
}

func TestRetryConfig_DelayMs_Deterministic(t *testing.T) {
	cfg := DefaultRetryConfig()
	jobID := uuid.New()
	payload := MediaAnalyzePayload{Reason: ScanReasonPeriodic}

	a := cfg.DelayMs(2, payload, false, jobID)
	b := cfg.DelayMs(2, payload, false, jobID)
	assert.Equal(t, a, b, "delay must be deterministic for fixed (job_id, attempt, payload, pressure)")

	other := cfg.DelayMs(2, payload, false, uuid.New())
	assert.NotEqual(t, a, other, "different job ids should (almost always) jitter differently")
}

func TestRetryConfig_DelayMs_BoundedByBackoffMax(t *testing.T) {
	cfg := DefaultRetryConfig()
	jobID := uuid.New()

	for attempt := 1; attempt <= 20; attempt++ {
		delay := cfg.DelayMs(attempt, FolderScanPayload{}, true, jobID)
		assert.GreaterOrEqual(t, delay, int64(0))
		assert.LessOrEqual(t, delay, cfg.BackoffMaxMs)
	}
}

func TestRetryConfig_DelayMs_ScenarioFromSpec(t *testing.T) {
	// backoff_base_ms=1000, backoff_max_ms=60000, jitter_ratio=0.2,
	// jitter_min_ms=50, max_attempts=5.
	// First attempt: anchor=1000, span=200 -> delay in [800, 1200].
	cfg := RetryConfig{
		MaxAttempts:                  5,
		BackoffBaseMs:                1000,
		BackoffMaxMs:                 60000,
		FastRetryAttempts:            0,
		FastRetryFactor:              1.0,
		HeavyLibraryAttemptThreshold: 0,
		HeavyLibrarySlowdownFactor:   1.0,
		JitterRatio:                  0.2,
		JitterMinMs:                  50,
	}
	jobID := uuid.New()
	payload := MediaAnalyzePayload{Reason: ScanReasonPeriodic}

	delay1 := cfg.DelayMs(1, payload, false, jobID)
	assert.GreaterOrEqual(t, delay1, int64(800))
	assert.LessOrEqual(t, delay1, int64(1200))

	// Second attempt: anchor=2000, span=max(400,50)=400 -> [1600, 2400].
	delay2 := cfg.DelayMs(2, payload, false, jobID)
	assert.GreaterOrEqual(t, delay2, int64(1600))
	assert.LessOrEqual(t, delay2, int64(2400))
}

func TestRetryConfig_DelayMs_JitterMinAboveBackoffMaxClamps(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:        5,
		BackoffBaseMs:      100,
		BackoffMaxMs:       500,
		FastRetryFactor:    1.0,
		JitterRatio:        0.1,
		JitterMinMs:        10000, // far above backoff_max_ms
	}
	jobID := uuid.New()

	delay := cfg.DelayMs(3, FolderScanPayload{}, false, jobID)
	assert.LessOrEqual(t, delay, cfg.BackoffMaxMs)
	assert.GreaterOrEqual(t, delay, int64(0))
}

func TestRetryConfig_FastRetryMultiplier_AppliesOnlyToFastReasons(t *testing.T) {
	cfg := DefaultRetryConfig()
	jobID := uuid.New()

	fastPayload := FolderScanPayload{Reason: ScanReasonUserRequested}
	slowPayload := FolderScanPayload{Reason: ScanReasonPeriodic}

	fastAnchor := cfg.anchorDelayMs(1, fastPayload, false)
	slowAnchor := cfg.anchorDelayMs(1, slowPayload, false)
	require.Less(t, fastAnchor, slowAnchor, "fast-path reasons should accelerate the anchor delay")
}

func TestRetryConfig_FastRetryFactor_Clamped(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.FastRetryFactor = 5.0 // well above the 1.0 ceiling
	assert.Equal(t, 1.0, cfg.clampFastRetryFactor())

	cfg.FastRetryFactor = 0.0
	assert.Equal(t, 0.05, cfg.clampFastRetryFactor())
}

func TestRetryConfig_HeavyLibrarySlowsDownDelay(t *testing.T) {
	cfg := DefaultRetryConfig()
	jobID := uuid.New()
	payload := MediaAnalyzePayload{Reason: ScanReasonPeriodic}

	calm := cfg.anchorDelayMs(3, payload, false)
	pressured := cfg.anchorDelayMs(3, payload, true)
	assert.Greater(t, pressured, calm)
}
