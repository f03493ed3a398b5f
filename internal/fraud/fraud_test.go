package fraud

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func at(hour int) time.Time {
	return time.Date(2025, 6, 15, hour, 30, 0, 0, time.Local)
}

func TestEvaluate_CleanTransaction(t *testing.T) {
	result := Evaluate(DefaultConfig(), Transaction{UserID: "u1", Amount: 10, Time: at(14)}, 1)
	assert.False(t, result.Suspicious)
	assert.Empty(t, result.Indicators)

	// Clients get an empty array, never null.
	assert.NotNil(t, result.Indicators)
}

func TestEvaluate_LargeAmount(t *testing.T) {
	result := Evaluate(DefaultConfig(), Transaction{UserID: "u1", Amount: 1500, Time: at(14)}, 1)
	assert.True(t, result.Suspicious)
	assert.Equal(t, []string{IndicatorLargeAmount}, result.Indicators)
}

func TestEvaluate_AmountBoundary(t *testing.T) {
	cfg := DefaultConfig()

	// Exactly at the threshold is not flagged; the rule is strictly above.
	result := Evaluate(cfg, Transaction{Amount: cfg.AmountThreshold, Time: at(14)}, 0)
	assert.False(t, result.Suspicious)

	result = Evaluate(cfg, Transaction{Amount: cfg.AmountThreshold + 0.01, Time: at(14)}, 0)
	assert.True(t, result.Suspicious)
}

func TestEvaluate_UnusualTime(t *testing.T) {
	cfg := DefaultConfig()

	for _, hour := range []int{0, 3, 5} {
		result := Evaluate(cfg, Transaction{Amount: 10, Time: at(hour)}, 0)
		assert.Contains(t, result.Indicators, IndicatorUnusualTime, "hour %d", hour)
	}
	for _, hour := range []int{6, 12, 23} {
		result := Evaluate(cfg, Transaction{Amount: 10, Time: at(hour)}, 0)
		assert.False(t, result.Suspicious, "hour %d", hour)
	}
}

func TestEvaluate_HighFrequency(t *testing.T) {
	cfg := DefaultConfig()

	// At the threshold is fine; strictly above flags.
	result := Evaluate(cfg, Transaction{Amount: 10, Time: at(14)}, cfg.FrequencyThreshold)
	assert.False(t, result.Suspicious)

	result = Evaluate(cfg, Transaction{Amount: 10, Time: at(14)}, cfg.FrequencyThreshold+1)
	assert.True(t, result.Suspicious)
	assert.Equal(t, []string{IndicatorHighFrequency}, result.Indicators)
}

func TestEvaluate_IndicatorsAccumulate(t *testing.T) {
	cfg := DefaultConfig()

	result := Evaluate(cfg, Transaction{Amount: 5000, Time: at(3)}, cfg.FrequencyThreshold+1)
	assert.True(t, result.Suspicious)
	assert.Equal(t, []string{IndicatorLargeAmount, IndicatorUnusualTime, IndicatorHighFrequency}, result.Indicators)
}

func TestRecorder_RecentCount(t *testing.T) {
	r := NewRecorder(24 * time.Hour)
	now := at(14)

	r.Record("u1", now.Add(-2*time.Hour))
	r.Record("u1", now.Add(-1*time.Hour))
	r.Record("u1", now.Add(-25*time.Hour)) // outside window
	r.Record("u2", now)

	assert.Equal(t, 2, r.RecentCount("u1", now))
	assert.Equal(t, 1, r.RecentCount("u2", now))
	assert.Equal(t, 0, r.RecentCount("u3", now))
}

func TestRecorder_PrunesOldEntries(t *testing.T) {
	r := NewRecorder(time.Hour)
	base := at(10)

	for i := 0; i < 10; i++ {
		r.Record("u1", base.Add(time.Duration(i)*time.Minute))
	}

	// A record far in the future prunes everything older than the window.
	later := base.Add(48 * time.Hour)
	r.Record("u1", later)
	assert.Equal(t, 1, r.RecentCount("u1", later))
}
