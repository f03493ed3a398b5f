// Package fraud implements the heuristic check run on outgoing transactions.
//
// Evaluate is a pure function over three independent rules: transaction
// amount, local time of day, and recent transaction frequency within an
// explicit rolling window. The heuristic only flags; blocking is a policy
// decision that belongs to the caller.
package fraud

import (
	"sync"
	"time"
)

// Indicator strings accumulated per firing rule.
const (
	IndicatorLargeAmount   = "Large transaction amount"
	IndicatorUnusualTime   = "Unusual transaction time"
	IndicatorHighFrequency = "High transaction frequency"
)

// Config holds the heuristic thresholds. The frequency window is explicit:
// the recent-transaction count handed to Evaluate must be measured over
// exactly this window.
type Config struct {
	AmountThreshold    float64       // amounts strictly above this flag
	EarliestNormalHour int           // local hours before this flag
	LatestNormalHour   int           // local hours after this flag
	FrequencyThreshold int           // recent counts strictly above this flag
	FrequencyWindow    time.Duration // rolling window for the recent count
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		AmountThreshold:    1000,
		EarliestNormalHour: 6,
		LatestNormalHour:   23,
		FrequencyThreshold: 5,
		FrequencyWindow:    24 * time.Hour,
	}
}

// Transaction is the descriptor evaluated by the heuristic.
type Transaction struct {
	UserID    string    `json:"userId"`
	Recipient string    `json:"recipient,omitempty"`
	Amount    float64   `json:"amount"`
	Time      time.Time `json:"time"`
}

// Result of one evaluation. Ephemeral, never persisted.
type Result struct {
	Suspicious bool     `json:"suspicious"`
	Indicators []string `json:"indicators"`
}

// Evaluate runs the three rules against tx. recentCount is the number of
// transactions by the same user within cfg.FrequencyWindow, supplied by the
// caller. Pure: no side effects, no clock reads, the hour comes from tx.Time.
func Evaluate(cfg Config, tx Transaction, recentCount int) Result {
	// Non-nil so a clean result serializes as an empty array, not null.
	indicators := []string{}

	if tx.Amount > cfg.AmountThreshold {
		indicators = append(indicators, IndicatorLargeAmount)
	}

	hour := tx.Time.Local().Hour()
	if hour < cfg.EarliestNormalHour || hour > cfg.LatestNormalHour {
		indicators = append(indicators, IndicatorUnusualTime)
	}

	if recentCount > cfg.FrequencyThreshold {
		indicators = append(indicators, IndicatorHighFrequency)
	}

	return Result{
		Suspicious: len(indicators) > 0,
		Indicators: indicators,
	}
}

const maxWindowSize = 1000

// Recorder keeps an in-memory sliding window of transaction timestamps per
// user so the coordinator can supply recentCount itself.
type Recorder struct {
	windows sync.Map // map[string]*userWindow
	window  time.Duration
}

type userWindow struct {
	mu    sync.Mutex
	times []time.Time
}

// NewRecorder creates a recorder over the given rolling window.
func NewRecorder(window time.Duration) *Recorder {
	return &Recorder{window: window}
}

// Record appends a transaction timestamp to the user's window.
func (r *Recorder) Record(userID string, at time.Time) {
	w := r.getWindow(userID)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.times = append(w.times, at)
	r.prune(w, at)
}

// RecentCount returns how many transactions fall within the window ending at
// now.
func (r *Recorder) RecentCount(userID string, now time.Time) int {
	w := r.getWindow(userID)
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-r.window)
	count := 0
	for _, t := range w.times {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

func (r *Recorder) getWindow(userID string) *userWindow {
	v, _ := r.windows.LoadOrStore(userID, &userWindow{})
	return v.(*userWindow)
}

// prune drops entries older than the window and caps the slice. Caller holds
// w.mu.
func (r *Recorder) prune(w *userWindow, now time.Time) {
	cutoff := now.Add(-r.window)
	start := 0
	for start < len(w.times) && w.times[start].Before(cutoff) {
		start++
	}
	if start > 0 {
		w.times = w.times[start:]
	}
	if len(w.times) > maxWindowSize {
		w.times = w.times[len(w.times)-maxWindowSize:]
	}
}
