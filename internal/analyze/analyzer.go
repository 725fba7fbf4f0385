package analyze

import "time"

// Values holds one analyzer's named measurements for a batch.
type Values map[string]float64

// Result correlates an analyzer's output to a batch via the batch sequence
// number and timestamp. A degraded result records a captured analyzer
// failure without affecting the batch or the other analyzers.
type Result struct {
	Analyzer    string    `json:"analyzer"`
	Sequence    uint64    `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`
	SampleCount int       `json:"sample_count"`
	Degraded    bool      `json:"degraded,omitempty"`
	Error       string    `json:"error,omitempty"`
	Values      Values    `json:"values,omitempty"`
}

// Analyzer consumes a read-only sample view. Implementations must not
// mutate samples and must not depend on running before or after any other
// analyzer. Analyzers are invoked sequentially from the consumer goroutine,
// so they may keep internal state across batches.
type Analyzer interface {
	Name() string
	Analyze(samples []float64, sequence uint64) (Values, error)
}
