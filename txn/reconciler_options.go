package txn

import (
	"time"

	"github.com/mongodb/grip"
)

// ReconcilerOptions configure the reconciliation worker's backoff and retry
// budget. The thresholds are deployment policy, not protocol constants, so
// they are all configurable.
type ReconcilerOptions struct {
	// Backoff is how long an entry must sit failed before it is retried.
	// Defaults to 1 minute.
	Backoff *time.Duration
	// Interval is how often the worker loop scans for retryable entries.
	// Defaults to 30 seconds.
	Interval *time.Duration
	// BatchSize caps how many entries one scan replays. Defaults to 50.
	BatchSize *int
	// MaxAttempts is the retry budget after which an entry is abandoned for
	// manual intervention. Defaults to 10.
	MaxAttempts *int
}

// NewReconcilerOptions returns new unconfigured reconciler options.
func NewReconcilerOptions() *ReconcilerOptions {
	return &ReconcilerOptions{}
}

// SetBackoff sets the retry backoff threshold.
func (o *ReconcilerOptions) SetBackoff(backoff time.Duration) *ReconcilerOptions {
	o.Backoff = &backoff
	return o
}

// SetInterval sets the worker scan interval.
func (o *ReconcilerOptions) SetInterval(interval time.Duration) *ReconcilerOptions {
	o.Interval = &interval
	return o
}

// SetBatchSize sets the per-scan replay cap.
func (o *ReconcilerOptions) SetBatchSize(size int) *ReconcilerOptions {
	o.BatchSize = &size
	return o
}

// SetMaxAttempts sets the retry budget.
func (o *ReconcilerOptions) SetMaxAttempts(attempts int) *ReconcilerOptions {
	o.MaxAttempts = &attempts
	return o
}

// Validate checks that the given options are valid and sets defaults for
// unspecified options.
func (o *ReconcilerOptions) Validate() error {
	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(o.Backoff != nil && *o.Backoff < 0, "backoff cannot be negative")
	catcher.NewWhen(o.Interval != nil && *o.Interval <= 0, "interval must be positive")
	catcher.NewWhen(o.BatchSize != nil && *o.BatchSize <= 0, "batch size must be positive")
	catcher.NewWhen(o.MaxAttempts != nil && *o.MaxAttempts <= 0, "max attempts must be positive")

	if catcher.HasErrors() {
		return catcher.Resolve()
	}

	if o.Backoff == nil {
		backoff := time.Minute
		o.Backoff = &backoff
	}
	if o.Interval == nil {
		interval := 30 * time.Second
		o.Interval = &interval
	}
	if o.BatchSize == nil {
		size := 50
		o.BatchSize = &size
	}
	if o.MaxAttempts == nil {
		attempts := 10
		o.MaxAttempts = &attempts
	}

	return nil
}
