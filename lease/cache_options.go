package lease

import (
	"time"

	"github.com/mongodb/grip"
)

// CacheOptions configure a Cache's expiry and renewal behavior.
type CacheOptions struct {
	// SafetyMargin is how long before expiry material stops being served
	// from cache and a refresh is required. Defaults to 1 minute.
	SafetyMargin *time.Duration
	// GraceWindow is how long past expiry stale material may still be
	// served while the broker is unavailable. Past the window the cache
	// fails closed. Defaults to 30 seconds.
	GraceWindow *time.Duration
	// RenewInterval is how often the background renewal loop scans for
	// leases approaching expiry. Defaults to 15 seconds.
	RenewInterval *time.Duration
	// DefaultTTL is assumed for material whose broker read carried no lease
	// duration. Defaults to 5 minutes.
	DefaultTTL *time.Duration
}

// NewCacheOptions returns new unconfigured cache options.
func NewCacheOptions() *CacheOptions {
	return &CacheOptions{}
}

// SetSafetyMargin sets the pre-expiry refresh margin.
func (o *CacheOptions) SetSafetyMargin(margin time.Duration) *CacheOptions {
	o.SafetyMargin = &margin
	return o
}

// SetGraceWindow sets the post-expiry stale-serving window.
func (o *CacheOptions) SetGraceWindow(window time.Duration) *CacheOptions {
	o.GraceWindow = &window
	return o
}

// SetRenewInterval sets the background renewal scan interval.
func (o *CacheOptions) SetRenewInterval(interval time.Duration) *CacheOptions {
	o.RenewInterval = &interval
	return o
}

// SetDefaultTTL sets the assumed lifetime for unbounded material.
func (o *CacheOptions) SetDefaultTTL(ttl time.Duration) *CacheOptions {
	o.DefaultTTL = &ttl
	return o
}

// Validate checks that the given options are valid and sets defaults for
// unspecified options.
func (o *CacheOptions) Validate() error {
	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(o.SafetyMargin != nil && *o.SafetyMargin <= 0, "safety margin must be positive")
	catcher.NewWhen(o.GraceWindow != nil && *o.GraceWindow < 0, "grace window cannot be negative")
	catcher.NewWhen(o.RenewInterval != nil && *o.RenewInterval <= 0, "renew interval must be positive")
	catcher.NewWhen(o.DefaultTTL != nil && *o.DefaultTTL <= 0, "default TTL must be positive")

	if catcher.HasErrors() {
		return catcher.Resolve()
	}

	if o.SafetyMargin == nil {
		margin := time.Minute
		o.SafetyMargin = &margin
	}
	if o.GraceWindow == nil {
		window := 30 * time.Second
		o.GraceWindow = &window
	}
	if o.RenewInterval == nil {
		interval := 15 * time.Second
		o.RenewInterval = &interval
	}
	if o.DefaultTTL == nil {
		ttl := 5 * time.Minute
		o.DefaultTTL = &ttl
	}

	return nil
}
