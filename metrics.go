package tierstore

import "time"

// MetricsObserver defines the interface for observing engine events.
type MetricsObserver interface {
	// OnEviction is called when an eviction batch completes.
	OnEviction(duration time.Duration, moved int, err error)

	// OnShrink is called when a shrink pass completes.
	OnShrink(duration time.Duration, removed int, err error)

	// OnCacheDepth reports the tier-0 resident count against capacity.
	OnCacheDepth(resident, capacity int64)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (o *NoopMetricsObserver) OnEviction(duration time.Duration, moved int, err error) {}
func (o *NoopMetricsObserver) OnShrink(duration time.Duration, removed int, err error) {}
func (o *NoopMetricsObserver) OnCacheDepth(resident, capacity int64)                   {}
