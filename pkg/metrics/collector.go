package metrics

import (
	"time"
)

// KindStats is a point-in-time snapshot of one reconciliation loop
type KindStats struct {
	Kind         string
	Tracked      int
	RetryPending int
}

// StatsSource is implemented by anything that can report loop statistics
type StatsSource interface {
	Stats() []KindStats
}

// Collector periodically copies loop statistics into gauges
type Collector struct {
	source   StatsSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source:   source,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, s := range c.source.Stats() {
		TrackedResources.WithLabelValues(s.Kind).Set(float64(s.Tracked))
		RetryQueueDepth.WithLabelValues(s.Kind).Set(float64(s.RetryPending))
	}
}
