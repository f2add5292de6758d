/*
Package metrics provides Prometheus metrics collection and exposition for
fnsched.

Gauges, counters and histograms are registered at package init and
exposed via Handler() for scraping. Components call the package-level
vars directly (ResourceUnitsTotal.WithLabelValues(...).Set(...)) or use
Timer to time an operation and observe its duration into a histogram:

	timer := metrics.NewTimer()
	// ... do work ...
	timer.ObserveDurationVec(metrics.SchedulingLatency, outcome)
*/
package metrics
