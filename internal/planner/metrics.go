package planner

import "github.com/prometheus/client_golang/prometheus"

var (
	trackInterval = prometheus.NewDesc(
		prometheus.BuildFQName("governor", "planner", "interval_seconds"),
		"Current polling interval per track",
		[]string{"track"},
		nil,
	)
	trackLastRun = prometheus.NewDesc(
		prometheus.BuildFQName("governor", "planner", "last_run_timestamp_seconds"),
		"Time of the last successful poll per track",
		[]string{"track"},
		nil,
	)
	trackCost = prometheus.NewDesc(
		prometheus.BuildFQName("governor", "planner", "poll_cost"),
		"Smoothed measured cost per poll, in calls",
		[]string{"track"},
		nil,
	)
)

var _ prometheus.Collector = &Planner{}

// Describe implements the prometheus.Collector interface.
func (p *Planner) Describe(ch chan<- *prometheus.Desc) {
	ch <- trackInterval
	ch <- trackLastRun
	ch <- trackCost
}

// Collect implements the prometheus.Collector interface.
func (p *Planner) Collect(ch chan<- prometheus.Metric) {
	for _, t := range p.Tracks() {
		ch <- prometheus.MustNewConstMetric(trackInterval, prometheus.GaugeValue, t.Interval.Seconds(), t.ID)
		ch <- prometheus.MustNewConstMetric(trackLastRun, prometheus.GaugeValue, float64(t.LastRun.Unix()), t.ID)
		ch <- prometheus.MustNewConstMetric(trackCost, prometheus.GaugeValue, t.CostEMA, t.ID)
	}
}
