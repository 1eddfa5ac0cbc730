package quota

import "github.com/prometheus/client_golang/prometheus"

var (
	quotaRemaining = prometheus.NewDesc(
		prometheus.BuildFQName("governor", "quota", "remaining"),
		"Remaining calls in the service's daily budget",
		nil,
		nil,
	)
	quotaLimit = prometheus.NewDesc(
		prometheus.BuildFQName("governor", "quota", "daily_limit"),
		"Daily call limit published by the service",
		nil,
		nil,
	)
	quotaUsedToday = prometheus.NewDesc(
		prometheus.BuildFQName("governor", "quota", "used_today"),
		"Calls consumed since the last quota reset",
		nil,
		nil,
	)
	quotaNonPollingToday = prometheus.NewDesc(
		prometheus.BuildFQName("governor", "quota", "non_polling_today"),
		"Non-polling calls consumed since the last quota reset",
		nil,
		nil,
	)
)

var _ prometheus.Collector = &Tracker{}

// Describe implements the prometheus.Collector interface.
func (t *Tracker) Describe(ch chan<- *prometheus.Desc) {
	ch <- quotaRemaining
	ch <- quotaLimit
	ch <- quotaUsedToday
	ch <- quotaNonPollingToday
}

// Collect implements the prometheus.Collector interface.
func (t *Tracker) Collect(ch chan<- prometheus.Metric) {
	s := t.Snapshot()
	ch <- prometheus.MustNewConstMetric(quotaRemaining, prometheus.GaugeValue, float64(s.Remaining))
	ch <- prometheus.MustNewConstMetric(quotaLimit, prometheus.GaugeValue, float64(s.DailyLimit))
	ch <- prometheus.MustNewConstMetric(quotaUsedToday, prometheus.GaugeValue, float64(s.UsedToday))
	ch <- prometheus.MustNewConstMetric(quotaNonPollingToday, prometheus.GaugeValue, float64(s.NonPollingToday))
}
