// Package telemetry exposes scheduler state as Prometheus metrics.
package telemetry

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stc-ai/stc-swarm/core/sched/common"
)

const namespace = "stc"

// StatsSource is anything that can snapshot swarm-wide stats. The
// coordinator satisfies it.
type StatsSource interface {
	Stats() common.SwarmStats
}

type swarmMetric struct {
	Type  prometheus.ValueType
	Desc  *prometheus.Desc
	Value func(stats common.SwarmStats) float64
}

// SwarmCollector turns a stats snapshot into Prometheus metrics on each
// scrape.
type SwarmCollector struct {
	source StatsSource
	logger *slog.Logger

	up           prometheus.Gauge
	totalScrapes prometheus.Counter

	tierDesc     *prometheus.Desc
	swarmMetrics []*swarmMetric
}

// NewSwarmCollector builds the collector. The caller registers it.
func NewSwarmCollector(source StatsSource, logger *slog.Logger) *SwarmCollector {
	if logger == nil {
		logger = slog.Default()
	}
	subsystem := "swarm"

	return &SwarmCollector{
		source: source,
		logger: logger.With("component", "telemetry"),

		up: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prometheus.BuildFQName(namespace, subsystem, "up"),
			Help: "Whether the scheduler answered the last stats snapshot.",
		}),
		totalScrapes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prometheus.BuildFQName(namespace, subsystem, "total_scrapes"),
			Help: "Current total stats snapshot scrapes.",
		}),

		tierDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "nodes_tier"),
			"Number of healthy nodes per performance tier.",
			[]string{"tier"}, nil,
		),

		swarmMetrics: []*swarmMetric{
			{
				Type: prometheus.GaugeValue,
				Desc: prometheus.NewDesc(
					prometheus.BuildFQName(namespace, subsystem, "nodes"),
					"Number of registered nodes.",
					nil, nil,
				),
				Value: func(stats common.SwarmStats) float64 {
					return float64(stats.TotalNodes)
				},
			},
			{
				Type: prometheus.GaugeValue,
				Desc: prometheus.NewDesc(
					prometheus.BuildFQName(namespace, subsystem, "nodes_healthy"),
					"Number of nodes passing health checks.",
					nil, nil,
				),
				Value: func(stats common.SwarmStats) float64 {
					return float64(stats.HealthyNodes)
				},
			},
			{
				Type: prometheus.GaugeValue,
				Desc: prometheus.NewDesc(
					prometheus.BuildFQName(namespace, subsystem, "nodes_degraded"),
					"Number of nodes with degraded link quality.",
					nil, nil,
				),
				Value: func(stats common.SwarmStats) float64 {
					return float64(stats.DegradedNodes)
				},
			},
			{
				Type: prometheus.GaugeValue,
				Desc: prometheus.NewDesc(
					prometheus.BuildFQName(namespace, subsystem, "nodes_suspect"),
					"Number of nodes with stale heartbeats.",
					nil, nil,
				),
				Value: func(stats common.SwarmStats) float64 {
					return float64(stats.SuspectNodes)
				},
			},
			{
				Type: prometheus.GaugeValue,
				Desc: prometheus.NewDesc(
					prometheus.BuildFQName(namespace, subsystem, "nodes_quarantined"),
					"Number of quarantined nodes.",
					nil, nil,
				),
				Value: func(stats common.SwarmStats) float64 {
					return float64(stats.QuarantinedNodes)
				},
			},
			{
				Type: prometheus.GaugeValue,
				Desc: prometheus.NewDesc(
					prometheus.BuildFQName(namespace, subsystem, "tasks_queued"),
					"Number of tasks waiting for dispatch.",
					nil, nil,
				),
				Value: func(stats common.SwarmStats) float64 {
					return float64(stats.QueuedTasks)
				},
			},
			{
				Type: prometheus.GaugeValue,
				Desc: prometheus.NewDesc(
					prometheus.BuildFQName(namespace, subsystem, "tasks_in_flight"),
					"Number of tasks dispatched, claimed or running.",
					nil, nil,
				),
				Value: func(stats common.SwarmStats) float64 {
					return float64(stats.InFlightTasks)
				},
			},
			{
				Type: prometheus.CounterValue,
				Desc: prometheus.NewDesc(
					prometheus.BuildFQName(namespace, subsystem, "tasks_succeeded_total"),
					"Total finalized tasks with a winning digest.",
					nil, nil,
				),
				Value: func(stats common.SwarmStats) float64 {
					return float64(stats.SucceededTasks)
				},
			},
			{
				Type: prometheus.CounterValue,
				Desc: prometheus.NewDesc(
					prometheus.BuildFQName(namespace, subsystem, "tasks_failed_total"),
					"Total tasks that failed or expired.",
					nil, nil,
				),
				Value: func(stats common.SwarmStats) float64 {
					return float64(stats.FailedTasks)
				},
			},
			{
				Type: prometheus.CounterValue,
				Desc: prometheus.NewDesc(
					prometheus.BuildFQName(namespace, subsystem, "shards_assigned_total"),
					"Total shard assignments spilled to peers.",
					nil, nil,
				),
				Value: func(stats common.SwarmStats) float64 {
					return float64(stats.ShardsAssigned)
				},
			},
			{
				Type: prometheus.GaugeValue,
				Desc: prometheus.NewDesc(
					prometheus.BuildFQName(namespace, subsystem, "trust_score_avg"),
					"Mean trust score across known nodes.",
					nil, nil,
				),
				Value: func(stats common.SwarmStats) float64 {
					return stats.AvgTrustScore
				},
			},
			{
				Type: prometheus.GaugeValue,
				Desc: prometheus.NewDesc(
					prometheus.BuildFQName(namespace, subsystem, "effective_mfpi_avg"),
					"Mean effective performance index across healthy nodes.",
					nil, nil,
				),
				Value: func(stats common.SwarmStats) float64 {
					return stats.AvgEffectiveMFPI
				},
			},
			{
				Type: prometheus.GaugeValue,
				Desc: prometheus.NewDesc(
					prometheus.BuildFQName(namespace, subsystem, "containers_active"),
					"Number of containers serving requests.",
					nil, nil,
				),
				Value: func(stats common.SwarmStats) float64 {
					return float64(stats.ActiveContainers)
				},
			},
			{
				Type: prometheus.GaugeValue,
				Desc: prometheus.NewDesc(
					prometheus.BuildFQName(namespace, subsystem, "containers_attached"),
					"Number of containers plugged but idle.",
					nil, nil,
				),
				Value: func(stats common.SwarmStats) float64 {
					return float64(stats.AttachedContainers)
				},
			},
			{
				Type: prometheus.CounterValue,
				Desc: prometheus.NewDesc(
					prometheus.BuildFQName(namespace, subsystem, "link_sent_bytes_total"),
					"Total bytes sent over the node link.",
					nil, nil,
				),
				Value: func(stats common.SwarmStats) float64 {
					return float64(stats.BytesSent)
				},
			},
			{
				Type: prometheus.CounterValue,
				Desc: prometheus.NewDesc(
					prometheus.BuildFQName(namespace, subsystem, "link_received_bytes_total"),
					"Total bytes received over the node link.",
					nil, nil,
				),
				Value: func(stats common.SwarmStats) float64 {
					return float64(stats.BytesReceived)
				},
			},
		},
	}
}

func (c *SwarmCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.swarmMetrics {
		ch <- metric.Desc
	}
	ch <- c.tierDesc
	ch <- c.up.Desc()
	ch <- c.totalScrapes.Desc()
}

func (c *SwarmCollector) Collect(ch chan<- prometheus.Metric) {
	c.totalScrapes.Inc()
	defer func() {
		ch <- c.up
		ch <- c.totalScrapes
	}()

	if c.source == nil {
		c.up.Set(0)
		c.logger.Warn("no stats source wired")
		return
	}
	stats := c.source.Stats()
	c.up.Set(1)

	for _, metric := range c.swarmMetrics {
		ch <- prometheus.MustNewConstMetric(
			metric.Desc,
			metric.Type,
			metric.Value(stats),
		)
	}

	ch <- prometheus.MustNewConstMetric(c.tierDesc, prometheus.GaugeValue,
		float64(stats.Tier1Nodes), "1")
	ch <- prometheus.MustNewConstMetric(c.tierDesc, prometheus.GaugeValue,
		float64(stats.Tier2Nodes), "2")
	ch <- prometheus.MustNewConstMetric(c.tierDesc, prometheus.GaugeValue,
		float64(stats.Tier3Nodes), "3")
}
