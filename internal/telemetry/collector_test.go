package telemetry

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/stc-ai/stc-swarm/core/sched/common"
)

type stubSource struct {
	stats common.SwarmStats
}

func (s *stubSource) Stats() common.SwarmStats { return s.stats }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleStats() common.SwarmStats {
	return common.SwarmStats{
		TotalNodes:       5,
		HealthyNodes:     4,
		DegradedNodes:    1,
		SuspectNodes:     0,
		QuarantinedNodes: 1,
		Tier1Nodes:       2,
		Tier2Nodes:       1,
		Tier3Nodes:       1,
		QueuedTasks:      3,
		InFlightTasks:    2,
		SucceededTasks:   17,
		FailedTasks:      4,
		ShardsAssigned:   6,
		AvgTrustScore:    0.62,
		AvgEffectiveMFPI: 212.5,
		ActiveContainers: 1,
		BytesSent:        1024,
		BytesReceived:    2048,
	}
}

func TestSwarmCollector_CollectsSnapshot(t *testing.T) {
	collector := NewSwarmCollector(&stubSource{stats: sampleStats()}, testLogger())

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(collector); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	expected := `
		# HELP stc_swarm_nodes Number of registered nodes.
		# TYPE stc_swarm_nodes gauge
		stc_swarm_nodes 5
		# HELP stc_swarm_nodes_healthy Number of nodes passing health checks.
		# TYPE stc_swarm_nodes_healthy gauge
		stc_swarm_nodes_healthy 4
		# HELP stc_swarm_nodes_tier Number of healthy nodes per performance tier.
		# TYPE stc_swarm_nodes_tier gauge
		stc_swarm_nodes_tier{tier="1"} 2
		stc_swarm_nodes_tier{tier="2"} 1
		stc_swarm_nodes_tier{tier="3"} 1
		# HELP stc_swarm_tasks_succeeded_total Total finalized tasks with a winning digest.
		# TYPE stc_swarm_tasks_succeeded_total counter
		stc_swarm_tasks_succeeded_total 17
		# HELP stc_swarm_trust_score_avg Mean trust score across known nodes.
		# TYPE stc_swarm_trust_score_avg gauge
		stc_swarm_trust_score_avg 0.62
		# HELP stc_swarm_up Whether the scheduler answered the last stats snapshot.
		# TYPE stc_swarm_up gauge
		stc_swarm_up 1
	`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"stc_swarm_nodes",
		"stc_swarm_nodes_healthy",
		"stc_swarm_nodes_tier",
		"stc_swarm_tasks_succeeded_total",
		"stc_swarm_trust_score_avg",
		"stc_swarm_up",
	)
	if err != nil {
		t.Errorf("Unexpected metric output: %v", err)
	}
}

func TestSwarmCollector_CountsEveryMetric(t *testing.T) {
	collector := NewSwarmCollector(&stubSource{stats: sampleStats()}, testLogger())

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(collector); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// 16 snapshot metrics + 3 tier series + up + total_scrapes
	count, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("GatherAndCount failed: %v", err)
	}
	if count != 21 {
		t.Errorf("Expected 21 metric series, got %d", count)
	}
}

func TestSwarmCollector_ReportsDownWithoutSource(t *testing.T) {
	collector := NewSwarmCollector(nil, testLogger())

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(collector); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	expected := `
		# HELP stc_swarm_up Whether the scheduler answered the last stats snapshot.
		# TYPE stc_swarm_up gauge
		stc_swarm_up 0
	`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "stc_swarm_up")
	if err != nil {
		t.Errorf("Unexpected metric output: %v", err)
	}
}

func TestSwarmCollector_ScrapeCounterAdvances(t *testing.T) {
	collector := NewSwarmCollector(&stubSource{stats: sampleStats()}, testLogger())

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(collector); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := reg.Gather(); err != nil {
			t.Fatalf("Gather failed: %v", err)
		}
	}
	if got := testutil.ToFloat64(collector.totalScrapes); got != 3 {
		t.Errorf("Expected 3 scrapes counted, got %v", got)
	}
}
