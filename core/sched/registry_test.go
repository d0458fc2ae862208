package sched

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stc-ai/stc-swarm/core/sched/common"
	"github.com/stc-ai/stc-swarm/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testNode returns a workstation-class context that lands in Tier 1.
func testNode(id string) *common.NodeContext {
	return &common.NodeContext{
		NodeID:              id,
		DeviceModel:         "test-workstation",
		CPUCores:            16,
		TotalRAMMB:          32768,
		MemoryBandwidthGBps: 100,
		PCIeLanes:           16,
		PCIeGen:             4,
		ComputeUnits:        60,
		UserAllowed:         true,
		IsCharging:          true,
		ThermalC:            45,
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	config := DefaultRegistryConfig()
	config.EnrollSecret = "test-enroll-secret"
	// Generous limiter so bursts of test heartbeats never trip it
	config.HeartbeatRate = 1000
	config.HeartbeatBurst = 1000

	r, err := NewRegistry(config, nil, testLogger())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return r
}

func codeOf(err error) string {
	var se *SchedError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

func TestRegistry_RegisterLocal(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.RegisterLocal(testNode("node-alpha")); err != nil {
		t.Fatalf("RegisterLocal failed: %v", err)
	}

	node, err := r.Get("node-alpha")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if node.CurrentTier != common.Tier1HighPerformance {
		t.Errorf("Expected Tier 1 for workstation caps, got %v", node.CurrentTier)
	}
	if node.Health != common.HealthHealthy {
		t.Errorf("Expected healthy on registration, got %v", node.Health)
	}
	if node.LastSeen == 0 {
		t.Error("LastSeen should be set on registration")
	}
}

func TestRegistry_RegisterValidates(t *testing.T) {
	r := newTestRegistry(t)

	bad := testNode("")
	err := r.RegisterLocal(bad)
	if err == nil {
		t.Fatal("Expected error for node without ID")
	}
	if codeOf(err) != ErrCodeBadConfig {
		t.Errorf("Expected BAD_CONFIG, got %v", err)
	}

	noCPU := testNode("node-nocpu")
	noCPU.CPUCores = 0
	if err := r.RegisterLocal(noCPU); err == nil {
		t.Error("Expected error for node without CPU cores")
	}
}

func TestRegistry_EnrollTokenFlow(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	token, err := r.IssueEnrollToken("node-bound")
	if err != nil {
		t.Fatalf("IssueEnrollToken failed: %v", err)
	}

	if err := r.Register(ctx, token, testNode("node-bound")); err != nil {
		t.Fatalf("Register with bound token failed: %v", err)
	}

	// The same token must not enroll a different node
	err = r.Register(ctx, token, testNode("node-imposter"))
	if codeOf(err) != ErrCodeNotEnrolled {
		t.Errorf("Expected NOT_ENROLLED for mismatched token, got %v", err)
	}

	// Garbage is rejected outright
	err = r.Register(ctx, "not-a-token", testNode("node-garbage"))
	if codeOf(err) != ErrCodeNotEnrolled {
		t.Errorf("Expected NOT_ENROLLED for garbage token, got %v", err)
	}

	// An open token (no subject) enrolls any node
	open, err := r.IssueEnrollToken("")
	if err != nil {
		t.Fatalf("IssueEnrollToken(open) failed: %v", err)
	}
	if err := r.Register(ctx, open, testNode("node-any")); err != nil {
		t.Errorf("Register with open token failed: %v", err)
	}
}

func TestRegistry_HeartbeatUpdatesTelemetry(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.RegisterLocal(testNode("node-hb")); err != nil {
		t.Fatalf("RegisterLocal failed: %v", err)
	}

	err := r.Heartbeat(common.Heartbeat{
		NodeID:      "node-hb",
		CPULoad:     0.4,
		GPULoad:     0.6,
		ThermalC:    62,
		IsCharging:  false,
		NetworkType: "wifi",
		RTTMs:       42,
	})
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	node, _ := r.Get("node-hb")
	if node.CPULoad != 0.4 || node.GPULoad != 0.6 {
		t.Errorf("Loads not recorded: cpu=%v gpu=%v", node.CPULoad, node.GPULoad)
	}
	if node.ThermalC != 62 {
		t.Errorf("ThermalC not recorded: %v", node.ThermalC)
	}
	if node.IsCharging {
		t.Error("IsCharging should be false after heartbeat")
	}
	if node.NetworkType != "wifi" {
		t.Errorf("NetworkType not recorded: %v", node.NetworkType)
	}
	if node.NetRTTEMAMs != 42 {
		t.Errorf("First RTT sample should set EMA directly, got %v", node.NetRTTEMAMs)
	}
}

func TestRegistry_HeartbeatClampsLoads(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.RegisterLocal(testNode("node-clamp")); err != nil {
		t.Fatalf("RegisterLocal failed: %v", err)
	}

	err := r.Heartbeat(common.Heartbeat{NodeID: "node-clamp", CPULoad: 1.7, GPULoad: -0.2})
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	node, _ := r.Get("node-clamp")
	if node.CPULoad != 1.0 {
		t.Errorf("CPULoad should clamp to 1.0, got %v", node.CPULoad)
	}
	if node.GPULoad != 0.0 {
		t.Errorf("GPULoad should clamp to 0.0, got %v", node.GPULoad)
	}
}

func TestRegistry_HeartbeatRTTEMA(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.RegisterLocal(testNode("node-rtt")); err != nil {
		t.Fatalf("RegisterLocal failed: %v", err)
	}

	hb := func(rtt float64) {
		t.Helper()
		if err := r.Heartbeat(common.Heartbeat{NodeID: "node-rtt", RTTMs: rtt}); err != nil {
			t.Fatalf("Heartbeat failed: %v", err)
		}
	}

	hb(100)
	node, _ := r.Get("node-rtt")
	if node.NetRTTEMAMs != 100 {
		t.Fatalf("First sample should land directly, got %v", node.NetRTTEMAMs)
	}

	// gamma 0.2: 0.2*200 + 0.8*100 = 120
	hb(200)
	node, _ = r.Get("node-rtt")
	if node.NetRTTEMAMs < 119.9 || node.NetRTTEMAMs > 120.1 {
		t.Errorf("Expected EMA ~120 after second sample, got %v", node.NetRTTEMAMs)
	}

	// Non-positive samples are unmeasured and leave the EMA alone
	hb(0)
	hb(-5)
	node, _ = r.Get("node-rtt")
	if node.NetRTTEMAMs < 119.9 || node.NetRTTEMAMs > 120.1 {
		t.Errorf("Unmeasured samples should not move EMA, got %v", node.NetRTTEMAMs)
	}
}

func TestRegistry_HeartbeatUnknownNode(t *testing.T) {
	r := newTestRegistry(t)

	err := r.Heartbeat(common.Heartbeat{NodeID: "node-ghost"})
	if codeOf(err) != ErrCodeNodeNotFound {
		t.Errorf("Expected NODE_NOT_FOUND, got %v", err)
	}
}

func TestRegistry_HeartbeatRateLimit(t *testing.T) {
	config := DefaultRegistryConfig()
	config.EnrollSecret = "test-enroll-secret"
	config.HeartbeatRate = 1
	config.HeartbeatBurst = 2

	r, err := NewRegistry(config, nil, testLogger())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	if err := r.RegisterLocal(testNode("node-chatty")); err != nil {
		t.Fatalf("RegisterLocal failed: %v", err)
	}

	if err := r.Heartbeat(common.Heartbeat{NodeID: "node-chatty"}); err != nil {
		t.Fatalf("First heartbeat should pass: %v", err)
	}
	if err := r.Heartbeat(common.Heartbeat{NodeID: "node-chatty"}); err != nil {
		t.Fatalf("Second heartbeat should pass within burst: %v", err)
	}

	err = r.Heartbeat(common.Heartbeat{NodeID: "node-chatty"})
	if codeOf(err) != ErrCodeRateLimited {
		t.Errorf("Expected RATE_LIMITED on burst exhaustion, got %v", err)
	}

	// Another node has its own bucket
	if err := r.RegisterLocal(testNode("node-quiet")); err != nil {
		t.Fatalf("RegisterLocal failed: %v", err)
	}
	if err := r.Heartbeat(common.Heartbeat{NodeID: "node-quiet"}); err != nil {
		t.Errorf("Per-node buckets should be independent: %v", err)
	}
}

func TestRegistry_HealthTransitions(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.RegisterLocal(testNode("node-health")); err != nil {
		t.Fatalf("RegisterLocal failed: %v", err)
	}

	age := func(d time.Duration) {
		r.nodesMu.Lock()
		r.nodes["node-health"].LastSeen = time.Now().Add(-d).UnixNano()
		r.nodesMu.Unlock()
	}

	age(11 * time.Second)
	r.RefreshHealth()
	node, _ := r.Get("node-health")
	if node.Health != common.HealthSuspect {
		t.Errorf("Expected suspect past 10s silence, got %v", node.Health)
	}
	if node.IsQuarantined {
		t.Error("Suspect should not quarantine")
	}

	age(31 * time.Second)
	r.RefreshHealth()
	node, _ = r.Get("node-health")
	if node.Health != common.HealthQuarantined {
		t.Errorf("Expected quarantined past 30s silence, got %v", node.Health)
	}
	if !node.IsQuarantined {
		t.Error("Quarantine flag should latch")
	}
	if node.FailureCount != 1 {
		t.Errorf("FailureCount should increment once on transition, got %d", node.FailureCount)
	}

	// Repeated sweeps must not stack failures
	r.RefreshHealth()
	node, _ = r.Get("node-health")
	if node.FailureCount != 1 {
		t.Errorf("FailureCount should stay latched at 1, got %d", node.FailureCount)
	}

	// A fresh heartbeat lifts quarantine and resets failures
	if err := r.Heartbeat(common.Heartbeat{NodeID: "node-health"}); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	node, _ = r.Get("node-health")
	if node.IsQuarantined {
		t.Error("Heartbeat should lift quarantine")
	}
	if node.FailureCount != 0 {
		t.Errorf("FailureCount should reset on recovery, got %d", node.FailureCount)
	}
	if node.Health != common.HealthHealthy {
		t.Errorf("Expected healthy after recovery, got %v", node.Health)
	}
}

func TestRegistry_DegradedOnHighRTT(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.RegisterLocal(testNode("node-slow")); err != nil {
		t.Fatalf("RegisterLocal failed: %v", err)
	}

	if err := r.Heartbeat(common.Heartbeat{NodeID: "node-slow", RTTMs: 300}); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	node, _ := r.Get("node-slow")
	if node.Health != common.HealthDegraded {
		t.Errorf("Expected degraded for 300ms RTT, got %v", node.Health)
	}
}

func TestRegistry_Candidates(t *testing.T) {
	r := newTestRegistry(t)

	register := func(id string) {
		t.Helper()
		if err := r.RegisterLocal(testNode(id)); err != nil {
			t.Fatalf("RegisterLocal(%s) failed: %v", id, err)
		}
	}

	register("node-good")

	register("node-optout")
	if err := r.SetUserAllowed("node-optout", false); err != nil {
		t.Fatalf("SetUserAllowed failed: %v", err)
	}

	register("node-cpu-pegged")
	if err := r.Heartbeat(common.Heartbeat{NodeID: "node-cpu-pegged", CPULoad: 0.95}); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	register("node-gpu-pegged")
	if err := r.Heartbeat(common.Heartbeat{NodeID: "node-gpu-pegged", GPULoad: 0.95}); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	register("node-dead")
	r.nodesMu.Lock()
	r.nodes["node-dead"].LastSeen = time.Now().Add(-31 * time.Second).UnixNano()
	r.nodesMu.Unlock()

	register("node-silent")
	r.nodesMu.Lock()
	r.nodes["node-silent"].LastSeen = time.Now().Add(-11 * time.Second).UnixNano()
	r.nodesMu.Unlock()

	register("node-offline")
	r.nodesMu.Lock()
	r.nodes["node-offline"].CurrentTier = common.TierOffline
	r.nodesMu.Unlock()

	candidates := r.Candidates()
	if len(candidates) != 1 {
		ids := make([]string, 0, len(candidates))
		for _, c := range candidates {
			ids = append(ids, c.NodeID)
		}
		t.Fatalf("Expected exactly node-good as candidate, got %v", ids)
	}
	if candidates[0].NodeID != "node-good" {
		t.Errorf("Expected node-good, got %s", candidates[0].NodeID)
	}
}

func TestRegistry_SetUserAllowedUnknown(t *testing.T) {
	r := newTestRegistry(t)

	err := r.SetUserAllowed("node-ghost", true)
	if codeOf(err) != ErrCodeNodeNotFound {
		t.Errorf("Expected NODE_NOT_FOUND, got %v", err)
	}
}

func TestRegistry_RemoveAndList(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.RegisterLocal(testNode("node-1")); err != nil {
		t.Fatalf("RegisterLocal failed: %v", err)
	}
	if err := r.RegisterLocal(testNode("node-2")); err != nil {
		t.Fatalf("RegisterLocal failed: %v", err)
	}

	r.Remove("node-1")

	list := r.List()
	if len(list) != 1 {
		t.Fatalf("Expected 1 node after removal, got %d", len(list))
	}
	if list[0].NodeID != "node-2" {
		t.Errorf("Wrong node survived removal: %s", list[0].NodeID)
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.RegisterLocal(testNode("node-big")); err != nil {
		t.Fatalf("RegisterLocal failed: %v", err)
	}

	small := testNode("node-small")
	small.TotalRAMMB = 4096
	small.MemoryBandwidthGBps = 20
	small.PCIeLanes = 4
	small.PCIeGen = 3
	small.ComputeUnits = 8
	if err := r.RegisterLocal(small); err != nil {
		t.Fatalf("RegisterLocal failed: %v", err)
	}

	if err := r.RegisterLocal(testNode("node-gone")); err != nil {
		t.Fatalf("RegisterLocal failed: %v", err)
	}
	r.nodesMu.Lock()
	r.nodes["node-gone"].LastSeen = time.Now().Add(-31 * time.Second).UnixNano()
	r.nodesMu.Unlock()
	r.RefreshHealth()

	snap := r.Snapshot()
	if snap.Total != 3 {
		t.Errorf("Expected 3 total, got %d", snap.Total)
	}
	if snap.Healthy != 2 {
		t.Errorf("Expected 2 healthy, got %d", snap.Healthy)
	}
	if snap.Quarantined != 1 {
		t.Errorf("Expected 1 quarantined, got %d", snap.Quarantined)
	}
	if snap.Tier1 == 0 {
		t.Error("Expected at least one Tier 1 node")
	}
	if snap.Tier3 != 1 {
		t.Errorf("Expected 1 Tier 3 node, got %d", snap.Tier3)
	}
	if snap.AvgEffectiveMFPI <= 0 {
		t.Errorf("Expected positive average effective MFPI, got %v", snap.AvgEffectiveMFPI)
	}
}

func TestRegistry_PruneExpired(t *testing.T) {
	config := DefaultRegistryConfig()
	config.EnrollSecret = "test-enroll-secret"
	config.NodeExpiry = 50 * time.Millisecond

	r, err := NewRegistry(config, nil, testLogger())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	if err := r.RegisterLocal(testNode("node-stale")); err != nil {
		t.Fatalf("RegisterLocal failed: %v", err)
	}

	r.nodesMu.Lock()
	r.nodes["node-stale"].LastSeen = time.Now().Add(-100 * time.Millisecond).UnixNano()
	r.nodesMu.Unlock()

	r.pruneExpired()

	if len(r.List()) != 0 {
		t.Error("Expired node should have been pruned")
	}
}

func TestRegistry_SelfProbe(t *testing.T) {
	probed := SelfProbe("node-self", common.NodeContext{})

	if probed.NodeID != "node-self" {
		t.Errorf("NodeID not set: %s", probed.NodeID)
	}
	if probed.CPUCores == 0 {
		t.Error("CPUCores should be probed from the host")
	}
	if probed.TotalRAMMB == 0 {
		t.Error("TotalRAMMB should be probed from the host")
	}
	if probed.DeviceModel == "" {
		t.Error("DeviceModel should default to GOOS/GOARCH")
	}
	if !probed.UserAllowed {
		t.Error("Self-probed nodes opt in by default")
	}

	// Declared template fields survive probing
	withGPU := SelfProbe("node-gpu", common.NodeContext{HasROCm: true, ComputeUnits: 40})
	if !withGPU.HasROCm || withGPU.ComputeUnits != 40 {
		t.Error("Template capabilities should carry through SelfProbe")
	}
}

func TestRegistry_EventsPublished(t *testing.T) {
	bus := events.NewBus(16, testLogger())
	defer bus.Close()

	config := DefaultRegistryConfig()
	config.EnrollSecret = "test-enroll-secret"

	r, err := NewRegistry(config, bus, testLogger())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	joined := bus.Subscribe(events.TopicNodeJoined)
	quarantined := bus.Subscribe(events.TopicNodeQuarantined)

	if err := r.RegisterLocal(testNode("node-evt")); err != nil {
		t.Fatalf("RegisterLocal failed: %v", err)
	}

	select {
	case raw := <-joined:
		evt := raw.(events.Event)
		if evt.Topic != events.TopicNodeJoined {
			t.Errorf("Wrong topic: %s", evt.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for node.joined")
	}

	r.nodesMu.Lock()
	r.nodes["node-evt"].LastSeen = time.Now().Add(-31 * time.Second).UnixNano()
	r.nodesMu.Unlock()
	r.RefreshHealth()

	select {
	case raw := <-quarantined:
		evt := raw.(events.Event)
		node := evt.Payload.(common.NodeContext)
		if node.NodeID != "node-evt" {
			t.Errorf("Wrong node in quarantine event: %s", node.NodeID)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for node.quarantined")
	}
}

func TestRegistry_StartStop(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Start(ctx); err == nil {
		t.Error("Second Start should fail")
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Errorf("Second Stop should be a no-op: %v", err)
	}
}
