package sched

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/pbnjay/memory"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/stc-ai/stc-swarm/core/sched/common"
	"github.com/stc-ai/stc-swarm/core/sched/scoring"
	"github.com/stc-ai/stc-swarm/internal/events"
	"github.com/stc-ai/stc-swarm/internal/security/enroll"
)

// RegistryConfig holds node registry configuration.
type RegistryConfig struct {
	// Enrollment
	EnrollSecret string        `json:"enroll_secret"`
	EnrollTTL    time.Duration `json:"enroll_ttl"`

	// Heartbeat rate limiting (token bucket per node)
	HeartbeatRate  int64 `json:"heartbeat_rate"`
	HeartbeatBurst int64 `json:"heartbeat_burst"`

	// Health thresholds
	SuspectAfter    time.Duration `json:"suspect_after"`
	QuarantineAfter time.Duration `json:"quarantine_after"`
	DegradedRTTMs   float64       `json:"degraded_rtt_ms"`

	// Telemetry smoothing
	RTTEMAGamma float64 `json:"rtt_ema_gamma"`

	// Maintenance
	SweepInterval time.Duration `json:"sweep_interval"`
	NodeExpiry    time.Duration `json:"node_expiry"`
}

// DefaultRegistryConfig returns sensible production defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		EnrollTTL:       15 * time.Minute,
		HeartbeatRate:   5,
		HeartbeatBurst:  10,
		SuspectAfter:    10 * time.Second,
		QuarantineAfter: 30 * time.Second,
		DegradedRTTMs:   150.0,
		RTTEMAGamma:     0.2,
		SweepInterval:   5 * time.Second,
		NodeExpiry:      10 * time.Minute,
	}
}

// Registry tracks every node in the swarm: declared capabilities set at
// enrollment, measured telemetry folded in by heartbeats, and a health
// classification refreshed on a sweep cadence.
type Registry struct {
	config RegistryConfig

	nodes   map[string]*common.NodeContext
	nodesMu sync.RWMutex

	// Heartbeat rate limiting
	hbLimiter      *limiter.TokenBucket
	hbLimiterStore store.Store
	limiterMu      sync.RWMutex

	bus    *events.Bus
	logger *slog.Logger

	shutdown chan struct{}
	started  bool
	stateMu  sync.Mutex
}

// NewRegistry creates a registry. The bus may be nil when no event
// consumers exist (tests).
func NewRegistry(config RegistryConfig, bus *events.Bus, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		config:   config,
		nodes:    make(map[string]*common.NodeContext),
		bus:      bus,
		logger:   logger.With("component", "registry"),
		shutdown: make(chan struct{}),
	}

	r.hbLimiterStore = store.NewMemoryStore(time.Minute)
	hbLimiter, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     config.HeartbeatRate,
			Duration: time.Second,
			Burst:    config.HeartbeatBurst,
		},
		r.hbLimiterStore,
	)
	if err != nil {
		return nil, ErrBadConfig("heartbeat rate limiter", err)
	}
	r.hbLimiter = hbLimiter

	return r, nil
}

// Start launches the sweep loop.
func (r *Registry) Start(ctx context.Context) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	if r.started {
		return errors.New("registry already started")
	}

	go r.sweepLoop()

	r.started = true
	r.logger.Info("registry started",
		"sweep_interval", r.config.SweepInterval,
		"node_expiry", r.config.NodeExpiry)
	return nil
}

// Stop halts the sweep loop.
func (r *Registry) Stop() error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	if !r.started {
		return nil
	}

	close(r.shutdown)
	r.started = false
	r.logger.Info("registry stopped")
	return nil
}

// IssueEnrollToken mints an enrollment token bound to nodeID. An empty
// nodeID mints an open token.
func (r *Registry) IssueEnrollToken(nodeID string) (string, error) {
	return enroll.IssueToken([]byte(r.config.EnrollSecret), nodeID, r.config.EnrollTTL)
}

// Register enrolls a remote node. The token must verify against the
// registry secret and authorize the node's ID.
func (r *Registry) Register(ctx context.Context, token string, node *common.NodeContext) error {
	claims, err := enroll.VerifyToken([]byte(r.config.EnrollSecret), token)
	if err != nil {
		return ErrNotEnrolled(node.NodeID, err)
	}
	if !claims.AuthorizedFor(node.NodeID) {
		return ErrNotEnrolled(node.NodeID, errors.New("token bound to a different node"))
	}

	return r.RegisterLocal(node)
}

// RegisterLocal enrolls a node without token verification. Used for the
// daemon's own self-probed context.
func (r *Registry) RegisterLocal(node *common.NodeContext) error {
	if err := node.Validate(); err != nil {
		return ErrBadConfig("node context", err)
	}

	entry := *node
	entry.CurrentTier = scoring.TierFor(scoring.RawMFPI(&entry))
	entry.LastSeen = time.Now().UnixNano()
	entry.Health = common.HealthHealthy
	entry.IsQuarantined = false
	entry.FailureCount = 0

	r.nodesMu.Lock()
	r.nodes[entry.NodeID] = &entry
	r.nodesMu.Unlock()

	r.logger.Info("node registered",
		"node_id", getShortID(entry.NodeID),
		"device", entry.DeviceModel,
		"tier", entry.CurrentTier.String(),
		"raw_mfpi", scoring.RawMFPI(&entry))

	r.publish(events.TopicNodeJoined, entry)
	return nil
}

// Heartbeat folds one telemetry sample into the node's measured state.
// Rate limited per node; a fresh heartbeat lifts quarantine.
func (r *Registry) Heartbeat(hb common.Heartbeat) error {
	r.limiterMu.RLock()
	allowed := r.hbLimiter.Allow(hb.NodeID)
	r.limiterMu.RUnlock()
	if !allowed {
		return ErrRateLimited(hb.NodeID)
	}

	r.nodesMu.Lock()
	defer r.nodesMu.Unlock()

	node, exists := r.nodes[hb.NodeID]
	if !exists {
		return ErrNodeNotFound(hb.NodeID)
	}

	node.CPULoad = clampLoad(hb.CPULoad)
	node.GPULoad = clampLoad(hb.GPULoad)
	node.ThermalC = hb.ThermalC
	node.IsCharging = hb.IsCharging
	if hb.NetworkType != "" {
		node.NetworkType = hb.NetworkType
	}

	// RTT EMA: first sample sets directly, later samples smooth with
	// gamma, non-positive samples are unmeasured and ignored
	if hb.RTTMs > 0 {
		if node.NetRTTEMAMs == 0 {
			node.NetRTTEMAMs = hb.RTTMs
		} else {
			g := r.config.RTTEMAGamma
			node.NetRTTEMAMs = g*hb.RTTMs + (1-g)*node.NetRTTEMAMs
		}
	}

	node.LastSeen = time.Now().UnixNano()
	if node.IsQuarantined {
		node.IsQuarantined = false
		node.FailureCount = 0
		r.logger.Info("node recovered from quarantine", "node_id", getShortID(node.NodeID))
	}

	r.refreshHealthLocked(node)
	return nil
}

// Get returns a copy of the node's context.
func (r *Registry) Get(nodeID string) (common.NodeContext, error) {
	r.nodesMu.RLock()
	defer r.nodesMu.RUnlock()

	node, exists := r.nodes[nodeID]
	if !exists {
		return common.NodeContext{}, ErrNodeNotFound(nodeID)
	}
	return *node, nil
}

// List returns copies of all known node contexts.
func (r *Registry) List() []common.NodeContext {
	r.nodesMu.RLock()
	defer r.nodesMu.RUnlock()

	out := make([]common.NodeContext, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, *node)
	}
	return out
}

// SetUserAllowed flips the owner's sharing opt-in for a node.
func (r *Registry) SetUserAllowed(nodeID string, allowed bool) error {
	r.nodesMu.Lock()
	defer r.nodesMu.Unlock()

	node, exists := r.nodes[nodeID]
	if !exists {
		return ErrNodeNotFound(nodeID)
	}
	node.UserAllowed = allowed
	return nil
}

// Remove drops a node from the registry.
func (r *Registry) Remove(nodeID string) {
	r.nodesMu.Lock()
	delete(r.nodes, nodeID)
	r.nodesMu.Unlock()
}

// Candidates returns nodes eligible for dispatch: user-allowed, above
// the offline tier, not saturated, not quarantined, and contributing a
// positive effective MFPI. Health is refreshed first so staleness since
// the last sweep cannot leak a dead node into the ranking.
func (r *Registry) Candidates() []common.NodeContext {
	r.RefreshHealth()

	r.nodesMu.RLock()
	defer r.nodesMu.RUnlock()

	out := make([]common.NodeContext, 0, len(r.nodes))
	for _, node := range r.nodes {
		if !node.UserAllowed {
			continue
		}
		if node.CurrentTier <= common.TierOffline {
			continue
		}
		if node.CPULoad > scoring.MaxCandidateLoad || node.GPULoad > scoring.MaxCandidateLoad {
			continue
		}
		if node.IsQuarantined {
			continue
		}
		if scoring.EffectiveMFPI(node) <= 0 {
			continue
		}
		out = append(out, *node)
	}
	return out
}

// RefreshHealth reclassifies every node from its age and RTT.
func (r *Registry) RefreshHealth() {
	var quarantined []common.NodeContext

	r.nodesMu.Lock()
	for _, node := range r.nodes {
		wasQuarantined := node.Health == common.HealthQuarantined
		r.refreshHealthLocked(node)
		if node.Health == common.HealthQuarantined && !wasQuarantined {
			quarantined = append(quarantined, *node)
		}
	}
	r.nodesMu.Unlock()

	for _, node := range quarantined {
		r.logger.Warn("node quarantined",
			"node_id", getShortID(node.NodeID),
			"last_seen_ago", time.Duration(time.Now().UnixNano()-node.LastSeen).String())
		r.publish(events.TopicNodeQuarantined, node)
	}
}

// RegistrySnapshot summarizes registry state for the stats surface.
type RegistrySnapshot struct {
	Total       uint32
	Healthy     uint32
	Degraded    uint32
	Suspect     uint32
	Quarantined uint32

	Tier1 uint32
	Tier2 uint32
	Tier3 uint32

	AvgEffectiveMFPI float64
}

// Snapshot counts nodes by health and tier.
func (r *Registry) Snapshot() RegistrySnapshot {
	r.nodesMu.RLock()
	defer r.nodesMu.RUnlock()

	var snap RegistrySnapshot
	var mfpiSum float64

	for _, node := range r.nodes {
		snap.Total++

		switch node.Health {
		case common.HealthHealthy:
			snap.Healthy++
		case common.HealthDegraded:
			snap.Degraded++
		case common.HealthSuspect:
			snap.Suspect++
		case common.HealthQuarantined:
			snap.Quarantined++
		}

		switch node.CurrentTier {
		case common.Tier1HighPerformance:
			snap.Tier1++
		case common.Tier2Standard:
			snap.Tier2++
		case common.Tier3Mobile:
			snap.Tier3++
		}

		mfpiSum += scoring.EffectiveMFPI(node)
	}

	if snap.Total > 0 {
		snap.AvgEffectiveMFPI = mfpiSum / float64(snap.Total)
	}
	return snap
}

// SelfProbe builds a NodeContext for the local machine: CPU cores and
// total RAM measured, the rest declared by the caller's template.
func SelfProbe(nodeID string, template common.NodeContext) common.NodeContext {
	probed := template
	probed.NodeID = nodeID
	probed.CPUCores = uint32(runtime.NumCPU())
	probed.TotalRAMMB = memory.TotalMemory() / (1024 * 1024)
	if probed.DeviceModel == "" {
		probed.DeviceModel = runtime.GOOS + "/" + runtime.GOARCH
	}
	probed.UserAllowed = true
	return probed
}

// ========== Internal Methods ==========

// refreshHealthLocked reclassifies one node. Caller holds nodesMu.
func (r *Registry) refreshHealthLocked(node *common.NodeContext) {
	sinceLastSeen := time.Duration(time.Now().UnixNano() - node.LastSeen)

	switch {
	case sinceLastSeen > r.config.QuarantineAfter:
		if !node.IsQuarantined {
			node.IsQuarantined = true
			node.FailureCount++
		}
		node.Health = common.HealthQuarantined
	case sinceLastSeen > r.config.SuspectAfter:
		node.Health = common.HealthSuspect
	case node.NetRTTEMAMs > r.config.DegradedRTTMs:
		node.Health = common.HealthDegraded
	default:
		node.Health = common.HealthHealthy
	}
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.shutdown:
			return
		case <-ticker.C:
			r.RefreshHealth()
			r.pruneExpired()
		}
	}
}

func (r *Registry) pruneExpired() {
	now := time.Now().UnixNano()

	r.nodesMu.Lock()
	defer r.nodesMu.Unlock()

	for nodeID, node := range r.nodes {
		if time.Duration(now-node.LastSeen) > r.config.NodeExpiry {
			delete(r.nodes, nodeID)
			r.logger.Info("pruned expired node", "node_id", getShortID(nodeID))
		}
	}
}

func (r *Registry) publish(topic string, payload interface{}) {
	if r.bus != nil {
		r.bus.Publish(topic, payload)
	}
}

func clampLoad(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func getShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
