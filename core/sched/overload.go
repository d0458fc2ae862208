package sched

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cdipaolo/goml/cluster"
	"github.com/google/uuid"

	"github.com/stc-ai/stc-swarm/core/sched/common"
	"github.com/stc-ai/stc-swarm/core/sched/scoring"
	"github.com/stc-ai/stc-swarm/internal/events"
)

// OverloadConfig tunes local overload detection and spill sharding.
type OverloadConfig struct {
	Thresholds common.OverloadThresholds `json:"thresholds"`

	CheckInterval time.Duration `json:"check_interval"`

	// How many top candidates receive a spill shard
	ShardFanout int `json:"shard_fanout"`

	// Minimum gap between spill rounds
	SpillCooldown time.Duration `json:"spill_cooldown"`

	// Domain used when a spill has no triggering request
	DefaultDomain string `json:"default_domain"`

	PredictorClusters int     `json:"predictor_clusters"`
	NoveltyThreshold  float64 `json:"novelty_threshold"`
}

// DefaultOverloadConfig returns sensible production defaults.
func DefaultOverloadConfig() OverloadConfig {
	return OverloadConfig{
		Thresholds: common.OverloadThresholds{
			CPUMax:          0.85,
			GPUMax:          0.90,
			VRAMPressureMax: 0.90,
		},
		CheckInterval:     5 * time.Second,
		ShardFanout:       3,
		SpillCooldown:     30 * time.Second,
		DefaultDomain:     "Programming",
		PredictorClusters: 3,
		NoveltyThreshold:  0.85,
	}
}

// StatusProbe reports the local server's current load.
type StatusProbe func() common.ServerStatus

// OverloadMonitor watches local load against the spill thresholds and,
// on a breach, hands shard assignments to the best-performing swarm
// candidates. A small k-means model over dispatch telemetry flags
// dispatch-time behavior that drifts from the learned pattern.
type OverloadMonitor struct {
	config     OverloadConfig
	probe      StatusProbe
	registry   *Registry
	catalog    *Catalog
	dispatcher *Dispatcher
	link       common.NodeLink
	bus        *events.Bus
	logger     *slog.Logger

	predictor *dispatchPredictor

	mu          sync.Mutex
	overloaded  bool
	lastSpill   time.Time
	spills      uint64
	assigned    uint64
	lastNovelty float64

	shutdown chan struct{}
	started  bool
	stateMu  sync.Mutex
}

// NewOverloadMonitor creates a monitor. The catalog, dispatcher, link
// and bus may each be nil; missing pieces degrade the monitor to pure
// threshold checks.
func NewOverloadMonitor(
	config OverloadConfig,
	probe StatusProbe,
	registry *Registry,
	catalog *Catalog,
	dispatcher *Dispatcher,
	link common.NodeLink,
	bus *events.Bus,
	logger *slog.Logger,
) *OverloadMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if probe == nil {
		probe = func() common.ServerStatus { return common.ServerStatus{} }
	}
	if config.ShardFanout < 1 {
		config.ShardFanout = DefaultOverloadConfig().ShardFanout
	}
	if config.PredictorClusters < 1 {
		config.PredictorClusters = DefaultOverloadConfig().PredictorClusters
	}
	if config.NoveltyThreshold <= 0 {
		config.NoveltyThreshold = DefaultOverloadConfig().NoveltyThreshold
	}

	return &OverloadMonitor{
		config:     config,
		probe:      probe,
		registry:   registry,
		catalog:    catalog,
		dispatcher: dispatcher,
		link:       link,
		bus:        bus,
		logger:     logger.With("component", "overload"),
		predictor:  newDispatchPredictor(config.PredictorClusters, config.NoveltyThreshold),
		shutdown:   make(chan struct{}),
	}
}

// Start launches the periodic load check.
func (m *OverloadMonitor) Start(ctx context.Context) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	if m.started {
		return errors.New("overload monitor already started")
	}

	go m.monitorLoop()

	m.started = true
	m.logger.Info("overload monitor started",
		"cpu_max", m.config.Thresholds.CPUMax,
		"vram_pressure_max", m.config.Thresholds.VRAMPressureMax)
	return nil
}

// Stop halts the monitor loop.
func (m *OverloadMonitor) Stop() error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	if !m.started {
		return nil
	}

	close(m.shutdown)
	m.started = false
	m.logger.Info("overload monitor stopped")
	return nil
}

// IsOverloaded probes the local status against the thresholds.
func (m *OverloadMonitor) IsOverloaded() bool {
	return m.config.Thresholds.Exceeded(m.probe())
}

// Status returns the current local load reading.
func (m *OverloadMonitor) Status() common.ServerStatus {
	return m.probe()
}

// SpillFor sheds load for one domain: the top candidates by effective
// index each receive a shard assignment pointing at the domain's
// container. Returns nil without error when the thresholds are not
// breached or a spill ran too recently.
func (m *OverloadMonitor) SpillFor(ctx context.Context, domain string) ([]common.ShardAssignment, error) {
	if !m.config.Thresholds.Exceeded(m.probe()) {
		return nil, nil
	}
	if domain == "" {
		domain = m.config.DefaultDomain
	}

	m.mu.Lock()
	if time.Since(m.lastSpill) < m.config.SpillCooldown {
		m.mu.Unlock()
		return nil, nil
	}
	m.lastSpill = time.Now()
	m.mu.Unlock()

	targets := m.topCandidates(m.config.ShardFanout)
	if len(targets) == 0 {
		return nil, NewSchedError(ErrCodeNoCandidates, "no spill candidates").
			WithContext("domain", domain)
	}

	next := domain
	if m.catalog != nil {
		if ct, err := m.catalog.ForDomain(domain); err == nil {
			next = ct.ID
		}
	}

	assignments := make([]common.ShardAssignment, 0, len(targets))
	for _, nodeID := range targets {
		assignment := common.ShardAssignment{
			ShardID:       uuid.New().String(),
			NodeID:        nodeID,
			ShardIndex:    0,
			ShardTotal:    1,
			NextContainer: next,
			BufferTag:     common.DefaultBufferTag,
		}

		if m.link != nil {
			if err := m.link.Send(ctx, nodeID, common.EnvelopeShard, assignment); err != nil {
				m.logger.Warn("shard send failed",
					"node_id", getShortID(nodeID),
					"error", err)
				continue
			}
		}

		assignments = append(assignments, assignment)
		m.publish(events.TopicShardAssigned, assignment)
	}

	m.mu.Lock()
	m.spills++
	m.assigned += uint64(len(assignments))
	m.mu.Unlock()

	m.logger.Info("overload spill",
		"domain", domain,
		"next_container", next,
		"targets", len(assignments))
	return assignments, nil
}

// ObserveDispatch feeds one dispatch sample to the novelty model and
// reports whether it drifts from the learned pattern.
func (m *OverloadMonitor) ObserveDispatch(queueDepth, candidateCount int, latencyMs float64) (bool, float64) {
	score, err := m.predictor.score(dispatchFeatures(queueDepth, candidateCount, latencyMs))
	if err != nil {
		m.logger.Warn("dispatch novelty scoring failed", "error", err)
		return false, 0
	}

	m.mu.Lock()
	m.lastNovelty = score
	m.mu.Unlock()

	novel := score > m.config.NoveltyThreshold
	if novel {
		m.logger.Warn("dispatch pattern anomaly",
			"score", score,
			"queue_depth", queueDepth,
			"candidates", candidateCount,
			"latency_ms", latencyMs)
	}
	return novel, score
}

// RetrainPredictor refits the novelty clusters on buffered samples.
// Called on a slow cadence by the coordinator maintenance loop.
func (m *OverloadMonitor) RetrainPredictor() error {
	return m.predictor.retrain()
}

// Stats summarizes monitor state.
func (m *OverloadMonitor) Stats() map[string]interface{} {
	status := m.probe()

	m.mu.Lock()
	defer m.mu.Unlock()

	return map[string]interface{}{
		"overloaded":    m.config.Thresholds.Exceeded(status),
		"cpu_load":      status.CPULoad,
		"gpu_load":      status.GPULoad,
		"vram_usage":    status.VRAMUsageRatio,
		"spills":        m.spills,
		"novelty_score": m.lastNovelty,
		"observations":  m.predictor.observationCount(),
	}
}

// AssignedShards is the cumulative count of spill shards handed out.
func (m *OverloadMonitor) AssignedShards() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assigned
}

// ========== Internal Methods ==========

func (m *OverloadMonitor) monitorLoop() {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdown:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *OverloadMonitor) check() {
	status := m.probe()
	exceeded := m.config.Thresholds.Exceeded(status)

	m.mu.Lock()
	was := m.overloaded
	m.overloaded = exceeded
	m.mu.Unlock()

	if exceeded != was {
		if exceeded {
			m.logger.Warn("local overload detected",
				"cpu_load", status.CPULoad,
				"vram_usage", status.VRAMUsageRatio)
		} else {
			m.logger.Info("local load recovered",
				"cpu_load", status.CPULoad)
		}
	}

	if m.dispatcher != nil {
		candidates := 0
		if m.registry != nil {
			candidates = len(m.registry.Candidates())
		}
		m.ObserveDispatch(m.dispatcher.QueueDepth(), candidates, m.dispatcher.AverageOfferLatency())
	}

	if exceeded {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.CheckInterval)
		if _, err := m.SpillFor(ctx, m.config.DefaultDomain); err != nil {
			m.logger.Warn("spill failed", "error", err)
		}
		cancel()
	}
}

// topCandidates ranks eligible nodes by effective index, best first.
func (m *OverloadMonitor) topCandidates(n int) []string {
	if m.registry == nil {
		return nil
	}

	candidates := m.registry.Candidates()
	sort.SliceStable(candidates, func(i, j int) bool {
		return scoring.EffectiveMFPI(&candidates[i]) > scoring.EffectiveMFPI(&candidates[j])
	})

	if len(candidates) > n {
		candidates = candidates[:n]
	}
	out := make([]string, len(candidates))
	for i := range candidates {
		out[i] = candidates[i].NodeID
	}
	return out
}

func (m *OverloadMonitor) publish(topic string, payload interface{}) {
	if m.bus != nil {
		m.bus.Publish(topic, payload)
	}
}

// dispatchFeatureCount is the fixed width of dispatch sample vectors.
const dispatchFeatureCount = 3

// dispatchPredictor clusters (queue depth, candidate count, offer
// latency) samples and scores how far a new sample sits from the
// learned dispatch behavior.
type dispatchPredictor struct {
	model *cluster.KMeans

	observations [][]float64
	maxObs       int
	threshold    float64

	mu sync.Mutex
}

func newDispatchPredictor(clusters int, threshold float64) *dispatchPredictor {
	// Seed with zero vectors so Predict works before the first retrain
	seed := make([][]float64, clusters)
	for i := 0; i < clusters; i++ {
		seed[i] = make([]float64, dispatchFeatureCount)
	}

	return &dispatchPredictor{
		model:        cluster.NewKMeans(clusters, 10, seed),
		observations: make([][]float64, 0, 1000),
		maxObs:       1000,
		threshold:    threshold,
	}
}

// dispatchFeatures normalizes one sample. Queue depth scales against a
// 100-task ceiling, candidates against 50 nodes, latency against 2s.
func dispatchFeatures(queueDepth, candidateCount int, latencyMs float64) []float64 {
	return []float64{
		math.Min(float64(queueDepth)/100.0, 1.0),
		math.Min(float64(candidateCount)/50.0, 1.0),
		math.Min(math.Max(latencyMs, 0)/2000.0, 1.0),
	}
}

func (p *dispatchPredictor) score(features []float64) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.observations) < p.maxObs {
		p.observations = append(p.observations, features)
	}

	centroid, err := p.model.Predict(features)
	if err != nil {
		return 0, err
	}

	dist := 0.0
	limit := len(features)
	if len(centroid) < limit {
		limit = len(centroid)
	}
	for i := 0; i < limit; i++ {
		diff := features[i] - centroid[i]
		dist += diff * diff
	}
	dist = math.Sqrt(dist)

	// Sigmoid mapping of distance so the score saturates smoothly
	return 1.0 - (1.0 / (1.0 + math.Exp(dist-2.0))), nil
}

func (p *dispatchPredictor) retrain() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.observations) < 10 {
		return nil // Not enough data
	}

	if err := p.model.UpdateTrainingSet(p.observations); err != nil {
		return err
	}
	return p.model.Learn()
}

func (p *dispatchPredictor) observationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.observations)
}
