package scoring

import (
	"sync"

	"github.com/stc-ai/stc-swarm/core/sched/common"
)

// Weights blend the scoring factors into one candidate rank.
type Weights struct {
	Performance float64 `json:"performance"` // normalized effective MFPI
	Capability  float64 `json:"capability"`  // domain/capability match
	Trust       float64 `json:"trust"`       // reputation score
}

// DefaultWeights returns the production blend.
func DefaultWeights() Weights {
	return Weights{
		Performance: 0.5,
		Capability:  0.2,
		Trust:       0.3,
	}
}

// Engine computes composite per-task suitability scores for candidate
// nodes and keeps short performance histories per node.
type Engine struct {
	mu sync.RWMutex

	weights Weights
	matcher *CapabilityMatcher

	// Node performance history
	nodeLatencies map[string][]float64 // nodeID -> recent dispatch latencies
	nodeSuccesses map[string]int
	nodeFailures  map[string]int
}

// NodeScore is one candidate's scored breakdown.
type NodeScore struct {
	NodeID           string  `json:"node_id"`
	TotalScore       float64 `json:"total_score"`
	PerformanceScore float64 `json:"performance_score"`
	CapabilityScore  float64 `json:"capability_score"`
	TrustScore       float64 `json:"trust_score"`
	EffectiveMFPI    float64 `json:"effective_mfpi"`
	SuccessRate      float64 `json:"success_rate"`
}

// NewEngine creates a scoring engine with default weights.
func NewEngine() *Engine {
	return &Engine{
		weights:       DefaultWeights(),
		matcher:       NewCapabilityMatcher(),
		nodeLatencies: make(map[string][]float64),
		nodeSuccesses: make(map[string]int),
		nodeFailures:  make(map[string]int),
	}
}

// Matcher exposes the capability matcher for callers that resolve
// requirements themselves.
func (e *Engine) Matcher() *CapabilityMatcher {
	return e.matcher
}

// SetWeights replaces the blend; weights are normalized to sum to 1.
func (e *Engine) SetWeights(performance, capability, trust float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := performance + capability + trust
	if total == 0 {
		return
	}

	e.weights.Performance = performance / total
	e.weights.Capability = capability / total
	e.weights.Trust = trust / total
}

// Weights returns the current blend.
func (e *Engine) Weights() Weights {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.weights
}

// ScoreNode grades one candidate for a task. trust is the reputation
// score in [0,1]; requiredCaps should come from
// Matcher().RequirementsFor.
func (e *Engine) ScoreNode(node *common.NodeContext, requiredCaps []string, trust float64) NodeScore {
	e.mu.RLock()
	defer e.mu.RUnlock()

	score := NodeScore{NodeID: node.NodeID}

	score.EffectiveMFPI = EffectiveMFPI(node)
	score.PerformanceScore = normalizeMFPI(score.EffectiveMFPI)
	score.CapabilityScore = e.matcher.MatchScore(requiredCaps, node.CapabilityTags())
	score.TrustScore = trust

	score.TotalScore = score.PerformanceScore*e.weights.Performance +
		score.CapabilityScore*e.weights.Capability +
		score.TrustScore*e.weights.Trust

	successes := e.nodeSuccesses[node.NodeID]
	failures := e.nodeFailures[node.NodeID]
	if total := successes + failures; total > 0 {
		score.SuccessRate = float64(successes) / float64(total)
	} else {
		score.SuccessRate = 0.5 // Neutral for unknown nodes
	}

	return score
}

// normalizeMFPI maps the unbounded effective index into [0,1).
// Saturating: 0.5 at an effective index of 100.
func normalizeMFPI(eff float64) float64 {
	if eff <= 0 {
		return 0
	}
	return eff / (eff + 100.0)
}

// RecordLatency records a dispatch round-trip for a node.
func (e *Engine) RecordLatency(nodeID string, latencyMs float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	latencies := append(e.nodeLatencies[nodeID], latencyMs)

	// Keep last 100 measurements
	if len(latencies) > 100 {
		latencies = latencies[len(latencies)-100:]
	}
	e.nodeLatencies[nodeID] = latencies
}

// RecordSuccess records a completed dispatch for a node.
func (e *Engine) RecordSuccess(nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodeSuccesses[nodeID]++
}

// RecordFailure records a failed dispatch for a node.
func (e *Engine) RecordFailure(nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodeFailures[nodeID]++
}

// AverageLatency returns the mean of the recorded window, 0 if empty.
func (e *Engine) AverageLatency(nodeID string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	latencies := e.nodeLatencies[nodeID]
	if len(latencies) == 0 {
		return 0
	}

	var sum float64
	for _, l := range latencies {
		sum += l
	}
	return sum / float64(len(latencies))
}

// SuccessRate returns the node's dispatch success ratio, 0.5 when
// nothing has been recorded.
func (e *Engine) SuccessRate(nodeID string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	successes := e.nodeSuccesses[nodeID]
	failures := e.nodeFailures[nodeID]
	total := successes + failures
	if total == 0 {
		return 0.5
	}
	return float64(successes) / float64(total)
}
