package trust

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

// TrustStore defines persistence for trust records.
type TrustStore interface {
	SaveRecords(records map[string]TrustRecord) error
	LoadRecords() (map[string]TrustRecord, error)
}

// PenaltyReason defines types of failures that affect reputation.
type PenaltyReason int

const (
	PenaltyTimeout PenaltyReason = iota
	PenaltyInvalidResult
	PenaltyVerificationFailure
	PenaltyMaliciousBehavior
	PenaltyCongestion
)

func (p PenaltyReason) String() string {
	switch p {
	case PenaltyTimeout:
		return "timeout"
	case PenaltyInvalidResult:
		return "invalid_result"
	case PenaltyVerificationFailure:
		return "verification_failure"
	case PenaltyMaliciousBehavior:
		return "malicious"
	case PenaltyCongestion:
		return "congestion"
	default:
		return "unknown"
	}
}

// TrustRecord is the per-node trust state.
type TrustRecord struct {
	NodeID                 string  `json:"node_id"`
	Score                  float64 `json:"score"`
	Confidence             float64 `json:"confidence"`
	SuccessfulInteractions uint64  `json:"successful_interactions"`
	FailedInteractions     uint64  `json:"failed_interactions"`
	VerifiedResults        uint64  `json:"verified_results"`
	TotalLatencyMs         float64 `json:"total_latency_ms"`
	LastInteraction        int64   `json:"last_interaction"` // Unix Nano
	LastUpdated            int64   `json:"last_updated"`     // Unix Nano
}

// Manager implements an EMA-based trust system over task outcomes.
type Manager struct {
	records   map[string]TrustRecord
	recordsMu sync.RWMutex

	decayHalfLife time.Duration // Time for score to decay halfway to neutral
	minScore      float64       // 0.0
	maxScore      float64       // 1.0
	defaultScore  float64       // 0.5
	alpha         float64       // EMA smoothing factor

	store  TrustStore
	logger *slog.Logger
}

// NewManager creates a trust manager, restoring persisted records when a
// store is provided.
func NewManager(decayHalfLife time.Duration, store TrustStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		records:       make(map[string]TrustRecord),
		decayHalfLife: decayHalfLife,
		minScore:      0.0,
		maxScore:      1.0,
		defaultScore:  0.5,
		alpha:         0.15,
		store:         store,
		logger:        logger.With("component", "trust"),
	}

	if store != nil {
		if loaded, err := store.LoadRecords(); err == nil && len(loaded) > 0 {
			m.records = loaded
			m.logger.Info("restored trust records", "count", len(loaded))
		}
	}

	return m
}

// Snapshot persists current records.
func (m *Manager) Snapshot() error {
	if m.store == nil {
		return nil
	}

	m.recordsMu.RLock()
	snapshot := make(map[string]TrustRecord, len(m.records))
	for k, v := range m.records {
		snapshot[k] = v
	}
	m.recordsMu.RUnlock()

	return m.store.SaveRecords(snapshot)
}

// ReportOutcome ingests one dispatch outcome for a node.
func (m *Manager) ReportOutcome(nodeID string, success bool, latencyMs float64) {
	m.recordsMu.Lock()
	defer m.recordsMu.Unlock()

	rec := m.getOrCreate(nodeID)
	m.applyDecay(&rec)

	if success {
		rec.SuccessfulInteractions++

		// Latency score: 1.0 below 50ms, 0.0 beyond 2000ms
		latScore := 1.0
		if latencyMs > 50 {
			latScore = math.Max(0, 1.0-(latencyMs-50)/1950.0)
		}

		rec.Score = (1-m.alpha)*rec.Score + m.alpha*latScore
		rec.TotalLatencyMs += latencyMs
	} else {
		rec.FailedInteractions++
		rec.Score = math.Max(m.minScore, rec.Score-0.05)
	}

	m.updateConfidence(&rec)
	rec.LastInteraction = time.Now().UnixNano()
	rec.LastUpdated = rec.LastInteraction
	m.records[nodeID] = rec
}

// RewardVerified boosts a node whose result survived reconciliation.
// Replicated tasks give a slightly larger boost since the result was
// cross-checked against other executors.
func (m *Manager) RewardVerified(nodeID string, replicated bool) {
	m.recordsMu.Lock()
	defer m.recordsMu.Unlock()

	rec := m.getOrCreate(nodeID)
	m.applyDecay(&rec)

	rec.VerifiedResults++
	rec.SuccessfulInteractions++

	boost := 0.05
	if replicated {
		boost = 0.08
	}
	rec.Score = math.Min(m.maxScore, rec.Score+boost)

	m.updateConfidence(&rec)
	rec.LastInteraction = time.Now().UnixNano()
	rec.LastUpdated = rec.LastInteraction
	m.records[nodeID] = rec
}

// ReportPenalty applies a specific penalty to a node.
func (m *Manager) ReportPenalty(nodeID string, reason PenaltyReason) {
	m.recordsMu.Lock()
	defer m.recordsMu.Unlock()

	rec := m.getOrCreate(nodeID)
	m.applyDecay(&rec)

	var penalty float64
	switch reason {
	case PenaltyTimeout:
		penalty = 0.02
	case PenaltyInvalidResult:
		penalty = 0.15
	case PenaltyVerificationFailure:
		penalty = 0.30
	case PenaltyMaliciousBehavior:
		penalty = 1.0 // Blacklist
	case PenaltyCongestion:
		penalty = 0.01
	default:
		penalty = 0.05
	}

	rec.Score = math.Max(m.minScore, rec.Score-penalty)
	rec.FailedInteractions++

	m.logger.Debug("applied trust penalty", "node_id", nodeID, "reason", reason.String(), "penalty", penalty)

	m.updateConfidence(&rec)
	rec.LastUpdated = time.Now().UnixNano()
	m.records[nodeID] = rec
}

// GetTrustScore returns (score, confidence) for a node, decayed to now.
// Unknown nodes get the neutral default with zero confidence.
func (m *Manager) GetTrustScore(nodeID string) (float64, float64) {
	m.recordsMu.RLock()
	defer m.recordsMu.RUnlock()

	rec, exists := m.records[nodeID]
	if !exists {
		return m.defaultScore, 0.0
	}

	m.applyDecay(&rec)
	return rec.Score, rec.Confidence
}

// IsTrusted reports whether a node has both a decent score and enough
// history to believe it.
func (m *Manager) IsTrusted(nodeID string) bool {
	score, confidence := m.GetTrustScore(nodeID)
	return score > 0.4 && confidence > 0.2
}

// Weight is the node's aggregation vote weight: confidence-scaled score.
func (m *Manager) Weight(nodeID string) float64 {
	score, confidence := m.GetTrustScore(nodeID)
	return score * confidence
}

// TopNodes returns up to n node IDs ranked by confidence-weighted score.
func (m *Manager) TopNodes(n int) []string {
	m.recordsMu.RLock()
	defer m.recordsMu.RUnlock()

	type ranked struct {
		id     string
		weight float64
	}
	var list []ranked
	for id, rec := range m.records {
		m.applyDecay(&rec)
		list = append(list, ranked{id, rec.Confidence * rec.Score})
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].weight > list[j].weight
	})

	limit := n
	if len(list) < n {
		limit = len(list)
	}

	res := make([]string, limit)
	for i := 0; i < limit; i++ {
		res[i] = list[i].id
	}
	return res
}

// AverageScore returns the mean trust score across all known nodes.
func (m *Manager) AverageScore() float64 {
	m.recordsMu.RLock()
	defer m.recordsMu.RUnlock()

	if len(m.records) == 0 {
		return m.defaultScore
	}

	var sum float64
	for _, rec := range m.records {
		sum += rec.Score
	}
	return sum / float64(len(m.records))
}

// Metrics summarizes trust state for telemetry.
func (m *Manager) Metrics() map[string]interface{} {
	m.recordsMu.RLock()
	defer m.recordsMu.RUnlock()

	var sumScore, sumConfidence float64
	for _, rec := range m.records {
		sumScore += rec.Score
		sumConfidence += rec.Confidence
	}

	avgScore := 0.0
	avgConfidence := 0.0
	if len(m.records) > 0 {
		avgScore = sumScore / float64(len(m.records))
		avgConfidence = sumConfidence / float64(len(m.records))
	}

	return map[string]interface{}{
		"total_nodes":    len(m.records),
		"avg_score":      avgScore,
		"avg_confidence": avgConfidence,
	}
}

// Internal helpers

func (m *Manager) getOrCreate(nodeID string) TrustRecord {
	if rec, exists := m.records[nodeID]; exists {
		return rec
	}
	return TrustRecord{
		NodeID:      nodeID,
		Score:       m.defaultScore,
		Confidence:  0.0,
		LastUpdated: time.Now().UnixNano(),
	}
}

// applyDecay drifts the score toward neutral and confidence toward zero
// as a node goes quiet.
func (m *Manager) applyDecay(rec *TrustRecord) {
	now := time.Now().UnixNano()
	dt := now - rec.LastUpdated
	if dt <= 0 {
		return
	}

	hours := float64(dt) / float64(time.Hour)
	decayFactor := math.Pow(0.5, hours/(float64(m.decayHalfLife)/float64(time.Hour)))

	rec.Score = m.defaultScore + (rec.Score-m.defaultScore)*decayFactor
	rec.Confidence = rec.Confidence * decayFactor
}

func (m *Manager) updateConfidence(rec *TrustRecord) {
	total := rec.SuccessfulInteractions + rec.FailedInteractions
	if total == 0 {
		rec.Confidence = 0
		return
	}
	// Asymptotic approach to 1.0:
	// one interaction proves nothing, 5 -> ~0.67, 20 -> ~0.91
	rec.Confidence = 1.0 - (1.0 / float64(total/2+1))
}
