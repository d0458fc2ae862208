package sched

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/stc-ai/stc-swarm/core/sched/common"
	"github.com/stc-ai/stc-swarm/core/sched/transport"
	"github.com/stc-ai/stc-swarm/core/sched/trust"
	"github.com/stc-ai/stc-swarm/internal/events"
)

// AggregatorConfig holds result aggregation configuration.
type AggregatorConfig struct {
	// Fraction of total trust weight the winning digest group must hold
	QuorumRatio float64 `json:"quorum_ratio"`

	// How long finalized outcomes stay queryable
	ResultTTL time.Duration `json:"result_ttl"`

	SweepInterval time.Duration `json:"sweep_interval"`

	// Dedup filter sizing
	BloomExpectedResults   uint    `json:"bloom_expected_results"`
	BloomFalsePositiveRate float64 `json:"bloom_false_positive_rate"`
}

// DefaultAggregatorConfig returns sensible production defaults.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		QuorumRatio:            0.6,
		ResultTTL:              10 * time.Minute,
		SweepInterval:          10 * time.Second,
		BloomExpectedResults:   100000,
		BloomFalsePositiveRate: 0.01,
	}
}

// ReconcileOutcome is the aggregator's verdict on one task.
type ReconcileOutcome struct {
	TaskID        string             `json:"task_id"`
	Status        common.TaskStatus  `json:"status"`
	WinningDigest string             `json:"winning_digest,omitempty"`
	Payload       []byte             `json:"payload,omitempty"`
	Winners       []string           `json:"winners,omitempty"`
	Losers        []string           `json:"losers,omitempty"`
	Tags          []common.ResultTag `json:"tags,omitempty"`
	FinalizedAt   time.Time          `json:"finalized_at,omitempty"`
}

// TaskCompletion is the task.completed event payload.
type TaskCompletion struct {
	TaskID  string             `json:"task_id"`
	Digest  string             `json:"digest"`
	Winners []string           `json:"winners"`
	Tags    []common.ResultTag `json:"tags"`
}

// TaskFailure is the task.failed event payload.
type TaskFailure struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// submission is one stored result, payload compressed at rest.
type submission struct {
	nodeID     string
	shardIndex uint32
	digest     string
	stored     []byte
	encoding   string
	receivedAt time.Time
}

// taskResults accumulates submissions for one tracked task.
type taskResults struct {
	taskID     string
	shardTotal uint32
	quorumPool int // submissions expected per shard

	deadline time.Time

	shards       map[uint32]map[string]*submission // shard -> node -> submission
	shardWinners map[uint32]*submission
	tags         []common.ResultTag

	outcome     ReconcileOutcome
	finalized   bool
	finalizedAt time.Time
	trackedAt   time.Time
}

// Aggregator collects task results, verifies and tags them, and
// reconciles replicated executions by trust-weighted quorum.
type Aggregator struct {
	config AggregatorConfig

	tasks   map[string]*taskResults
	tasksMu sync.RWMutex

	// Replay suppression across task eviction. The filter answers
	// "possibly seen"; the per-task submission maps answer exactly.
	seenFilter *bloom.BloomFilter
	seenCount  int
	seenMu     sync.RWMutex

	registry *Registry
	trust    *trust.Manager
	storage  *transport.Codec
	bus      *events.Bus
	logger   *slog.Logger

	shutdown chan struct{}
	started  bool
	stateMu  sync.Mutex
}

// NewAggregator creates an aggregator. The bus may be nil (tests).
func NewAggregator(config AggregatorConfig, registry *Registry, trustMgr *trust.Manager, bus *events.Bus, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if config.QuorumRatio <= 0 || config.QuorumRatio > 1 {
		config.QuorumRatio = DefaultAggregatorConfig().QuorumRatio
	}

	return &Aggregator{
		config: config,
		tasks:  make(map[string]*taskResults),
		seenFilter: bloom.NewWithEstimates(
			config.BloomExpectedResults,
			config.BloomFalsePositiveRate,
		),
		registry: registry,
		trust:    trustMgr,
		storage:  transport.NewStorageCodec(),
		bus:      bus,
		logger:   logger.With("component", "aggregator"),
		shutdown: make(chan struct{}),
	}
}

// Start launches the expiry sweep loop.
func (a *Aggregator) Start(ctx context.Context) error {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	if a.started {
		return errors.New("aggregator already started")
	}

	go a.sweepLoop()

	a.started = true
	a.logger.Info("aggregator started",
		"quorum_ratio", a.config.QuorumRatio,
		"result_ttl", a.config.ResultTTL)
	return nil
}

// Stop halts the sweep loop.
func (a *Aggregator) Stop() error {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	if !a.started {
		return nil
	}

	close(a.shutdown)
	a.started = false
	a.logger.Info("aggregator stopped")
	return nil
}

// Track registers a dispatched task so its submissions have somewhere
// to land. shardTotal is 1 for unsharded work.
func (a *Aggregator) Track(task *common.Task, shardTotal uint32) {
	if shardTotal == 0 {
		shardTotal = 1
	}
	pool := task.Replicas
	if pool < 1 {
		pool = 1
	}

	st := &taskResults{
		taskID:       task.ID,
		shardTotal:   shardTotal,
		quorumPool:   pool,
		shards:       make(map[uint32]map[string]*submission),
		shardWinners: make(map[uint32]*submission),
		trackedAt:    time.Now(),
	}
	if task.Deadline != nil {
		st.deadline = *task.Deadline
	}

	a.tasksMu.Lock()
	a.tasks[task.ID] = st
	a.tasksMu.Unlock()

	a.logger.Debug("tracking task",
		"task_id", task.ID,
		"replicas", pool,
		"shard_total", shardTotal)
}

// Untrack releases a task that will never finalize, such as one the
// dispatcher failed before any result arrived.
func (a *Aggregator) Untrack(taskID string) {
	a.tasksMu.Lock()
	_, existed := a.tasks[taskID]
	delete(a.tasks, taskID)
	a.tasksMu.Unlock()

	if existed {
		a.logger.Debug("untracked task", "task_id", taskID)
	}
}

// Submit ingests one result. Duplicates are rejected, digests verified
// (a mismatch costs the submitter reputation), accepted payloads are
// tagged and held compressed until reconciliation finalizes the task.
func (a *Aggregator) Submit(res common.Result) (ReconcileOutcome, error) {
	key := resultKey(res.TaskID, res.NodeID, res.ShardIndex)

	a.tasksMu.Lock()
	st, tracked := a.tasks[res.TaskID]
	if !tracked {
		a.tasksMu.Unlock()
		if a.hasSeen(key) {
			return ReconcileOutcome{}, ErrDuplicateResult(res.TaskID, res.NodeID)
		}
		return ReconcileOutcome{}, ErrTaskNotFound(res.TaskID)
	}

	if st.finalized {
		out := st.outcome
		a.tasksMu.Unlock()
		return out, nil
	}

	if res.ShardIndex >= st.shardTotal {
		a.tasksMu.Unlock()
		a.trust.ReportPenalty(res.NodeID, trust.PenaltyInvalidResult)
		return ReconcileOutcome{}, NewSchedError(ErrCodeDuplicateResult, "shard index out of range").
			WithContext("task_id", res.TaskID).
			WithContext("shard_index", res.ShardIndex).
			WithContext("shard_total", st.shardTotal)
	}

	if _, dup := st.shards[res.ShardIndex][res.NodeID]; dup {
		a.tasksMu.Unlock()
		return ReconcileOutcome{}, ErrDuplicateResult(res.TaskID, res.NodeID)
	}

	if err := VerifyResult(&res); err != nil {
		a.tasksMu.Unlock()
		a.trust.ReportPenalty(res.NodeID, trust.PenaltyVerificationFailure)
		a.logger.Warn("result digest mismatch",
			"task_id", res.TaskID,
			"node_id", getShortID(res.NodeID))
		return ReconcileOutcome{}, err
	}

	stored, encoding, err := a.storage.Pack(res.Payload)
	if err != nil {
		a.tasksMu.Unlock()
		return ReconcileOutcome{}, err
	}

	sub := &submission{
		nodeID:     res.NodeID,
		shardIndex: res.ShardIndex,
		digest:     res.Digest,
		stored:     stored,
		encoding:   encoding,
		receivedAt: time.Now(),
	}
	if st.shards[res.ShardIndex] == nil {
		st.shards[res.ShardIndex] = make(map[string]*submission)
	}
	st.shards[res.ShardIndex][res.NodeID] = sub
	st.tags = append(st.tags, a.tagFor(&res))

	rewards, penalties, finalized := a.reconcileLocked(st, res.ShardIndex)
	out := st.outcome
	if !st.finalized {
		out = ReconcileOutcome{TaskID: res.TaskID, Status: common.TaskRunning}
	}
	a.tasksMu.Unlock()

	a.markSeen(key)

	replicated := st.quorumPool > 1
	for _, nodeID := range rewards {
		a.trust.RewardVerified(nodeID, replicated)
	}
	for _, nodeID := range penalties {
		a.trust.ReportPenalty(nodeID, trust.PenaltyInvalidResult)
	}

	if finalized {
		a.logger.Info("task finalized",
			"task_id", res.TaskID,
			"digest", out.WinningDigest,
			"winners", len(out.Winners),
			"losers", len(out.Losers))
		a.publish(events.TopicTaskCompleted, TaskCompletion{
			TaskID:  res.TaskID,
			Digest:  out.WinningDigest,
			Winners: out.Winners,
			Tags:    out.Tags,
		})
	}
	return out, nil
}

// Outcome reports the aggregator's current verdict for a task.
func (a *Aggregator) Outcome(taskID string) (ReconcileOutcome, error) {
	a.tasksMu.RLock()
	defer a.tasksMu.RUnlock()

	st, tracked := a.tasks[taskID]
	if !tracked {
		return ReconcileOutcome{}, ErrTaskNotFound(taskID)
	}
	if !st.finalized {
		return ReconcileOutcome{TaskID: taskID, Status: common.TaskRunning}, nil
	}
	return st.outcome, nil
}

// Tags returns the receipt tags recorded for a task so far.
func (a *Aggregator) Tags(taskID string) ([]common.ResultTag, error) {
	a.tasksMu.RLock()
	defer a.tasksMu.RUnlock()

	st, tracked := a.tasks[taskID]
	if !tracked {
		return nil, ErrTaskNotFound(taskID)
	}
	out := make([]common.ResultTag, len(st.tags))
	copy(out, st.tags)
	return out, nil
}

// Pending counts tracked tasks that have not finalized.
func (a *Aggregator) Pending() int {
	a.tasksMu.RLock()
	defer a.tasksMu.RUnlock()

	n := 0
	for _, st := range a.tasks {
		if !st.finalized {
			n++
		}
	}
	return n
}

// Stats summarizes aggregator state.
func (a *Aggregator) Stats() map[string]interface{} {
	a.tasksMu.RLock()
	tracked := len(a.tasks)
	pending := 0
	succeeded := 0
	for _, st := range a.tasks {
		if !st.finalized {
			pending++
		} else if st.outcome.Status == common.TaskSucceeded {
			succeeded++
		}
	}
	a.tasksMu.RUnlock()

	a.seenMu.RLock()
	seen := a.seenCount
	a.seenMu.RUnlock()

	return map[string]interface{}{
		"tracked_tasks":   tracked,
		"pending_tasks":   pending,
		"succeeded_tasks": succeeded,
		"seen_results":    seen,
	}
}

// ========== Internal Methods ==========

// reconcileLocked attempts to settle one shard and, if every shard has
// settled, finalize the task. Caller holds tasksMu. Returns trust
// actions for the caller to apply outside the lock.
func (a *Aggregator) reconcileLocked(st *taskResults, shardIdx uint32) (rewards, penalties []string, finalized bool) {
	subs := st.shards[shardIdx]
	if _, settled := st.shardWinners[shardIdx]; settled {
		return nil, nil, false
	}
	if len(subs) < st.quorumPool {
		return nil, nil, false
	}

	winner := a.electLocked(subs)
	if winner == nil {
		a.logger.Warn("quorum not reached",
			"task_id", st.taskID,
			"shard_index", shardIdx,
			"submissions", len(subs))
		return nil, nil, false
	}
	st.shardWinners[shardIdx] = winner

	for nodeID, sub := range subs {
		if sub.digest == winner.digest {
			rewards = append(rewards, nodeID)
		} else {
			penalties = append(penalties, nodeID)
		}
	}

	if uint32(len(st.shardWinners)) < st.shardTotal {
		return rewards, penalties, false
	}

	if err := a.finalizeLocked(st); err != nil {
		a.logger.Error("failed to assemble final payload",
			"task_id", st.taskID, "error", err)
		return rewards, penalties, false
	}
	return rewards, penalties, true
}

// electLocked picks the digest group holding at least the quorum share
// of trust weight. Nodes with no track record weigh nothing, so when
// the whole pool is unknown the election falls back to head counting.
func (a *Aggregator) electLocked(subs map[string]*submission) *submission {
	groupWeight := make(map[string]float64)
	groupFirst := make(map[string]*submission)

	var total float64
	weights := make(map[string]float64, len(subs))
	for nodeID := range subs {
		w := a.trust.Weight(nodeID)
		weights[nodeID] = w
		total += w
	}
	if total <= 0 {
		for nodeID := range subs {
			weights[nodeID] = 1
			total++
		}
	}

	for nodeID, sub := range subs {
		groupWeight[sub.digest] += weights[nodeID]
		if first, ok := groupFirst[sub.digest]; !ok || sub.receivedAt.Before(first.receivedAt) {
			groupFirst[sub.digest] = sub
		}
	}

	var bestDigest string
	var bestWeight float64
	for digest, w := range groupWeight {
		if w > bestWeight {
			bestDigest = digest
			bestWeight = w
		}
	}

	if bestWeight < a.config.QuorumRatio*total {
		return nil
	}
	return groupFirst[bestDigest]
}

// finalizeLocked assembles the winning payload across shards in index
// order and seals the outcome. Caller holds tasksMu.
func (a *Aggregator) finalizeLocked(st *taskResults) error {
	var assembled []byte
	for idx := uint32(0); idx < st.shardTotal; idx++ {
		winner := st.shardWinners[idx]
		payload, err := a.storage.Unpack(winner.stored, winner.encoding)
		if err != nil {
			return err
		}
		assembled = append(assembled, payload...)
	}

	digest := st.shardWinners[0].digest
	if st.shardTotal > 1 {
		digest = PayloadDigest(assembled)
	}

	// Winners and losers tallied across every shard
	var winners, losers []string
	for idx, subs := range st.shards {
		elected := st.shardWinners[idx]
		for nodeID, sub := range subs {
			if sub.digest == elected.digest {
				winners = append(winners, nodeID)
			} else {
				losers = append(losers, nodeID)
			}
		}
	}

	now := time.Now()
	st.finalized = true
	st.finalizedAt = now
	st.outcome = ReconcileOutcome{
		TaskID:        st.taskID,
		Status:        common.TaskSucceeded,
		WinningDigest: digest,
		Payload:       assembled,
		Winners:       winners,
		Losers:        losers,
		Tags:          append([]common.ResultTag(nil), st.tags...),
		FinalizedAt:   now,
	}
	return nil
}

func (a *Aggregator) tagFor(res *common.Result) common.ResultTag {
	score, confidence := a.trust.GetTrustScore(res.NodeID)

	tier := common.TierOffline
	if a.registry != nil {
		if node, err := a.registry.Get(res.NodeID); err == nil {
			tier = node.CurrentTier
		}
	}

	return common.ResultTag{
		NodeID:     res.NodeID,
		Tier:       tier,
		TrustScore: score,
		Confidence: confidence,
		Digest:     res.Digest,
		ReceivedAt: time.Now(),
	}
}

func (a *Aggregator) hasSeen(key string) bool {
	a.seenMu.RLock()
	defer a.seenMu.RUnlock()
	return a.seenFilter.Test([]byte(key))
}

func (a *Aggregator) markSeen(key string) {
	a.seenMu.Lock()
	a.seenFilter.Add([]byte(key))
	a.seenCount++
	a.seenMu.Unlock()
}

func (a *Aggregator) sweepLoop() {
	ticker := time.NewTicker(a.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.shutdown:
			return
		case <-ticker.C:
			a.expireDeadlined()
			a.evictFinalized()
		}
	}
}

// expireDeadlined fails tracked tasks past their deadline.
func (a *Aggregator) expireDeadlined() {
	now := time.Now()
	var expired []string

	a.tasksMu.Lock()
	for taskID, st := range a.tasks {
		if st.finalized || st.deadline.IsZero() || now.Before(st.deadline) {
			continue
		}
		st.finalized = true
		st.finalizedAt = now
		st.outcome = ReconcileOutcome{
			TaskID:      taskID,
			Status:      common.TaskExpired,
			Tags:        append([]common.ResultTag(nil), st.tags...),
			FinalizedAt: now,
		}
		expired = append(expired, taskID)
	}
	a.tasksMu.Unlock()

	for _, taskID := range expired {
		a.logger.Warn("task expired before reconciliation", "task_id", taskID)
		a.publish(events.TopicTaskFailed, TaskFailure{TaskID: taskID, Reason: "deadline exceeded"})
	}
}

// evictFinalized drops outcomes older than the TTL. The seen filter
// keeps rejecting replays for evicted tasks.
func (a *Aggregator) evictFinalized() {
	now := time.Now()

	a.tasksMu.Lock()
	for taskID, st := range a.tasks {
		if st.finalized && now.Sub(st.finalizedAt) > a.config.ResultTTL {
			delete(a.tasks, taskID)
		}
	}
	empty := len(a.tasks) == 0
	a.tasksMu.Unlock()

	// With nothing tracked the filter can be rebuilt to shed saturation
	if empty {
		a.seenMu.Lock()
		if a.seenCount > int(a.config.BloomExpectedResults) {
			a.seenFilter = bloom.NewWithEstimates(
				a.config.BloomExpectedResults,
				a.config.BloomFalsePositiveRate,
			)
			a.seenCount = 0
			a.logger.Debug("seen filter reset")
		}
		a.seenMu.Unlock()
	}
}

func (a *Aggregator) publish(topic string, payload interface{}) {
	if a.bus != nil {
		a.bus.Publish(topic, payload)
	}
}

func resultKey(taskID, nodeID string, shardIdx uint32) string {
	return taskID + "/" + nodeID + "/" + strconv.FormatUint(uint64(shardIdx), 10)
}
