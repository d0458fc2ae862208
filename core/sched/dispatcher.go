package sched

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/golang-collections/collections/queue"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/stc-ai/stc-swarm/core/sched/common"
	"github.com/stc-ai/stc-swarm/core/sched/scoring"
	"github.com/stc-ai/stc-swarm/core/sched/trust"
	"github.com/stc-ai/stc-swarm/internal/events"
)

// DispatcherConfig holds task dispatch configuration.
type DispatcherConfig struct {
	// How long an offered node has to claim before the offer moves on
	ClaimTimeout time.Duration `json:"claim_timeout"`

	// Claim lease; renewed by progress, expiry re-queues the task
	LeaseDuration time.Duration `json:"lease_duration"`

	// Re-queue budget before a task is failed outright
	MaxRequeues int `json:"max_requeues"`

	// How long settled tasks stay queryable before eviction
	TaskRetention time.Duration `json:"task_retention"`

	// Prefer Tier 1 nodes once the best-ranked candidate has failed
	FallbackToTier1 bool `json:"fallback_to_tier1"`

	SweepInterval time.Duration `json:"sweep_interval"`

	// Per-node circuit breaker
	BreakerFailureThreshold uint32        `json:"breaker_failure_threshold"`
	BreakerResetTimeout     time.Duration `json:"breaker_reset_timeout"`
	BreakerHalfOpenMax      uint32        `json:"breaker_half_open_max"`
}

// DefaultDispatcherConfig returns sensible production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		ClaimTimeout:            15 * time.Second,
		LeaseDuration:           2 * time.Minute,
		MaxRequeues:             3,
		TaskRetention:           10 * time.Minute,
		FallbackToTier1:         true,
		SweepInterval:           5 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerResetTimeout:     30 * time.Second,
		BreakerHalfOpenMax:      3,
	}
}

// DispatchOffer is the dispatch envelope payload sent to a candidate.
type DispatchOffer struct {
	Task         common.Task `json:"task"`
	ClaimBy      time.Time   `json:"claim_by"`
	LeaseSeconds int64       `json:"lease_seconds"`
}

// ClaimReply is the candidate's answer to an offer.
type ClaimReply struct {
	Accept bool   `json:"accept"`
	NodeID string `json:"node_id"`
	Reason string `json:"reason,omitempty"`
}

// assignment tracks one node's hold on a task.
type assignment struct {
	nodeID      string
	offeredAt   time.Time
	claimedAt   time.Time
	leaseUntil  time.Time
	completed   bool
	breakerDone func(bool)
}

func (a *assignment) claimed() bool {
	return !a.claimedAt.IsZero()
}

// dispatchState is the dispatcher's view of one task.
type dispatchState struct {
	task        common.Task
	assignments map[string]*assignment
	requeues    int
}

func (st *dispatchState) claimedCount() int {
	n := 0
	for _, a := range st.assignments {
		if a.claimed() && !a.completed {
			n++
		}
	}
	return n
}

func (st *dispatchState) firstHolder() string {
	var holder string
	var earliest time.Time
	for _, a := range st.assignments {
		if a.claimed() && (holder == "" || a.claimedAt.Before(earliest)) {
			holder = a.nodeID
			earliest = a.claimedAt
		}
	}
	return holder
}

func (st *dispatchState) done() bool {
	switch st.task.Status {
	case common.TaskSucceeded, common.TaskFailed, common.TaskExpired:
		return true
	default:
		return false
	}
}

// Dispatcher routes queued tasks to the best-scoring candidates and
// polices claims, leases and per-node failure budgets.
type Dispatcher struct {
	config DispatcherConfig

	pending queue.Queue
	queueMu sync.Mutex
	wake    chan struct{}

	tasks   map[string]*dispatchState
	tasksMu sync.RWMutex

	// One breaker per remote node; an open breaker drops the node from
	// the offer walk until its reset timeout elapses
	breakers   map[string]*gobreaker.TwoStepCircuitBreaker
	breakersMu sync.Mutex

	// Rolling window of offer round-trips, fed to the overload monitor
	offerLatencies []float64
	latMu          sync.Mutex

	registry *Registry
	engine   *scoring.Engine
	trust    *trust.Manager
	agg      *Aggregator
	link     common.NodeLink
	bus      *events.Bus
	logger   *slog.Logger

	shutdown chan struct{}
	started  bool
	stateMu  sync.Mutex
}

// NewDispatcher creates a dispatcher. The bus may be nil (tests).
func NewDispatcher(
	config DispatcherConfig,
	registry *Registry,
	engine *scoring.Engine,
	trustMgr *trust.Manager,
	agg *Aggregator,
	link common.NodeLink,
	bus *events.Bus,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		config:   config,
		pending:  *queue.New(),
		wake:     make(chan struct{}, 1),
		tasks:    make(map[string]*dispatchState),
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
		registry: registry,
		engine:   engine,
		trust:    trustMgr,
		agg:      agg,
		link:     link,
		bus:      bus,
		logger:   logger.With("component", "dispatcher"),
		shutdown: make(chan struct{}),
	}
}

// Start launches the dispatch worker and the lease sweep.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if d.started {
		return errors.New("dispatcher already started")
	}

	go d.workerLoop()
	go d.sweepLoop()

	d.started = true
	d.logger.Info("dispatcher started",
		"claim_timeout", d.config.ClaimTimeout,
		"lease_duration", d.config.LeaseDuration)
	return nil
}

// Stop halts the worker and sweep loops.
func (d *Dispatcher) Stop() error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if !d.started {
		return nil
	}

	close(d.shutdown)
	d.started = false
	d.logger.Info("dispatcher stopped")
	return nil
}

// Submit queues a task for dispatch and returns its ID.
func (d *Dispatcher) Submit(task *common.Task) (string, error) {
	if task.Domain == "" {
		return "", ErrBadConfig("task", errors.New("domain is required"))
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Replicas < 1 {
		task.Replicas = 1
	}
	task.Status = common.TaskQueued
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	st := &dispatchState{
		task:        *task,
		assignments: make(map[string]*assignment),
	}

	d.tasksMu.Lock()
	if _, exists := d.tasks[task.ID]; exists {
		d.tasksMu.Unlock()
		return "", ErrBadConfig("task", errors.New("duplicate task ID"))
	}
	d.tasks[task.ID] = st
	d.tasksMu.Unlock()

	if d.agg != nil {
		d.agg.Track(task, 1)
	}

	d.enqueue(task.ID)
	d.logger.Info("task queued",
		"task_id", task.ID,
		"domain", task.Domain,
		"replicas", task.Replicas)
	return task.ID, nil
}

// Get returns a copy of the task.
func (d *Dispatcher) Get(taskID string) (common.Task, error) {
	d.tasksMu.RLock()
	defer d.tasksMu.RUnlock()

	st, exists := d.tasks[taskID]
	if !exists {
		return common.Task{}, ErrTaskNotFound(taskID)
	}
	return st.task, nil
}

// List returns copies of all tracked tasks.
func (d *Dispatcher) List() []common.Task {
	d.tasksMu.RLock()
	defer d.tasksMu.RUnlock()

	out := make([]common.Task, 0, len(d.tasks))
	for _, st := range d.tasks {
		out = append(out, st.task)
	}
	return out
}

// Claim records a node's claim on a task. The first claim wins; a
// claim arriving after the replica slots are taken is a conflict.
func (d *Dispatcher) Claim(taskID, nodeID string) error {
	d.tasksMu.Lock()
	defer d.tasksMu.Unlock()

	st, exists := d.tasks[taskID]
	if !exists {
		return ErrTaskNotFound(taskID)
	}
	if st.done() {
		return ErrClaimConflict(taskID, nodeID, st.firstHolder())
	}

	if a, offered := st.assignments[nodeID]; offered {
		if a.claimed() {
			return nil // idempotent for the holder
		}
		d.claimLocked(st, a)
		return nil
	}

	if st.claimedCount() >= st.task.Replicas {
		return ErrClaimConflict(taskID, nodeID, st.firstHolder())
	}

	a := &assignment{nodeID: nodeID, offeredAt: time.Now()}
	st.assignments[nodeID] = a
	d.claimLocked(st, a)
	return nil
}

// RenewLease extends a claim holder's lease. Progress reports keep a
// slow node from being timed out.
func (d *Dispatcher) RenewLease(taskID, nodeID string) error {
	d.tasksMu.Lock()
	defer d.tasksMu.Unlock()

	st, exists := d.tasks[taskID]
	if !exists {
		return ErrTaskNotFound(taskID)
	}
	a, held := st.assignments[nodeID]
	if !held || !a.claimed() || a.completed {
		return ErrLeaseExpired(taskID, nodeID)
	}
	if time.Now().After(a.leaseUntil) {
		return ErrLeaseExpired(taskID, nodeID)
	}

	a.leaseUntil = time.Now().Add(d.config.LeaseDuration)
	if st.task.Status == common.TaskClaimed {
		st.task.Status = common.TaskRunning
	}
	return nil
}

// ApplyOutcome syncs the dispatcher with the aggregator's verdict:
// winners and losers settle their assignments, the task seals.
func (d *Dispatcher) ApplyOutcome(out ReconcileOutcome) {
	switch out.Status {
	case common.TaskSucceeded, common.TaskFailed, common.TaskExpired:
	default:
		return
	}

	d.tasksMu.Lock()
	st, exists := d.tasks[out.TaskID]
	if !exists || st.done() {
		d.tasksMu.Unlock()
		return
	}

	for _, nodeID := range out.Winners {
		d.settleLocked(st, nodeID, true)
	}
	for _, nodeID := range out.Losers {
		d.settleLocked(st, nodeID, false)
	}

	st.task.Status = out.Status
	now := time.Now()
	st.task.CompletedAt = &now
	d.tasksMu.Unlock()

	d.logger.Info("task settled",
		"task_id", out.TaskID,
		"status", string(out.Status))
}

// Release drops a node's voluntary hold on a task. Politer than a
// lease expiry: a small congestion penalty instead of a timeout, and
// the breaker is untouched since the node cooperated.
func (d *Dispatcher) Release(taskID, nodeID, reason string) error {
	d.tasksMu.Lock()
	st, exists := d.tasks[taskID]
	if !exists {
		d.tasksMu.Unlock()
		return ErrTaskNotFound(taskID)
	}

	a, held := st.assignments[nodeID]
	if !held || a.completed {
		d.tasksMu.Unlock()
		return ErrLeaseExpired(taskID, nodeID)
	}
	if a.breakerDone != nil {
		a.breakerDone(true)
		a.breakerDone = nil
	}
	delete(st.assignments, nodeID)

	refail := false
	requeue := false
	if !st.done() && st.claimedCount() == 0 {
		st.requeues++
		if st.requeues > d.config.MaxRequeues {
			refail = true
		} else {
			st.task.Status = common.TaskQueued
			requeue = true
		}
	}
	d.tasksMu.Unlock()

	d.trust.ReportPenalty(nodeID, trust.PenaltyCongestion)
	d.logger.Info("claim released",
		"task_id", taskID,
		"node_id", getShortID(nodeID),
		"reason", reason)

	if refail {
		d.failTask(taskID, ErrNoCandidates(taskID, 0))
	} else if requeue {
		d.enqueue(taskID)
	}
	return nil
}

// QueueDepth reports how many tasks wait for dispatch.
func (d *Dispatcher) QueueDepth() int {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	return d.pending.Len()
}

// InFlight counts tasks that are dispatched, claimed or running.
func (d *Dispatcher) InFlight() int {
	d.tasksMu.RLock()
	defer d.tasksMu.RUnlock()

	n := 0
	for _, st := range d.tasks {
		switch st.task.Status {
		case common.TaskDispatched, common.TaskClaimed, common.TaskRunning:
			n++
		}
	}
	return n
}

// Stats summarizes dispatcher state.
func (d *Dispatcher) Stats() map[string]interface{} {
	d.tasksMu.RLock()
	byStatus := make(map[string]int)
	for _, st := range d.tasks {
		byStatus[string(st.task.Status)]++
	}
	total := len(d.tasks)
	d.tasksMu.RUnlock()

	d.breakersMu.Lock()
	open := 0
	for _, cb := range d.breakers {
		if cb.State() == gobreaker.StateOpen {
			open++
		}
	}
	d.breakersMu.Unlock()

	return map[string]interface{}{
		"total_tasks":   total,
		"by_status":     byStatus,
		"queue_depth":   d.QueueDepth(),
		"open_breakers": open,
	}
}

// ========== Internal Methods ==========

func (d *Dispatcher) enqueue(taskID string) {
	d.queueMu.Lock()
	d.pending.Enqueue(taskID)
	d.queueMu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) dequeue() (string, bool) {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()

	if d.pending.Len() == 0 {
		return "", false
	}
	return d.pending.Dequeue().(string), true
}

func (d *Dispatcher) workerLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-d.wake:
		case <-ticker.C:
		}

		for {
			taskID, ok := d.dequeue()
			if !ok {
				break
			}
			d.dispatchOne(taskID)
		}
	}
}

// dispatchOne walks the ranked candidates for one queued task, offering
// until enough replicas are claimed or the walk is exhausted.
func (d *Dispatcher) dispatchOne(taskID string) {
	d.tasksMu.Lock()
	st, exists := d.tasks[taskID]
	if !exists || st.done() {
		d.tasksMu.Unlock()
		return
	}
	task := st.task
	needed := task.Replicas - st.claimedCount()
	if needed > 0 && st.task.Status == common.TaskQueued {
		st.task.Status = common.TaskDispatched
		now := time.Now()
		st.task.DispatchedAt = &now
	}
	d.tasksMu.Unlock()

	if needed <= 0 {
		return
	}

	ranked := d.rankCandidates(&task)
	if len(ranked) == 0 {
		d.failTask(taskID, ErrNoCandidates(taskID, 0))
		return
	}

	accepted := 0
	walked := 0
	for i := 0; i < len(ranked) && accepted < needed; i++ {
		if d.taskDone(taskID) {
			return
		}
		candidate := ranked[i]
		walked++

		ok := d.offer(st, &task, candidate.NodeID)
		if ok {
			accepted++
			continue
		}

		// The preferred candidate fell through; optionally steer the
		// rest of the walk toward Tier 1 nodes first
		if d.config.FallbackToTier1 && accepted == 0 && i+1 < len(ranked) {
			rest := ranked[i+1:]
			sort.SliceStable(rest, func(x, y int) bool {
				xt := d.tierOf(rest[x].NodeID) == common.Tier1HighPerformance
				yt := d.tierOf(rest[y].NodeID) == common.Tier1HighPerformance
				return xt && !yt
			})
		}
	}

	if accepted == 0 {
		d.failTask(taskID, ErrNoCandidates(taskID, walked))
		return
	}

	if accepted < needed {
		d.logger.Warn("partial replica placement",
			"task_id", taskID,
			"wanted", needed,
			"placed", accepted)
	}

	d.publish(events.TopicTaskDispatched, task)
}

// rankCandidates scores eligible nodes for the task, best first.
func (d *Dispatcher) rankCandidates(task *common.Task) []scoring.NodeScore {
	candidates := d.registry.Candidates()
	requiredCaps := d.engine.Matcher().RequirementsFor(task.Domain, task.RequiredCaps)

	d.tasksMu.RLock()
	st := d.tasks[task.ID]
	var alreadyAssigned map[string]bool
	if st != nil {
		alreadyAssigned = make(map[string]bool, len(st.assignments))
		for nodeID := range st.assignments {
			alreadyAssigned[nodeID] = true
		}
	}
	d.tasksMu.RUnlock()

	scores := make([]scoring.NodeScore, 0, len(candidates))
	for i := range candidates {
		node := &candidates[i]
		if node.CurrentTier < task.MinTier {
			continue
		}
		if alreadyAssigned[node.NodeID] {
			continue
		}
		trustScore, _ := d.trust.GetTrustScore(node.NodeID)
		scores = append(scores, d.engine.ScoreNode(node, requiredCaps, trustScore))
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].TotalScore > scores[j].TotalScore
	})
	return scores
}

// offer sends the dispatch envelope to one candidate and records the
// claim if it accepts. Returns false on refusal, timeout, link error
// or an open breaker.
func (d *Dispatcher) offer(st *dispatchState, task *common.Task, nodeID string) bool {
	done, err := d.breakerFor(nodeID).Allow()
	if err != nil {
		d.logger.Debug("breaker rejected candidate",
			"task_id", task.ID,
			"node_id", getShortID(nodeID),
			"error", err)
		return false
	}

	payload := DispatchOffer{
		Task:         *task,
		ClaimBy:      time.Now().Add(d.config.ClaimTimeout),
		LeaseSeconds: int64(d.config.LeaseDuration / time.Second),
	}

	d.tasksMu.Lock()
	st.assignments[nodeID] = &assignment{nodeID: nodeID, offeredAt: time.Now()}
	d.tasksMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.config.ClaimTimeout)
	defer cancel()

	var reply ClaimReply
	started := time.Now()
	err = d.link.Request(ctx, nodeID, common.EnvelopeDispatch, payload, &reply)
	rtt := float64(time.Since(started).Milliseconds())
	d.engine.RecordLatency(nodeID, rtt)
	d.recordOfferLatency(rtt)

	d.tasksMu.Lock()
	defer d.tasksMu.Unlock()

	a := st.assignments[nodeID]
	if err != nil || !reply.Accept {
		delete(st.assignments, nodeID)
		done(false)
		d.engine.RecordFailure(nodeID)
		if err != nil {
			d.logger.Debug("offer failed",
				"task_id", task.ID,
				"node_id", getShortID(nodeID),
				"error", err)
		} else {
			d.logger.Debug("offer refused",
				"task_id", task.ID,
				"node_id", getShortID(nodeID),
				"reason", reply.Reason)
		}
		return false
	}

	// The task settled while the reply was in flight; the acceptance
	// is moot but not the node's fault
	if st.done() {
		delete(st.assignments, nodeID)
		done(true)
		return true
	}

	// Raced by a direct claim while the reply was in flight
	if a == nil {
		done(true)
		return true
	}

	a.breakerDone = done
	if !a.claimed() {
		d.claimLocked(st, a)
	}
	return true
}

func (d *Dispatcher) taskDone(taskID string) bool {
	d.tasksMu.RLock()
	defer d.tasksMu.RUnlock()

	st, exists := d.tasks[taskID]
	return !exists || st.done()
}

// claimLocked marks an assignment claimed and starts its lease. Caller
// holds tasksMu.
func (d *Dispatcher) claimLocked(st *dispatchState, a *assignment) {
	now := time.Now()
	a.claimedAt = now
	a.leaseUntil = now.Add(d.config.LeaseDuration)
	if st.task.Status != common.TaskRunning {
		st.task.Status = common.TaskClaimed
	}

	d.logger.Info("task claimed",
		"task_id", st.task.ID,
		"node_id", getShortID(a.nodeID))
}

// settleLocked completes one assignment. Caller holds tasksMu.
func (d *Dispatcher) settleLocked(st *dispatchState, nodeID string, success bool) {
	a, held := st.assignments[nodeID]
	if !held || a.completed {
		return
	}
	a.completed = true

	if a.breakerDone != nil {
		a.breakerDone(success)
		a.breakerDone = nil
	}

	latencyMs := float64(0)
	if a.claimed() {
		latencyMs = float64(time.Since(a.claimedAt).Milliseconds())
	}
	d.trust.ReportOutcome(nodeID, success, latencyMs)
	if success {
		d.engine.RecordSuccess(nodeID)
	} else {
		d.engine.RecordFailure(nodeID)
	}
}

// failTask seals a task as failed and releases its aggregator slot.
func (d *Dispatcher) failTask(taskID string, cause error) {
	d.tasksMu.Lock()
	st, exists := d.tasks[taskID]
	if !exists || st.done() {
		d.tasksMu.Unlock()
		return
	}
	st.task.Status = common.TaskFailed
	now := time.Now()
	st.task.CompletedAt = &now
	d.tasksMu.Unlock()

	if d.agg != nil {
		d.agg.Untrack(taskID)
	}

	d.logger.Warn("task failed", "task_id", taskID, "error", cause)
	d.publish(events.TopicTaskFailed, TaskFailure{TaskID: taskID, Reason: cause.Error()})
}

// sweepLoop expires overdue leases, penalizes the holders and
// re-queues their tasks.
func (d *Dispatcher) sweepLoop() {
	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.expireLeases()
			d.evictSettled()
		}
	}
}

// evictSettled drops settled tasks once their retention window passes.
func (d *Dispatcher) evictSettled() {
	cutoff := time.Now().Add(-d.config.TaskRetention)

	d.tasksMu.Lock()
	defer d.tasksMu.Unlock()

	for taskID, st := range d.tasks {
		if !st.done() || st.task.CompletedAt == nil {
			continue
		}
		if st.task.CompletedAt.Before(cutoff) {
			delete(d.tasks, taskID)
		}
	}
}

func (d *Dispatcher) expireLeases() {
	now := time.Now()

	type expiry struct {
		taskID string
		nodeID string
		refail bool
	}
	var expired []expiry

	d.tasksMu.Lock()
	for taskID, st := range d.tasks {
		if st.done() {
			continue
		}
		for nodeID, a := range st.assignments {
			if !a.claimed() || a.completed || now.Before(a.leaseUntil) {
				continue
			}
			if a.breakerDone != nil {
				a.breakerDone(false)
				a.breakerDone = nil
			}
			delete(st.assignments, nodeID)

			refail := false
			if st.claimedCount() == 0 {
				st.requeues++
				if st.requeues > d.config.MaxRequeues {
					refail = true
				} else {
					st.task.Status = common.TaskQueued
				}
			}
			expired = append(expired, expiry{taskID: taskID, nodeID: nodeID, refail: refail})
		}
	}
	d.tasksMu.Unlock()

	for _, e := range expired {
		d.trust.ReportPenalty(e.nodeID, trust.PenaltyTimeout)
		d.engine.RecordFailure(e.nodeID)
		d.logger.Warn("claim lease expired",
			"task_id", e.taskID,
			"node_id", getShortID(e.nodeID))

		if e.refail {
			d.failTask(e.taskID, ErrLeaseExpired(e.taskID, e.nodeID))
		} else {
			d.enqueue(e.taskID)
		}
	}
}

// breakerFor returns the node's breaker, creating it on first use.
func (d *Dispatcher) breakerFor(nodeID string) *gobreaker.TwoStepCircuitBreaker {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()

	if cb, exists := d.breakers[nodeID]; exists {
		return cb
	}

	threshold := d.config.BreakerFailureThreshold
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        nodeID,
		MaxRequests: d.config.BreakerHalfOpenMax,
		Timeout:     d.config.BreakerResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("node breaker state change",
				"node_id", getShortID(name),
				"from", from.String(),
				"to", to.String())
		},
	})
	d.breakers[nodeID] = cb
	return cb
}

// BreakerState exposes a node's breaker state for the stats surface.
func (d *Dispatcher) BreakerState(nodeID string) gobreaker.State {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()

	if cb, exists := d.breakers[nodeID]; exists {
		return cb.State()
	}
	return gobreaker.StateClosed
}

func (d *Dispatcher) tierOf(nodeID string) common.NodeTier {
	node, err := d.registry.Get(nodeID)
	if err != nil {
		return common.TierOffline
	}
	return node.CurrentTier
}

func (d *Dispatcher) recordOfferLatency(latencyMs float64) {
	d.latMu.Lock()
	defer d.latMu.Unlock()

	d.offerLatencies = append(d.offerLatencies, latencyMs)
	if len(d.offerLatencies) > 100 {
		d.offerLatencies = d.offerLatencies[len(d.offerLatencies)-100:]
	}
}

// AverageOfferLatency returns the mean offer round-trip over the recent
// window, 0 with no history.
func (d *Dispatcher) AverageOfferLatency() float64 {
	d.latMu.Lock()
	defer d.latMu.Unlock()

	if len(d.offerLatencies) == 0 {
		return 0
	}
	var sum float64
	for _, l := range d.offerLatencies {
		sum += l
	}
	return sum / float64(len(d.offerLatencies))
}

func (d *Dispatcher) publish(topic string, payload interface{}) {
	if d.bus != nil {
		d.bus.Publish(topic, payload)
	}
}
