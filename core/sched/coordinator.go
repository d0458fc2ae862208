package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stc-ai/stc-swarm/core/sched/common"
	"github.com/stc-ai/stc-swarm/core/sched/scoring"
	"github.com/stc-ai/stc-swarm/core/sched/trust"
	"github.com/stc-ai/stc-swarm/internal/events"
)

// RequestKind classifies a client request.
type RequestKind string

const (
	RequestOffload RequestKind = "offload"
	RequestBabel   RequestKind = "babel"
	RequestAssist  RequestKind = "assist"
	RequestAdmin   RequestKind = "admin"
)

// ClientRequest is one inbound client call.
type ClientRequest struct {
	ClientID     string          `json:"client_id"`
	Kind         RequestKind     `json:"kind"`
	ContainerID  string          `json:"container_id,omitempty"`
	Domain       string          `json:"domain,omitempty"`
	TaskType     string          `json:"task_type,omitempty"`
	ModelVariant string          `json:"model_variant,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Replicas     int             `json:"replicas,omitempty"`

	// Admin fields
	Action  string `json:"action,omitempty"`
	Target  string `json:"target,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientResponse answers a client request.
type ClientResponse struct {
	Accepted bool   `json:"accepted"`
	Kind     string `json:"kind"`
	TaskID   string `json:"task_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

// HelloPayload is the enrollment envelope a joining node sends.
type HelloPayload struct {
	Token string             `json:"token"`
	Node  common.NodeContext `json:"node"`
}

// HelloReply acknowledges a successful join.
type HelloReply struct {
	NodeID string `json:"node_id"`
	Nodes  int    `json:"nodes"`
}

// ClaimPayload is a node's claim on an offered task.
type ClaimPayload struct {
	TaskID string `json:"task_id"`
	NodeID string `json:"node_id"`
}

// ReleasePayload is a node's voluntary surrender of a claim.
type ReleasePayload struct {
	TaskID string `json:"task_id"`
	NodeID string `json:"node_id"`
	Reason string `json:"reason,omitempty"`
}

// ResultAck acknowledges a result submission with the task's state as
// the aggregator sees it.
type ResultAck struct {
	TaskID string            `json:"task_id"`
	Status common.TaskStatus `json:"status"`
}

// CoordinatorConfig holds top-level daemon configuration.
type CoordinatorConfig struct {
	NodeID        string             `json:"node_id"`
	NodeTemplate  common.NodeContext `json:"node_template"`
	DefaultDomain string             `json:"default_domain"`

	// Maintenance cadences
	SnapshotInterval time.Duration `json:"snapshot_interval"`
	RetrainInterval  time.Duration `json:"retrain_interval"`
}

// DefaultCoordinatorConfig returns sensible production defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		DefaultDomain:    "Programming",
		SnapshotInterval: time.Minute,
		RetrainInterval:  5 * time.Minute,
	}
}

// Coordinator wires the scheduler subsystems together: it owns their
// lifecycles, terminates the node link protocol, serves client request
// entrypoints and assembles the swarm-wide stats snapshot.
type Coordinator struct {
	config CoordinatorConfig
	self   common.NodeContext

	registry   *Registry
	engine     *scoring.Engine
	trust      *trust.Manager
	catalog    *Catalog
	dispatcher *Dispatcher
	aggregator *Aggregator
	monitor    *OverloadMonitor
	link       common.NodeLink
	bus        *events.Bus
	logger     *slog.Logger

	requestSeq     atomic.Uint64
	succeededTasks atomic.Uint64
	failedTasks    atomic.Uint64

	startedAt time.Time
	shutdown  chan struct{}
	started   bool
	stateMu   sync.Mutex
}

// NewCoordinator assembles the daemon. The bus may be nil; the link may
// be nil only when the daemon runs without swarm connectivity (tests).
func NewCoordinator(
	config CoordinatorConfig,
	registry *Registry,
	engine *scoring.Engine,
	trustMgr *trust.Manager,
	catalog *Catalog,
	dispatcher *Dispatcher,
	aggregator *Aggregator,
	monitor *OverloadMonitor,
	link common.NodeLink,
	bus *events.Bus,
	logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if config.NodeID == "" {
		config.NodeID = uuid.New().String()
	}
	if config.DefaultDomain == "" {
		config.DefaultDomain = DefaultCoordinatorConfig().DefaultDomain
	}

	return &Coordinator{
		config:     config,
		self:       SelfProbe(config.NodeID, config.NodeTemplate),
		registry:   registry,
		engine:     engine,
		trust:      trustMgr,
		catalog:    catalog,
		dispatcher: dispatcher,
		aggregator: aggregator,
		monitor:    monitor,
		link:       link,
		bus:        bus,
		logger:     logger.With("component", "coordinator"),
		shutdown:   make(chan struct{}),
	}
}

// Start brings every subsystem up, wires the link protocol and launches
// the maintenance loops. A failed component start tears down whatever
// already started.
func (c *Coordinator) Start(ctx context.Context) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.started {
		return errors.New("coordinator already started")
	}

	steps := []struct {
		name  string
		start func(context.Context) error
	}{
		{"registry", c.registry.Start},
		{"catalog", c.catalog.Start},
		{"aggregator", c.aggregator.Start},
		{"dispatcher", c.dispatcher.Start},
		{"overload monitor", c.monitor.Start},
	}

	for _, step := range steps {
		if err := step.start(ctx); err != nil {
			c.stopComponents()
			return fmt.Errorf("start %s: %w", step.name, err)
		}
	}

	if c.link != nil {
		c.registerLinkHandlers()
		if err := c.link.Start(ctx); err != nil {
			c.stopComponents()
			return fmt.Errorf("start link: %w", err)
		}
	}

	go c.maintenanceLoop()
	if c.bus != nil {
		// Subscribe before returning so no event published after Start
		// slips past the counters
		topics := []string{events.TopicTaskCompleted, events.TopicTaskFailed}
		go c.consumeEvents(c.bus.Subscribe(topics...), topics)
	}

	c.startedAt = time.Now()
	c.started = true
	c.logger.Info("coordinator started",
		"node_id", getShortID(c.config.NodeID),
		"device", c.self.DeviceModel)
	return nil
}

// Stop tears the daemon down in reverse start order.
func (c *Coordinator) Stop() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if !c.started {
		return nil
	}

	close(c.shutdown)
	err := c.stopComponents()
	c.started = false
	c.logger.Info("coordinator stopped")
	return err
}

func (c *Coordinator) stopComponents() error {
	var firstErr error

	stops := []struct {
		name string
		stop func() error
	}{
		{"overload monitor", c.monitor.Stop},
		{"dispatcher", c.dispatcher.Stop},
		{"aggregator", c.aggregator.Stop},
		{"catalog", c.catalog.Stop},
		{"registry", c.registry.Stop},
	}
	if c.link != nil {
		stops = append([]struct {
			name string
			stop func() error
		}{{"link", c.link.Stop}}, stops...)
	}

	for _, step := range stops {
		if err := step.stop(); err != nil {
			c.logger.Warn("component stop failed", "component", step.name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Self returns the local node's probed context.
func (c *Coordinator) Self() common.NodeContext {
	return c.self
}

// Uptime reports how long the coordinator has been running.
func (c *Coordinator) Uptime() time.Duration {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if !c.started {
		return 0
	}
	return time.Since(c.startedAt)
}

// HandleRequest serves one client call.
//
// offload and babel turn into dispatched tasks named after the client;
// assist is handled locally and produces no task; admin actions are
// acknowledged after logging.
func (c *Coordinator) HandleRequest(ctx context.Context, req ClientRequest) (ClientResponse, error) {
	if req.ClientID == "" {
		return ClientResponse{}, ErrBadConfig("request", errors.New("client_id is required"))
	}

	switch req.Kind {
	case RequestOffload:
		c.logger.Info("offload request",
			"client_id", req.ClientID,
			"container_id", req.ContainerID,
			"task_type", req.TaskType,
			"model", req.ModelVariant)

		taskID, err := c.submitClientTask(ctx, req, "offload")
		if err != nil {
			return ClientResponse{}, err
		}
		return ClientResponse{Accepted: true, Kind: "offload_accepted", TaskID: taskID}, nil

	case RequestBabel:
		c.logger.Info("babel session start", "client_id", req.ClientID)

		taskID, err := c.submitClientTask(ctx, req, "babel")
		if err != nil {
			return ClientResponse{}, err
		}
		return ClientResponse{Accepted: true, Kind: "stream_init", TaskID: taskID}, nil

	case RequestAssist:
		// Served by the local runtime; nothing enters the swarm
		return ClientResponse{Accepted: true, Kind: "local"}, nil

	case RequestAdmin:
		c.logger.Info("admin action",
			"action", req.Action,
			"target", req.Target,
			"message", req.Message)
		return ClientResponse{Accepted: true, Kind: "ack", Message: "Processed"}, nil

	default:
		return ClientResponse{}, ErrBadConfig("request",
			fmt.Errorf("unknown request kind %q", req.Kind))
	}
}

// SubmitTask queues a raw task, for callers that build their own.
func (c *Coordinator) SubmitTask(task *common.Task) (string, error) {
	if task.ClientID != "" && task.Domain != "" {
		c.catalog.RecordDemand(task.Domain)
	}
	return c.dispatcher.Submit(task)
}

// SubmitResult ingests one node's result: lease kept alive, aggregator
// fed, dispatcher synced with whatever verdict falls out.
func (c *Coordinator) SubmitResult(res common.Result) (ReconcileOutcome, error) {
	_ = c.dispatcher.RenewLease(res.TaskID, res.NodeID)

	out, err := c.aggregator.Submit(res)
	if err != nil {
		return ReconcileOutcome{}, err
	}

	c.dispatcher.ApplyOutcome(out)
	return out, nil
}

// RankCandidates scores the current candidate set for a domain, best
// first. Serves the stats and admin surfaces.
func (c *Coordinator) RankCandidates(domain string, requiredCaps []string) []scoring.NodeScore {
	caps := c.engine.Matcher().RequirementsFor(domain, requiredCaps)
	candidates := c.registry.Candidates()

	scores := make([]scoring.NodeScore, 0, len(candidates))
	for i := range candidates {
		trustScore, _ := c.trust.GetTrustScore(candidates[i].NodeID)
		scores = append(scores, c.engine.ScoreNode(&candidates[i], caps, trustScore))
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].TotalScore > scores[j].TotalScore
	})
	return scores
}

// Stats assembles the swarm-wide observability snapshot.
func (c *Coordinator) Stats() common.SwarmStats {
	snap := c.registry.Snapshot()

	stats := common.SwarmStats{
		TotalNodes:       uint32(snap.Total),
		HealthyNodes:     uint32(snap.Healthy),
		DegradedNodes:    uint32(snap.Degraded),
		SuspectNodes:     uint32(snap.Suspect),
		QuarantinedNodes: uint32(snap.Quarantined),
		Tier1Nodes:       uint32(snap.Tier1),
		Tier2Nodes:       uint32(snap.Tier2),
		Tier3Nodes:       uint32(snap.Tier3),

		QueuedTasks:    uint32(c.dispatcher.QueueDepth()),
		InFlightTasks:  uint32(c.dispatcher.InFlight()),
		SucceededTasks: c.succeededTasks.Load(),
		FailedTasks:    c.failedTasks.Load(),
		ShardsAssigned: c.monitor.AssignedShards(),

		AvgTrustScore:    c.trust.AverageScore(),
		AvgEffectiveMFPI: snap.AvgEffectiveMFPI,
	}

	for _, ct := range c.catalog.List() {
		switch ct.Status {
		case common.ContainerActive:
			stats.ActiveContainers++
		case common.ContainerAttached:
			stats.AttachedContainers++
		}
	}

	if c.link != nil {
		linkStats := c.link.Stats()
		stats.BytesSent = linkStats.BytesSent
		stats.BytesReceived = linkStats.BytesReceived
	}
	return stats
}

// ========== Internal Methods ==========

// submitClientTask turns a client request into a dispatched task named
// "<prefix>_<clientID>_<seq>". The sequence keeps repeat requests from
// the same client distinct while the earlier tasks are still tracked.
func (c *Coordinator) submitClientTask(ctx context.Context, req ClientRequest, prefix string) (string, error) {
	domain := c.resolveDomain(req)

	task := &common.Task{
		ID:       fmt.Sprintf("%s_%s_%d", prefix, req.ClientID, c.requestSeq.Add(1)),
		ClientID: req.ClientID,
		Domain:   domain,
		Kind:     req.TaskType,
		Payload:  req.Payload,
		Replicas: req.Replicas,
	}
	if task.Kind == "" {
		task.Kind = string(req.Kind)
	}
	if len(task.Payload) > 0 {
		task.PayloadDigest = PayloadDigest(task.Payload)
	}

	taskID, err := c.dispatcher.Submit(task)
	if err != nil {
		return "", err
	}

	c.catalog.RecordDemand(domain)

	// A request landing on an overloaded daemon also sheds load
	if c.monitor.IsOverloaded() {
		go func() {
			spillCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := c.monitor.SpillFor(spillCtx, domain); err != nil {
				c.logger.Warn("request-time spill failed", "domain", domain, "error", err)
			}
		}()
	}
	return taskID, nil
}

// resolveDomain picks the task domain: explicit, from the requested
// container, or the configured default.
func (c *Coordinator) resolveDomain(req ClientRequest) string {
	if req.Domain != "" {
		return req.Domain
	}
	if req.ContainerID != "" {
		if ct, err := c.catalog.Get(req.ContainerID); err == nil {
			return ct.Domain
		}
	}
	return c.config.DefaultDomain
}

func (c *Coordinator) registerLinkHandlers() {
	c.link.RegisterHandler(common.EnvelopeHello, c.handleHello)
	c.link.RegisterHandler(common.EnvelopeHeartbeat, c.handleHeartbeat)
	c.link.RegisterHandler(common.EnvelopeClaim, c.handleClaim)
	c.link.RegisterHandler(common.EnvelopeRelease, c.handleRelease)
	c.link.RegisterHandler(common.EnvelopeResult, c.handleResult)
}

func (c *Coordinator) handleHello(ctx context.Context, from string, payload json.RawMessage) (interface{}, error) {
	var hello HelloPayload
	if err := json.Unmarshal(payload, &hello); err != nil {
		return nil, fmt.Errorf("malformed hello: %w", err)
	}
	if hello.Node.NodeID == "" {
		hello.Node.NodeID = from
	}

	if err := c.registry.Register(ctx, hello.Token, &hello.Node); err != nil {
		return nil, err
	}
	return HelloReply{NodeID: c.config.NodeID, Nodes: len(c.registry.List())}, nil
}

func (c *Coordinator) handleHeartbeat(ctx context.Context, from string, payload json.RawMessage) (interface{}, error) {
	var hb common.Heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		return nil, fmt.Errorf("malformed heartbeat: %w", err)
	}
	if hb.NodeID == "" {
		hb.NodeID = from
	}
	return nil, c.registry.Heartbeat(hb)
}

func (c *Coordinator) handleClaim(ctx context.Context, from string, payload json.RawMessage) (interface{}, error) {
	var claim ClaimPayload
	if err := json.Unmarshal(payload, &claim); err != nil {
		return nil, fmt.Errorf("malformed claim: %w", err)
	}
	if claim.NodeID == "" {
		claim.NodeID = from
	}

	if err := c.dispatcher.Claim(claim.TaskID, claim.NodeID); err != nil {
		return nil, err
	}
	return ClaimReply{Accept: true, NodeID: claim.NodeID}, nil
}

func (c *Coordinator) handleRelease(ctx context.Context, from string, payload json.RawMessage) (interface{}, error) {
	var rel ReleasePayload
	if err := json.Unmarshal(payload, &rel); err != nil {
		return nil, fmt.Errorf("malformed release: %w", err)
	}
	if rel.NodeID == "" {
		rel.NodeID = from
	}
	return nil, c.dispatcher.Release(rel.TaskID, rel.NodeID, rel.Reason)
}

func (c *Coordinator) handleResult(ctx context.Context, from string, payload json.RawMessage) (interface{}, error) {
	var res common.Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("malformed result: %w", err)
	}
	if res.NodeID == "" {
		res.NodeID = from
	}

	out, err := c.SubmitResult(res)
	if err != nil {
		return nil, err
	}
	return ResultAck{TaskID: res.TaskID, Status: out.Status}, nil
}

// maintenanceLoop runs the slow-cadence chores: trust snapshot
// persistence and novelty model retraining.
func (c *Coordinator) maintenanceLoop() {
	snapshot := time.NewTicker(c.config.SnapshotInterval)
	retrain := time.NewTicker(c.config.RetrainInterval)
	defer snapshot.Stop()
	defer retrain.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case <-snapshot.C:
			if err := c.trust.Snapshot(); err != nil {
				c.logger.Warn("trust snapshot failed", "error", err)
			}
		case <-retrain.C:
			if err := c.monitor.RetrainPredictor(); err != nil {
				c.logger.Warn("predictor retrain failed", "error", err)
			}
		}
	}
}

// consumeEvents keeps cumulative task counters from the event stream
// and syncs the dispatcher with aggregator-side failures (deadline
// expiry happens there, not in the dispatcher).
func (c *Coordinator) consumeEvents(ch chan interface{}, topics []string) {
	defer c.bus.Unsubscribe(ch, topics...)

	for {
		select {
		case <-c.shutdown:
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			evt, isEvent := raw.(events.Event)
			if !isEvent {
				continue
			}
			switch evt.Topic {
			case events.TopicTaskCompleted:
				c.succeededTasks.Add(1)
			case events.TopicTaskFailed:
				c.failedTasks.Add(1)
				if failure, ok := evt.Payload.(TaskFailure); ok {
					c.dispatcher.ApplyOutcome(ReconcileOutcome{
						TaskID: failure.TaskID,
						Status: common.TaskFailed,
					})
				}
			}
		}
	}
}
