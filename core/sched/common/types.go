package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NodeTier classifies a node's raw hardware class. Ordering matters:
// higher tiers are more capable.
type NodeTier int

const (
	TierOffline          NodeTier = 0
	Tier3Mobile          NodeTier = 1
	Tier2Standard        NodeTier = 2
	Tier1HighPerformance NodeTier = 3
)

func (t NodeTier) String() string {
	switch t {
	case TierOffline:
		return "offline"
	case Tier3Mobile:
		return "tier3_mobile"
	case Tier2Standard:
		return "tier2_standard"
	case Tier1HighPerformance:
		return "tier1_high_performance"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// HealthState tracks a node's liveness classification.
type HealthState string

const (
	HealthHealthy     HealthState = "healthy"
	HealthDegraded    HealthState = "degraded"
	HealthSuspect     HealthState = "suspect"
	HealthQuarantined HealthState = "quarantined"
)

// Network types reported by heartbeats.
const (
	NetworkEthernet = "ethernet"
	NetworkWiFi     = "wifi"
	NetworkCellular = "cellular"
)

// NodeContext is the registry's full view of a compute node: declared
// hardware capabilities set at registration, plus measured telemetry
// updated by heartbeats.
type NodeContext struct {
	NodeID      string `json:"node_id"`
	DeviceModel string `json:"device_model"`

	// Declared capabilities
	CPUCores            uint32   `json:"cpu_cores"`
	TotalRAMMB          uint64   `json:"total_ram_mb"`
	HasNPU              bool     `json:"has_npu"`
	HasCUDA             bool     `json:"has_cuda"`
	HasROCm             bool     `json:"has_rocm"`
	HasIntelArc         bool     `json:"has_intel_arc"`
	PCIeLanes           uint32   `json:"pcie_lanes"`
	PCIeGen             uint32   `json:"pcie_gen"`
	MemoryBandwidthGBps float64  `json:"memory_bandwidth_gbps"`
	ComputeUnits        uint32   `json:"compute_units"`
	Capabilities        []string `json:"capabilities,omitempty"` // "cuda", "npu", "storage", etc.

	CurrentTier NodeTier `json:"current_tier"`

	// Measured telemetry
	LastSeen    int64   `json:"last_seen"` // Unix Nanoseconds
	CPULoad     float64 `json:"cpu_load"`
	GPULoad     float64 `json:"gpu_load"`
	ThermalC    float64 `json:"thermal_c"`
	IsCharging  bool    `json:"is_charging"`
	NetworkType string  `json:"network_type"`
	UserAllowed bool    `json:"user_allowed"`
	NetRTTEMAMs float64 `json:"net_rtt_ema_ms"`

	// Health
	Health        HealthState `json:"health_state"`
	FailureCount  uint32      `json:"failure_count"`
	IsQuarantined bool        `json:"is_quarantined"`
}

func (n *NodeContext) Validate() error {
	if n.NodeID == "" {
		return errors.New("node ID is required")
	}
	if n.CPUCores == 0 {
		return errors.New("cpu cores must be positive")
	}
	if n.TotalRAMMB == 0 {
		return errors.New("total RAM must be positive")
	}
	if n.MemoryBandwidthGBps < 0 {
		return errors.New("memory bandwidth cannot be negative")
	}
	if n.CPULoad < 0 || n.CPULoad > 1 {
		return errors.New("cpu load must be between 0 and 1")
	}
	if n.GPULoad < 0 || n.GPULoad > 1 {
		return errors.New("gpu load must be between 0 and 1")
	}
	return nil
}

// IsOnline reports whether the node has been seen recently enough to
// be considered reachable at all. Health states refine this further.
func (n *NodeContext) IsOnline() bool {
	now := time.Now().UnixNano()
	return time.Duration(now-n.LastSeen) < 5*time.Minute
}

// CapabilityTags returns the node's capability vocabulary: explicit tags
// merged with tags derived from declared hardware flags.
func (n *NodeContext) CapabilityTags() []string {
	seen := make(map[string]struct{}, len(n.Capabilities)+4)
	tags := make([]string, 0, len(n.Capabilities)+4)

	add := func(tag string) {
		tag = strings.ToLower(tag)
		if _, dup := seen[tag]; dup || tag == "" {
			return
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}

	for _, c := range n.Capabilities {
		add(c)
	}
	if n.HasNPU {
		add("npu")
	}
	if n.HasCUDA {
		add("cuda")
	}
	if n.HasROCm {
		add("rocm")
	}
	if n.HasIntelArc {
		add("intel_arc")
	}
	if n.ComputeUnits > 0 {
		add("gpu")
	}
	return tags
}

// Heartbeat is a telemetry sample pushed by a node.
type Heartbeat struct {
	NodeID      string  `json:"node_id"`
	CPULoad     float64 `json:"cpu_load"`
	GPULoad     float64 `json:"gpu_load"`
	ThermalC    float64 `json:"thermal_c"`
	IsCharging  bool    `json:"is_charging"`
	NetworkType string  `json:"network_type,omitempty"`
	RTTMs       float64 `json:"rtt_ms"` // round-trip sample; <= 0 means unmeasured
}

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskDispatched TaskStatus = "dispatched"
	TaskClaimed    TaskStatus = "claimed"
	TaskRunning    TaskStatus = "running"
	TaskSucceeded  TaskStatus = "succeeded"
	TaskFailed     TaskStatus = "failed"
	TaskExpired    TaskStatus = "expired"
)

// Task is a unit of inference work routed through the dispatcher.
type Task struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id,omitempty"`
	Domain   string `json:"domain"`
	Kind     string `json:"kind,omitempty"` // "offload", "stream", "shard"

	Payload       []byte `json:"payload,omitempty"`
	PayloadDigest string `json:"payload_digest,omitempty"` // sha256 hex

	Priority     int      `json:"priority"`
	Replicas     int      `json:"replicas"`
	RequiredCaps []string `json:"required_capabilities,omitempty"`
	MinTier      NodeTier `json:"min_tier"`

	Status        TaskStatus `json:"status"`
	AssignedNodes []string   `json:"assigned_nodes,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Deadline     *time.Time `json:"deadline,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`
}

func (t *Task) Validate() error {
	if t.ID == "" {
		return errors.New("task ID is required")
	}
	if t.Domain == "" {
		return errors.New("task domain is required")
	}
	if t.Replicas < 1 {
		return errors.New("replicas must be at least 1")
	}
	return nil
}

// Terminal reports whether the task has reached a final state.
func (t *Task) Terminal() bool {
	switch t.Status {
	case TaskSucceeded, TaskFailed, TaskExpired:
		return true
	default:
		return false
	}
}

// ShardAssignment is the unit handed to a remote node when local
// execution is overloaded and work is split out to the swarm.
type ShardAssignment struct {
	ShardID       string `json:"shard_id"`
	TaskID        string `json:"task_id,omitempty"`
	NodeID        string `json:"node_id"`
	ShardIndex    uint32 `json:"shard_index"`
	ShardTotal    uint32 `json:"shard_total"`
	Data          []byte `json:"data,omitempty"`
	NextContainer string `json:"next_container"`
	BufferTag     string `json:"buffer_tag"`
}

// DefaultBufferTag is applied when a shard carries no explicit tag.
const DefaultBufferTag = "default"

// Result is one node's output for a task (or one shard of it).
type Result struct {
	TaskID      string    `json:"task_id"`
	NodeID      string    `json:"node_id"`
	ShardIndex  uint32    `json:"shard_index"`
	Payload     []byte    `json:"payload"`
	Digest      string    `json:"digest"` // sha256 hex of payload
	SubmittedAt time.Time `json:"submitted_at"`
}

// ResultTag annotates an accepted submission with the aggregator's view
// of its origin at receipt time.
type ResultTag struct {
	NodeID     string    `json:"node_id"`
	Tier       NodeTier  `json:"tier"`
	TrustScore float64   `json:"trust_score"`
	Confidence float64   `json:"confidence"`
	Digest     string    `json:"digest"`
	ReceivedAt time.Time `json:"received_at"`
}

// ContainerStatus is the plug state of an AI container slot.
type ContainerStatus string

const (
	ContainerDetached ContainerStatus = "detached"
	ContainerAttached ContainerStatus = "attached"
	ContainerActive   ContainerStatus = "active"
)

// ContainerInfo describes a hot-swappable model-execution container.
// Catalog entries load from containers.json.
type ContainerInfo struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Domain         string          `json:"domain"`
	AIModels       []string        `json:"ai_models"`
	Description    string          `json:"description"`
	Status         ContainerStatus `json:"status"`
	RequiredVRAMGB float64         `json:"required_vram_gb"`
}

func (c *ContainerInfo) Validate() error {
	if c.ID == "" {
		return errors.New("container ID is required")
	}
	if c.Domain == "" {
		return errors.New("container domain is required")
	}
	if c.RequiredVRAMGB < 0 {
		return errors.New("required VRAM cannot be negative")
	}
	return nil
}

// ServerStatus is the local node's own load snapshot, used by the
// overload monitor.
type ServerStatus struct {
	CPULoad        float64 `json:"cpu_load"`
	GPULoad        float64 `json:"gpu_load"`
	VRAMUsageRatio float64 `json:"vram_usage_ratio"`
}

// OverloadThresholds define when local execution spills to the swarm.
type OverloadThresholds struct {
	CPUMax          float64 `json:"cpu_max"`
	GPUMax          float64 `json:"gpu_max"`
	VRAMPressureMax float64 `json:"vram_pressure_max"`
}

// Exceeded reports whether the status breaches the spill thresholds.
func (o OverloadThresholds) Exceeded(s ServerStatus) bool {
	return s.CPULoad > o.CPUMax || s.VRAMUsageRatio > o.VRAMPressureMax
}

// LinkEnvelope wraps every message exchanged between nodes. Payload is
// JSON, optionally brotli-compressed (Encoding "brotli").
type LinkEnvelope struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp"` // Unix Nanoseconds
	Version   string `json:"version"`
	Encoding  string `json:"encoding,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
}

// Envelope types carried over the node link.
const (
	EnvelopeHello     = "hello"
	EnvelopeHeartbeat = "heartbeat"
	EnvelopeDispatch  = "dispatch"
	EnvelopeClaim     = "claim"
	EnvelopeRelease   = "release"
	EnvelopeResult    = "result"
	EnvelopeShard     = "shard"
	EnvelopeAck       = "ack"
	EnvelopeError     = "error"
)

// Envelope payload encodings.
const (
	EncodingRaw    = "raw"
	EncodingBrotli = "brotli"
)

func (e *LinkEnvelope) Validate() error {
	if e.ID == "" {
		return errors.New("envelope ID is required")
	}
	if e.Type == "" {
		return errors.New("envelope type is required")
	}
	if e.From == "" {
		return errors.New("envelope sender is required")
	}
	return nil
}

// LinkHandler processes an inbound envelope payload and optionally
// returns a reply body for the ack.
type LinkHandler func(ctx context.Context, from string, payload json.RawMessage) (interface{}, error)

// NodeLink is the node-to-node communication surface consumed by the
// scheduler. The transport package provides the WebSocket implementation.
type NodeLink interface {
	Start(ctx context.Context) error
	Stop() error
	Send(ctx context.Context, nodeID string, envType string, payload interface{}) error
	Request(ctx context.Context, nodeID string, envType string, payload interface{}, reply interface{}) error
	Broadcast(ctx context.Context, envType string, payload interface{}) error
	RegisterHandler(envType string, handler LinkHandler)
	Stats() LinkStats
}

// LinkStats tracks link-level counters.
type LinkStats struct {
	ActiveConnections uint32  `json:"active_connections"`
	TotalConnections  uint64  `json:"total_connections"`
	BytesSent         uint64  `json:"bytes_sent"`
	BytesReceived     uint64  `json:"bytes_received"`
	MessagesSent      uint64  `json:"messages_sent"`
	MessagesReceived  uint64  `json:"messages_received"`
	FailedMessages    uint64  `json:"failed_messages"`
	LatencyP50        float64 `json:"latency_p50_ms"`
	LatencyP95        float64 `json:"latency_p95_ms"`
}

// SwarmStats is the coordinator's observability snapshot.
type SwarmStats struct {
	TotalNodes       uint32 `json:"total_nodes"`
	HealthyNodes     uint32 `json:"healthy_nodes"`
	DegradedNodes    uint32 `json:"degraded_nodes"`
	SuspectNodes     uint32 `json:"suspect_nodes"`
	QuarantinedNodes uint32 `json:"quarantined_nodes"`

	Tier1Nodes uint32 `json:"tier1_nodes"`
	Tier2Nodes uint32 `json:"tier2_nodes"`
	Tier3Nodes uint32 `json:"tier3_nodes"`

	QueuedTasks    uint32 `json:"queued_tasks"`
	InFlightTasks  uint32 `json:"in_flight_tasks"`
	SucceededTasks uint64 `json:"succeeded_tasks"`
	FailedTasks    uint64 `json:"failed_tasks"`
	ShardsAssigned uint64 `json:"shards_assigned"`

	AvgTrustScore    float64 `json:"avg_trust_score"`
	AvgEffectiveMFPI float64 `json:"avg_effective_mfpi"`

	ActiveContainers   uint32 `json:"active_containers"`
	AttachedContainers uint32 `json:"attached_containers"`

	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`
}
