// Package config loads daemon configuration: compiled defaults, then a
// YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/stc-ai/stc-swarm/core/sched"
	"github.com/stc-ai/stc-swarm/core/sched/common"
	"github.com/stc-ai/stc-swarm/core/sched/transport"
	"github.com/stc-ai/stc-swarm/internal/events"
)

// Duration wraps time.Duration so YAML values read "30s" / "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full daemon configuration.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Log      LogConfig      `yaml:"log"`
	API      APIConfig      `yaml:"api"`
	Link     LinkConfig     `yaml:"link"`
	Registry RegistryConfig `yaml:"registry"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Results  ResultsConfig  `yaml:"results"`
	Overload OverloadConfig `yaml:"overload"`
	Trust    TrustConfig    `yaml:"trust"`
	Events   EventsConfig   `yaml:"events"`
}

// NodeConfig identifies the local node and declares the hardware facts
// probing cannot discover.
type NodeConfig struct {
	ID            string `yaml:"id"`
	DefaultDomain string `yaml:"default_domain"`
	DeviceModel   string `yaml:"device_model"`

	MemoryBandwidthGBps float64  `yaml:"memory_bandwidth_gbps"`
	PCIeLanes           uint32   `yaml:"pcie_lanes"`
	PCIeGen             uint32   `yaml:"pcie_gen"`
	ComputeUnits        uint32   `yaml:"compute_units"`
	HasNPU              bool     `yaml:"has_npu"`
	HasCUDA             bool     `yaml:"has_cuda"`
	HasROCm             bool     `yaml:"has_rocm"`
	HasIntelArc         bool     `yaml:"has_intel_arc"`
	Capabilities        []string `yaml:"capabilities"`

	SnapshotInterval Duration `yaml:"snapshot_interval"`
	RetrainInterval  Duration `yaml:"retrain_interval"`
}

// LogConfig selects log output shape.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// NewLogger builds the process logger from the section.
func (l LogConfig) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(l.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(l.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// APIConfig tunes the HTTP surface.
type APIConfig struct {
	Addr           string   `yaml:"addr"`
	RequestTimeout Duration `yaml:"request_timeout"`
	ShutdownGrace  Duration `yaml:"shutdown_grace"`
}

// LinkConfig tunes the WebSocket node link.
type LinkConfig struct {
	ConnectionTimeout Duration `yaml:"connection_timeout"`
	KeepAliveInterval Duration `yaml:"keepalive_interval"`
	MaxMessageSize    int64    `yaml:"max_message_size"`
	RequestTimeout    Duration `yaml:"request_timeout"`
	MetricsInterval   Duration `yaml:"metrics_interval"`
}

// RegistryConfig tunes enrollment and node health.
type RegistryConfig struct {
	EnrollSecret    string   `yaml:"enroll_secret"`
	EnrollTTL       Duration `yaml:"enroll_ttl"`
	HeartbeatRate   int64    `yaml:"heartbeat_rate"`
	HeartbeatBurst  int64    `yaml:"heartbeat_burst"`
	SuspectAfter    Duration `yaml:"suspect_after"`
	QuarantineAfter Duration `yaml:"quarantine_after"`
	DegradedRTTMs   float64  `yaml:"degraded_rtt_ms"`
	RTTEMAGamma     float64  `yaml:"rtt_ema_gamma"`
	SweepInterval   Duration `yaml:"sweep_interval"`
	NodeExpiry      Duration `yaml:"node_expiry"`
}

// CatalogConfig tunes the container catalog.
type CatalogConfig struct {
	Path            string   `yaml:"path"`
	AvailableVRAMGB float64  `yaml:"available_vram_gb"`
	DemandPlugScore float64  `yaml:"demand_plug_score"`
	AutoUnplugAfter Duration `yaml:"auto_unplug_after"`
	SweepInterval   Duration `yaml:"sweep_interval"`
}

// DispatchConfig tunes task dispatch.
type DispatchConfig struct {
	ClaimTimeout            Duration `yaml:"claim_timeout"`
	LeaseDuration           Duration `yaml:"lease_duration"`
	MaxRequeues             int      `yaml:"max_requeues"`
	TaskRetention           Duration `yaml:"task_retention"`
	FallbackToTier1         bool     `yaml:"fallback_to_tier1"`
	SweepInterval           Duration `yaml:"sweep_interval"`
	BreakerFailureThreshold uint32   `yaml:"breaker_failure_threshold"`
	BreakerResetTimeout     Duration `yaml:"breaker_reset_timeout"`
	BreakerHalfOpenMax      uint32   `yaml:"breaker_half_open_max"`
}

// ResultsConfig tunes result aggregation.
type ResultsConfig struct {
	QuorumRatio            float64  `yaml:"quorum_ratio"`
	ResultTTL              Duration `yaml:"result_ttl"`
	SweepInterval          Duration `yaml:"sweep_interval"`
	BloomExpectedResults   uint     `yaml:"bloom_expected_results"`
	BloomFalsePositiveRate float64  `yaml:"bloom_false_positive_rate"`
}

// OverloadConfig tunes spill behavior.
type OverloadConfig struct {
	CPUMax            float64  `yaml:"cpu_max"`
	GPUMax            float64  `yaml:"gpu_max"`
	VRAMPressureMax   float64  `yaml:"vram_pressure_max"`
	CheckInterval     Duration `yaml:"check_interval"`
	ShardFanout       int      `yaml:"shard_fanout"`
	SpillCooldown     Duration `yaml:"spill_cooldown"`
	PredictorClusters int      `yaml:"predictor_clusters"`
	NoveltyThreshold  float64  `yaml:"novelty_threshold"`
}

// TrustConfig tunes reputation decay and persistence.
type TrustConfig struct {
	DecayHalfLife Duration `yaml:"decay_half_life"`
	StorePath     string   `yaml:"store_path"`
}

// EventsConfig tunes the in-process bus and the optional MQTT mirror.
type EventsConfig struct {
	BusCapacity int        `yaml:"bus_capacity"`
	MQTT        MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig mirrors events.MQTTConfig with YAML tags.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         uint8  `yaml:"qos"`
}

// Default returns the compiled-in configuration, taken from each
// component's own defaults.
func Default() Config {
	registry := sched.DefaultRegistryConfig()
	catalog := sched.DefaultCatalogConfig()
	dispatch := sched.DefaultDispatcherConfig()
	results := sched.DefaultAggregatorConfig()
	overload := sched.DefaultOverloadConfig()
	coord := sched.DefaultCoordinatorConfig()
	link := transport.DefaultLinkConfig()
	mqtt := events.DefaultMQTTConfig()

	return Config{
		Node: NodeConfig{
			DefaultDomain:    coord.DefaultDomain,
			SnapshotInterval: Duration(coord.SnapshotInterval),
			RetrainInterval:  Duration(coord.RetrainInterval),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		API: APIConfig{
			Addr:           ":8080",
			RequestTimeout: Duration(30 * time.Second),
			ShutdownGrace:  Duration(10 * time.Second),
		},
		Link: LinkConfig{
			ConnectionTimeout: Duration(link.ConnectionTimeout),
			KeepAliveInterval: Duration(link.KeepAliveInterval),
			MaxMessageSize:    link.MaxMessageSize,
			RequestTimeout:    Duration(link.RequestTimeout),
			MetricsInterval:   Duration(link.MetricsInterval),
		},
		Registry: RegistryConfig{
			EnrollTTL:       Duration(registry.EnrollTTL),
			HeartbeatRate:   registry.HeartbeatRate,
			HeartbeatBurst:  registry.HeartbeatBurst,
			SuspectAfter:    Duration(registry.SuspectAfter),
			QuarantineAfter: Duration(registry.QuarantineAfter),
			DegradedRTTMs:   registry.DegradedRTTMs,
			RTTEMAGamma:     registry.RTTEMAGamma,
			SweepInterval:   Duration(registry.SweepInterval),
			NodeExpiry:      Duration(registry.NodeExpiry),
		},
		Catalog: CatalogConfig{
			Path:            catalog.CatalogPath,
			AvailableVRAMGB: catalog.AvailableVRAMGB,
			DemandPlugScore: catalog.DemandPlugScore,
			AutoUnplugAfter: Duration(catalog.AutoUnplugAfter),
			SweepInterval:   Duration(catalog.SweepInterval),
		},
		Dispatch: DispatchConfig{
			ClaimTimeout:            Duration(dispatch.ClaimTimeout),
			LeaseDuration:           Duration(dispatch.LeaseDuration),
			MaxRequeues:             dispatch.MaxRequeues,
			TaskRetention:           Duration(dispatch.TaskRetention),
			FallbackToTier1:         dispatch.FallbackToTier1,
			SweepInterval:           Duration(dispatch.SweepInterval),
			BreakerFailureThreshold: dispatch.BreakerFailureThreshold,
			BreakerResetTimeout:     Duration(dispatch.BreakerResetTimeout),
			BreakerHalfOpenMax:      dispatch.BreakerHalfOpenMax,
		},
		Results: ResultsConfig{
			QuorumRatio:            results.QuorumRatio,
			ResultTTL:              Duration(results.ResultTTL),
			SweepInterval:          Duration(results.SweepInterval),
			BloomExpectedResults:   results.BloomExpectedResults,
			BloomFalsePositiveRate: results.BloomFalsePositiveRate,
		},
		Overload: OverloadConfig{
			CPUMax:            overload.Thresholds.CPUMax,
			GPUMax:            overload.Thresholds.GPUMax,
			VRAMPressureMax:   overload.Thresholds.VRAMPressureMax,
			CheckInterval:     Duration(overload.CheckInterval),
			ShardFanout:       overload.ShardFanout,
			SpillCooldown:     Duration(overload.SpillCooldown),
			PredictorClusters: overload.PredictorClusters,
			NoveltyThreshold:  overload.NoveltyThreshold,
		},
		Trust: TrustConfig{
			DecayHalfLife: Duration(24 * time.Hour),
			StorePath:     "trust.json",
		},
		Events: EventsConfig{
			BusCapacity: 64,
			MQTT: MQTTConfig{
				Enabled:     mqtt.Enabled,
				BrokerURL:   mqtt.BrokerURL,
				ClientID:    mqtt.ClientID,
				TopicPrefix: mqtt.TopicPrefix,
				QoS:         mqtt.QoS,
			},
		},
	}
}

// Load resolves configuration: a .env file feeds the environment when
// present, defaults come first, the YAML file at path (when given)
// overrides them, and environment variables win over everything.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Environment overrides for deploy-varying values; the enrollment
// secret normally arrives this way rather than through the file.
func applyEnv(cfg *Config) {
	setString := func(key string, target *string) {
		if v := os.Getenv(key); v != "" {
			*target = v
		}
	}

	setString("STC_NODE_ID", &cfg.Node.ID)
	setString("STC_DEFAULT_DOMAIN", &cfg.Node.DefaultDomain)
	setString("STC_LOG_LEVEL", &cfg.Log.Level)
	setString("STC_LOG_FORMAT", &cfg.Log.Format)
	setString("STC_API_ADDR", &cfg.API.Addr)
	setString("STC_ENROLL_SECRET", &cfg.Registry.EnrollSecret)
	setString("STC_CATALOG_PATH", &cfg.Catalog.Path)
	setString("STC_TRUST_STORE_PATH", &cfg.Trust.StorePath)
	setString("STC_MQTT_BROKER_URL", &cfg.Events.MQTT.BrokerURL)
	setString("STC_MQTT_USERNAME", &cfg.Events.MQTT.Username)
	setString("STC_MQTT_PASSWORD", &cfg.Events.MQTT.Password)
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Registry.EnrollSecret == "" {
		return errors.New("registry enroll secret is required (STC_ENROLL_SECRET or registry.enroll_secret)")
	}
	if c.API.Addr == "" {
		return errors.New("api addr is required")
	}
	if c.Results.QuorumRatio <= 0 || c.Results.QuorumRatio > 1 {
		return fmt.Errorf("results quorum ratio %f outside (0, 1]", c.Results.QuorumRatio)
	}
	for name, v := range map[string]float64{
		"overload cpu_max":           c.Overload.CPUMax,
		"overload gpu_max":           c.Overload.GPUMax,
		"overload vram_pressure_max": c.Overload.VRAMPressureMax,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s %f outside (0, 1]", name, v)
		}
	}
	if c.Overload.ShardFanout < 1 {
		return fmt.Errorf("overload shard fanout %d must be at least 1", c.Overload.ShardFanout)
	}
	if c.Events.MQTT.Enabled && c.Events.MQTT.BrokerURL == "" {
		return errors.New("events mqtt broker url is required when the bridge is enabled")
	}
	if c.Events.MQTT.QoS > 2 {
		return fmt.Errorf("events mqtt qos %d outside 0..2", c.Events.MQTT.QoS)
	}
	return nil
}

// ========== Component Mapping ==========

func (c *Config) BuildRegistry() sched.RegistryConfig {
	return sched.RegistryConfig{
		EnrollSecret:    c.Registry.EnrollSecret,
		EnrollTTL:       c.Registry.EnrollTTL.Std(),
		HeartbeatRate:   c.Registry.HeartbeatRate,
		HeartbeatBurst:  c.Registry.HeartbeatBurst,
		SuspectAfter:    c.Registry.SuspectAfter.Std(),
		QuarantineAfter: c.Registry.QuarantineAfter.Std(),
		DegradedRTTMs:   c.Registry.DegradedRTTMs,
		RTTEMAGamma:     c.Registry.RTTEMAGamma,
		SweepInterval:   c.Registry.SweepInterval.Std(),
		NodeExpiry:      c.Registry.NodeExpiry.Std(),
	}
}

func (c *Config) BuildCatalog() sched.CatalogConfig {
	return sched.CatalogConfig{
		CatalogPath:     c.Catalog.Path,
		AvailableVRAMGB: c.Catalog.AvailableVRAMGB,
		DemandPlugScore: c.Catalog.DemandPlugScore,
		AutoUnplugAfter: c.Catalog.AutoUnplugAfter.Std(),
		SweepInterval:   c.Catalog.SweepInterval.Std(),
	}
}

func (c *Config) BuildDispatcher() sched.DispatcherConfig {
	return sched.DispatcherConfig{
		ClaimTimeout:            c.Dispatch.ClaimTimeout.Std(),
		LeaseDuration:           c.Dispatch.LeaseDuration.Std(),
		MaxRequeues:             c.Dispatch.MaxRequeues,
		TaskRetention:           c.Dispatch.TaskRetention.Std(),
		FallbackToTier1:         c.Dispatch.FallbackToTier1,
		SweepInterval:           c.Dispatch.SweepInterval.Std(),
		BreakerFailureThreshold: c.Dispatch.BreakerFailureThreshold,
		BreakerResetTimeout:     c.Dispatch.BreakerResetTimeout.Std(),
		BreakerHalfOpenMax:      c.Dispatch.BreakerHalfOpenMax,
	}
}

func (c *Config) BuildAggregator() sched.AggregatorConfig {
	return sched.AggregatorConfig{
		QuorumRatio:            c.Results.QuorumRatio,
		ResultTTL:              c.Results.ResultTTL.Std(),
		SweepInterval:          c.Results.SweepInterval.Std(),
		BloomExpectedResults:   c.Results.BloomExpectedResults,
		BloomFalsePositiveRate: c.Results.BloomFalsePositiveRate,
	}
}

func (c *Config) BuildOverload() sched.OverloadConfig {
	return sched.OverloadConfig{
		Thresholds: common.OverloadThresholds{
			CPUMax:          c.Overload.CPUMax,
			GPUMax:          c.Overload.GPUMax,
			VRAMPressureMax: c.Overload.VRAMPressureMax,
		},
		CheckInterval:     c.Overload.CheckInterval.Std(),
		ShardFanout:       c.Overload.ShardFanout,
		SpillCooldown:     c.Overload.SpillCooldown.Std(),
		DefaultDomain:     c.Node.DefaultDomain,
		PredictorClusters: c.Overload.PredictorClusters,
		NoveltyThreshold:  c.Overload.NoveltyThreshold,
	}
}

func (c *Config) BuildCoordinator() sched.CoordinatorConfig {
	return sched.CoordinatorConfig{
		NodeID:        c.Node.ID,
		DefaultDomain: c.Node.DefaultDomain,
		NodeTemplate: common.NodeContext{
			DeviceModel:         c.Node.DeviceModel,
			MemoryBandwidthGBps: c.Node.MemoryBandwidthGBps,
			PCIeLanes:           c.Node.PCIeLanes,
			PCIeGen:             c.Node.PCIeGen,
			ComputeUnits:        c.Node.ComputeUnits,
			HasNPU:              c.Node.HasNPU,
			HasCUDA:             c.Node.HasCUDA,
			HasROCm:             c.Node.HasROCm,
			HasIntelArc:         c.Node.HasIntelArc,
			Capabilities:        c.Node.Capabilities,
		},
		SnapshotInterval: c.Node.SnapshotInterval.Std(),
		RetrainInterval:  c.Node.RetrainInterval.Std(),
	}
}

func (c *Config) BuildMQTT() events.MQTTConfig {
	return events.MQTTConfig{
		Enabled:     c.Events.MQTT.Enabled,
		BrokerURL:   c.Events.MQTT.BrokerURL,
		ClientID:    c.Events.MQTT.ClientID,
		Username:    c.Events.MQTT.Username,
		Password:    c.Events.MQTT.Password,
		TopicPrefix: c.Events.MQTT.TopicPrefix,
		QoS:         c.Events.MQTT.QoS,
	}
}

func (c *Config) BuildLink() transport.LinkConfig {
	return transport.LinkConfig{
		ConnectionTimeout: c.Link.ConnectionTimeout.Std(),
		KeepAliveInterval: c.Link.KeepAliveInterval.Std(),
		MaxMessageSize:    c.Link.MaxMessageSize,
		RequestTimeout:    c.Link.RequestTimeout.Std(),
		MetricsInterval:   c.Link.MetricsInterval.Std(),
	}
}
