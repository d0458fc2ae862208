package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsWithSecretFromEnv(t *testing.T) {
	t.Setenv("STC_ENROLL_SECRET", "env-secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Registry.EnrollSecret != "env-secret" {
		t.Errorf("Expected secret from environment, got %q", cfg.Registry.EnrollSecret)
	}
	if cfg.API.Addr != ":8080" {
		t.Errorf("Expected default api addr, got %q", cfg.API.Addr)
	}
	if cfg.Dispatch.ClaimTimeout.Std() != 15*time.Second {
		t.Errorf("Expected default claim timeout, got %v", cfg.Dispatch.ClaimTimeout.Std())
	}
	if cfg.Results.QuorumRatio != 0.6 {
		t.Errorf("Expected default quorum ratio, got %f", cfg.Results.QuorumRatio)
	}
	if !cfg.Dispatch.FallbackToTier1 {
		t.Error("Expected tier 1 fallback on by default")
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Setenv("STC_ENROLL_SECRET", "env-secret")

	path := writeConfigFile(t, `
node:
  id: hub-01
  default_domain: Vision
api:
  addr: ":9090"
dispatch:
  claim_timeout: 5s
  max_requeues: 7
overload:
  cpu_max: 0.75
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Node.ID != "hub-01" || cfg.Node.DefaultDomain != "Vision" {
		t.Errorf("Node section not applied: %+v", cfg.Node)
	}
	if cfg.API.Addr != ":9090" {
		t.Errorf("Expected overridden addr, got %q", cfg.API.Addr)
	}
	if cfg.Dispatch.ClaimTimeout.Std() != 5*time.Second {
		t.Errorf("Expected 5s claim timeout, got %v", cfg.Dispatch.ClaimTimeout.Std())
	}
	if cfg.Dispatch.MaxRequeues != 7 {
		t.Errorf("Expected 7 requeues, got %d", cfg.Dispatch.MaxRequeues)
	}
	if cfg.Overload.CPUMax != 0.75 {
		t.Errorf("Expected 0.75 cpu max, got %f", cfg.Overload.CPUMax)
	}

	// Untouched keys keep their defaults
	if cfg.Dispatch.LeaseDuration.Std() != 2*time.Minute {
		t.Errorf("Unset key lost its default: %v", cfg.Dispatch.LeaseDuration.Std())
	}
	if cfg.Overload.GPUMax != 0.90 {
		t.Errorf("Unset threshold lost its default: %f", cfg.Overload.GPUMax)
	}
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	t.Setenv("STC_ENROLL_SECRET", "env-secret")
	t.Setenv("STC_API_ADDR", ":7070")

	path := writeConfigFile(t, `
registry:
  enroll_secret: file-secret
api:
  addr: ":9090"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Registry.EnrollSecret != "env-secret" {
		t.Errorf("Environment should win over the file, got %q", cfg.Registry.EnrollSecret)
	}
	if cfg.API.Addr != ":7070" {
		t.Errorf("Environment should win over the file, got %q", cfg.API.Addr)
	}
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	t.Setenv("STC_ENROLL_SECRET", "env-secret")

	path := writeConfigFile(t, `
dispatch:
  claim_timeoutt: 5s
`)

	if _, err := Load(path); err == nil {
		t.Error("Expected an error for a misspelled key")
	}
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	t.Setenv("STC_ENROLL_SECRET", "env-secret")

	path := writeConfigFile(t, `
dispatch:
  claim_timeout: soon
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("Expected a duration parse error, got %v", err)
	}
}

func TestLoad_MissingFileErrors(t *testing.T) {
	t.Setenv("STC_ENROLL_SECRET", "env-secret")

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected an error for an explicit missing file")
	}
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing secret", func(c *Config) { c.Registry.EnrollSecret = "" }},
		{"empty addr", func(c *Config) { c.API.Addr = "" }},
		{"quorum too high", func(c *Config) { c.Results.QuorumRatio = 1.5 }},
		{"quorum zero", func(c *Config) { c.Results.QuorumRatio = 0 }},
		{"cpu threshold", func(c *Config) { c.Overload.CPUMax = 0 }},
		{"vram threshold", func(c *Config) { c.Overload.VRAMPressureMax = 2 }},
		{"fanout", func(c *Config) { c.Overload.ShardFanout = 0 }},
		{"mqtt enabled without broker", func(c *Config) {
			c.Events.MQTT.Enabled = true
			c.Events.MQTT.BrokerURL = ""
		}},
		{"mqtt qos", func(c *Config) { c.Events.MQTT.QoS = 3 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Registry.EnrollSecret = "secret"
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected a validation error")
			}
		})
	}
}

func TestLoad_MQTTBridge(t *testing.T) {
	t.Setenv("STC_ENROLL_SECRET", "env-secret")
	t.Setenv("STC_MQTT_BROKER_URL", "tcp://broker.internal:1883")

	path := writeConfigFile(t, `
events:
  mqtt:
    enabled: true
    broker_url: "tcp://file-broker:1883"
    qos: 1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	mqtt := cfg.BuildMQTT()
	if !mqtt.Enabled {
		t.Error("Expected the bridge enabled")
	}
	if mqtt.BrokerURL != "tcp://broker.internal:1883" {
		t.Errorf("Environment should win over the file, got %q", mqtt.BrokerURL)
	}
	if mqtt.QoS != 1 {
		t.Errorf("Expected QoS 1, got %d", mqtt.QoS)
	}
	if mqtt.TopicPrefix != "stc/swarm" {
		t.Errorf("Unset prefix lost its default: %q", mqtt.TopicPrefix)
	}
}

func TestBuild_ComponentMapping(t *testing.T) {
	cfg := Default()
	cfg.Registry.EnrollSecret = "secret"
	cfg.Node.ID = "hub-01"
	cfg.Node.DefaultDomain = "Speech"
	cfg.Node.ComputeUnits = 64
	cfg.Node.HasROCm = true
	cfg.Node.Capabilities = []string{"gpu", "inference"}
	cfg.Dispatch.ClaimTimeout = Duration(3 * time.Second)
	cfg.Overload.CPUMax = 0.7
	cfg.Catalog.Path = "/etc/stc/containers.json"

	registry := cfg.BuildRegistry()
	if registry.EnrollSecret != "secret" || registry.SuspectAfter != 10*time.Second {
		t.Errorf("Registry mapping wrong: %+v", registry)
	}

	dispatcher := cfg.BuildDispatcher()
	if dispatcher.ClaimTimeout != 3*time.Second || dispatcher.BreakerFailureThreshold != 5 {
		t.Errorf("Dispatcher mapping wrong: %+v", dispatcher)
	}

	overload := cfg.BuildOverload()
	if overload.Thresholds.CPUMax != 0.7 || overload.Thresholds.GPUMax != 0.90 {
		t.Errorf("Overload thresholds wrong: %+v", overload.Thresholds)
	}
	if overload.DefaultDomain != "Speech" {
		t.Errorf("Overload should inherit the node default domain, got %q", overload.DefaultDomain)
	}

	coord := cfg.BuildCoordinator()
	if coord.NodeID != "hub-01" || coord.DefaultDomain != "Speech" {
		t.Errorf("Coordinator identity wrong: %+v", coord)
	}
	if coord.NodeTemplate.ComputeUnits != 64 || !coord.NodeTemplate.HasROCm {
		t.Errorf("Node template not carried: %+v", coord.NodeTemplate)
	}
	if len(coord.NodeTemplate.Capabilities) != 2 {
		t.Errorf("Capabilities not carried: %v", coord.NodeTemplate.Capabilities)
	}

	catalog := cfg.BuildCatalog()
	if catalog.CatalogPath != "/etc/stc/containers.json" {
		t.Errorf("Catalog path wrong: %q", catalog.CatalogPath)
	}

	link := cfg.BuildLink()
	if link.MaxMessageSize != 1024*1024*10 {
		t.Errorf("Link mapping wrong: %+v", link)
	}
}
