// Command stc-node runs one swarm scheduler daemon: node registry,
// MFPI scoring, task dispatch, result aggregation, overload spill and
// the HTTP control surface. Every node in the swarm runs this same
// binary; there is no separate coordinator role.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pbnjay/memory"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stc-ai/stc-swarm/core/sched"
	"github.com/stc-ai/stc-swarm/core/sched/common"
	"github.com/stc-ai/stc-swarm/core/sched/scoring"
	"github.com/stc-ai/stc-swarm/core/sched/transport"
	"github.com/stc-ai/stc-swarm/core/sched/trust"
	"github.com/stc-ai/stc-swarm/internal/api"
	"github.com/stc-ai/stc-swarm/internal/config"
	"github.com/stc-ai/stc-swarm/internal/events"
	"github.com/stc-ai/stc-swarm/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (compiled defaults apply when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(cfg.Events.BusCapacity, logger)

	trustMgr := trust.NewManager(cfg.Trust.DecayHalfLife.Std(),
		trust.NewFileStore(cfg.Trust.StorePath), logger)

	registry, err := sched.NewRegistry(cfg.BuildRegistry(), bus, logger)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	catalog, err := sched.NewCatalog(cfg.BuildCatalog(), logger)
	if err != nil {
		return fmt.Errorf("build catalog: %w", err)
	}

	engine := scoring.NewEngine()

	coordCfg := cfg.BuildCoordinator()
	if coordCfg.NodeID == "" {
		coordCfg.NodeID = uuid.New().String()
	}
	link := transport.NewWebSocketLink(coordCfg.NodeID, cfg.BuildLink(), logger)

	aggregator := sched.NewAggregator(cfg.BuildAggregator(), registry, trustMgr, bus, logger)
	dispatcher := sched.NewDispatcher(cfg.BuildDispatcher(),
		registry, engine, trustMgr, aggregator, link, bus, logger)
	monitor := sched.NewOverloadMonitor(cfg.BuildOverload(),
		localStatus, registry, catalog, dispatcher, link, bus, logger)

	coord := sched.NewCoordinator(coordCfg,
		registry, engine, trustMgr, catalog, dispatcher, aggregator, monitor, link, bus, logger)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(telemetry.NewSwarmCollector(coord, logger))

	apiServer := api.NewServer(api.Config{
		Addr:           cfg.API.Addr,
		RequestTimeout: cfg.API.RequestTimeout.Std(),
		ShutdownGrace:  cfg.API.ShutdownGrace.Std(),
	}, coord, registry, catalog, dispatcher, aggregator, trustMgr, link, promReg, logger)

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	var bridge *events.MQTTBridge
	if cfg.Events.MQTT.Enabled {
		bridge = events.NewMQTTBridge(cfg.BuildMQTT(), bus, logger)
		if err := bridge.Start(); err != nil {
			_ = coord.Stop()
			return fmt.Errorf("start mqtt bridge: %w", err)
		}
	}

	if err := apiServer.Start(ctx); err != nil {
		if bridge != nil {
			bridge.Stop()
		}
		_ = coord.Stop()
		return fmt.Errorf("start api server: %w", err)
	}

	logger.Info("stc-node running",
		"node_id", coord.Self().NodeID,
		"api_addr", apiServer.Addr(),
		"default_domain", coordCfg.DefaultDomain)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	var firstErr error
	if err := apiServer.Stop(); err != nil {
		firstErr = err
	}
	if bridge != nil {
		bridge.Stop()
	}
	if err := coord.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := trustMgr.Snapshot(); err != nil {
		logger.Warn("final trust snapshot failed", "error", err)
	}
	return firstErr
}

// localStatus probes this machine's load for the overload monitor. CPU
// comes from the 1-minute load average normalized by core count (zero
// where /proc/loadavg is unavailable); memory pressure stands in for
// VRAM since the daemon does not own a GPU runtime.
func localStatus() common.ServerStatus {
	status := common.ServerStatus{}

	if data, err := os.ReadFile("/proc/loadavg"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) > 0 {
			if load, err := strconv.ParseFloat(fields[0], 64); err == nil {
				status.CPULoad = clamp01(load / float64(runtime.NumCPU()))
			}
		}
	}

	if total := memory.TotalMemory(); total > 0 {
		used := total - memory.FreeMemory()
		status.VRAMUsageRatio = clamp01(float64(used) / float64(total))
	}
	return status
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
