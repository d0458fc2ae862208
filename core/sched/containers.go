package sched

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/stc-ai/stc-swarm/core/sched/common"
)

// CatalogConfig holds container catalog configuration.
type CatalogConfig struct {
	// Path to the containers.json catalog file
	CatalogPath string `json:"catalog_path"`

	// Local VRAM budget shared by plugged containers. Zero or negative
	// disables fit checks (metadata-only catalogs).
	AvailableVRAMGB float64 `json:"available_vram_gb"`

	// Demand-driven plugging
	DemandPlugScore float64       `json:"demand_plug_score"`
	AutoUnplugAfter time.Duration `json:"auto_unplug_after"`
	SweepInterval   time.Duration `json:"sweep_interval"`
}

// DefaultCatalogConfig returns sensible production defaults.
func DefaultCatalogConfig() CatalogConfig {
	return CatalogConfig{
		CatalogPath:     "containers.json",
		AvailableVRAMGB: 0,
		DemandPlugScore: 0.5,
		AutoUnplugAfter: 5 * time.Minute,
		SweepInterval:   30 * time.Second,
	}
}

// domainDemand tracks request pressure for one container domain.
type domainDemand struct {
	TotalHits  uint64
	RecentHits uint64
	LastHit    time.Time
	Score      float64 // 0.0-1.0
}

// Catalog is the M.2 AI container registry: metadata loaded from
// containers.json plus the plug state of each unit. Containers never
// execute anything here; the catalog tracks what could be plugged,
// what is plugged, and what demand suggests should be.
type Catalog struct {
	config CatalogConfig

	containers map[string]*common.ContainerInfo
	order      []string // catalog file order, for deterministic listing
	mu         sync.RWMutex

	demand    map[string]*domainDemand
	lastDecay time.Time
	demandMu  sync.RWMutex

	loadedAt time.Time
	logger   *slog.Logger

	shutdown chan struct{}
	started  bool
	stateMu  sync.Mutex
}

// NewCatalog loads the catalog file. A missing file yields an empty
// catalog (nodes without containers are normal); a malformed one is a
// configuration error.
func NewCatalog(config CatalogConfig, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Catalog{
		config:     config,
		containers: make(map[string]*common.ContainerInfo),
		demand:     make(map[string]*domainDemand),
		lastDecay:  time.Now(),
		loadedAt:   time.Now(),
		logger:     logger.With("component", "catalog"),
		shutdown:   make(chan struct{}),
	}

	if err := c.loadFile(config.CatalogPath); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.logger.Info("no container catalog file, starting empty", "path", path)
			return nil
		}
		return ErrBadConfig("container catalog", err)
	}

	var entries []common.ContainerInfo
	if err := json.Unmarshal(data, &entries); err != nil {
		return ErrBadConfig("container catalog", err)
	}

	for i := range entries {
		entry := entries[i]
		if err := entry.Validate(); err != nil {
			c.logger.Warn("skipping invalid catalog entry",
				"container_id", entry.ID, "error", err)
			continue
		}
		// Unknown plug states from the file load as detached
		switch entry.Status {
		case common.ContainerAttached, common.ContainerActive:
		default:
			entry.Status = common.ContainerDetached
		}
		if _, dup := c.containers[entry.ID]; dup {
			c.logger.Warn("duplicate catalog entry", "container_id", entry.ID)
			continue
		}
		c.containers[entry.ID] = &entry
		c.order = append(c.order, entry.ID)
	}

	c.logger.Info("container catalog loaded",
		"path", path, "containers", len(c.containers))
	return nil
}

// Start launches the demand sweep loop.
func (c *Catalog) Start(ctx context.Context) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.started {
		return errors.New("catalog already started")
	}

	go c.sweepLoop()

	c.started = true
	c.logger.Info("catalog started",
		"sweep_interval", c.config.SweepInterval,
		"vram_budget_gb", c.config.AvailableVRAMGB)
	return nil
}

// Stop halts the sweep loop.
func (c *Catalog) Stop() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if !c.started {
		return nil
	}

	close(c.shutdown)
	c.started = false
	c.logger.Info("catalog stopped")
	return nil
}

// Get returns a copy of one catalog entry by ID.
func (c *Catalog) Get(containerID string) (common.ContainerInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ct, exists := c.containers[containerID]
	if !exists {
		return common.ContainerInfo{}, NewSchedError(ErrCodeContainerUnknown, "container not in catalog").
			WithContext("container_id", containerID)
	}
	return *ct, nil
}

// List returns catalog entries in file order.
func (c *Catalog) List() []common.ContainerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]common.ContainerInfo, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.containers[id])
	}
	return out
}

// ForDomain resolves the container serving a task domain. When several
// match, the most-plugged one wins (active over attached over detached),
// earliest catalog entry breaking ties.
func (c *Catalog) ForDomain(domain string) (common.ContainerInfo, error) {
	want := strings.ToLower(domain)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var best *common.ContainerInfo
	for _, id := range c.order {
		ct := c.containers[id]
		if strings.ToLower(ct.Domain) != want {
			continue
		}
		if best == nil || plugRank(ct.Status) > plugRank(best.Status) {
			best = ct
		}
	}
	if best == nil {
		return common.ContainerInfo{}, ErrContainerUnknown(domain)
	}
	return *best, nil
}

// Attach plugs a container, subject to the VRAM budget. Attaching an
// already-plugged container is a no-op.
func (c *Catalog) Attach(containerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attachLocked(containerID)
}

// Detach unplugs a container regardless of its current state.
func (c *Catalog) Detach(containerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ct, exists := c.containers[containerID]
	if !exists {
		return NewSchedError(ErrCodeContainerUnknown, "container not in catalog").
			WithContext("container_id", containerID)
	}
	if ct.Status == common.ContainerDetached {
		return nil
	}

	ct.Status = common.ContainerDetached
	c.logger.Info("container detached", "container_id", containerID, "domain", ct.Domain)
	return nil
}

// Activate marks a container as serving requests, plugging it first if
// needed.
func (c *Catalog) Activate(containerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.attachLocked(containerID); err != nil {
		return err
	}

	ct := c.containers[containerID]
	if ct.Status != common.ContainerActive {
		ct.Status = common.ContainerActive
		c.logger.Info("container activated", "container_id", containerID, "domain", ct.Domain)
	}
	return nil
}

// Deactivate returns an active container to attached.
func (c *Catalog) Deactivate(containerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ct, exists := c.containers[containerID]
	if !exists {
		return NewSchedError(ErrCodeContainerUnknown, "container not in catalog").
			WithContext("container_id", containerID)
	}
	if ct.Status == common.ContainerActive {
		ct.Status = common.ContainerAttached
		c.logger.Info("container deactivated", "container_id", containerID)
	}
	return nil
}

// RecordDemand notes one request against a domain. The sweep loop uses
// accumulated demand to decide what to plug.
func (c *Catalog) RecordDemand(domain string) {
	key := strings.ToLower(domain)

	c.demandMu.Lock()
	defer c.demandMu.Unlock()

	d, exists := c.demand[key]
	if !exists {
		d = &domainDemand{}
		c.demand[key] = d
	}

	d.TotalHits++
	d.RecentHits++
	d.LastHit = time.Now()
	d.Score = demandLadder(d.RecentHits)

	if time.Since(c.lastDecay) > time.Hour {
		c.decayDemandLocked()
	}
}

// DemandScore returns the domain's current demand in [0,1], discounted
// by how long ago it was last requested.
func (c *Catalog) DemandScore(domain string) float64 {
	c.demandMu.RLock()
	defer c.demandMu.RUnlock()
	return c.demandScoreLocked(strings.ToLower(domain))
}

// Stats summarizes catalog and demand state.
func (c *Catalog) Stats() map[string]interface{} {
	c.mu.RLock()
	var attached, active int
	var pluggedVRAM float64
	for _, ct := range c.containers {
		switch ct.Status {
		case common.ContainerAttached:
			attached++
			pluggedVRAM += ct.RequiredVRAMGB
		case common.ContainerActive:
			active++
			pluggedVRAM += ct.RequiredVRAMGB
		}
	}
	total := len(c.containers)
	c.mu.RUnlock()

	c.demandMu.RLock()
	highDemand := 0
	for key := range c.demand {
		if c.demandScoreLocked(key) >= c.config.DemandPlugScore {
			highDemand++
		}
	}
	c.demandMu.RUnlock()

	return map[string]interface{}{
		"total_containers":    total,
		"attached":            attached,
		"active":              active,
		"plugged_vram_gb":     pluggedVRAM,
		"high_demand_domains": highDemand,
	}
}

// ========== Internal Methods ==========

// attachLocked plugs a container. Caller holds mu.
func (c *Catalog) attachLocked(containerID string) error {
	ct, exists := c.containers[containerID]
	if !exists {
		return NewSchedError(ErrCodeContainerUnknown, "container not in catalog").
			WithContext("container_id", containerID)
	}
	if ct.Status != common.ContainerDetached {
		return nil
	}

	if c.config.AvailableVRAMGB > 0 {
		used := c.pluggedVRAMLocked()
		if used+ct.RequiredVRAMGB > c.config.AvailableVRAMGB {
			return ErrVRAMExceeded(containerID, ct.RequiredVRAMGB, c.config.AvailableVRAMGB-used)
		}
	}

	ct.Status = common.ContainerAttached
	c.logger.Info("container attached",
		"container_id", containerID,
		"domain", ct.Domain,
		"required_vram_gb", ct.RequiredVRAMGB)
	return nil
}

// pluggedVRAMLocked sums the VRAM held by plugged containers. Caller
// holds mu.
func (c *Catalog) pluggedVRAMLocked() float64 {
	var sum float64
	for _, ct := range c.containers {
		if ct.Status != common.ContainerDetached {
			sum += ct.RequiredVRAMGB
		}
	}
	return sum
}

func (c *Catalog) demandScoreLocked(key string) float64 {
	d, exists := c.demand[key]
	if !exists {
		return 0.0
	}

	// Stale demand counts for less
	sinceHit := time.Since(d.LastHit)
	recency := 1.0
	if sinceHit > 24*time.Hour {
		recency = 0.5
	} else if sinceHit > time.Hour {
		recency = 0.8
	}
	return d.Score * recency
}

// demandLadder maps recent hit counts to a demand score.
// 1-5 hits 0.2, 6-20 hits 0.5, 21-100 hits 0.8, beyond that 1.0.
func demandLadder(recent uint64) float64 {
	switch {
	case recent >= 100:
		return 1.0
	case recent >= 21:
		return 0.8
	case recent >= 6:
		return 0.5
	case recent >= 1:
		return 0.2
	default:
		return 0.0
	}
}

// decayDemandLocked halves recent hit counts. Caller holds demandMu.
func (c *Catalog) decayDemandLocked() {
	for _, d := range c.demand {
		d.RecentHits = d.RecentHits / 2
		d.Score = demandLadder(d.RecentHits)
	}
	c.lastDecay = time.Now()
}

func (c *Catalog) sweepLoop() {
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.sweepPlugState()
		}
	}
}

// sweepPlugState attaches containers whose domains are in demand and
// detaches idle ones. Active containers are never auto-detached.
func (c *Catalog) sweepPlugState() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range c.order {
		ct := c.containers[id]
		score := c.DemandScore(ct.Domain)

		switch ct.Status {
		case common.ContainerDetached:
			if score >= c.config.DemandPlugScore {
				if err := c.attachLocked(id); err != nil {
					c.logger.Warn("auto-attach failed",
						"container_id", id, "error", err)
				}
			}
		case common.ContainerAttached:
			if score < c.config.DemandPlugScore && c.idleFor(ct.Domain) > c.config.AutoUnplugAfter {
				ct.Status = common.ContainerDetached
				c.logger.Info("container auto-detached",
					"container_id", id, "domain", ct.Domain)
			}
		}
	}
}

// idleFor reports how long a domain has gone without a request. Domains
// never requested count from catalog load.
func (c *Catalog) idleFor(domain string) time.Duration {
	c.demandMu.RLock()
	defer c.demandMu.RUnlock()

	d, exists := c.demand[strings.ToLower(domain)]
	if !exists || d.LastHit.IsZero() {
		return time.Since(c.loadedAt)
	}
	return time.Since(d.LastHit)
}

func plugRank(s common.ContainerStatus) int {
	switch s {
	case common.ContainerActive:
		return 2
	case common.ContainerAttached:
		return 1
	default:
		return 0
	}
}
