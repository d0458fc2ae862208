package scoring

import (
	"math"

	"github.com/stc-ai/stc-swarm/core/sched/common"
)

// Tier thresholds on the raw index.
const (
	Tier1Threshold = 200.0
	Tier2Threshold = 80.0
)

// MaxCandidateLoad is the CPU/GPU load ceiling above which a node is
// excluded from dispatch candidacy.
const MaxCandidateLoad = 0.9

// Effective-index shaping constants.
const (
	baselineRTTMs = 10.0 // RTT at or below this adds no network penalty
	maxNetFactor  = 10.0 // network penalty cap

	thermalDerateStartC = 70.0 // no derate at or below this
	thermalDerateEndC   = 95.0 // full derate at or above this
	thermalFloor        = 0.25 // factor at the hot end

	batteryFactor = 0.85 // applied when the node reports discharging
)

// RawMFPI computes the hardware-only Multi-Factor Performance Index
// from a node's declared capabilities. RAM dominates, with memory
// bandwidth, PCIe throughput and compute units contributing; ROCm
// nodes get a 10% uplift.
func RawMFPI(n *common.NodeContext) float64 {
	score := float64(n.TotalRAMMB)/1024.0*5.0 +
		n.MemoryBandwidthGBps/10.0 +
		float64(n.PCIeLanes*n.PCIeGen)*2.0 +
		float64(n.ComputeUnits)*0.5

	if n.HasROCm {
		score *= 1.1
	}
	return score
}

// TierFor maps a raw MFPI to a performance tier.
func TierFor(raw float64) common.NodeTier {
	switch {
	case raw >= Tier1Threshold:
		return common.Tier1HighPerformance
	case raw >= Tier2Threshold:
		return common.Tier2Standard
	default:
		return common.Tier3Mobile
	}
}

// EffectiveMFPI derates the raw index by the node's current network,
// load, thermal and power state. Quarantined and suspect nodes score
// zero and never receive work.
func EffectiveMFPI(n *common.NodeContext) float64 {
	if n.IsQuarantined || n.Health == common.HealthQuarantined || n.Health == common.HealthSuspect {
		return 0
	}

	raw := RawMFPI(n)

	rtt := n.NetRTTEMAMs
	if rtt <= 0 {
		rtt = baselineRTTMs
	}
	netFactor := clamp(rtt/baselineRTTMs, 1.0, maxNetFactor)

	load := clamp(math.Max(n.CPULoad, n.GPULoad), 0.0, 1.0)
	loadFactor := 1.0 - load

	return raw / netFactor * loadFactor * thermalFactor(n.ThermalC) * powerFactor(n)
}

// thermalFactor is 1.0 up to 70C and falls linearly to 0.25 at 95C.
// Unreported temperatures (zero) carry no penalty.
func thermalFactor(thermalC float64) float64 {
	if thermalC <= thermalDerateStartC {
		return 1.0
	}
	if thermalC >= thermalDerateEndC {
		return thermalFloor
	}
	span := thermalDerateEndC - thermalDerateStartC
	return 1.0 - (thermalC-thermalDerateStartC)/span*(1.0-thermalFloor)
}

// powerFactor penalizes battery-powered nodes slightly so that plugged
// hardware wins ties.
func powerFactor(n *common.NodeContext) float64 {
	if n.IsCharging {
		return 1.0
	}
	return batteryFactor
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
