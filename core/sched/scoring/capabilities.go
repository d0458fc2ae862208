package scoring

import (
	"strings"
	"sync"
)

// CapabilityMatcher scores how well a node's capability tags satisfy a
// task's requirements, with alias and graph-based inference so that a
// task asking for "gpu" can land on a node that only declared "rocm".
type CapabilityMatcher struct {
	mu sync.RWMutex

	// capability -> capabilities that imply it
	graph map[string][]string

	// alias -> canonical capability
	aliases map[string]string

	// task domain -> default required capabilities
	domainRequirements map[string][]string
}

// NewCapabilityMatcher creates a matcher preloaded with the inference
// accelerator vocabulary.
func NewCapabilityMatcher() *CapabilityMatcher {
	cm := &CapabilityMatcher{
		graph:              make(map[string][]string),
		aliases:            make(map[string]string),
		domainRequirements: make(map[string][]string),
	}

	cm.initializeDefaults()
	return cm
}

func (cm *CapabilityMatcher) initializeDefaults() {
	// Accelerator families
	cm.AddRelation("gpu", "cuda")
	cm.AddRelation("gpu", "rocm")
	cm.AddRelation("gpu", "intel_arc")
	cm.AddRelation("cuda", "gpu")
	cm.AddRelation("rocm", "gpu")
	cm.AddRelation("intel_arc", "gpu")

	// Generic inference can run on any accelerator or a plain CPU
	cm.AddRelation("inference", "gpu")
	cm.AddRelation("inference", "npu")
	cm.AddRelation("inference", "cpu")

	cm.AddRelation("accelerator", "gpu")
	cm.AddRelation("accelerator", "npu")

	// Storage
	cm.AddRelation("storage", "ssd")
	cm.AddRelation("storage", "disk")
	cm.AddRelation("ssd", "disk")

	// Vendor aliases
	cm.AddAlias("nvidia", "cuda")
	cm.AddAlias("amd", "rocm")
	cm.AddAlias("radeon", "rocm")
	cm.AddAlias("arc", "intel_arc")
	cm.AddAlias("graphics", "gpu")
	cm.AddAlias("neural", "npu")
	cm.AddAlias("tensor", "npu")

	// Domain defaults: what a container domain needs from a node
	cm.SetDomainRequirements("Programming", []string{"inference"})
	cm.SetDomainRequirements("Vision", []string{"gpu"})
	cm.SetDomainRequirements("Speech", []string{"inference"})
	cm.SetDomainRequirements("Embedding", []string{"cpu"})
}

// AddRelation records that `implied` satisfies a requirement for `cap`.
func (cm *CapabilityMatcher) AddRelation(cap, implied string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cap = strings.ToLower(cap)
	implied = strings.ToLower(implied)

	for _, existing := range cm.graph[cap] {
		if existing == implied {
			return
		}
	}
	cm.graph[cap] = append(cm.graph[cap], implied)
}

// AddAlias records a vendor or colloquial alias for a capability.
func (cm *CapabilityMatcher) AddAlias(alias, canonical string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.aliases[strings.ToLower(alias)] = strings.ToLower(canonical)
}

// SetDomainRequirements declares the default capabilities a task domain
// needs when the task itself lists none.
func (cm *CapabilityMatcher) SetDomainRequirements(domain string, caps []string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.domainRequirements[strings.ToLower(domain)] = caps
}

// RequirementsFor resolves a task's effective capability requirements:
// its own list if present, otherwise the domain defaults.
func (cm *CapabilityMatcher) RequirementsFor(domain string, taskCaps []string) []string {
	if len(taskCaps) > 0 {
		return taskCaps
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.domainRequirements[strings.ToLower(domain)]
}

// MatchScore calculates how well the available tags satisfy the
// required capabilities, averaged over requirements. No requirements is
// a perfect match.
func (cm *CapabilityMatcher) MatchScore(required []string, available []string) float64 {
	if len(required) == 0 {
		return 1.0
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	var total float64
	for _, req := range required {
		total += cm.matchSingle(strings.ToLower(req), available)
	}
	return total / float64(len(required))
}

// matchSingle grades one requirement: exact 1.0, alias 0.9, graph
// inference 0.7, substring 0.5, otherwise 0.
func (cm *CapabilityMatcher) matchSingle(required string, available []string) float64 {
	for _, avail := range available {
		if strings.ToLower(avail) == required {
			return 1.0
		}
	}

	if canonical := cm.aliases[required]; canonical != "" {
		for _, avail := range available {
			if strings.ToLower(avail) == canonical {
				return 0.9
			}
		}
	}

	for _, implied := range cm.graph[required] {
		for _, avail := range available {
			if strings.ToLower(avail) == implied {
				return 0.7
			}
		}
	}

	for _, avail := range available {
		availLower := strings.ToLower(avail)
		if strings.Contains(availLower, required) || strings.Contains(required, availLower) {
			return 0.5
		}
	}

	return 0.0
}

// HasCapability reports whether a requirement is satisfied at all.
func (cm *CapabilityMatcher) HasCapability(required string, available []string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	return cm.matchSingle(strings.ToLower(required), available) > 0.5
}
