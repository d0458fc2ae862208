package scoring

import (
	"testing"
)

func TestCapabilityMatcher_ExactMatch(t *testing.T) {
	cm := NewCapabilityMatcher()

	required := []string{"cuda", "storage"}
	available := []string{"cuda", "storage", "cpu"}

	if score := cm.MatchScore(required, available); score != 1.0 {
		t.Errorf("Expected perfect score for exact match, got %f", score)
	}
}

func TestCapabilityMatcher_VendorAlias(t *testing.T) {
	cm := NewCapabilityMatcher()

	required := []string{"nvidia"} // alias for cuda
	available := []string{"cuda"}

	score := cm.MatchScore(required, available)
	if score != 0.9 {
		t.Errorf("Expected 0.9 for alias match, got %f", score)
	}

	required = []string{"radeon"} // alias for rocm
	available = []string{"rocm"}
	if score := cm.MatchScore(required, available); score != 0.9 {
		t.Errorf("Expected 0.9 for radeon->rocm, got %f", score)
	}
}

func TestCapabilityMatcher_GraphInference(t *testing.T) {
	cm := NewCapabilityMatcher()

	// A task asking for generic gpu lands on a rocm-only node
	score := cm.MatchScore([]string{"gpu"}, []string{"rocm"})
	if score != 0.7 {
		t.Errorf("Expected 0.7 for graph inference, got %f", score)
	}

	// Generic inference runs on an npu
	score = cm.MatchScore([]string{"inference"}, []string{"npu"})
	if score != 0.7 {
		t.Errorf("Expected 0.7 for inference->npu, got %f", score)
	}
}

func TestCapabilityMatcher_SubstringFallback(t *testing.T) {
	cm := NewCapabilityMatcher()

	score := cm.MatchScore([]string{"arc_a770"}, []string{"arc"})
	if score != 0.5 {
		t.Errorf("Expected 0.5 for substring match, got %f", score)
	}
}

func TestCapabilityMatcher_NoMatch(t *testing.T) {
	cm := NewCapabilityMatcher()

	if score := cm.MatchScore([]string{"npu"}, []string{"disk"}); score != 0.0 {
		t.Errorf("Expected 0 for unrelated capabilities, got %f", score)
	}
}

func TestCapabilityMatcher_EmptyRequirements(t *testing.T) {
	cm := NewCapabilityMatcher()

	if score := cm.MatchScore(nil, []string{"cpu"}); score != 1.0 {
		t.Errorf("No requirements should be a perfect match, got %f", score)
	}
}

func TestCapabilityMatcher_AverageOverRequirements(t *testing.T) {
	cm := NewCapabilityMatcher()

	// cuda exact (1.0) + npu unmatched (0.0) -> 0.5
	score := cm.MatchScore([]string{"cuda", "npu"}, []string{"cuda"})
	if score != 0.5 {
		t.Errorf("Expected 0.5 average, got %f", score)
	}
}

func TestCapabilityMatcher_HasCapability(t *testing.T) {
	cm := NewCapabilityMatcher()

	if !cm.HasCapability("gpu", []string{"cuda"}) {
		t.Error("cuda node should satisfy gpu via inference")
	}
	if cm.HasCapability("npu", []string{"gpu"}) {
		t.Error("gpu node should not satisfy npu")
	}
}

func TestCapabilityMatcher_DomainRequirements(t *testing.T) {
	cm := NewCapabilityMatcher()

	// Task-level requirements win
	reqs := cm.RequirementsFor("Vision", []string{"npu"})
	if len(reqs) != 1 || reqs[0] != "npu" {
		t.Errorf("Expected task caps to win, got %v", reqs)
	}

	// Domain defaults apply otherwise
	reqs = cm.RequirementsFor("Vision", nil)
	if len(reqs) != 1 || reqs[0] != "gpu" {
		t.Errorf("Expected Vision domain default [gpu], got %v", reqs)
	}

	// Unknown domain has no requirements
	if reqs := cm.RequirementsFor("Astrology", nil); len(reqs) != 0 {
		t.Errorf("Expected no requirements for unknown domain, got %v", reqs)
	}
}
