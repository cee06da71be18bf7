package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWithoutPathUsesDefaults(t *testing.T) {
	p, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("default policy must validate: %v", err)
	}
	if _, ok := p.ClusterThreshold("visit"); !ok {
		t.Fatal("default policy should configure a visit threshold")
	}
}

func TestLoadParsesYAML(t *testing.T) {
	content := `
cluster_threshold_days:
  visit: 7
dedup_similarity: 0.5
fields:
  surgical_outcome:
    min_text_length: 30
    min_confidence: 0.8
    source_priority: [operative_note, pathology]
    equal_rank_tie_break: first-seen
    event_types: [surgery]
    required: true
monitor:
  confidence_floor: 0.4
  reversal_window_days: 10
  mutually_exclusive:
    surgical_outcome: [complete, incomplete]
treatment_event_types: [surgery]
`
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	days, ok := p.ClusterThreshold("visit")
	if !ok || days != 7 {
		t.Fatalf("unexpected visit threshold: %d, %v", days, ok)
	}
	rule := p.Field("surgical_outcome")
	if rule.MinConfidence != 0.8 || rule.EqualRankTieBreak != "first-seen" {
		t.Fatalf("unexpected field rule: %+v", rule)
	}
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	p := Default()
	p.ClusterThresholdDays["visit"] = 0
	if err := p.Validate(); err == nil {
		t.Fatal("zero threshold must fail validation")
	}

	p = Default()
	p.DedupSimilarity = 1.5
	if err := p.Validate(); err == nil {
		t.Fatal("out-of-range similarity must fail validation")
	}

	p = Default()
	rule := p.Fields["surgical_outcome"]
	rule.MinConfidence = -0.1
	p.Fields["surgical_outcome"] = rule
	if err := p.Validate(); err == nil {
		t.Fatal("negative confidence must fail validation")
	}
}

func TestValidateRejectsDuplicateSourcePriority(t *testing.T) {
	p := Default()
	rule := p.Fields["surgical_outcome"]
	rule.SourcePriority = []string{"pathology", "Pathology"}
	p.Fields["surgical_outcome"] = rule
	if err := p.Validate(); err == nil {
		t.Fatal("duplicate source priority must fail validation")
	}
}

func TestValidateRejectsUnknownTieBreak(t *testing.T) {
	p := Default()
	rule := p.Fields["surgical_outcome"]
	rule.EqualRankTieBreak = "coin-flip"
	p.Fields["surgical_outcome"] = rule
	if err := p.Validate(); err == nil {
		t.Fatal("unknown tie-break must fail validation")
	}
}

func TestValidateRejectsSingleMutuallyExclusiveState(t *testing.T) {
	p := Default()
	p.Monitor.MutuallyExclusive["treatment_response"] = []string{"stable"}
	if err := p.Validate(); err == nil {
		t.Fatal("mutually-exclusive set of one must fail validation")
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("cluster_threshold_days:\n  visit: -1\n"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("invalid policy file must fail to load")
	}
}

func TestRequiredFields(t *testing.T) {
	fields := Default().RequiredFields()
	if len(fields) != 2 || fields[0] != "surgical_outcome" || fields[1] != "treatment_response" {
		t.Fatalf("unexpected required fields: %v", fields)
	}
}

func TestUnconfiguredFieldReturnsZeroRule(t *testing.T) {
	rule := Default().Field("nonexistent")
	if rule.Required || rule.MinTextLength != 0 {
		t.Fatalf("expected zero rule, got %+v", rule)
	}
}
