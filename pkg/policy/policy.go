package policy

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FieldRule is the per-field extraction and adjudication policy.
type FieldRule struct {
	// Tier 1 -> Tier 2 escalation gates.
	MinTextLength int     `yaml:"min_text_length" json:"min_text_length"`
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`

	// Adjudication: highest priority source wins on disagreement.
	SourcePriority []string `yaml:"source_priority" json:"source_priority"`
	// Tie-break between equal-rank sources: "highest-confidence" or
	// "first-seen". The choice is always echoed in the rationale.
	EqualRankTieBreak string `yaml:"equal_rank_tie_break" json:"equal_rank_tie_break"`

	// Gap identification. EventTypes names the event types this field is
	// expected on; a field rule with no event types never triggers a gap.
	EventTypes          []string `yaml:"event_types" json:"event_types"`
	Required            bool     `yaml:"required" json:"required"`
	GatesClassification bool     `yaml:"gates_classification" json:"gates_classification"`
	DocumentType        string   `yaml:"document_type" json:"document_type"`

	// Legal values for this field's enumeration, used both for the
	// wrong-category monitor rule and for categorical severity scoring.
	Enum []string `yaml:"enum" json:"enum"`

	// Numeric differences within the band score as low severity.
	NoiseBand float64 `yaml:"noise_band" json:"noise_band"`
}

// MonitorRule holds thresholds for the automated QA rules.
type MonitorRule struct {
	ConfidenceFloor    float64             `yaml:"confidence_floor" json:"confidence_floor"`
	ReversalWindowDays int                 `yaml:"reversal_window_days" json:"reversal_window_days"`
	MutuallyExclusive  map[string][]string `yaml:"mutually_exclusive" json:"mutually_exclusive"`
}

// Policy is the externally supplied tuning surface: nothing in here may be
// hard-coded in the core.
type Policy struct {
	// Per-event-type episode gap thresholds, in days.
	ClusterThresholdDays map[string]int `yaml:"cluster_threshold_days" json:"cluster_threshold_days"`

	// Duplicate-merge similarity threshold for the timeline builder, 0..1.
	DedupSimilarity float64 `yaml:"dedup_similarity" json:"dedup_similarity"`

	Fields map[string]FieldRule `yaml:"fields" json:"fields"`

	Monitor MonitorRule `yaml:"monitor" json:"monitor"`

	// Event types that count as interventions for the implausible-reversal
	// rule.
	TreatmentEventTypes []string `yaml:"treatment_event_types" json:"treatment_event_types"`
}

// Load reads the policy file, falling back to the defaults when no path is
// configured. Any invalid threshold is fatal: the pipeline must not start
// with a half-valid policy.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	content, err := ioutil.ReadFile(filepath.Clean(path))
	if err != nil {
		return Policy{}, fmt.Errorf("reading policy file: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(content, &p); err != nil {
		return Policy{}, fmt.Errorf("parsing policy file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate enforces the configuration invariants up front.
func (p Policy) Validate() error {
	if len(p.ClusterThresholdDays) == 0 {
		return fmt.Errorf("policy: no cluster thresholds configured")
	}
	for eventType, days := range p.ClusterThresholdDays {
		if days <= 0 {
			return fmt.Errorf("policy: cluster threshold for %s must be positive, got %d", eventType, days)
		}
	}
	if p.DedupSimilarity < 0 || p.DedupSimilarity > 1 {
		return fmt.Errorf("policy: dedup similarity must be within [0,1], got %v", p.DedupSimilarity)
	}
	for name, rule := range p.Fields {
		if rule.MinConfidence < 0 || rule.MinConfidence > 1 {
			return fmt.Errorf("policy: field %s min_confidence must be within [0,1], got %v", name, rule.MinConfidence)
		}
		if rule.MinTextLength < 0 {
			return fmt.Errorf("policy: field %s min_text_length must not be negative", name)
		}
		if rule.NoiseBand < 0 {
			return fmt.Errorf("policy: field %s noise_band must not be negative", name)
		}
		seen := make(map[string]struct{}, len(rule.SourcePriority))
		for _, src := range rule.SourcePriority {
			key := strings.ToLower(strings.TrimSpace(src))
			if key == "" {
				return fmt.Errorf("policy: field %s has an empty source priority entry", name)
			}
			if _, dup := seen[key]; dup {
				return fmt.Errorf("policy: field %s lists source %s twice", name, src)
			}
			seen[key] = struct{}{}
		}
		switch rule.EqualRankTieBreak {
		case "", "highest-confidence", "first-seen":
		default:
			return fmt.Errorf("policy: field %s has unknown tie-break %q", name, rule.EqualRankTieBreak)
		}
	}
	if p.Monitor.ConfidenceFloor < 0 || p.Monitor.ConfidenceFloor > 1 {
		return fmt.Errorf("policy: monitor confidence_floor must be within [0,1], got %v", p.Monitor.ConfidenceFloor)
	}
	if p.Monitor.ReversalWindowDays < 0 {
		return fmt.Errorf("policy: monitor reversal_window_days must not be negative")
	}
	for field, states := range p.Monitor.MutuallyExclusive {
		if len(states) < 2 {
			return fmt.Errorf("policy: monitor mutually_exclusive for %s needs at least two states", field)
		}
	}
	return nil
}

// Field returns the rule for a field, or a zero rule when none is configured.
func (p Policy) Field(name string) FieldRule {
	if rule, ok := p.Fields[name]; ok {
		return rule
	}
	return FieldRule{}
}

// RequiredFields lists the configured field names marked required, sorted
// for deterministic iteration.
func (p Policy) RequiredFields() []string {
	var names []string
	for name, rule := range p.Fields {
		if rule.Required {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ClusterThreshold returns the configured gap threshold for an event type.
func (p Policy) ClusterThreshold(eventType string) (int, bool) {
	days, ok := p.ClusterThresholdDays[eventType]
	return days, ok
}

// Default returns the shipped policy used when no file is supplied.
func Default() Policy {
	return Policy{
		ClusterThresholdDays: map[string]int{
			"visit":           14,
			"radiation_start": 14,
			"chemo_start":     14,
			"imaging":         30,
			"document":        30,
		},
		DedupSimilarity: 0.6,
		Fields: map[string]FieldRule{
			"surgical_outcome": {
				MinTextLength:       40,
				MinConfidence:       0.75,
				SourcePriority:      []string{"operative_note", "pathology", "imaging_inference"},
				EqualRankTieBreak:   "highest-confidence",
				EventTypes:          []string{"surgery"},
				Required:            true,
				GatesClassification: true,
				DocumentType:        "operative_note",
				Enum:                []string{"complete", "incomplete", "aborted"},
			},
			"treatment_response": {
				MinTextLength:     40,
				MinConfidence:     0.75,
				SourcePriority:    []string{"oncology_note", "imaging_inference"},
				EqualRankTieBreak: "highest-confidence",
				EventTypes:        []string{"imaging", "document"},
				Required:          true,
				Enum:              []string{"complete_response", "partial_response", "stable", "progression"},
			},
			"tumor_size_mm": {
				MinTextLength:  20,
				MinConfidence:  0.7,
				SourcePriority: []string{"pathology", "imaging_inference"},
				EventTypes:     []string{"imaging"},
				NoiseBand:      2.0,
			},
		},
		Monitor: MonitorRule{
			ConfidenceFloor:    0.5,
			ReversalWindowDays: 14,
			MutuallyExclusive: map[string][]string{
				"treatment_response": {"complete_response", "progression"},
				"surgical_outcome":   {"complete", "incomplete"},
			},
		},
		TreatmentEventTypes: []string{"surgery", "chemo_start", "radiation_start"},
	}
}
