package adjudication

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chronica-ai/timeline/pkg/common/models"
	"github.com/chronica-ai/timeline/pkg/policy"
	"github.com/google/uuid"
)

// Adjudicator reconciles multiple reported values for the same semantic
// field into one final value with a severity-scored rationale.
type Adjudicator struct {
	policy policy.Policy
}

func New(p policy.Policy) *Adjudicator {
	return &Adjudicator{policy: p}
}

// Adjudicate resolves candidates for one field. Disagreements resolve by the
// field's configured source priority; equal-rank ties resolve by the
// configured tie-break, and the choice is always spelled out in the
// rationale so no implicit "first seen wins" hides in the output.
func (a *Adjudicator) Adjudicate(fieldName string, candidates []models.Candidate) models.AdjudicationRecord {
	record := models.AdjudicationRecord{
		ID:         uuid.New().String(),
		FieldName:  fieldName,
		Candidates: candidates,
		CreatedAt:  time.Now().UTC(),
	}

	switch len(candidates) {
	case 0:
		record.Agreement = models.AgreementFull
		record.Severity = models.SeverityNone
		record.Rationale = "no candidates reported"
		return record
	case 1:
		record.Agreement = models.AgreementFull
		record.Severity = models.SeverityNone
		record.FinalValue = candidates[0].Value
		record.Rationale = fmt.Sprintf("single candidate from %s", candidates[0].Source)
		return record
	}

	distinct := distinctValues(candidates)
	if len(distinct) == 1 {
		record.Agreement = models.AgreementFull
		record.Severity = models.SeverityNone
		record.FinalValue = candidates[0].Value
		record.Rationale = fmt.Sprintf("all %d candidates agree after normalization", len(candidates))
		return record
	}

	if len(distinct) < len(candidates) {
		record.Agreement = models.AgreementPartial
	} else {
		record.Agreement = models.AgreementConflicting
	}

	rule := a.policy.Field(fieldName)
	record.Severity = a.scoreSeverity(rule, candidates)

	winner, rationale := a.pickWinner(rule, candidates)
	record.FinalValue = winner.Value
	record.Rationale = rationale
	return record
}

// pickWinner applies the source-priority order, then the configured
// equal-rank tie-break.
func (a *Adjudicator) pickWinner(rule policy.FieldRule, candidates []models.Candidate) (models.Candidate, string) {
	ranked := make([]int, len(candidates))
	for i, c := range candidates {
		ranked[i] = sourceRank(rule.SourcePriority, c.Source)
	}

	best := 0
	for i := 1; i < len(candidates); i++ {
		if ranked[i] < ranked[best] {
			best = i
		}
	}

	var tied []int
	for i := range candidates {
		if ranked[i] == ranked[best] {
			tied = append(tied, i)
		}
	}

	if len(tied) == 1 {
		if len(rule.SourcePriority) == 0 {
			return candidates[best], fmt.Sprintf(
				"no source priority configured; kept value from %s", candidates[best].Source)
		}
		return candidates[best], fmt.Sprintf(
			"source priority [%s]: %s outranks the others",
			strings.Join(rule.SourcePriority, ", "), candidates[best].Source)
	}

	tieBreak := rule.EqualRankTieBreak
	if tieBreak == "" {
		tieBreak = "highest-confidence"
	}

	chosen := tied[0]
	switch tieBreak {
	case "highest-confidence":
		for _, i := range tied[1:] {
			if confidenceOf(candidates[i]) > confidenceOf(candidates[chosen]) {
				chosen = i
			}
		}
	case "first-seen":
		// tied[0] already is the first seen
	}

	return candidates[chosen], fmt.Sprintf(
		"sources %s share priority rank; tie broken by configured rule %q in favor of %s",
		tiedSources(candidates, tied), tieBreak, candidates[chosen].Source)
}

// scoreSeverity grades how reportable the disagreement is:
// high for categorically different outcomes, low for numeric differences
// within the measurement-noise band, moderate for terminology variance.
func (a *Adjudicator) scoreSeverity(rule policy.FieldRule, candidates []models.Candidate) models.ConflictSeverity {
	if numbers, ok := numericValues(candidates); ok {
		min, max := numbers[0], numbers[0]
		for _, n := range numbers[1:] {
			if n < min {
				min = n
			}
			if n > max {
				max = n
			}
		}
		if max-min <= rule.NoiseBand {
			return models.SeverityLow
		}
		return models.SeverityHigh
	}

	if len(rule.Enum) > 0 {
		allEnum := true
		for _, c := range candidates {
			if !enumMember(rule.Enum, normalize(c.Value)) {
				allEnum = false
				break
			}
		}
		if allEnum {
			// Distinct legal members of the same outcome enumeration are
			// categorically different facts, not wording variants.
			return models.SeverityHigh
		}
	}

	return models.SeverityModerate
}

func sourceRank(priority []string, source string) int {
	for i, p := range priority {
		if strings.EqualFold(strings.TrimSpace(p), strings.TrimSpace(source)) {
			return i
		}
	}
	return len(priority)
}

func confidenceOf(c models.Candidate) float64 {
	if c.Confidence == nil {
		return 0
	}
	return *c.Confidence
}

func tiedSources(candidates []models.Candidate, tied []int) string {
	names := make([]string, 0, len(tied))
	for _, i := range tied {
		names = append(names, candidates[i].Source)
	}
	sort.Strings(names)
	return "[" + strings.Join(names, ", ") + "]"
}

// normalize flattens value spelling so "Complete" and " complete " compare
// equal and numbers compare numerically.
func normalize(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(strings.TrimSpace(val))
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	default:
		return strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", val)))
	}
}

func distinctValues(candidates []models.Candidate) map[string]struct{} {
	distinct := make(map[string]struct{})
	for _, c := range candidates {
		distinct[normalize(c.Value)] = struct{}{}
	}
	return distinct
}

func numericValues(candidates []models.Candidate) ([]float64, bool) {
	numbers := make([]float64, 0, len(candidates))
	for _, c := range candidates {
		switch val := c.Value.(type) {
		case float64:
			numbers = append(numbers, val)
		case int:
			numbers = append(numbers, float64(val))
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if err != nil {
				return nil, false
			}
			numbers = append(numbers, parsed)
		default:
			return nil, false
		}
	}
	return numbers, true
}

func enumMember(enum []string, value string) bool {
	for _, e := range enum {
		if strings.EqualFold(e, value) {
			return true
		}
	}
	return false
}
