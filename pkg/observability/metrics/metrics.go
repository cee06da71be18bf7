package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	eventsBuilt           atomic.Int64
	episodesDetected      atomic.Int64
	tier2Escalations      atomic.Int64
	manualReviewGaps      atomic.Int64
	highSeverityConflicts atomic.Int64
	reviewDecisions       atomic.Int64
)

func AddEventsBuilt(n int)           { eventsBuilt.Add(int64(n)) }
func AddEpisodesDetected(n int)      { episodesDetected.Add(int64(n)) }
func AddTier2Escalations(n int)      { tier2Escalations.Add(int64(n)) }
func AddManualReviewGaps(n int)      { manualReviewGaps.Add(int64(n)) }
func AddHighSeverityConflicts(n int) { highSeverityConflicts.Add(int64(n)) }
func AddReviewDecisions(n int)       { reviewDecisions.Add(int64(n)) }

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP chronica_timeline_events_built_total Canonical events placed on patient timelines.\n")
	fmt.Fprintf(w, "# TYPE chronica_timeline_events_built_total counter\n")
	fmt.Fprintf(w, "chronica_timeline_events_built_total %d\n", eventsBuilt.Load())

	fmt.Fprintf(w, "# HELP chronica_timeline_episodes_detected_total Episodes produced across all detection methods.\n")
	fmt.Fprintf(w, "# TYPE chronica_timeline_episodes_detected_total counter\n")
	fmt.Fprintf(w, "chronica_timeline_episodes_detected_total %d\n", episodesDetected.Load())

	fmt.Fprintf(w, "# HELP chronica_extraction_tier2_escalations_total Fields escalated to full-document extraction.\n")
	fmt.Fprintf(w, "# TYPE chronica_extraction_tier2_escalations_total counter\n")
	fmt.Fprintf(w, "chronica_extraction_tier2_escalations_total %d\n", tier2Escalations.Load())

	fmt.Fprintf(w, "# HELP chronica_extraction_manual_review_gaps_total Gaps routed to manual review.\n")
	fmt.Fprintf(w, "# TYPE chronica_extraction_manual_review_gaps_total counter\n")
	fmt.Fprintf(w, "chronica_extraction_manual_review_gaps_total %d\n", manualReviewGaps.Load())

	fmt.Fprintf(w, "# HELP chronica_adjudication_high_severity_conflicts_total Conflicts scored high severity.\n")
	fmt.Fprintf(w, "# TYPE chronica_adjudication_high_severity_conflicts_total counter\n")
	fmt.Fprintf(w, "chronica_adjudication_high_severity_conflicts_total %d\n", highSeverityConflicts.Load())

	fmt.Fprintf(w, "# HELP chronica_review_decisions_total Review decisions committed.\n")
	fmt.Fprintf(w, "# TYPE chronica_review_decisions_total counter\n")
	fmt.Fprintf(w, "chronica_review_decisions_total %d\n", reviewDecisions.Load())
}
