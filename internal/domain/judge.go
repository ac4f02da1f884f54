package domain

// HintUrgency is how urgently the judge wants a hint surfaced.
type HintUrgency string

const (
	// UrgencyHigh hints are injected immediately, bypassing the silence path.
	UrgencyHigh HintUrgency = "high"
	// UrgencyLow hints wait for the next silence-driven hint check.
	UrgencyLow HintUrgency = "low"
)

// JudgeResult is the structured verdict from one judge call. It is cached
// on the session as LastAnalysis; NeedsHint/HintContent are one-shot and
// cleared once the hint has been surfaced.
type JudgeResult struct {
	Thinking      string      `json:"thinking,omitempty"`
	ProgressScore int         `json:"progress_score"`
	KipsHit       []int       `json:"kips_hit,omitempty"`
	NeedsHint     bool        `json:"needs_hint"`
	HintUrgency   HintUrgency `json:"hint_urgency,omitempty"`
	HintContent   string      `json:"hint_content,omitempty"`
}
