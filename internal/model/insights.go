package model

import "time"

// Focus selects the system-instruction flavor for synthesis. It changes the
// prompt, never the pipeline logic.
type Focus string

const (
	FocusAnalytical   Focus = "analytical"
	FocusCreative     Focus = "creative"
	FocusViral        Focus = "viral"
	FocusEducational  Focus = "educational"
	FocusConservative Focus = "conservative"
)

// Valid reports whether f is a known focus.
func (f Focus) Valid() bool {
	switch f {
	case FocusAnalytical, FocusCreative, FocusViral, FocusEducational, FocusConservative:
		return true
	}
	return false
}

// TokenUsage tracks token consumption and estimated cost for LLM calls.
type TokenUsage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Add accumulates another usage into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.Cost += other.Cost
}

// VideoIdea is a single content idea proposed by synthesis.
type VideoIdea struct {
	Title   string `json:"title"`
	Concept string `json:"concept"`
	Hook    string `json:"hook"`
}

// ParsedInsights is the structured shape we ask the text provider to return.
// The schema is deliberately narrow; responses that don't match are kept as
// raw text only.
type ParsedInsights struct {
	Summary         string      `json:"summary"`
	ContentPillars  []string    `json:"content_pillars"`
	Hooks           []string    `json:"hooks"`
	VideoIdeas      []VideoIdea `json:"video_ideas"`
	Recommendations []string    `json:"recommendations"`
}

// Insights is one synthesis output. RawResponse is always retained; Parsed
// is nil when the provider response was not valid structured output.
type Insights struct {
	RawResponse string          `json:"raw_response"`
	Parsed      *ParsedInsights `json:"parsed,omitempty"`
	Focus       Focus           `json:"focus"`
	Temperature float64         `json:"temperature"`
	IdeaCount   int             `json:"idea_count"`
	TokenUsage  TokenUsage      `json:"token_usage"`
	GeneratedAt time.Time       `json:"generated_at"`
}
