package consilium

import (
	"time"

	"github.com/sgclegal/consilium/internal/verify"
)

// DeliberationRequest is one legal question posed to the panel.
type DeliberationRequest struct {
	Question string `json:"question"`
	Context  string `json:"context,omitempty"`
}

// Opinion is one panelist's answer. Failed opinions keep their slot so the
// result always has one entry per configured agent.
type Opinion struct {
	AgentRole  string `json:"agent_role"`
	AgentName  string `json:"agent_name,omitempty"`
	Model      string `json:"model"`
	Content    string `json:"content,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
	Failed     bool   `json:"failed,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ReviewScore is the peer reviewer's grade for one opinion.
type ReviewScore struct {
	Role    string  `json:"role"`
	Score   float64 `json:"score"`
	Comment string  `json:"comment,omitempty"`
}

// Result statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
)

// DeliberationResult is the full outcome of one pipeline run.
type DeliberationResult struct {
	ID          string          `json:"id"`
	Question    string          `json:"question"`
	Status      string          `json:"status"`
	Opinions    []Opinion       `json:"opinions"`
	Citations   []verify.Result `json:"citations,omitempty"`
	Review      []ReviewScore   `json:"review,omitempty"`
	Synthesis   string          `json:"synthesis,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	TotalTokens int             `json:"total_tokens"`
}
