package models

import (
	"fmt"
	"time"
)

// Mode is a quality/cost tier for generation.
type Mode string

const (
	ModeEssential Mode = "essential"
	ModeBalanced  Mode = "balanced"
	ModePremium   Mode = "premium"
)

// Plan is a user's subscription plan.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanStarter    Plan = "starter"
	PlanPro        Plan = "pro"
	PlanPremium    Plan = "premium"
	PlanEnterprise Plan = "enterprise"
)

// IsPaid reports whether the plan is metered against a monthly USD budget.
func (p Plan) IsPaid() bool {
	switch p {
	case PlanPro, PlanPremium, PlanEnterprise:
		return true
	default:
		return false
	}
}

// Congestion is the platform load tier used to size free-plan windows.
type Congestion string

const (
	CongestionLow      Congestion = "low"
	CongestionModerate Congestion = "moderate"
	CongestionHigh     Congestion = "high"
	CongestionSevere   Congestion = "severe"
)

// ModelRegistryEntry is a static catalog row describing a generation model.
type ModelRegistryEntry struct {
	ID                    string  `json:"id"`
	Provider              string  `json:"provider"`
	Model                 string  `json:"model"`
	Mode                  Mode    `json:"mode"`
	InputCostPer1kTokens  float64 `json:"input_cost_per_1k_tokens"`
	OutputCostPer1kTokens float64 `json:"output_cost_per_1k_tokens"`
	MaxOutputTokens       int     `json:"max_output_tokens"`
	Temperature           float64 `json:"temperature"`
	QualityInstruction    string  `json:"quality_instruction"`
	ExpenseTier           int     `json:"expense_tier"`
	QuotaMultiplier       float64 `json:"quota_multiplier"`
}

// ModelProfile is the resolved generation configuration for one turn.
type ModelProfile struct {
	Mode                  Mode    `json:"mode"`
	Provider              string  `json:"provider"`
	Model                 string  `json:"model"`
	Temperature           float64 `json:"temperature"`
	MaxOutputTokens       int     `json:"max_output_tokens"`
	QualityInstruction    string  `json:"quality_instruction"`
	InputCostPer1kTokens  float64 `json:"input_cost_per_1k_tokens"`
	OutputCostPer1kTokens float64 `json:"output_cost_per_1k_tokens"`
}

// PlanUsageBudget is a static catalog row describing what a plan may spend.
type PlanUsageBudget struct {
	Plan             Plan    `json:"plan"`
	MonthlyBudgetUSD float64 `json:"monthly_budget_usd"`
	ModelAccess      []Mode  `json:"model_access"`
	WindowCredits    int     `json:"window_credits"` // per-window cap for free/starter plans
}

// Allows reports whether the plan grants access to mode.
func (b PlanUsageBudget) Allows(mode Mode) bool {
	for _, m := range b.ModelAccess {
		if m == mode {
			return true
		}
	}
	return false
}

// CreditsSnapshot is a recomputed-on-read view of a user's remaining quota.
type CreditsSnapshot struct {
	Limited            bool       `json:"limited"`
	MaxCredits         int        `json:"max_credits"`
	RemainingCredits   int        `json:"remaining_credits"`
	UsedCredits        int        `json:"used_credits"`
	WindowHours        int        `json:"window_hours"`
	ResetAt            time.Time  `json:"reset_at"`
	Congestion         Congestion `json:"congestion"`
	MonthlyBudgetUSD   float64    `json:"monthly_budget_usd"`
	RemainingBudgetUSD float64    `json:"remaining_budget_usd"`

	// BucketKey identifies the usage ledger row the snapshot was computed from.
	BucketKey string `json:"-"`
	Paid      bool   `json:"-"`
}

// Exhausted reports whether no further usage may be charged.
func (s CreditsSnapshot) Exhausted() bool {
	if s.Paid {
		return s.RemainingBudgetUSD <= 0
	}
	return s.RemainingCredits <= 0
}

// UsageLedgerEntry is the single mutable counter of the metering subsystem.
type UsageLedgerEntry struct {
	BucketKey string    `json:"bucket_key"`
	UserID    string    `json:"user_id"`
	Requests  int       `json:"requests"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TelemetryStatus is the outcome of one generation attempt.
type TelemetryStatus string

const (
	TelemetryStatusOK    TelemetryStatus = "ok"
	TelemetryStatusError TelemetryStatus = "error"
)

// TelemetryRecord is written once per generation attempt.
type TelemetryRecord struct {
	RequestID        string          `json:"request_id"`
	SessionID        string          `json:"session_id"`
	UserID           string          `json:"user_id"`
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	LatencyMs        int64           `json:"latency_ms"`
	TokenIn          int             `json:"token_in"`
	TokenOut         int             `json:"token_out"`
	EstimatedCostUSD float64         `json:"estimated_cost_usd"`
	Status           TelemetryStatus `json:"status"`
	ErrorCode        string          `json:"error_code,omitempty"`
	ModerationAction string          `json:"moderation_action"`
	CreatedAt        time.Time       `json:"created_at"`
}

// TelemetryStats aggregates recent telemetry for congestion detection.
type TelemetryStats struct {
	TotalRequests  int
	FailedRequests int
	AvgLatencyMs   float64
}

// InsufficientCreditsError is returned when a user's remaining quota is below
// the minimum needed for a turn.
type InsufficientCreditsError struct {
	Snapshot CreditsSnapshot
	Required int
	ResetETA string
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient AI credits: %d required, %d remaining; resets %s",
		e.Required, e.Snapshot.RemainingCredits, e.ResetETA)
}

// Unwrap lets callers match the condition with errors.Is(err, ErrInsufficientCredits).
func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}
