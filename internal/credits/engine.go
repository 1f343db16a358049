// Package credits meters AI usage against plan budgets.
//
// Paid plans spend a monthly USD budget; free and starter plans get a fixed
// number of credits per adaptive window whose length follows platform load.
package credits

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/BTreeMap/CampaignPipe/internal/models"
	"github.com/BTreeMap/CampaignPipe/internal/registry"
)

// Defaults for the metering engine.
const (
	DefaultUSDPerCredit       = 0.0003
	DefaultCongestionLookback = 20 * time.Minute
)

// UsageLedger is the per-bucket request counter. IncrementUsage must be an
// atomic increment-or-create keyed by (bucketKey, userID).
type UsageLedger interface {
	GetUsage(ctx context.Context, bucketKey, userID string) (int, error)
	IncrementUsage(ctx context.Context, bucketKey, userID string, delta int) (int, error)
}

// TelemetryReader aggregates recent generation telemetry.
type TelemetryReader interface {
	TelemetryStats(ctx context.Context, since time.Time) (models.TelemetryStats, error)
}

// Engine computes snapshots and settles usage.
type Engine struct {
	ledger       UsageLedger
	telemetry    TelemetryReader
	now          func() time.Time
	lookback     time.Duration
	usdPerCredit float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithCongestionLookback sets how much telemetry history drives the window size.
func WithCongestionLookback(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lookback = d
		}
	}
}

// WithUSDPerCredit sets the spend attributed to one paid-plan credit.
func WithUSDPerCredit(usd float64) Option {
	return func(e *Engine) {
		if usd > 0 {
			e.usdPerCredit = usd
		}
	}
}

// NewEngine creates a metering engine.
func NewEngine(ledger UsageLedger, telemetry TelemetryReader, opts ...Option) *Engine {
	e := &Engine{
		ledger:       ledger,
		telemetry:    telemetry,
		now:          time.Now,
		lookback:     DefaultCongestionLookback,
		usdPerCredit: DefaultUSDPerCredit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Snapshot recomputes the user's current quota. Nothing is cached.
func (e *Engine) Snapshot(ctx context.Context, userID string, plan models.Plan) (models.CreditsSnapshot, error) {
	now := e.now().UTC()
	if plan.IsPaid() {
		return e.paidSnapshot(ctx, userID, plan, now)
	}
	return e.windowSnapshot(ctx, userID, plan, now)
}

func (e *Engine) paidSnapshot(ctx context.Context, userID string, plan models.Plan, now time.Time) (models.CreditsSnapshot, error) {
	budget := registry.PlanBudget(plan)
	key := monthlyBucketKey(now)
	used, err := e.ledger.GetUsage(ctx, key, userID)
	if err != nil {
		return models.CreditsSnapshot{}, fmt.Errorf("failed to read monthly usage: %w", err)
	}

	maxCredits := int(math.Floor(budget.MonthlyBudgetUSD/e.usdPerCredit + 1e-9))
	remainingUSD := math.Max(0, math.Round((budget.MonthlyBudgetUSD-float64(used)*e.usdPerCredit)*1e6)/1e6)
	return models.CreditsSnapshot{
		Limited:            true,
		MaxCredits:         maxCredits,
		RemainingCredits:   max(0, maxCredits-used),
		UsedCredits:        used,
		ResetAt:            time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC),
		Congestion:         models.CongestionLow,
		MonthlyBudgetUSD:   budget.MonthlyBudgetUSD,
		RemainingBudgetUSD: remainingUSD,
		BucketKey:          key,
		Paid:               true,
	}, nil
}

func (e *Engine) windowSnapshot(ctx context.Context, userID string, plan models.Plan, now time.Time) (models.CreditsSnapshot, error) {
	budget := registry.PlanBudget(plan)
	window := e.currentWindow(ctx, now)
	usage, err := e.windowUsage(ctx, userID, window.Hours, now)
	if err != nil {
		return models.CreditsSnapshot{}, err
	}
	used := usage.total()
	return models.CreditsSnapshot{
		Limited:          true,
		MaxCredits:       budget.WindowCredits,
		RemainingCredits: max(0, budget.WindowCredits-used),
		UsedCredits:      used,
		WindowHours:      window.Hours,
		ResetAt:          usage.resetAt,
		Congestion:       window.Congestion,
		MonthlyBudgetUSD: budget.MonthlyBudgetUSD,
		BucketKey:        usage.key,
	}, nil
}

// windowSpend is what a user has spent in the windows open at one instant.
type windowSpend struct {
	key     string
	current int
	carried int
	resetAt time.Time
}

func (u windowSpend) total() int {
	return u.current + u.carried
}

func windowBucket(hours int, now time.Time) (string, time.Time) {
	span := time.Duration(hours) * time.Hour
	start := now.Truncate(span)
	return fmt.Sprintf("window:%dh:%d", hours, start.Unix()), start.Add(span)
}

// windowUsage reads the bucket of every tier whose window contains now.
// Usage charged under a tier that is no longer current still counts until its
// own window closes, so a congestion change never hands out a fresh cap.
func (e *Engine) windowUsage(ctx context.Context, userID string, hours int, now time.Time) (windowSpend, error) {
	var u windowSpend
	u.key, u.resetAt = windowBucket(hours, now)
	for _, tier := range windowTiers {
		key, end := windowBucket(tier, now)
		used, err := e.ledger.GetUsage(ctx, key, userID)
		if err != nil {
			return windowSpend{}, fmt.Errorf("failed to read window usage: %w", err)
		}
		if key == u.key {
			u.current = used
			continue
		}
		u.carried += used
		if used > 0 && end.After(u.resetAt) {
			u.resetAt = end
		}
	}
	return u, nil
}

// currentWindow reads recent telemetry. A telemetry failure degrades to the
// low-congestion window rather than blocking the user.
func (e *Engine) currentWindow(ctx context.Context, now time.Time) CongestionWindow {
	if e.telemetry == nil {
		return ResolveCongestionWindow(models.TelemetryStats{})
	}
	stats, err := e.telemetry.TelemetryStats(ctx, now.Add(-e.lookback))
	if err != nil {
		slog.Warn("credits.Engine.currentWindow: telemetry unavailable, assuming low congestion", "error", err)
		return ResolveCongestionWindow(models.TelemetryStats{})
	}
	return ResolveCongestionWindow(stats)
}

// AssertMinimumCredits fails with *models.InsufficientCreditsError when fewer
// than minimum credits remain. Call it before any generation work.
func (e *Engine) AssertMinimumCredits(ctx context.Context, userID string, plan models.Plan, minimum int) (models.CreditsSnapshot, error) {
	snap, err := e.Snapshot(ctx, userID, plan)
	if err != nil {
		return snap, err
	}
	if snap.Exhausted() || snap.RemainingCredits < minimum {
		slog.Info("credits.Engine.AssertMinimumCredits: insufficient credits",
			"userID", userID, "plan", plan, "required", minimum, "remaining", snap.RemainingCredits)
		return snap, &models.InsufficientCreditsError{
			Snapshot: snap,
			Required: minimum,
			ResetETA: FormatResetETA(snap.ResetAt, e.now()),
		}
	}
	return snap, nil
}

// ConsumeAiCredits settles usage after generation. Paid plans are charged the
// full amount while any budget remains; window plans are charged at most what
// is left. An exhausted snapshot always charges zero.
//
// cachedSnapshot, when given, replaces the pre-charge read for paid plans as
// long as it still names the current month. Window plans always re-read and
// clamp after the increment, so concurrent settlements never push a user
// past the cap.
func (e *Engine) ConsumeAiCredits(ctx context.Context, userID string, plan models.Plan, credits int, cachedSnapshot *models.CreditsSnapshot) (int, models.CreditsSnapshot, error) {
	var charge int
	var err error
	if plan.IsPaid() {
		charge, err = e.settleMonthly(ctx, userID, plan, credits, cachedSnapshot)
	} else {
		charge, err = e.settleWindow(ctx, userID, plan, credits)
	}
	if err != nil {
		return 0, models.CreditsSnapshot{}, err
	}
	slog.Debug("credits.Engine.ConsumeAiCredits", "userID", userID, "plan", plan, "requested", credits, "charged", charge)

	fresh, err := e.Snapshot(ctx, userID, plan)
	if err != nil {
		return charge, models.CreditsSnapshot{}, err
	}
	return charge, fresh, nil
}

func (e *Engine) settleMonthly(ctx context.Context, userID string, plan models.Plan, credits int, cached *models.CreditsSnapshot) (int, error) {
	now := e.now().UTC()
	var snap models.CreditsSnapshot
	if cached != nil && cached.Paid && cached.BucketKey == monthlyBucketKey(now) {
		snap = *cached
	} else {
		var err error
		if snap, err = e.paidSnapshot(ctx, userID, plan, now); err != nil {
			return 0, err
		}
	}
	if credits <= 0 || snap.Exhausted() {
		return 0, nil
	}
	if _, err := e.ledger.IncrementUsage(ctx, snap.BucketKey, userID, credits); err != nil {
		return 0, fmt.Errorf("failed to record credit usage: %w", err)
	}
	return credits, nil
}

func (e *Engine) settleWindow(ctx context.Context, userID string, plan models.Plan, credits int) (int, error) {
	now := e.now().UTC()
	budget := registry.PlanBudget(plan)
	window := e.currentWindow(ctx, now)
	usage, err := e.windowUsage(ctx, userID, window.Hours, now)
	if err != nil {
		return 0, err
	}
	charge := min(credits, budget.WindowCredits-usage.total())
	if charge <= 0 {
		return 0, nil
	}

	total, err := e.ledger.IncrementUsage(ctx, usage.key, userID, charge)
	if err != nil {
		return 0, fmt.Errorf("failed to record credit usage: %w", err)
	}
	// Each increment returns a distinct bucket total, so every settlement
	// gives back only the part of its own charge that landed past the cap.
	if over := min(charge, usage.carried+total-budget.WindowCredits); over > 0 {
		if _, err := e.ledger.IncrementUsage(ctx, usage.key, userID, -over); err != nil {
			return charge, fmt.Errorf("failed to clamp credit usage: %w", err)
		}
		slog.Info("credits.Engine.settleWindow: charge clamped at cap", "userID", userID, "requested", charge, "refunded", over)
		charge -= over
	}
	return charge, nil
}

func monthlyBucketKey(now time.Time) string {
	return fmt.Sprintf("month:%04d-%02d", now.Year(), int(now.Month()))
}

// FormatResetETA renders a human-readable time until reset.
func FormatResetETA(resetAt, now time.Time) string {
	d := resetAt.Sub(now)
	switch {
	case d <= time.Minute:
		return "in less than a minute"
	case d < time.Hour:
		return fmt.Sprintf("in %d minutes", int(d.Minutes()))
	case d < 48*time.Hour:
		h := int(d.Hours())
		m := int(d.Minutes()) - h*60
		if m == 0 {
			return fmt.Sprintf("in %dh", h)
		}
		return fmt.Sprintf("in %dh %dm", h, m)
	default:
		return "on " + resetAt.UTC().Format("Jan 2")
	}
}
