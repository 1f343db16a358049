// Package registry maps quality tiers and user plans to concrete model
// profiles and monthly budget envelopes.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/CampaignPipe/internal/models"
)

// ProviderOpenAI is the only generation provider wired today.
const ProviderOpenAI = "openai"

var defaultEntries = []models.ModelRegistryEntry{
	{
		ID:                    "essential-openai-mini",
		Provider:              ProviderOpenAI,
		Model:                 "gpt-4o-mini",
		Mode:                  models.ModeEssential,
		InputCostPer1kTokens:  0.00015,
		OutputCostPer1kTokens: 0.0006,
		MaxOutputTokens:       500,
		Temperature:           0.4,
		QualityInstruction:    "Keep replies short, friendly and practical.",
		ExpenseTier:           1,
		QuotaMultiplier:       1.0,
	},
	{
		ID:                    "balanced-openai-41mini",
		Provider:              ProviderOpenAI,
		Model:                 "gpt-4.1-mini",
		Mode:                  models.ModeBalanced,
		InputCostPer1kTokens:  0.0004,
		OutputCostPer1kTokens: 0.0016,
		MaxOutputTokens:       800,
		Temperature:           0.5,
		QualityInstruction:    "Write polished copy with a clear structure and one concrete call to action.",
		ExpenseTier:           2,
		QuotaMultiplier:       1.35,
	},
	{
		ID:                    "premium-openai-41",
		Provider:              ProviderOpenAI,
		Model:                 "gpt-4.1",
		Mode:                  models.ModePremium,
		InputCostPer1kTokens:  0.002,
		OutputCostPer1kTokens: 0.008,
		MaxOutputTokens:       1200,
		Temperature:           0.6,
		QualityInstruction:    "Write premium, brand-aware copy with vivid subject line ideas and audience-specific hooks.",
		ExpenseTier:           3,
		QuotaMultiplier:       1.8,
	},
}

var planBudgets = map[models.Plan]models.PlanUsageBudget{
	models.PlanFree: {
		Plan:             models.PlanFree,
		MonthlyBudgetUSD: 0.5,
		ModelAccess:      []models.Mode{models.ModeEssential},
		WindowCredits:    12,
	},
	models.PlanStarter: {
		Plan:             models.PlanStarter,
		MonthlyBudgetUSD: 3,
		ModelAccess:      []models.Mode{models.ModeEssential, models.ModeBalanced},
		WindowCredits:    40,
	},
	models.PlanPro: {
		Plan:             models.PlanPro,
		MonthlyBudgetUSD: 15,
		ModelAccess:      []models.Mode{models.ModeEssential, models.ModeBalanced, models.ModePremium},
	},
	models.PlanPremium: {
		Plan:             models.PlanPremium,
		MonthlyBudgetUSD: 40,
		ModelAccess:      []models.Mode{models.ModeEssential, models.ModeBalanced, models.ModePremium},
	},
	models.PlanEnterprise: {
		Plan:             models.PlanEnterprise,
		MonthlyBudgetUSD: 150,
		ModelAccess:      []models.Mode{models.ModeEssential, models.ModeBalanced, models.ModePremium},
	},
}

// NormalizeMode maps arbitrary input to a known mode, defaulting to essential.
func NormalizeMode(value string) models.Mode {
	switch models.Mode(strings.ToLower(strings.TrimSpace(value))) {
	case models.ModeBalanced:
		return models.ModeBalanced
	case models.ModePremium:
		return models.ModePremium
	default:
		return models.ModeEssential
	}
}

// NormalizePlan maps arbitrary input to a known plan, defaulting to free.
func NormalizePlan(value string) models.Plan {
	p := models.Plan(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := planBudgets[p]; ok {
		return p
	}
	return models.PlanFree
}

// PlanBudget returns the budget envelope for plan, falling back to the free plan.
func PlanBudget(plan models.Plan) models.PlanUsageBudget {
	if b, ok := planBudgets[plan]; ok {
		return b
	}
	return planBudgets[models.PlanFree]
}

// Registry resolves model profiles from the static catalog plus environment overrides.
type Registry struct {
	entries   []models.ModelRegistryEntry
	lookupEnv func(string) string
}

// Option configures a Registry.
type Option func(*Registry)

// WithEntries replaces the built-in catalog.
func WithEntries(entries []models.ModelRegistryEntry) Option {
	return func(r *Registry) {
		r.entries = entries
	}
}

// WithEnvLookup sets the function used to read provider/model overrides.
func WithEnvLookup(fn func(string) string) Option {
	return func(r *Registry) {
		r.lookupEnv = fn
	}
}

// New creates a Registry over the built-in catalog.
func New(opts ...Option) *Registry {
	r := &Registry{entries: defaultEntries, lookupEnv: os.Getenv}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Entries returns the catalog in registration order.
func (r *Registry) Entries() []models.ModelRegistryEntry {
	out := make([]models.ModelRegistryEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// EffectiveMode applies plan access gating to the requested mode. Paid plans
// may request any mode; their usage is accounted through the budget.
func EffectiveMode(requested string, plan models.Plan) models.Mode {
	mode := NormalizeMode(requested)
	if plan.IsPaid() {
		return mode
	}
	if !PlanBudget(plan).Allows(mode) {
		slog.Debug("registry.EffectiveMode: mode not in plan, downgrading", "requested", mode, "plan", plan)
		return models.ModeEssential
	}
	return mode
}

// ResolveModelProfile returns a usable profile for mode and plan. It never fails.
func (r *Registry) ResolveModelProfile(mode string, plan models.Plan) models.ModelProfile {
	effective := EffectiveMode(mode, plan)
	entry := r.entryFor(effective)

	profile := models.ModelProfile{
		Mode:                  effective,
		Provider:              entry.Provider,
		Model:                 entry.Model,
		Temperature:           entry.Temperature,
		MaxOutputTokens:       entry.MaxOutputTokens,
		QualityInstruction:    entry.QualityInstruction,
		InputCostPer1kTokens:  entry.InputCostPer1kTokens,
		OutputCostPer1kTokens: entry.OutputCostPer1kTokens,
	}

	key := strings.ToUpper(string(effective))
	if v := strings.TrimSpace(r.lookupEnv(fmt.Sprintf("CAMPAIGNPIPE_MODEL_%s_PROVIDER", key))); v != "" {
		profile.Provider = v
	}
	if v := strings.TrimSpace(r.lookupEnv(fmt.Sprintf("CAMPAIGNPIPE_MODEL_%s_NAME", key))); v != "" {
		profile.Model = v
	}
	return profile
}

// FallbackModels lists cheaper catalog models of the same provider to try when
// the profile's own model fails.
func (r *Registry) FallbackModels(profile models.ModelProfile) []string {
	var out []string
	current := r.entryFor(profile.Mode)
	for _, e := range r.entries {
		if e.Provider != profile.Provider || e.Model == profile.Model {
			continue
		}
		if e.ExpenseTier < current.ExpenseTier {
			out = append(out, e.Model)
		}
	}
	return out
}

// CostFor returns per-1k token prices for a model, or zeros when unknown.
func (r *Registry) CostFor(model string) (input, output float64) {
	for _, e := range r.entries {
		if e.Model == model {
			return e.InputCostPer1kTokens, e.OutputCostPer1kTokens
		}
	}
	return 0, 0
}

// entryFor returns the first entry registered for mode, or the first entry overall.
func (r *Registry) entryFor(mode models.Mode) models.ModelRegistryEntry {
	for _, e := range r.entries {
		if e.Mode == mode {
			return e
		}
	}
	if len(r.entries) > 0 {
		return r.entries[0]
	}
	return defaultEntries[0]
}
