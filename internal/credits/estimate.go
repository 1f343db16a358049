package credits

import (
	"math"
	"unicode/utf8"

	"github.com/BTreeMap/CampaignPipe/internal/models"
)

// Estimate bounds and length divisors.
const (
	MinCreditCost      = 1
	MaxCreditCost      = 8
	promptCharsPerUnit = 180.0
	replyCharsPerUnit  = 260.0
	promptUnitWeight   = 0.8
	replyUnitWeight    = 1.2
)

var modeWeights = map[models.Mode]float64{
	models.ModeEssential: 1.0,
	models.ModeBalanced:  1.35,
	models.ModePremium:   1.8,
}

var toolWeights = map[models.ToolName]float64{
	models.ToolSuggestTemplates:      1.1,
	models.ToolValidateRecipients:    1.2,
	models.ToolReviewCampaign:        1.1,
	models.ToolConfirmQueueCampaign:  1.3,
	models.ToolComposeSignatureEmail: 1.15,
	models.ToolComposeSimpleEmail:    1.15,
}

// EstimateCreditCost sizes a turn from prompt and reply length. It is pure and
// is used both for the pre-flight minimum and for settlement.
func EstimateCreditCost(prompt, responseText string, mode models.Mode, tool models.ToolName) int {
	promptUnits := float64(utf8.RuneCountInString(prompt)) / promptCharsPerUnit
	replyUnits := float64(utf8.RuneCountInString(responseText)) / replyCharsPerUnit

	modeWeight, ok := modeWeights[mode]
	if !ok {
		modeWeight = modeWeights[models.ModeEssential]
	}
	toolWeight, ok := toolWeights[tool]
	if !ok {
		toolWeight = 1.0
	}

	raw := (promptUnits*promptUnitWeight + replyUnits*replyUnitWeight) * modeWeight * toolWeight
	// Float noise must not push an exact integer to the next credit.
	cost := int(math.Ceil(raw - 1e-9))
	if cost < MinCreditCost {
		return MinCreditCost
	}
	if cost > MaxCreditCost {
		return MaxCreditCost
	}
	return cost
}
