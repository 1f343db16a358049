package planner

import (
	"strings"
	"unicode"

	"github.com/BTreeMap/CampaignPipe/internal/models"
	"github.com/BTreeMap/CampaignPipe/internal/workflow"
)

var emailIntentKeywords = []string{
	"newsletter", "promo", "promotion", "campaign", "announcement", "announce",
	"email", "e-mail", "blast", "sale", "offer", "digest", "invite", "invitation",
	"update", "launch", "menu", "event",
}

var sendKeywords = []string{"send", "launch", "queue"}

const discoveryScript = "Happy to help. Three quick questions so I can point you to the right templates:\n" +
	"1. What is the goal of this email (announce something, promote an offer, share news)?\n" +
	"2. Who is it for?\n" +
	"3. What tone fits your brand: friendly, formal, or playful?"

const capabilityScript = "Here's what I can do from here: suggest or switch templates, " +
	"validate a recipient list you paste or upload, review the campaign, or queue it for sending. " +
	"I can also draft a simple email or an email signature. What would you like next?"

// Heuristic picks a tool without a model call. templateIDs is the set of
// catalog ids that may be selected verbatim.
func Heuristic(prompt string, state models.WorkflowState, templateIDs []string) models.PlannerDecision {
	lower := strings.ToLower(prompt)
	early := workflow.IsEarlyDiscovery(state)
	d := models.PlannerDecision{Args: map[string]any{}, Source: models.DecisionSourceHeuristic}

	if id, ok := matchTemplateID(lower, templateIDs); ok {
		d.Tool = models.ToolSelectTemplate
		d.Args["templateId"] = id
		d.State = statePtr(models.StateTemplateSelected)
		return d
	}

	if strings.Contains(lower, "@") || containsWord(lower, "csv") {
		d.Tool = models.ToolValidateRecipients
		d.Args["recipients"] = prompt
		d.State = statePtr(models.StateValidationReview)
		return d
	}

	// Queueing only makes sense once a template has been chosen.
	if !early && containsAnyWord(lower, sendKeywords) {
		d.Tool = models.ToolConfirmQueueCampaign
		d.State = statePtr(models.StateQueued)
		return d
	}

	if early && containsAny(lower, emailIntentKeywords) {
		d.Tool = models.ToolSuggestTemplates
		d.Args["query"] = prompt
		d.State = statePtr(models.StateTemplateDiscovery)
		d.Intent = intentPtr(models.IntentNewsletter)
		return d
	}

	if early {
		d.Tool = models.ToolAskCampaignType
		d.State = statePtr(models.StateGoalBrief)
		d.Response = discoveryScript
		return d
	}

	if strings.Contains(lower, "signature") {
		d.Tool = models.ToolComposeSignatureEmail
		d.Intent = intentPtr(models.IntentSignature)
		return d
	}

	d.Tool = models.ToolAskCampaignType
	d.Response = capabilityScript
	return d
}

func matchTemplateID(lower string, ids []string) (string, bool) {
	tokens := strings.FieldsFunc(lower, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_')
	})
	for _, tok := range tokens {
		for _, id := range ids {
			if tok == strings.ToLower(id) {
				return id, true
			}
		}
	}
	return "", false
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func containsAnyWord(s string, words []string) bool {
	for _, w := range words {
		if containsWord(s, w) {
			return true
		}
	}
	return false
}

// containsWord matches w as a whole word or word prefix ("send" matches "sending").
func containsWord(s, w string) bool {
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) }) {
		if strings.HasPrefix(f, w) {
			return true
		}
	}
	return false
}

func statePtr(s models.WorkflowState) *models.WorkflowState { return &s }
func intentPtr(i models.Intent) *models.Intent              { return &i }
