package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/CampaignPipe/internal/models"
)

var (
	// ErrNoJSONObject is returned when the model text holds no braces.
	ErrNoJSONObject = errors.New("no JSON object in planner output")
	// ErrMissingTool is returned when the decision names no tool.
	ErrMissingTool = errors.New("planner output has no tool")
)

// rawDecision mirrors the JSON shape requested from the model.
type rawDecision struct {
	Tool     string         `json:"tool"`
	Args     map[string]any `json:"args"`
	State    string         `json:"state"`
	Intent   string         `json:"intent"`
	Response string         `json:"response"`
}

// ExtractJSON returns the text between the first '{' and the last '}'.
func ExtractJSON(raw string) (string, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

// ParseDecision validates model output into a decision. Unknown tool names
// coerce to compose_simple_email; unknown states and intents are dropped.
func ParseDecision(raw string) (models.PlannerDecision, error) {
	body, ok := ExtractJSON(raw)
	if !ok {
		return models.PlannerDecision{}, ErrNoJSONObject
	}
	var rd rawDecision
	if err := json.Unmarshal([]byte(body), &rd); err != nil {
		return models.PlannerDecision{}, fmt.Errorf("invalid planner JSON: %w", err)
	}
	name := strings.ToLower(strings.TrimSpace(rd.Tool))
	if name == "" {
		return models.PlannerDecision{}, ErrMissingTool
	}

	d := models.PlannerDecision{
		Tool:     NormalizeTool(name),
		Args:     rd.Args,
		Response: strings.TrimSpace(rd.Response),
		Source:   models.DecisionSourceModel,
	}
	if d.Args == nil {
		d.Args = map[string]any{}
	}
	if s := models.WorkflowState(strings.ToUpper(strings.TrimSpace(rd.State))); s.IsValid() {
		d.State = &s
	}
	if i := models.Intent(strings.ToUpper(strings.TrimSpace(rd.Intent))); i.IsValid() {
		d.Intent = &i
	}
	return d, nil
}

// NormalizeTool maps arbitrary text to a known tool, defaulting to
// compose_simple_email.
func NormalizeTool(name string) models.ToolName {
	t := models.ToolName(strings.ToLower(strings.TrimSpace(name)))
	if t.IsKnown() {
		return t
	}
	return models.ToolComposeSimpleEmail
}
