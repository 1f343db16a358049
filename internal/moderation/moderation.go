// Package moderation classifies incoming prompts before any cost is committed.
package moderation

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/CampaignPipe/internal/models"
)

// Action is the moderation outcome for a prompt.
type Action string

const (
	ActionAllow         Action = "allow"
	ActionRewriteScope  Action = "rewrite_scope"
	ActionRewriteSafety Action = "rewrite_safety"
)

// DefaultPrompt replaces empty input.
const DefaultPrompt = "help me create a campaign"

const safetyRewritePrompt = "Help me write a safe, lawful and honest email campaign brief for my business. " +
	"Do not include deceptive, harmful or illegal content."

const (
	safetyNotice = "I can't help with that request, so I've steered us toward a safe, lawful campaign brief instead."
	scopeNotice  = "I'm focused on email campaigns, so I'll guide this back toward building your campaign."
)

var unsafeKeywords = []string{
	"phishing",
	"malware",
	"ransomware",
	"spyware",
	"keylogger",
	"fraud",
	"ponzi",
	"hate speech",
	"racist",
	"credential theft",
	"steal password",
	"steal credentials",
	"harvest credentials",
	"fake invoice",
	"impersonate",
	"identity theft",
	"money laundering",
}

var offTopicPrefixes = []string{
	"what is the capital",
	"who won",
	"who is the president",
	"tell me a joke",
	"tell me joke",
	"write a joke",
	"write code",
	"write a python",
	"write a function",
	"write a script",
	"debug my code",
	"fix my code",
	"translate",
	"solve this equation",
	"what's the weather",
	"what is the weather",
}

// Result is the classification of one prompt.
type Result struct {
	Action          Action `json:"action"`
	SanitizedPrompt string `json:"sanitized_prompt"`
	Message         string `json:"message"`
}

// Rewritten reports whether the prompt was flagged for downstream handling.
func (r Result) Rewritten() bool {
	return r.Action != ActionAllow
}

// Moderate classifies rawPrompt. It performs no I/O.
func Moderate(rawPrompt string) Result {
	cleaned := sanitize(rawPrompt)
	if strings.TrimSpace(cleaned) == "" {
		return Result{Action: ActionAllow, SanitizedPrompt: DefaultPrompt}
	}

	lower := strings.ToLower(cleaned)
	for _, kw := range unsafeKeywords {
		if strings.Contains(lower, kw) {
			slog.Warn("moderation.Moderate: unsafe intent rewritten", "keyword", kw)
			return Result{Action: ActionRewriteSafety, SanitizedPrompt: safetyRewritePrompt, Message: safetyNotice}
		}
	}

	trimmed := strings.TrimSpace(lower)
	for _, prefix := range offTopicPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			slog.Debug("moderation.Moderate: off-topic prompt flagged", "prefix", prefix)
			return Result{Action: ActionRewriteScope, SanitizedPrompt: cleaned, Message: scopeNotice}
		}
	}

	return Result{Action: ActionAllow, SanitizedPrompt: cleaned}
}

// sanitize strips null bytes and truncates to the maximum prompt length on a rune boundary.
func sanitize(raw string) string {
	s := strings.ReplaceAll(raw, "\x00", "")
	if utf8.RuneCountInString(s) <= models.MaxPromptLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:models.MaxPromptLength])
}
