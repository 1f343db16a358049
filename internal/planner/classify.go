package planner

import (
	"strings"
	"unicode"
)

// MaxIncoherentTurns caps the incoherentTurns context counter.
const MaxIncoherentTurns = 3

var greetings = map[string]bool{
	"hi": true, "hello": true, "hey": true, "hiya": true, "yo": true, "howdy": true,
	"hola": true, "greetings": true, "sup": true, "morning": true,
	"good morning": true, "good afternoon": true, "good evening": true,
	"hi there": true, "hello there": true, "hey there": true,
}

var helpWords = map[string]bool{
	"help": true, "help?": true, "?": true, "start": true, "menu": true, "options": true,
}

// Short tokens that carry meaning in this workflow despite failing the
// incoherence checks.
var meaningfulShortTokens = map[string]bool{
	"ok": true, "no": true, "k": true, "csv": true, "cta": true, "smtp": true,
	"html": true, "pdf": true, "faq": true, "thx": true,
}

// normalizeShort lowercases and strips trailing punctuation for word matching.
func normalizeShort(prompt string) string {
	p := strings.ToLower(strings.TrimSpace(prompt))
	p = strings.TrimRightFunc(p, func(r rune) bool {
		return r == '!' || r == '.' || r == ','
	})
	return strings.Join(strings.Fields(p), " ")
}

// IsGreeting reports whether prompt is empty, a bare greeting, or a one-word
// request for help.
func IsGreeting(prompt string) bool {
	p := normalizeShort(prompt)
	return p == "" || greetings[p] || helpWords[p]
}

// IsIncoherent reports whether prompt carries no usable signal: a single
// token without vowels, a token made of at most two distinct characters, or
// at most two characters in total.
func IsIncoherent(prompt string) bool {
	p := normalizeShort(prompt)
	if p == "" || greetings[p] || helpWords[p] || meaningfulShortTokens[p] {
		return false
	}
	if len([]rune(p)) <= 2 {
		return true
	}
	fields := strings.Fields(p)
	if len(fields) != 1 {
		return false
	}
	token := fields[0]
	if strings.Contains(token, "@") {
		return false
	}
	if !strings.ContainsAny(token, "aeiouy") {
		return true
	}
	distinct := make(map[rune]struct{})
	for _, r := range token {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			distinct[r] = struct{}{}
		}
	}
	return len(distinct) <= 2
}

// incoherentReply escalates with the number of consecutive incoherent turns.
func incoherentReply(turns int) string {
	switch {
	case turns <= 1:
		return "Sorry, I didn't quite catch that. Could you tell me a little about the email you'd like to send?"
	case turns == 2:
		return "I still couldn't make sense of that. Try a full sentence, for example \"I want to send a newsletter about our spring sale\"."
	default:
		return "Let's reset. I help you build email campaigns step by step. Reply with one of: \"newsletter\", \"simple email\" or \"signature\", and I'll take it from there."
	}
}

const welcomeReply = "Hi! I can help you plan and send an email campaign. " +
	"What would you like to create: a newsletter, a simple one-off email, or an email signature? " +
	"Tell me the goal and who it's for and I'll suggest templates."
