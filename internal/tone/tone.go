// Package tone maps the free-text brand voice a user describes ("friendly but
// professional, no emojis") onto a fixed whitelist of voice tags, enforces
// mutual exclusion between them, and builds the voice guide injected into
// reply prompts.
package tone

import (
	"slices"
	"strings"
)

// ---- Whitelist ----

// AllTags is the hard-coded set of voice tags.
var AllTags = map[string]bool{
	// Register
	"formal":   true,
	"friendly": true,
	"playful":  true,
	"luxury":   true,
	// Length
	"concise":  true,
	"detailed": true,
	// Energy
	"urgent": true,
	"calm":   true,
	// Decoration
	"no_emojis": true,
	"emojis_ok": true,
}

// synonyms maps words users actually type onto tags. Multi-word phrases are
// matched before single words.
var synonyms = map[string]string{
	"no emojis":     "no_emojis",
	"no emoji":      "no_emojis",
	"without emoji": "no_emojis",
	"emojis":        "emojis_ok",
	"emoji":         "emojis_ok",
	"professional":  "formal",
	"corporate":     "formal",
	"formal":        "formal",
	"serious":       "formal",
	"friendly":      "friendly",
	"warm":          "friendly",
	"casual":        "friendly",
	"approachable":  "friendly",
	"playful":       "playful",
	"fun":           "playful",
	"witty":         "playful",
	"humorous":      "playful",
	"luxury":        "luxury",
	"luxurious":     "luxury",
	"premium":       "luxury",
	"elegant":       "luxury",
	"upscale":       "luxury",
	"short":         "concise",
	"concise":       "concise",
	"brief":         "concise",
	"punchy":        "concise",
	"detailed":      "detailed",
	"thorough":      "detailed",
	"long":          "detailed",
	"urgent":        "urgent",
	"exciting":      "urgent",
	"bold":          "urgent",
	"calm":          "calm",
	"relaxed":       "calm",
	"soothing":      "calm",
}

// mutuallyExclusivePairs defines tags where at most one may be active. The
// tag mentioned first in the user's text wins.
var mutuallyExclusivePairs = [][2]string{
	{"formal", "playful"},
	{"concise", "detailed"},
	{"urgent", "calm"},
	{"no_emojis", "emojis_ok"},
}

// ---- Public API ----

// Parse extracts voice tags from free text in order of first mention.
func Parse(text string) []string {
	lower := " " + strings.ToLower(text) + " "
	lower = strings.NewReplacer(",", " ", ".", " ", ";", " ", "!", " ", "/", " ", "-", " ").Replace(lower)

	type hit struct {
		tag string
		pos int
	}
	var hits []hit
	consumed := lower
	phrases := make([]string, 0, len(synonyms))
	for p := range synonyms {
		phrases = append(phrases, p)
	}
	// Longest first so "no emojis" claims its words before "emojis".
	slices.SortFunc(phrases, func(a, b string) int {
		if d := len(b) - len(a); d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	for _, p := range phrases {
		needle := " " + p + " "
		if i := strings.Index(consumed, needle); i >= 0 {
			hits = append(hits, hit{tag: synonyms[p], pos: i})
			consumed = consumed[:i+1] + strings.Repeat("_", len(p)) + consumed[i+1+len(p):]
		}
	}
	slices.SortStableFunc(hits, func(a, b hit) int { return a.pos - b.pos })

	tags := make([]string, 0, len(hits))
	for _, h := range hits {
		tags = append(tags, h.tag)
	}
	return Normalize(tags)
}

// Normalize lowercases, drops unknown and duplicate tags, and resolves
// mutually exclusive pairs in favor of the earlier tag.
func Normalize(tags []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(strings.ToLower(t))
		if !AllTags[t] || seen[t] || excludedBy(t, seen) {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func excludedBy(tag string, active map[string]bool) bool {
	for _, pair := range mutuallyExclusivePairs {
		if pair[0] == tag && active[pair[1]] || pair[1] == tag && active[pair[0]] {
			return true
		}
	}
	return false
}

// BuildGuide produces a compact instruction snippet for reply prompts.
// It returns an empty string when there are no tags.
func BuildGuide(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t] = true
	}

	var b strings.Builder
	b.WriteString("\n<BRAND VOICE>\nThe user described their brand voice. Match it in the reply and in any copy you suggest:\n")

	if set["formal"] {
		b.WriteString("- Use formal diction and a professional register.\n")
	}
	if set["friendly"] {
		b.WriteString("- Sound warm and approachable.\n")
	}
	if set["playful"] {
		b.WriteString("- Keep it light and playful; a little wit is welcome.\n")
	}
	if set["luxury"] {
		b.WriteString("- Write with understated elegance; avoid discount language.\n")
	}
	if set["concise"] {
		b.WriteString("- Be concise: short sentences, minimal filler.\n")
	}
	if set["detailed"] {
		b.WriteString("- Give a little more detail, but avoid rambling.\n")
	}
	if set["urgent"] {
		b.WriteString("- Convey energy and a clear reason to act now.\n")
	}
	if set["calm"] {
		b.WriteString("- Keep the pace calm and reassuring.\n")
	}
	if set["no_emojis"] {
		b.WriteString("- Do NOT use emojis.\n")
	} else if set["emojis_ok"] {
		b.WriteString("- Emojis are welcome where appropriate.\n")
	}

	b.WriteString("- NEVER mirror hostility, sarcasm, insults, or unsafe language.\n")
	b.WriteString("</BRAND VOICE>\n")
	return b.String()
}
