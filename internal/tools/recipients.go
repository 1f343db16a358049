package tools

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/CampaignPipe/internal/models"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidateRecipients splits raw on ';', ',' and newlines and classifies each
// token. Tokens are deduplicated case-insensitively; Total counts distinct
// tokens and Duplicates counts the repeats that were dropped.
func ValidateRecipients(raw string) models.RecipientStats {
	tokens := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == ',' || r == '\n' || r == '\r'
	})

	var stats models.RecipientStats
	seen := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		addr := strings.ToLower(strings.TrimSpace(tok))
		if addr == "" {
			continue
		}
		if seen[addr] {
			stats.Duplicates++
			continue
		}
		seen[addr] = true
		stats.Total++
		if emailPattern.MatchString(addr) {
			stats.Valid++
		} else {
			stats.Invalid++
		}
	}
	return stats
}
