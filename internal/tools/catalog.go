package tools

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/CampaignPipe/internal/models"
)

// MaxSuggestions is how many templates suggest_templates returns.
const MaxSuggestions = 4

//go:embed templates.yaml
var defaultCatalogYAML []byte

var (
	defaultCatalogOnce sync.Once
	defaultCatalog     *Catalog
	defaultCatalogErr  error
)

// Catalog is an immutable, ordered template catalog.
type Catalog struct {
	templates []models.Template
	byID      map[string]models.Template
}

// NewCatalog builds a catalog from templates, rejecting empty or duplicate IDs.
func NewCatalog(templates []models.Template) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]models.Template, len(templates))}
	for _, t := range templates {
		if t.ID == "" {
			return nil, fmt.Errorf("template %q has empty id", t.Name)
		}
		if _, dup := c.byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate template id %q", t.ID)
		}
		if t.AccessTier == "" {
			t.AccessTier = models.AccessTierFree
		}
		c.templates = append(c.templates, t)
		c.byID[t.ID] = t
	}
	return c, nil
}

// ParseCatalog decodes a YAML template list.
func ParseCatalog(data []byte) (*Catalog, error) {
	var templates []models.Template
	if err := yaml.Unmarshal(data, &templates); err != nil {
		return nil, fmt.Errorf("failed to parse template catalog: %w", err)
	}
	return NewCatalog(templates)
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	defaultCatalogOnce.Do(func() {
		defaultCatalog, defaultCatalogErr = ParseCatalog(defaultCatalogYAML)
	})
	return defaultCatalog, defaultCatalogErr
}

// Get looks up a template by id.
func (c *Catalog) Get(id string) (models.Template, bool) {
	t, ok := c.byID[strings.TrimSpace(id)]
	return t, ok
}

// IDs returns every template id in catalog order.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.templates))
	for i, t := range c.templates {
		ids[i] = t.ID
	}
	return ids
}

// Suggest ranks templates by keyword overlap with query. Pro-tier templates
// are dropped unless includePro is set. Ties keep catalog order.
func (c *Catalog) Suggest(query string, includePro bool, limit int) []models.TemplateSuggestion {
	words := keywords(query)
	var out []models.TemplateSuggestion
	for _, t := range c.templates {
		if t.AccessTier == models.AccessTierPro && !includePro {
			continue
		}
		fields := keywords(strings.Join([]string{t.Name, t.Theme, t.Domain, t.Tone}, " "))
		score := 0
		for w := range words {
			if fields[w] {
				score++
			}
		}
		out = append(out, models.TemplateSuggestion{
			ID:         t.ID,
			Name:       t.Name,
			Theme:      t.Theme,
			Domain:     t.Domain,
			Tone:       t.Tone,
			AccessTier: t.AccessTier,
			Score:      score,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// keywords lowercases s and splits it into a set of words of three or more letters.
func keywords(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) >= 3 {
			set[w] = true
		}
	}
	return set
}
