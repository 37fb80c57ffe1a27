package services

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

//go:embed preferences.yaml
var defaultPreferenceMappings []byte

// PreferenceMapping ties a sign-up preference to catalogue categories.
// PlaceTypes is carried for catalogue tooling and not used in matching.
type PreferenceMapping struct {
	PlaceCategories []string `yaml:"place_categories"`
	EventCategories []string `yaml:"event_categories"`
	PlaceTypes      []string `yaml:"place_types"`
	Tags            []string `yaml:"tags"`
}

// PreferenceMappings looks preferences up ignoring case, surrounding space
// and accents, so "Gastronomia" and "gastronomía" resolve the same entry.
type PreferenceMappings struct {
	byKey map[string]PreferenceMapping
}

// LoadPreferenceMappings reads path, or the built-in table when path is empty.
func LoadPreferenceMappings(path string) (*PreferenceMappings, error) {
	data := defaultPreferenceMappings
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read preference mappings: %w", err)
		}
	}
	return ParsePreferenceMappings(data)
}

func ParsePreferenceMappings(data []byte) (*PreferenceMappings, error) {
	raw := map[string]PreferenceMapping{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse preference mappings: %w", err)
	}

	m := &PreferenceMappings{byKey: make(map[string]PreferenceMapping, len(raw))}
	for key, mapping := range raw {
		nk := normalizePreference(key)
		if _, dup := m.byKey[nk]; dup {
			return nil, fmt.Errorf("preference %q is defined more than once", key)
		}
		m.byKey[nk] = mapping
	}
	return m, nil
}

func (m *PreferenceMappings) Lookup(preference string) (PreferenceMapping, bool) {
	mapping, ok := m.byKey[normalizePreference(preference)]
	return mapping, ok
}

func (m *PreferenceMappings) Len() int {
	return len(m.byKey)
}

func normalizePreference(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(strings.Join(strings.Fields(folded), " "))
}
