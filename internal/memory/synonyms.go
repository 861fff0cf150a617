package memory

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SynonymTable maps fact keys to a canonical form so that "origin" and
// "location" (for example) land on the same record field. The table is
// versioned data, not code; deployments may extend it via a YAML file.
type SynonymTable struct {
	Version int                 `yaml:"version"`
	Groups  map[string][]string `yaml:"groups"`

	canonical map[string]string
}

// Keys that carry no durable fact on their own.
var metaKeys = map[string]bool{
	"note":        true,
	"notes":       true,
	"context":     true,
	"message":     true,
	"info":        true,
	"information": true,
	"detail":      true,
	"details":     true,
	"misc":        true,
	"other":       true,
	"unknown":     true,
}

func defaultSynonyms() *SynonymTable {
	t := &SynonymTable{
		Version: 1,
		Groups: map[string][]string{
			"location":   {"current_location", "city", "hometown", "origin", "country", "residence"},
			"name":       {"full_name", "first_name", "nickname"},
			"occupation": {"job", "profession", "work", "career", "role"},
			"allergy":    {"allergies", "food_allergy"},
			"goal":       {"goals", "objective", "plan", "ambition"},
			"likes":      {"favorite", "favourites", "favorites", "interests"},
		},
	}
	t.index()
	return t
}

// LoadSynonyms reads a synonym table from path, falling back to the built-in
// table when path is empty or absent.
func LoadSynonyms(path string) (*SynonymTable, error) {
	if strings.TrimSpace(path) == "" {
		return defaultSynonyms(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return defaultSynonyms(), nil
		}
		return nil, fmt.Errorf("read synonyms %q: %w", path, err)
	}
	var t SynonymTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse synonyms %q: %w", path, err)
	}
	if len(t.Groups) == 0 {
		return nil, fmt.Errorf("synonyms %q: no groups defined", path)
	}
	t.index()
	return &t, nil
}

func (t *SynonymTable) index() {
	t.canonical = make(map[string]string)
	for canon, aliases := range t.Groups {
		canon = normalizeKey(canon)
		t.canonical[canon] = canon
		for _, alias := range aliases {
			t.canonical[normalizeKey(alias)] = canon
		}
	}
}

// Canonical returns the canonical form of a fact key.
func (t *SynonymTable) Canonical(key string) string {
	k := normalizeKey(key)
	if canon, ok := t.canonical[k]; ok {
		return canon
	}
	return k
}

// IsMeta reports whether a key carries no fact worth storing.
func IsMeta(key string) bool {
	return metaKeys[normalizeKey(key)]
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(strings.ReplaceAll(key, " ", "_")))
}
