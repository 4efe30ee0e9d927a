// Package taxonomy holds the classification tag vocabulary and the policy
// knobs that decide which unclassified words are kept anyway.
package taxonomy

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Taxonomy is the tag vocabulary offered to the classifier.
type Taxonomy struct {
	DefaultTag       string   `yaml:"default_tag"`
	AlwaysKeepLevels []string `yaml:"always_keep_levels"`
	Groups           []Group  `yaml:"groups"`

	allowed map[string]struct{}
}

// Group is a titled set of tags, rendered as one section of the prompt.
type Group struct {
	Name string `yaml:"name"`
	Tags []Tag  `yaml:"tags"`
}

// Tag is a single label. In YAML it is either a bare string or a mapping
// with name and description.
type Tag struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// UnmarshalYAML accepts both the scalar and the mapping form.
func (t *Tag) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		t.Name = value.Value
		return nil
	}
	type plain Tag
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*t = Tag(p)
	return nil
}

// Default returns the built-in taxonomy.
func Default() *Taxonomy {
	tx, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("taxonomy: built-in default is invalid: %v", err))
	}
	return tx
}

// Load reads a taxonomy from a YAML file. An empty path yields the
// built-in default.
func Load(path string) (*Taxonomy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "taxonomy: read %s", path)
	}
	return Parse(data)
}

// Parse decodes a taxonomy document with a top-level "taxonomy" key.
func Parse(data []byte) (*Taxonomy, error) {
	var wrapper struct {
		Taxonomy Taxonomy `yaml:"taxonomy"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "taxonomy: parse")
	}

	tx := &wrapper.Taxonomy
	tx.DefaultTag = normalizeTag(tx.DefaultTag)
	if tx.DefaultTag == "" {
		return nil, eris.New("taxonomy: default_tag is required")
	}

	tx.allowed = make(map[string]struct{})
	for gi := range tx.Groups {
		for ti := range tx.Groups[gi].Tags {
			name := normalizeTag(tx.Groups[gi].Tags[ti].Name)
			if name == "" {
				return nil, eris.Errorf("taxonomy: group %q has an empty tag", tx.Groups[gi].Name)
			}
			tx.Groups[gi].Tags[ti].Name = name
			tx.allowed[name] = struct{}{}
		}
	}
	if len(tx.allowed) == 0 {
		return nil, eris.New("taxonomy: no tags defined")
	}
	tx.allowed[tx.DefaultTag] = struct{}{}

	for i, lvl := range tx.AlwaysKeepLevels {
		tx.AlwaysKeepLevels[i] = strings.ToUpper(strings.TrimSpace(lvl))
	}
	return tx, nil
}

// Allowed reports whether tag belongs to the vocabulary.
func (tx *Taxonomy) Allowed(tag string) bool {
	_, ok := tx.allowed[normalizeTag(tag)]
	return ok
}

// KeepsLevel reports whether words at level are kept even without tags.
func (tx *Taxonomy) KeepsLevel(level string) bool {
	return slices.Contains(tx.AlwaysKeepLevels, strings.ToUpper(strings.TrimSpace(level)))
}

// Filter lowercases, trims and dedupes tags, dropping any outside the
// vocabulary. Order of first appearance is preserved.
func (tx *Taxonomy) Filter(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, raw := range tags {
		tag := normalizeTag(raw)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup || !tx.Allowed(tag) {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// PromptText renders the vocabulary as the block shown to the classifier.
func (tx *Taxonomy) PromptText() string {
	var sb strings.Builder
	for i, g := range tx.Groups {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%s]\n", g.Name)
		names := make([]string, len(g.Tags))
		for j, t := range g.Tags {
			if t.Description != "" {
				names[j] = fmt.Sprintf("%s (%s)", t.Name, t.Description)
			} else {
				names[j] = t.Name
			}
		}
		sb.WriteString(strings.Join(names, ", "))
	}
	return sb.String()
}

// Size returns the number of distinct tags, including the default tag.
func (tx *Taxonomy) Size() int {
	return len(tx.allowed)
}

func normalizeTag(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
