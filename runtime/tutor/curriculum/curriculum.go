// Package curriculum maps unit tags produced by the classifier onto
// curriculum metadata. The observer enriches study summaries with it; the
// built-in catalog covers the high-school sequence the tutor targets and a
// YAML file can replace it per deployment.
package curriculum

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type (
	// Unit is one curriculum unit.
	Unit struct {
		// Tag is the identifier the classifier emits, e.g. "sequences".
		Tag string `yaml:"tag"`
		// Name is the display name.
		Name string `yaml:"name"`
		// Grade is the school year the unit belongs to.
		Grade string `yaml:"grade"`
		// Description is a one-line summary used in prompts.
		Description string `yaml:"description"`
	}

	// Catalog is an indexed set of units.
	Catalog struct {
		units map[string]Unit
	}

	catalogFile struct {
		Units []Unit `yaml:"units"`
	}
)

// Builtin returns the default catalog.
func Builtin() *Catalog {
	return fromUnits([]Unit{
		{Tag: "equations", Name: "방정식과 부등식", Grade: "고1", Description: "linear and quadratic equations, inequalities"},
		{Tag: "functions", Name: "함수", Grade: "고1", Description: "function notation, composition, inverse functions"},
		{Tag: "sequences", Name: "수열", Grade: "고2", Description: "arithmetic and geometric sequences, sigma notation"},
		{Tag: "exponential_log", Name: "지수와 로그", Grade: "고2", Description: "exponential and logarithmic functions"},
		{Tag: "trigonometry", Name: "삼각함수", Grade: "고2", Description: "trigonometric functions and identities"},
		{Tag: "limits", Name: "극한과 연속", Grade: "고2", Description: "limits of sequences and functions, continuity"},
		{Tag: "differentiation", Name: "미분", Grade: "고3", Description: "derivatives and applications"},
		{Tag: "integration", Name: "적분", Grade: "고3", Description: "integrals and applications"},
		{Tag: "probability", Name: "확률과 통계", Grade: "고3", Description: "counting, probability, statistics"},
		{Tag: "geometry", Name: "기하", Grade: "고3", Description: "vectors, conic sections, space figures"},
	})
}

// Load reads a catalog from a YAML file with a top-level units list.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("curriculum: read %s: %w", path, err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("curriculum: %s: %w", path, err)
	}
	if len(f.Units) == 0 {
		return nil, fmt.Errorf("curriculum: %s: no units", path)
	}
	for i, u := range f.Units {
		if u.Tag == "" {
			return nil, fmt.Errorf("curriculum: %s: unit %d has no tag", path, i)
		}
	}
	return fromUnits(f.Units), nil
}

func fromUnits(units []Unit) *Catalog {
	c := &Catalog{units: make(map[string]Unit, len(units))}
	for _, u := range units {
		c.units[u.Tag] = u
	}
	return c
}

// Lookup returns the unit for a tag.
func (c *Catalog) Lookup(tag string) (Unit, bool) {
	u, ok := c.units[tag]
	return u, ok
}

// Tags returns the known tags sorted.
func (c *Catalog) Tags() []string {
	tags := make([]string, 0, len(c.units))
	for tag := range c.units {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Describe renders the units behind the given tags as one prompt-ready line
// per unit. Unknown tags pass through bare so model output still mentions
// them.
func (c *Catalog) Describe(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	lines := make([]string, 0, len(tags))
	for _, tag := range tags {
		if u, ok := c.units[tag]; ok {
			lines = append(lines, fmt.Sprintf("%s (%s, %s): %s", u.Name, u.Tag, u.Grade, u.Description))
			continue
		}
		lines = append(lines, tag)
	}
	return strings.Join(lines, "\n")
}
