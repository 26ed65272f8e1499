// Package prompt loads per-agent prompt configuration and renders the
// templates agents send to model providers. Each agent reads one YAML file
// with three sections: templates (named system/user pairs), settings
// (free-form strings such as knowledge code definitions or tone), and
// security_settings (danger patterns plus separator fences, see guard.go).
package prompt

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"text/template"

	"gopkg.in/yaml.v3"
)

// ErrDangerousInput reports a question matching a configured danger pattern.
var ErrDangerousInput = errors.New("prompt: input matches danger pattern")

type (
	// Config mirrors the YAML document.
	Config struct {
		Templates map[string]Template `yaml:"templates"`
		Settings  map[string]string   `yaml:"settings"`
		Security  Security            `yaml:"security_settings"`
	}

	// Template is one named system/user prompt pair. Bodies are
	// text/template sources.
	Template struct {
		System string `yaml:"system"`
		User   string `yaml:"user"`
	}

	// Security configures the input defenses.
	Security struct {
		// ValidationPatterns are regular expressions; matching input is
		// rejected before any model call.
		ValidationPatterns []string `yaml:"validation_patterns"`
		// SafeSeparators are fence words used to bracket user input inside
		// prompts. Empty uses the built-in set.
		SafeSeparators []string `yaml:"safe_separators"`
	}

	// Library is a parsed, compiled prompt configuration.
	Library struct {
		cfg      Config
		system   map[string]*template.Template
		user     map[string]*template.Template
		patterns []*regexp.Regexp
	}
)

// Load reads and parses the YAML file at path.
func Load(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("prompt: read %s: %w", path, err)
	}
	lib, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("prompt: %s: %w", path, err)
	}
	return lib, nil
}

// Parse builds a Library from YAML bytes, compiling every template and
// validation pattern.
func Parse(data []byte) (*Library, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return FromConfig(cfg)
}

// FromConfig builds a Library from an in-memory Config. Agents use this for
// their built-in defaults.
func FromConfig(cfg Config) (*Library, error) {
	lib := &Library{
		cfg:    cfg,
		system: make(map[string]*template.Template, len(cfg.Templates)),
		user:   make(map[string]*template.Template, len(cfg.Templates)),
	}
	for name, tpl := range cfg.Templates {
		sys, err := template.New(name + ".system").Parse(tpl.System)
		if err != nil {
			return nil, fmt.Errorf("compile template %s.system: %w", name, err)
		}
		usr, err := template.New(name + ".user").Parse(tpl.User)
		if err != nil {
			return nil, fmt.Errorf("compile template %s.user: %w", name, err)
		}
		lib.system[name] = sys
		lib.user[name] = usr
	}
	for _, p := range cfg.Security.ValidationPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile validation pattern %q: %w", p, err)
		}
		lib.patterns = append(lib.patterns, re)
	}
	return lib, nil
}

// Merge overlays other onto l: templates and settings present in other win,
// validation patterns concatenate, separators from other win when set.
// Agents merge a loaded YAML over their built-in defaults.
func (l *Library) Merge(other *Library) (*Library, error) {
	if other == nil {
		return l, nil
	}
	merged := Config{
		Templates: make(map[string]Template),
		Settings:  make(map[string]string),
	}
	for k, v := range l.cfg.Templates {
		merged.Templates[k] = v
	}
	for k, v := range other.cfg.Templates {
		merged.Templates[k] = v
	}
	for k, v := range l.cfg.Settings {
		merged.Settings[k] = v
	}
	for k, v := range other.cfg.Settings {
		merged.Settings[k] = v
	}
	merged.Security.ValidationPatterns = append(
		append([]string{}, l.cfg.Security.ValidationPatterns...),
		other.cfg.Security.ValidationPatterns...)
	merged.Security.SafeSeparators = l.cfg.Security.SafeSeparators
	if len(other.cfg.Security.SafeSeparators) > 0 {
		merged.Security.SafeSeparators = other.cfg.Security.SafeSeparators
	}
	return FromConfig(merged)
}

// Has reports whether the named template pair exists.
func (l *Library) Has(name string) bool {
	_, ok := l.system[name]
	return ok
}

// Render executes the named template pair with data.
func (l *Library) Render(name string, data any) (system, user string, err error) {
	sys, ok := l.system[name]
	if !ok {
		return "", "", fmt.Errorf("prompt: unknown template %q", name)
	}
	var sysBuf, usrBuf bytes.Buffer
	if err := sys.Execute(&sysBuf, data); err != nil {
		return "", "", fmt.Errorf("prompt: render %s.system: %w", name, err)
	}
	if err := l.user[name].Execute(&usrBuf, data); err != nil {
		return "", "", fmt.Errorf("prompt: render %s.user: %w", name, err)
	}
	return sysBuf.String(), usrBuf.String(), nil
}

// Setting returns the named settings value, empty when absent.
func (l *Library) Setting(key string) string {
	return l.cfg.Settings[key]
}

// Separators returns the configured fence words, or nil when unset.
func (l *Library) Separators() []string {
	return l.cfg.Security.SafeSeparators
}

// CheckInput rejects input matching any configured danger pattern.
func (l *Library) CheckInput(input string) error {
	for _, re := range l.patterns {
		if re.MatchString(input) {
			return fmt.Errorf("%w: %s", ErrDangerousInput, re.String())
		}
	}
	return nil
}
