// Package settings holds the bot runtime settings: the active prompt
// template, its variables and the call-to-action tuning. They are read from
// a YAML file and reloaded when the file changes.
package settings

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings is one snapshot of the bot runtime settings.
type Settings struct {
	Prompt             string            `yaml:"prompt"`
	Vars               map[string]string `yaml:"vars"`
	CTAEvery           int               `yaml:"cta_every"`
	HighIntentKeywords []string          `yaml:"high_intent_keywords"`
}

// Standard template variables.
var standardVars = []string{
	"LAUNCH_DATE",
	"APPLY_URL",
	"INTEGRATIONS_NOW",
	"TRIAL_OFFER",
	"YEMEN_NEXT",
	"YEMEN_POSITIONING",
}

// Default returns the settings used when no file is configured.
func Default() Settings {
	vars := make(map[string]string, len(standardVars))
	for _, k := range standardVars {
		vars[k] = ""
	}
	return Settings{
		Prompt:   "You are a helpful sales assistant. Answer briefly and accurately.",
		Vars:     vars,
		CTAEvery: 3,
		HighIntentKeywords: []string{
			"price", "pricing", "subscribe", "trial", "demo", "buy", "plan",
		},
	}
}

// Parse decodes YAML settings on top of Default.
func Parse(data []byte) (Settings, error) {
	s := Default()
	var in Settings
	if err := yaml.Unmarshal(data, &in); err != nil {
		return Settings{}, fmt.Errorf("failed to parse settings: %w", err)
	}
	if strings.TrimSpace(in.Prompt) != "" {
		s.Prompt = in.Prompt
	}
	for k, v := range in.Vars {
		s.Vars[k] = v
	}
	if in.CTAEvery > 0 {
		s.CTAEvery = in.CTAEvery
	}
	if in.HighIntentKeywords != nil {
		s.HighIntentKeywords = in.HighIntentKeywords
	}
	return s, nil
}

// LoadFile reads and parses path.
func LoadFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}
	return Parse(data)
}

var placeholder = regexp.MustCompile(`\{([A-Z0-9_]+)\}`)

// Render replaces {NAME} placeholders with vars. Unknown placeholders are
// left as they are.
func Render(template string, vars map[string]string) string {
	if template == "" {
		return ""
	}
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		if v, ok := vars[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

// RenderPrompt renders the active prompt with the settings' own vars.
func (s Settings) RenderPrompt() string {
	return Render(s.Prompt, s.Vars)
}

// HighIntent reports whether text contains one of the high intent keywords,
// ignoring case. Blank keywords never match.
func (s Settings) HighIntent(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range s.HighIntentKeywords {
		kw = strings.TrimSpace(kw)
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
