package governance

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Logic selects how a rule's conditions combine.
type Logic string

const (
	LogicAny Logic = "any"
	LogicAll Logic = "all"
)

// Condition compares one sensor metric against a constant.
type Condition struct {
	Metric   string  `yaml:"metric" json:"metric"`
	Operator string  `yaml:"operator" json:"operator"`
	Value    float64 `yaml:"value" json:"value"`
}

// TransitionRule moves the mode manager from one mode to another when its
// conditions hold. Rules are declared as an ordered list; the manager takes
// the first match.
type TransitionRule struct {
	From       Mode        `yaml:"from" json:"from"`
	To         Mode        `yaml:"to" json:"to"`
	Logic      Logic       `yaml:"logic" json:"logic"`
	Conditions []Condition `yaml:"conditions" json:"conditions"`
}

// Name returns the rule's conventional "<FROM>_to_<TO>" key.
func (r TransitionRule) Name() string {
	return fmt.Sprintf("%s_to_%s", r.From, r.To)
}

// ModeConstraints are the per-mode operational limits.
type ModeConstraints struct {
	AllowedToolCategories       []string           `yaml:"allowed_tool_categories" json:"allowed_tool_categories"`
	MaxConcurrentTasks          int                `yaml:"max_concurrent_tasks" json:"max_concurrent_tasks"`
	BackgroundMonitoringEnabled bool               `yaml:"background_monitoring_enabled" json:"background_monitoring_enabled"`
	Thresholds                  map[string]float64 `yaml:"thresholds" json:"thresholds"`
}

// ModelConstraints restrict model use per mode.
type ModelConstraints struct {
	AllowedRoles      []string           `yaml:"allowed_roles" json:"allowed_roles"`
	MaxTokensByRole   map[string]int     `yaml:"max_tokens_by_role" json:"max_tokens_by_role"`
	TemperatureByRole map[string]float64 `yaml:"temperature_by_role" json:"temperature_by_role"`
	TimeoutByRole     map[string]int     `yaml:"timeout_by_role" json:"timeout_by_role"`
}

// RoleAllowed reports whether the role may be used under these constraints.
// An empty allow list permits every role.
func (c ModelConstraints) RoleAllowed(role string) bool {
	if len(c.AllowedRoles) == 0 {
		return true
	}
	for _, r := range c.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// TimeoutFor returns the per-role timeout, or 0 when unset.
func (c ModelConstraints) TimeoutFor(role string) time.Duration {
	if secs, ok := c.TimeoutByRole[role]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// ToolPolicy is the per-tool governance policy.
type ToolPolicy struct {
	Category         string   `yaml:"category" json:"category"`
	AllowedInModes   []Mode   `yaml:"allowed_in_modes" json:"allowed_in_modes"`
	ForbiddenInModes []Mode   `yaml:"forbidden_in_modes" json:"forbidden_in_modes"`
	AllowedPaths     []string `yaml:"allowed_paths" json:"allowed_paths"`
	ForbiddenPaths   []string `yaml:"forbidden_paths" json:"forbidden_paths"`
	MaxFileSizeMB    float64  `yaml:"max_file_size_mb" json:"max_file_size_mb"`
	RateLimitPerHour int      `yaml:"rate_limit_per_hour" json:"rate_limit_per_hour"`
	RequiresApproval bool     `yaml:"requires_approval" json:"requires_approval"`
}

// SafetyConfig carries the safety-net settings loaded from safety.yaml.
type SafetyConfig struct {
	MaxToolIterations    int `yaml:"max_tool_iterations" json:"max_tool_iterations"`
	MaxRepeatedToolCalls int `yaml:"max_repeated_tool_calls" json:"max_repeated_tool_calls"`
	// DiskUsageAlertPercent triggers the scheduler's disk alert.
	DiskUsageAlertPercent float64 `yaml:"disk_usage_alert_percent" json:"disk_usage_alert_percent"`
}

// Config is the fully loaded governance configuration. Purely declarative;
// read once at startup.
type Config struct {
	Modes       map[Mode]ModeConstraints  `yaml:"modes"`
	Transitions []TransitionRule          `yaml:"transitions"`
	Models      map[Mode]ModelConstraints `yaml:"models"`
	Tools       map[string]ToolPolicy     `yaml:"tools"`
	Safety      SafetyConfig              `yaml:"safety"`
}

// Required file names inside the governance directory. Absence of any one
// is a fatal startup error.
var requiredFiles = []string{"modes.yaml", "tools.yaml", "models.yaml", "safety.yaml"}

type modesFile struct {
	Modes       map[Mode]ModeConstraints `yaml:"modes"`
	Transitions []TransitionRule         `yaml:"transitions"`
}

type toolsFile struct {
	Tools map[string]ToolPolicy `yaml:"tools"`
}

type modelsFile struct {
	Models map[Mode]ModelConstraints `yaml:"models"`
}

type safetyFile struct {
	Safety SafetyConfig `yaml:"safety"`
}

// LoadDir loads governance configuration from a directory containing
// modes.yaml, tools.yaml, models.yaml, and safety.yaml.
func LoadDir(dir string) (*Config, error) {
	for _, name := range requiredFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return nil, fmt.Errorf("governance config: required file %s: %w", name, err)
		}
	}

	var modes modesFile
	if err := readYAML(filepath.Join(dir, "modes.yaml"), &modes); err != nil {
		return nil, err
	}
	var tools toolsFile
	if err := readYAML(filepath.Join(dir, "tools.yaml"), &tools); err != nil {
		return nil, err
	}
	var models modelsFile
	if err := readYAML(filepath.Join(dir, "models.yaml"), &models); err != nil {
		return nil, err
	}
	var safety safetyFile
	if err := readYAML(filepath.Join(dir, "safety.yaml"), &safety); err != nil {
		return nil, err
	}

	cfg := &Config{
		Modes:       modes.Modes,
		Transitions: modes.Transitions,
		Models:      models.Models,
		Tools:       tools.Tools,
		Safety:      safety.Safety,
	}
	if cfg.Safety.MaxToolIterations <= 0 {
		cfg.Safety.MaxToolIterations = 3
	}
	if cfg.Safety.MaxRepeatedToolCalls <= 0 {
		cfg.Safety.MaxRepeatedToolCalls = 1
	}
	if cfg.Safety.DiskUsageAlertPercent <= 0 {
		cfg.Safety.DiskUsageAlertPercent = 80
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("governance config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("governance config: parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// validate checks internal consistency: every transition rule's endpoints
// are valid modes and every rule names an allowed transition.
func (c *Config) validate() error {
	for mode := range c.Modes {
		if !ValidMode(mode) {
			return fmt.Errorf("governance config: unknown mode %q in modes.yaml", mode)
		}
	}
	for _, rule := range c.Transitions {
		if !ValidMode(rule.From) || !ValidMode(rule.To) {
			return fmt.Errorf("governance config: rule %s references an unknown mode", rule.Name())
		}
		if !TransitionAllowed(rule.From, rule.To) {
			return fmt.Errorf("governance config: rule %s names a disallowed transition", rule.Name())
		}
		if rule.Logic != "" && rule.Logic != LogicAny && rule.Logic != LogicAll {
			return fmt.Errorf("governance config: rule %s has unknown logic %q", rule.Name(), rule.Logic)
		}
	}
	for mode := range c.Models {
		if !ValidMode(mode) {
			return fmt.Errorf("governance config: unknown mode %q in models.yaml", mode)
		}
	}
	return nil
}

// IsToolAllowed reports whether the named tool may run in the given mode.
// Forbidden lists win over allowed lists; a tool with no policy falls back
// to the mode's allowed tool categories being non-empty.
func (c *Config) IsToolAllowed(tool string, mode Mode) bool {
	policy, ok := c.Tools[tool]
	if !ok {
		return false
	}
	for _, m := range policy.ForbiddenInModes {
		if m == mode {
			return false
		}
	}
	if len(policy.AllowedInModes) > 0 {
		for _, m := range policy.AllowedInModes {
			if m == mode {
				return true
			}
		}
		return false
	}
	// No explicit mode list: fall back to the mode's category allowlist.
	constraints, ok := c.Modes[mode]
	if !ok {
		return false
	}
	for _, cat := range constraints.AllowedToolCategories {
		if cat == policy.Category {
			return true
		}
	}
	return false
}

// ToolPolicyFor returns the policy for a tool, if declared.
func (c *Config) ToolPolicyFor(tool string) (ToolPolicy, bool) {
	p, ok := c.Tools[tool]
	return p, ok
}

// ModeConstraintsFor returns the constraints for a mode.
func (c *Config) ModeConstraintsFor(mode Mode) (ModeConstraints, bool) {
	m, ok := c.Modes[mode]
	return m, ok
}

// ModelConstraintsFor returns the model constraints for a mode.
func (c *Config) ModelConstraintsFor(mode Mode) (ModelConstraints, bool) {
	m, ok := c.Models[mode]
	return m, ok
}

// TransitionRules returns the rules in declaration order.
func (c *Config) TransitionRules() []TransitionRule {
	return c.Transitions
}
