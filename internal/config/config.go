// Package config loads the application configuration: a base YAML file,
// an APP_ENV overlay, then AGENT_* environment variables, in that order
// of precedence (later wins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skipperhq/skipper/internal/llm"
	"github.com/skipperhq/skipper/internal/router"
)

// Environment names accepted in APP_ENV.
var validEnvs = map[string]bool{
	"development": true,
	"staging":     true,
	"production":  true,
	"test":        true,
}

// ModelsConfig maps router roles to backends.
type ModelsConfig struct {
	Router    llm.ModelConfig `yaml:"router"`
	Standard  llm.ModelConfig `yaml:"standard"`
	Reasoning llm.ModelConfig `yaml:"reasoning"`
	Coding    llm.ModelConfig `yaml:"coding"`
}

// ByRole returns the configured roles; roles without a model id are
// omitted.
func (m ModelsConfig) ByRole() map[llm.Role]llm.ModelConfig {
	out := make(map[llm.Role]llm.ModelConfig, 4)
	for role, cfg := range map[llm.Role]llm.ModelConfig{
		llm.RoleRouter:    m.Router,
		llm.RoleStandard:  m.Standard,
		llm.RoleReasoning: m.Reasoning,
		llm.RoleCoding:    m.Coding,
	} {
		if cfg.ModelID != "" {
			out[role] = cfg
		}
	}
	return out
}

// SearchConfig points at the search index.
type SearchConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
}

// SecondBrainConfig gates the knowledge graph pipelines.
type SecondBrainConfig struct {
	Enabled       bool          `yaml:"enabled"`
	CheckInterval time.Duration `yaml:"check_interval"`
	MinInterval   time.Duration `yaml:"min_interval"`
	IdleTime      time.Duration `yaml:"idle_time"`
}

// ReflectionConfig tunes the captain's log.
type ReflectionConfig struct {
	Enabled   bool `yaml:"enabled"`
	GitCommit bool `yaml:"git_commit"`
}

// CostsConfig tunes spend tracking.
type CostsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Config is the full application configuration.
type Config struct {
	Env           string            `yaml:"-"`
	Home          string            `yaml:"home"`
	LogLevel      string            `yaml:"log_level"`
	GovernanceDir string            `yaml:"governance_dir"`
	Models        ModelsConfig      `yaml:"models"`
	Router        router.Config     `yaml:"router"`
	Search        SearchConfig      `yaml:"search"`
	SecondBrain   SecondBrainConfig `yaml:"second_brain"`
	Reflection    ReflectionConfig  `yaml:"reflection"`
	Costs         CostsConfig       `yaml:"costs"`
}

// TelemetryDir is where logs, captures, and reflections live.
func (c *Config) TelemetryDir() string {
	return filepath.Join(c.Home, "telemetry")
}

func defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Env:           "development",
		Home:          filepath.Join(home, ".skipper"),
		LogLevel:      "info",
		GovernanceDir: "governance",
		Router:        router.Config{Strategy: router.StrategyHeuristicThenLLM},
		Search:        SearchConfig{BaseURL: "http://localhost:9200"},
		SecondBrain:   SecondBrainConfig{Enabled: true},
		Reflection:    ReflectionConfig{Enabled: true},
		Costs:         CostsConfig{Enabled: true},
	}
}

// Load reads configuration from dir: config.yaml, then the APP_ENV
// overlay config.<env>.yaml, then AGENT_* environment variables. A
// missing base file is fine; defaults apply.
func Load(dir string) (*Config, error) {
	cfg := defaults()

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = cfg.Env
	}
	if !validEnvs[env] {
		return nil, fmt.Errorf("config: unknown APP_ENV %q", env)
	}
	cfg.Env = env

	if err := overlayFile(filepath.Join(dir, "config.yaml"), &cfg); err != nil {
		return nil, err
	}
	if err := overlayFile(filepath.Join(dir, fmt.Sprintf("config.%s.yaml", env)), &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)

	if cfg.GovernanceDir != "" && !filepath.IsAbs(cfg.GovernanceDir) {
		cfg.GovernanceDir = filepath.Join(dir, cfg.GovernanceDir)
	}
	if cfg.Costs.Path == "" {
		cfg.Costs.Path = filepath.Join(cfg.Home, "costs.db")
	}
	return &cfg, nil
}

// overlayFile merges one YAML file into cfg. Missing files are skipped.
func overlayFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// applyEnv overrides settings from AGENT_* variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENT_HOME"); v != "" {
		cfg.Home = v
	}
	if v := os.Getenv("AGENT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENT_GOVERNANCE_DIR"); v != "" {
		cfg.GovernanceDir = v
	}
	if v := os.Getenv("AGENT_LLM_BASE_URL"); v != "" {
		for _, m := range []*llm.ModelConfig{
			&cfg.Models.Router, &cfg.Models.Standard,
			&cfg.Models.Reasoning, &cfg.Models.Coding,
		} {
			if m.Endpoint == "" {
				m.Endpoint = v
			}
		}
	}
	if v := os.Getenv("AGENT_SEARCH_URL"); v != "" {
		cfg.Search.BaseURL = v
		cfg.Search.Enabled = true
	}
	if v := os.Getenv("AGENT_SEARCH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Search.Enabled = b
		}
	}
	if v := os.Getenv("AGENT_SECOND_BRAIN_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SecondBrain.Enabled = b
		}
	}
}
