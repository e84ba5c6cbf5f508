// Package config provides configuration loading and management for backtest.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/backtest/comparison"
	"github.com/c360studio/backtest/diagnosis"
	"github.com/c360studio/backtest/refinement"
	"github.com/c360studio/backtest/scoring"
	"gopkg.in/yaml.v3"
)

// Config represents the complete backtest configuration
type Config struct {
	Results    ResultsConfig     `yaml:"results"`
	Corpus     CorpusConfig      `yaml:"corpus"`
	Prompts    PromptsConfig     `yaml:"prompts"`
	Model      ModelConfig       `yaml:"model"`
	Scoring    scoring.Config    `yaml:"scoring"`
	Comparison comparison.Config `yaml:"comparison"`
	Diagnosis  diagnosis.Config  `yaml:"diagnosis"`
	Refinement refinement.Config `yaml:"refinement"`
	Metrics    MetricsConfig     `yaml:"metrics"`
}

// ResultsConfig configures where runs, baselines and backups are stored
type ResultsConfig struct {
	// Root is the results directory
	Root string `yaml:"root"`
}

// CorpusConfig configures scenario discovery
type CorpusConfig struct {
	// Root is the scenario corpus directory
	Root string `yaml:"root"`
	// Patterns are doublestar globs relative to Root (default: **/*.yaml, **/*.yml)
	Patterns []string `yaml:"patterns"`
}

// PromptsConfig configures the mediator instruction sections
type PromptsConfig struct {
	// Root is the directory holding the section files
	Root string `yaml:"root"`
}

// ModelConfig configures the LLM call sites
type ModelConfig struct {
	// RegistryFile is a JSON model registry (empty = built-in defaults)
	RegistryFile string `yaml:"registry_file"`
	// MediatorTemperature is the sampling temperature for mediation calls (default: 0)
	MediatorTemperature float64 `yaml:"mediator_temperature"`
	// CriticTemperature is the sampling temperature for meta-analyst calls (default: 0.3)
	CriticTemperature float64 `yaml:"critic_temperature"`
	// MaxTokens limits response length (0 = provider default)
	MaxTokens int `yaml:"max_tokens"`
	// Timeout is the maximum time to wait for one model response
	Timeout time.Duration `yaml:"timeout"`
	// Attempts is the number of tries per endpoint before falling back (default: 3)
	Attempts int `yaml:"attempts"`
	// RetryBackoff is the wait after the first failed attempt, doubled per retry
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// MetricsConfig configures Prometheus output
type MetricsConfig struct {
	// Textfile is a node-exporter textfile path written after each command (empty = disabled)
	Textfile string `yaml:"textfile"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Results: ResultsConfig{Root: "results"},
		Corpus:  CorpusConfig{Root: "scenarios"},
		Prompts: PromptsConfig{Root: "prompts"},
		Model: ModelConfig{
			MediatorTemperature: 0,
			CriticTemperature:   0.3,
			MaxTokens:           4096,
			Timeout:             2 * time.Minute,
			Attempts:            3,
			RetryBackoff:        2 * time.Second,
		},
		Scoring:    scoring.DefaultConfig(),
		Comparison: comparison.DefaultConfig(),
		Diagnosis:  diagnosis.DefaultConfig(),
		Refinement: refinement.DefaultConfig(),
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Results.Root == "" {
		return fmt.Errorf("results.root is required")
	}
	if c.Corpus.Root == "" {
		return fmt.Errorf("corpus.root is required")
	}
	if c.Prompts.Root == "" {
		return fmt.Errorf("prompts.root is required")
	}
	if c.Model.MediatorTemperature < 0 || c.Model.MediatorTemperature > 1 {
		return fmt.Errorf("model.mediator_temperature must be between 0 and 1")
	}
	if c.Model.CriticTemperature < 0 || c.Model.CriticTemperature > 1 {
		return fmt.Errorf("model.critic_temperature must be between 0 and 1")
	}
	if c.Model.MaxTokens < 0 {
		return fmt.Errorf("model.max_tokens must not be negative")
	}
	if c.Model.Attempts < 1 {
		return fmt.Errorf("model.attempts must be at least 1")
	}
	if c.Model.RetryBackoff < 0 {
		return fmt.Errorf("model.retry_backoff must not be negative")
	}
	if err := c.Scoring.Validate(); err != nil {
		return fmt.Errorf("scoring: %w", err)
	}
	if err := c.Comparison.Validate(); err != nil {
		return fmt.Errorf("comparison: %w", err)
	}
	if err := c.Diagnosis.Validate(); err != nil {
		return fmt.Errorf("diagnosis: %w", err)
	}
	if err := c.Refinement.Validate(); err != nil {
		return fmt.Errorf("refinement: %w", err)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := overlay(config, path); err != nil {
		return nil, err
	}
	return config, nil
}

// overlay decodes the YAML file at path onto config. Keys absent from the
// file keep their current values.
func overlay(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values).
// Scoring weights are replaced as a whole when other sets any weight.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Results.Root != "" {
		c.Results.Root = other.Results.Root
	}
	if other.Corpus.Root != "" {
		c.Corpus.Root = other.Corpus.Root
	}
	if len(other.Corpus.Patterns) > 0 {
		c.Corpus.Patterns = other.Corpus.Patterns
	}
	if other.Prompts.Root != "" {
		c.Prompts.Root = other.Prompts.Root
	}

	// Model
	if other.Model.RegistryFile != "" {
		c.Model.RegistryFile = other.Model.RegistryFile
	}
	if other.Model.MediatorTemperature != 0 {
		c.Model.MediatorTemperature = other.Model.MediatorTemperature
	}
	if other.Model.CriticTemperature != 0 {
		c.Model.CriticTemperature = other.Model.CriticTemperature
	}
	if other.Model.MaxTokens != 0 {
		c.Model.MaxTokens = other.Model.MaxTokens
	}
	if other.Model.Timeout != 0 {
		c.Model.Timeout = other.Model.Timeout
	}
	if other.Model.Attempts != 0 {
		c.Model.Attempts = other.Model.Attempts
	}
	if other.Model.RetryBackoff != 0 {
		c.Model.RetryBackoff = other.Model.RetryBackoff
	}

	// Scoring
	if other.Scoring.Weights.Sum() != 0 {
		c.Scoring.Weights = other.Scoring.Weights
	}
	if other.Scoring.KeywordMatchThreshold != 0 {
		c.Scoring.KeywordMatchThreshold = other.Scoring.KeywordMatchThreshold
	}
	if other.Scoring.LensBandLow != 0 {
		c.Scoring.LensBandLow = other.Scoring.LensBandLow
	}
	if other.Scoring.LensBandHigh != 0 {
		c.Scoring.LensBandHigh = other.Scoring.LensBandHigh
	}
	if len(other.Scoring.StopWords) > 0 {
		c.Scoring.StopWords = other.Scoring.StopWords
	}

	if other.Comparison.DeadBand != 0 {
		c.Comparison.DeadBand = other.Comparison.DeadBand
	}

	// Diagnosis
	if other.Diagnosis.Threshold != 0 {
		c.Diagnosis.Threshold = other.Diagnosis.Threshold
	}
	if other.Diagnosis.MaxTurnsPerRun != 0 {
		c.Diagnosis.MaxTurnsPerRun = other.Diagnosis.MaxTurnsPerRun
	}
	if other.Diagnosis.ExcerptLength != 0 {
		c.Diagnosis.ExcerptLength = other.Diagnosis.ExcerptLength
	}

	if other.Refinement.ConfidenceFloor != 0 {
		c.Refinement.ConfidenceFloor = other.Refinement.ConfidenceFloor
	}

	if other.Metrics.Textfile != "" {
		c.Metrics.Textfile = other.Metrics.Textfile
	}
}
