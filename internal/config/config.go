package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for the extraction tool
type Config struct {
	Corpus     CorpusConfig     `yaml:"corpus"`
	Classify   ClassifyConfig   `yaml:"classify"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Quality    QualityConfig    `yaml:"quality"`
	Vision     VisionConfig     `yaml:"vision"`
	Notify     NotifyConfig     `yaml:"notify,omitempty"`
	Profile    ProfileConfig    `yaml:"profile,omitempty"`
}

// NotifyConfig holds optional run notification settings.
type NotifyConfig struct {
	Slack SlackConfig `yaml:"slack,omitempty"`
}

// SlackConfig holds Slack webhook notification settings
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"` // supports ${ENV_VAR} expansion
	Channel    string `yaml:"channel,omitempty"`
	Username   string `yaml:"username,omitempty"`
}

// ProfileConfig holds optional profile metadata.
type ProfileConfig struct {
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// CorpusConfig locates the input documents and the working directory
type CorpusConfig struct {
	ManifestPath string `yaml:"manifest_path"` // YAML manifest listing documents
	DataDir      string `yaml:"data_dir"`      // progress store, checkpoints, control files, exports
	PDFRoot      string `yaml:"pdf_root"`      // base directory for relative document paths
}

// ClassifyConfig holds tier assignment thresholds
type ClassifyConfig struct {
	MinTextChars     int     `yaml:"min_text_chars"`     // below this a page is effectively image-only
	CleanTextChars   int     `yaml:"clean_text_chars"`   // at or above this the text layer is substantial
	NonASCIIFraction float64 `yaml:"non_ascii_fraction"` // above this substantial text is treated as mixed-script
}

// ExtractionConfig holds scheduling and retry behavior
type ExtractionConfig struct {
	Tier1Workers       int     `yaml:"tier1_workers"`
	Tier2Workers       int     `yaml:"tier2_workers"`
	Tier3Workers       int     `yaml:"tier3_workers"`
	Tier1TimeoutSec    int     `yaml:"tier1_timeout_seconds"`
	Tier2TimeoutSec    int     `yaml:"tier2_timeout_seconds"`
	Tier3TimeoutSec    int     `yaml:"tier3_timeout_seconds"`
	MaxRetries         int     `yaml:"max_retries"`
	StopGraceSec       int     `yaml:"stop_grace_seconds"`  // drain window after an emergency stop before in-flight work is cancelled
	CheckpointInterval int     `yaml:"checkpoint_interval"` // completed-or-failed documents between checkpoints
	TierFallback       *bool   `yaml:"tier_fallback"`       // retry tier 3 documents on tier 2 as a last attempt
	RatePerSecond      float64 `yaml:"rate_per_second"`     // global backend dispatch rate, 0 disables
	RateBurst          int     `yaml:"rate_burst"`
}

// QualityConfig holds scoring weights and acceptance policy
type QualityConfig struct {
	Threshold          float64 `yaml:"threshold"`
	WeightCompleteness float64 `yaml:"weight_completeness"`
	WeightConsistency  float64 `yaml:"weight_consistency"`
	WeightConfidence   float64 `yaml:"weight_confidence"`
	WeightStructure    float64 `yaml:"weight_structure"`
	VoteTolerance      int     `yaml:"vote_tolerance"` // allowed absolute drift in vote arithmetic
	MinStations        int     `yaml:"min_stations"`   // plausible polling station count, lower bound
	MaxStations        int     `yaml:"max_stations"`   // plausible polling station count, upper bound
}

// VisionConfig holds settings for the hosted vision extraction backend
type VisionConfig struct {
	Endpoint   string `yaml:"endpoint"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"` // supports ${ENV_VAR} expansion
	MaxRetries int    `yaml:"max_retries"`
	Enabled    bool   `yaml:"enabled"`
}

// LoadOptions controls optional Load behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	// Check file permissions before reading (warns if insecure)
	if warning := checkFilePermissions(path); warning != "" && !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, warning)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadBytes(data)
}

// LoadBytes parses configuration from raw YAML with environment expansion.
func LoadBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.Corpus.ManifestPath = expandTilde(c.Corpus.ManifestPath)
	c.Corpus.DataDir = expandTilde(c.Corpus.DataDir)
	c.Corpus.PDFRoot = expandTilde(c.Corpus.PDFRoot)
	if c.Corpus.DataDir == "" {
		c.Corpus.DataDir = "extraction_data"
	}

	if c.Classify.MinTextChars == 0 {
		c.Classify.MinTextChars = 50
	}
	if c.Classify.CleanTextChars == 0 {
		c.Classify.CleanTextChars = 500
	}
	if c.Classify.NonASCIIFraction == 0 {
		c.Classify.NonASCIIFraction = 0.10
	}

	if c.Extraction.Tier1Workers == 0 {
		c.Extraction.Tier1Workers = 8
	}
	if c.Extraction.Tier2Workers == 0 {
		c.Extraction.Tier2Workers = 4
	}
	if c.Extraction.Tier3Workers == 0 {
		c.Extraction.Tier3Workers = 2
	}
	if c.Extraction.Tier1TimeoutSec == 0 {
		c.Extraction.Tier1TimeoutSec = 60
	}
	if c.Extraction.Tier2TimeoutSec == 0 {
		c.Extraction.Tier2TimeoutSec = 120
	}
	if c.Extraction.Tier3TimeoutSec == 0 {
		c.Extraction.Tier3TimeoutSec = 300
	}
	if c.Extraction.MaxRetries == 0 {
		c.Extraction.MaxRetries = 3
	}
	if c.Extraction.StopGraceSec == 0 {
		c.Extraction.StopGraceSec = 30
	}
	if c.Extraction.CheckpointInterval == 0 {
		c.Extraction.CheckpointInterval = 10
	}
	if c.Extraction.TierFallback == nil {
		enabled := true
		c.Extraction.TierFallback = &enabled
	}
	if c.Extraction.RateBurst == 0 {
		c.Extraction.RateBurst = 1
	}

	if c.Quality.Threshold == 0 {
		c.Quality.Threshold = 0.85
	}
	if c.Quality.WeightCompleteness == 0 && c.Quality.WeightConsistency == 0 &&
		c.Quality.WeightConfidence == 0 && c.Quality.WeightStructure == 0 {
		c.Quality.WeightCompleteness = 0.4
		c.Quality.WeightConsistency = 0.3
		c.Quality.WeightConfidence = 0.2
		c.Quality.WeightStructure = 0.1
	}
	if c.Quality.VoteTolerance == 0 {
		c.Quality.VoteTolerance = 1
	}
	if c.Quality.MinStations == 0 {
		c.Quality.MinStations = 1
	}
	if c.Quality.MaxStations == 0 {
		c.Quality.MaxStations = 2000
	}

	if c.Vision.MaxRetries == 0 {
		c.Vision.MaxRetries = 3
	}
}

func (c *Config) validate() error {
	if c.Corpus.ManifestPath == "" {
		return fmt.Errorf("corpus.manifest_path is required")
	}

	if c.Classify.MinTextChars >= c.Classify.CleanTextChars {
		return fmt.Errorf("classify.min_text_chars (%d) must be below classify.clean_text_chars (%d)",
			c.Classify.MinTextChars, c.Classify.CleanTextChars)
	}
	if c.Classify.NonASCIIFraction <= 0 || c.Classify.NonASCIIFraction >= 1 {
		return fmt.Errorf("classify.non_ascii_fraction must be between 0 and 1, got %g", c.Classify.NonASCIIFraction)
	}

	for name, n := range map[string]int{
		"extraction.tier1_workers": c.Extraction.Tier1Workers,
		"extraction.tier2_workers": c.Extraction.Tier2Workers,
		"extraction.tier3_workers": c.Extraction.Tier3Workers,
	} {
		if n < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, n)
		}
	}
	if c.Extraction.MaxRetries < 1 {
		return fmt.Errorf("extraction.max_retries must be at least 1, got %d", c.Extraction.MaxRetries)
	}
	if c.Extraction.CheckpointInterval < 1 {
		return fmt.Errorf("extraction.checkpoint_interval must be at least 1, got %d", c.Extraction.CheckpointInterval)
	}
	if c.Extraction.StopGraceSec < 1 {
		return fmt.Errorf("extraction.stop_grace_seconds must be at least 1, got %d", c.Extraction.StopGraceSec)
	}
	if c.Extraction.RatePerSecond < 0 {
		return fmt.Errorf("extraction.rate_per_second must not be negative, got %g", c.Extraction.RatePerSecond)
	}

	if c.Quality.Threshold <= 0 || c.Quality.Threshold > 1 {
		return fmt.Errorf("quality.threshold must be in (0, 1], got %g", c.Quality.Threshold)
	}
	sum := c.Quality.WeightCompleteness + c.Quality.WeightConsistency +
		c.Quality.WeightConfidence + c.Quality.WeightStructure
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("quality weights must sum to 1.0, got %g", sum)
	}
	if c.Quality.MinStations > c.Quality.MaxStations {
		return fmt.Errorf("quality.min_stations (%d) must not exceed quality.max_stations (%d)",
			c.Quality.MinStations, c.Quality.MaxStations)
	}

	if c.Vision.Enabled && c.Vision.Endpoint == "" {
		return fmt.Errorf("vision.endpoint is required when vision.enabled is true")
	}

	if c.Notify.Slack.Enabled && c.Notify.Slack.WebhookURL == "" {
		return fmt.Errorf("notify.slack.webhook_url is required when notify.slack.enabled is true")
	}

	return nil
}

// FallbackEnabled reports whether tier 3 documents may fall back to tier 2.
func (c *Config) FallbackEnabled() bool {
	return c.Extraction.TierFallback == nil || *c.Extraction.TierFallback
}

// StorePath returns the location of the progress store file.
func (c *Config) StorePath() string {
	return filepath.Join(c.Corpus.DataDir, "progress.json")
}

// CheckpointDir returns the directory holding progress snapshots.
func (c *Config) CheckpointDir() string {
	return filepath.Join(c.Corpus.DataDir, "checkpoints")
}

// ControlDir returns the directory watched for operator control requests.
func (c *Config) ControlDir() string {
	return filepath.Join(c.Corpus.DataDir, "control")
}

// AuditPath returns the location of the correction audit database.
func (c *Config) AuditPath() string {
	return filepath.Join(c.Corpus.DataDir, "audit.db")
}

// ExportDir returns the directory for final export artifacts.
func (c *Config) ExportDir() string {
	return filepath.Join(c.Corpus.DataDir, "exports")
}
