package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// API contains configuration for the daemon's HTTP API.
type API struct {
	Bind  string `toml:"bind"`
	Token string `toml:"token"`
}

// Notifications contains configuration for push and in-app notifications.
type Notifications struct {
	NtfyURL         string `toml:"ntfy_url"`
	NtfyTopicPrefix string `toml:"ntfy_topic_prefix"`
	RequestTimeout  int    `toml:"request_timeout"`
	InApp           bool   `toml:"in_app"`
}

// Workflow contains configuration for pipeline transitions and reviews.
type Workflow struct {
	BulkConcurrency        int  `toml:"bulk_concurrency"`
	EvaluateRulesOnAdvance bool `toml:"evaluate_rules_on_advance"`
	DefaultReviewHours     int  `toml:"default_review_hours"`
	RecentActivityLimit    int  `toml:"recent_activity_limit"`
}

// Metrics contains thresholds used to flag bottlenecks and recommendations.
type Metrics struct {
	BottleneckRevisionRate  float64 `toml:"bottleneck_revision_rate"`
	BottleneckApprovalHours float64 `toml:"bottleneck_approval_hours"`
	GuidelineRevisionRate   float64 `toml:"guideline_revision_rate"`
	CapacityApprovalHours   float64 `toml:"capacity_approval_hours"`
	DefaultWindowDays       int     `toml:"default_window_days"`
}

// Jobs contains priorities for generation jobs per automatic stage.
type Jobs struct {
	ScriptPriority     int `toml:"script_priority"`
	StoryboardPriority int `toml:"storyboard_priority"`
	VideoPriority      int `toml:"video_priority"`
	PublishPriority    int `toml:"publish_priority"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for episodes.
//
// Configuration sections by subsystem:
//   - Paths: data and log directories
//   - API: daemon bind address and bearer token
//   - Notifications: ntfy push and in-app inbox delivery
//   - Workflow: decision retry limits, bulk concurrency, rule hooks
//   - Metrics: bottleneck and recommendation thresholds
//   - Jobs: generation job priorities
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	API           API           `toml:"api"`
	Notifications Notifications `toml:"notifications"`
	Workflow      Workflow      `toml:"workflow"`
	Metrics       Metrics       `toml:"metrics"`
	Jobs          Jobs          `toml:"jobs"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("episodes.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the data and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath is the SQLite file holding pipeline records.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "episodes.db")
}

// LockPath is the flock file guarding single daemon instances.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "episodesd.lock")
}

// LogPath is the daemon log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.Paths.LogDir, "episodes.log")
}

// NotificationTimeout returns the ntfy request timeout.
func (c *Config) NotificationTimeout() time.Duration {
	if c.Notifications.RequestTimeout <= 0 {
		return time.Duration(defaultNotifyRequestTimeout) * time.Second
	}
	return time.Duration(c.Notifications.RequestTimeout) * time.Second
}

// PushEnabled reports whether ntfy push delivery is configured.
func (c *Config) PushEnabled() bool {
	return strings.TrimSpace(c.Notifications.NtfyTopicPrefix) != ""
}

// DefaultReviewWindow returns the due-date offset applied to new checkpoints,
// zero when checkpoints carry no due date by default.
func (c *Config) DefaultReviewWindow() time.Duration {
	if c.Workflow.DefaultReviewHours <= 0 {
		return 0
	}
	return time.Duration(c.Workflow.DefaultReviewHours) * time.Hour
}

// MetricsWindow returns the default lookback for reports.
func (c *Config) MetricsWindow() time.Duration {
	return time.Duration(c.Metrics.DefaultWindowDays) * 24 * time.Hour
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
