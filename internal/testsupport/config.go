package testsupport

import (
	"path/filepath"
	"testing"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Push notifications stay disabled unless WithNtfy is applied.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.API.Bind = "127.0.0.1:0"
	cfgVal.Notifications.NtfyTopicPrefix = ""

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithNtfy points push notifications at url using the given topic prefix.
func WithNtfy(url, topicPrefix string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Notifications.NtfyURL = url
		b.cfg.Notifications.NtfyTopicPrefix = topicPrefix
		b.cfg.Notifications.RequestTimeout = 2
	}
}

// WithAPIToken requires bearer authentication on the daemon API.
func WithAPIToken(token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.API.Token = token
	}
}

// WithRuleHook toggles rule evaluation after every advance.
func WithRuleHook(enabled bool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workflow.EvaluateRulesOnAdvance = enabled
	}
}

// WithReviewWindow sets the default review window in hours.
func WithReviewWindow(hours int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workflow.DefaultReviewHours = hours
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
