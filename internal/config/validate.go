package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateAPI(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateMetrics(); err != nil {
		return err
	}
	if err := c.validateJobs(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if c.Paths.DataDir == "" {
		return errors.New("paths.data_dir must be set")
	}
	return nil
}

func (c *Config) validateAPI() error {
	if _, _, err := net.SplitHostPort(c.API.Bind); err != nil {
		return fmt.Errorf("api.bind must be host:port: %w", err)
	}
	return nil
}

func (c *Config) validateNotifications() error {
	parsed, err := url.Parse(c.Notifications.NtfyURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("notifications.ntfy_url must be an absolute URL, got %q", c.Notifications.NtfyURL)
	}
	if c.Notifications.RequestTimeout > 300 {
		return errors.New("notifications.request_timeout must be at most 300 seconds")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.BulkConcurrency > 64 {
		return errors.New("workflow.bulk_concurrency must be at most 64")
	}
	if c.Workflow.DefaultReviewHours < 0 {
		return errors.New("workflow.default_review_hours must be non-negative")
	}
	return nil
}

func (c *Config) validateMetrics() error {
	for key, value := range map[string]float64{
		"metrics.bottleneck_revision_rate": c.Metrics.BottleneckRevisionRate,
		"metrics.guideline_revision_rate":  c.Metrics.GuidelineRevisionRate,
	} {
		if value < 0 || value > 100 {
			return fmt.Errorf("%s must be between 0 and 100", key)
		}
	}
	if c.Metrics.BottleneckApprovalHours <= 0 {
		return errors.New("metrics.bottleneck_approval_hours must be positive")
	}
	if c.Metrics.CapacityApprovalHours <= 0 {
		return errors.New("metrics.capacity_approval_hours must be positive")
	}
	if c.Metrics.DefaultWindowDays <= 0 {
		return errors.New("metrics.default_window_days must be positive")
	}
	return nil
}

func (c *Config) validateJobs() error {
	for key, value := range map[string]int{
		"jobs.script_priority":     c.Jobs.ScriptPriority,
		"jobs.storyboard_priority": c.Jobs.StoryboardPriority,
		"jobs.video_priority":      c.Jobs.VideoPriority,
		"jobs.publish_priority":    c.Jobs.PublishPriority,
	} {
		if value < 0 {
			return fmt.Errorf("%s must be non-negative", key)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}
