package config

import "github.com/fgomezserna/video-generator-episodes-sub001/internal/stage"

// JobPriority returns the configured priority for a generation job type.
func (c *Config) JobPriority(jobType string) int {
	switch jobType {
	case stage.JobScriptGeneration:
		return c.Jobs.ScriptPriority
	case stage.JobStoryboardGeneration:
		return c.Jobs.StoryboardPriority
	case stage.JobVideoGeneration:
		return c.Jobs.VideoPriority
	case stage.JobPublish:
		return c.Jobs.PublishPriority
	default:
		return 0
	}
}
