package config

const (
	defaultConfigPath              = "~/.config/episodes/config.toml"
	defaultDataDir                 = "~/.local/share/episodes"
	defaultLogDir                  = "~/.local/share/episodes/logs"
	defaultAPIBind                 = "127.0.0.1:7488"
	defaultNtfyURL                 = "https://ntfy.sh"
	defaultNotifyRequestTimeout    = 10
	defaultBulkConcurrency         = 4
	defaultRecentActivityLimit     = 20
	defaultBottleneckRevisionRate  = 20
	defaultBottleneckApprovalHours = 24
	defaultGuidelineRevisionRate   = 30
	defaultCapacityApprovalHours   = 48
	defaultMetricsWindowDays       = 30
	defaultScriptPriority          = 5
	defaultStoryboardPriority      = 5
	defaultVideoPriority           = 10
	defaultPublishPriority         = 1
	defaultLogFormat               = "console"
	defaultLogLevel                = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		API: API{
			Bind: defaultAPIBind,
		},
		Notifications: Notifications{
			NtfyURL:        defaultNtfyURL,
			RequestTimeout: defaultNotifyRequestTimeout,
			InApp:          true,
		},
		Workflow: Workflow{
			BulkConcurrency:        defaultBulkConcurrency,
			EvaluateRulesOnAdvance: true,
			RecentActivityLimit:    defaultRecentActivityLimit,
		},
		Metrics: Metrics{
			BottleneckRevisionRate:  defaultBottleneckRevisionRate,
			BottleneckApprovalHours: defaultBottleneckApprovalHours,
			GuidelineRevisionRate:   defaultGuidelineRevisionRate,
			CapacityApprovalHours:   defaultCapacityApprovalHours,
			DefaultWindowDays:       defaultMetricsWindowDays,
		},
		Jobs: Jobs{
			ScriptPriority:     defaultScriptPriority,
			StoryboardPriority: defaultStoryboardPriority,
			VideoPriority:      defaultVideoPriority,
			PublishPriority:    defaultPublishPriority,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
