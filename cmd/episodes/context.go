package main

import (
	"fmt"
	"os"
	"os/user"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/config"
)

type commandContext struct {
	serverFlag *string
	configFlag *string
	actorFlag  *string
	jsonFlag   *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(serverFlag, configFlag, actorFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{
		serverFlag: serverFlag,
		configFlag: configFlag,
		actorFlag:  actorFlag,
		jsonFlag:   jsonFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// serverURL resolves the daemon base URL from --server or the configured
// bind address.
func (c *commandContext) serverURL() (string, error) {
	if c.serverFlag != nil {
		if value := strings.TrimSpace(*c.serverFlag); value != "" {
			return strings.TrimRight(value, "/"), nil
		}
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return "", err
	}
	bind := strings.TrimSpace(cfg.API.Bind)
	if bind == "" {
		return "", fmt.Errorf("no daemon address: set api.bind in the config or pass --server")
	}
	return "http://" + bind, nil
}

func (c *commandContext) client() (*apiClient, error) {
	base, err := c.serverURL()
	if err != nil {
		return nil, err
	}
	token := ""
	if cfg, err := c.ensureConfig(); err == nil && cfg != nil {
		token = cfg.API.Token
	}
	return newAPIClient(base, token), nil
}

// actor returns --actor, then $EPISODES_ACTOR, then the login name.
func (c *commandContext) actor() (string, error) {
	if c.actorFlag != nil {
		if value := strings.TrimSpace(*c.actorFlag); value != "" {
			return value, nil
		}
	}
	if value := strings.TrimSpace(os.Getenv("EPISODES_ACTOR")); value != "" {
		return value, nil
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username, nil
	}
	return "", fmt.Errorf("actor unknown: pass --actor or set EPISODES_ACTOR")
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
