package main

import (
	"fmt"
	"strings"
	"sync"

	"millrace/internal/api"
	"millrace/internal/config"
	"millrace/internal/pipeline"
)

type commandContext struct {
	configFlag *string
	apiFlag    *string
	tokenFlag  *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, apiFlag, tokenFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		apiFlag:    apiFlag,
		tokenFlag:  tokenFlag,
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

// client builds an API client for the daemon. Flags override the
// configured bind address and token.
func (c *commandContext) client() (*api.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}

	bind := cfg.Paths.APIBind
	if c.apiFlag != nil && strings.TrimSpace(*c.apiFlag) != "" {
		bind = strings.TrimSpace(*c.apiFlag)
	}
	if bind == "" {
		return nil, fmt.Errorf("daemon API address not configured; set paths.api_bind or pass --api")
	}

	token := cfg.Paths.APIToken
	if c.tokenFlag != nil && strings.TrimSpace(*c.tokenFlag) != "" {
		token = strings.TrimSpace(*c.tokenFlag)
	}
	return api.NewClient(bind, token), nil
}

// openStore opens the pipeline database directly for commands that work
// offline (audit, migrate). The caller closes the returned store.
func (c *commandContext) openStore() (*pipeline.Store, *config.Config, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, nil, err
	}
	store, err := pipeline.Open(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open pipeline store: %w", err)
	}
	return store, cfg, nil
}
