package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
	"tangled.org/dispatch/dispatch/models"
	"tangled.org/dispatch/dispatch/output"
)

// Target names the workflow to dispatch and where. Variable names match the
// ones existing pipelines already export.
type Target struct {
	Org        string            `env:"GITHUB_ORG, required"`
	Repo       string            `env:"GITHUB_REPO, required"`
	Token      string            `env:"GH_TOKEN, required"`
	WorkflowID string            `env:"GITHUB_WORKFLOW_ID"`
	Ref        string            `env:"GIT_REFERENCE"`
	Inputs     map[string]string `env:"DISPATCH_INPUTS"`
}

type API struct {
	BaseURL string `env:"GITHUB_API_URL, default=https://api.github.com"`
}

type Run struct {
	SettleDelay       time.Duration `env:"SETTLE_DELAY, default=10s"`
	PollInterval      time.Duration `env:"POLL_INTERVAL, default=30s"`
	DiscoveryAttempts uint          `env:"DISCOVERY_ATTEMPTS, default=3"`
	DiscoverySkew     time.Duration `env:"DISCOVERY_SKEW, default=5s"`
	FilterRuns        bool          `env:"FILTER_RUNS, default=true"`
	MatchBranch       bool          `env:"MATCH_BRANCH, default=false"`
	LogMode           string        `env:"LOGS, default=always"`
	Timeout           time.Duration `env:"TIMEOUT, default=0s"`
	FailOnFailure     bool          `env:"FAIL_ON_FAILURE, default=false"`
}

type Output struct {
	Format string `env:"DISPATCH_OUTPUT, default=github"`
	File   string `env:"GITHUB_OUTPUT"`
}

type Log struct {
	Level string `env:"LEVEL, default=info"`
}

type Telemetry struct {
	Enabled bool `env:"TELEMETRY, default=false"`
	Dev     bool `env:"TELEMETRY_DEV, default=false"`
}

type Config struct {
	Target    Target
	API       API
	Run       Run `env:",prefix=DISPATCH_"`
	Output    Output
	Log       Log       `env:",prefix=DISPATCH_LOG_"`
	Telemetry Telemetry `env:",prefix=DISPATCH_"`
}

func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads the configuration from l instead of the process
// environment.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	})
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if _, err := models.ParseLogMode(c.Run.LogMode); err != nil {
		errs = append(errs, err)
	}
	if _, err := output.ParseFormat(c.Output.Format); err != nil {
		errs = append(errs, err)
	}
	if c.Run.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.Run.PollInterval))
	}
	if c.Run.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("settle delay must not be negative, got %s", c.Run.SettleDelay))
	}
	if c.Run.DiscoveryAttempts == 0 {
		errs = append(errs, errors.New("discovery attempts must be at least 1"))
	}
	if c.Run.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %s", c.Run.Timeout))
	}

	return errors.Join(errs...)
}

// ValidateTarget checks what dispatching needs beyond the repository: the
// workflow and the ref to run it on. Inspecting an existing run needs
// neither.
func (c *Config) ValidateTarget() error {
	var errs []error
	if c.Target.WorkflowID == "" {
		errs = append(errs, errors.New("workflow is required (GITHUB_WORKFLOW_ID or --workflow)"))
	}
	if c.Target.Ref == "" {
		errs = append(errs, errors.New("ref is required (GIT_REFERENCE or --ref)"))
	}
	return errors.Join(errs...)
}

func (c *Config) Credential() models.Credential {
	return models.NewCredential(c.Target.Token, c.Target.Org, c.Target.Repo)
}

func (c *Config) LogMode() models.LogMode {
	m, err := models.ParseLogMode(c.Run.LogMode)
	if err != nil {
		return models.LogsAlways
	}
	return m
}
