package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"
	"tangled.org/dispatch/dispatch/archive"
	"tangled.org/dispatch/dispatch/config"
	"tangled.org/dispatch/dispatch/engine"
	"tangled.org/dispatch/dispatch/github"
	"tangled.org/dispatch/dispatch/logs"
	"tangled.org/dispatch/dispatch/models"
	"tangled.org/dispatch/dispatch/output"
	"tangled.org/dispatch/log"
	"tangled.org/dispatch/telemetry"
)

var Version = versioninfo.Short()

const environment = `
Environment variables:
	GITHUB_ORG                  (required)
	GITHUB_REPO                 (required)
	GH_TOKEN                    (required)
	GITHUB_WORKFLOW_ID          (required by run)
	GIT_REFERENCE               (required by run)
	GITHUB_API_URL              (default: https://api.github.com)
	DISPATCH_INPUTS             (workflow inputs, key:value,key:value)
	DISPATCH_SETTLE_DELAY       (default: 10s)
	DISPATCH_POLL_INTERVAL      (default: 30s)
	DISPATCH_DISCOVERY_ATTEMPTS (default: 3)
	DISPATCH_DISCOVERY_SKEW     (default: 5s)
	DISPATCH_FILTER_RUNS        (default: true)
	DISPATCH_MATCH_BRANCH       (default: false)
	DISPATCH_LOGS               (never, always, on-failure; default: always)
	DISPATCH_TIMEOUT            (default: none)
	DISPATCH_FAIL_ON_FAILURE    (default: false)
	DISPATCH_OUTPUT             (github, json, yaml; default: github)
	GITHUB_OUTPUT               (set by the runner)
	DISPATCH_LOG_LEVEL          (default: info)
	DISPATCH_TELEMETRY          (default: false)
	DISPATCH_TELEMETRY_DEV      (default: false)
`

// NewApp returns the root command. Without a subcommand it runs "run".
func NewApp() *cli.Command {
	return &cli.Command{
		Name:           "dispatch",
		Usage:          "trigger a GitHub Actions workflow and report how it went",
		Version:        Version,
		DefaultCommand: "run",
		Commands: []*cli.Command{
			Command(),
			FailuresCommand(),
			LogsCommand(),
		},
	}
}

func Command() *cli.Command {
	return &cli.Command{
		Name:        "run",
		Usage:       "dispatch a workflow, wait for it and write its result",
		Action:      Run,
		Description: environment,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "ref",
				Usage: "branch, tag or commit to run the workflow on",
			},
			&cli.StringFlag{
				Name:    "workflow",
				Aliases: []string{"w"},
				Usage:   "workflow file name or id",
			},
			&cli.StringSliceFlag{
				Name:    "input",
				Aliases: []string{"i"},
				Usage:   "workflow input as key=value, repeatable",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "give up waiting after this long",
			},
			&cli.StringFlag{
				Name:  "logs",
				Usage: "when to download logs (never, always, on-failure)",
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"o"},
				Usage:   "output format (github, json, yaml)",
			},
			&cli.BoolFlag{
				Name:  "fail-on-failure",
				Usage: "exit non-zero when the run does not succeed",
			},
		},
	}
}

func FailuresCommand() *cli.Command {
	return &cli.Command{
		Name:        "failures",
		Usage:       "list the failed steps of an existing run",
		Action:      Failures,
		Description: environment,
		Flags: []cli.Flag{
			runIDFlag(),
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"o"},
				Usage:   "output format (github, json, yaml)",
			},
		},
	}
}

func LogsCommand() *cli.Command {
	return &cli.Command{
		Name:        "logs",
		Usage:       "download and print the sanitized logs of an existing run",
		Action:      Logs,
		Description: environment,
		Flags: []cli.Flag{
			runIDFlag(),
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"o"},
				Usage:   "output format (json, yaml)",
				Value:   "json",
			},
		},
	}
}

func runIDFlag() cli.Flag {
	return &cli.Int64Flag{
		Name:     "run-id",
		Usage:    "id of the workflow run",
		Required: true,
	}
}

func Run(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.cfg.ValidateTarget(); err != nil {
		return err
	}

	ctx = log.IntoContext(ctx, a.l)
	if a.cfg.Run.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Run.Timeout)
		defer cancel()
	}

	result, err := a.engine.Invoke(ctx, a.cfg.Target.Ref, a.cfg.Target.WorkflowID)
	if err != nil {
		return fmt.Errorf("running workflow %s: %w", a.cfg.Target.WorkflowID, err)
	}

	if err := a.writer(cmd).Write(*result); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}

	a.l.Info("workflow finished", "run", result.RunID, "conclusion", result.Conclusion, "url", result.RunURL)

	failOnFailure := a.cfg.Run.FailOnFailure
	if cmd.IsSet("fail-on-failure") {
		failOnFailure = cmd.Bool("fail-on-failure")
	}
	if failOnFailure && result.Failed() {
		return fmt.Errorf("run %s concluded with %q", result.RunID, result.Conclusion)
	}

	return nil
}

func Failures(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx = log.IntoContext(ctx, a.l)
	runID := models.RunReference(cmd.Int64("run-id"))

	run, err := a.client.GetWorkflowRun(ctx, runID)
	if github.IsNotFound(err) {
		return fmt.Errorf("%w: run %s does not exist in %s", engine.ErrRunNotFound, runID, a.cfg.Credential())
	}
	if err != nil {
		return fmt.Errorf("%w: %w", engine.ErrTransport, err)
	}

	failures, err := a.engine.FindFailures(ctx, runID)
	if err != nil {
		return err
	}

	return a.writer(cmd).Write(engine.Compose(*run, nil, failures))
}

func Logs(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	format, err := output.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}
	if format == output.FormatGitHub {
		return fmt.Errorf("logs are printed as json or yaml")
	}

	ctx = log.IntoContext(ctx, a.l)
	idx, err := a.engine.FetchLogs(ctx, models.RunReference(cmd.Int64("run-id")))
	if err != nil {
		return err
	}

	return output.Encode(stdout(cmd), format, idx)
}

type app struct {
	cfg    *config.Config
	l      *slog.Logger
	tel    *telemetry.Telemetry
	client *github.Client
	engine *engine.Engine
}

// setup loads the configuration, applies flag overrides and wires the
// GitHub client, log retriever and engine together.
func setup(ctx context.Context, cmd *cli.Command) (*app, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := applyFlags(cfg, cmd); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := log.NewWithOptions("dispatch", log.Options{Level: cfg.Log.Level})
	a := &app{cfg: cfg, l: l}

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	if cfg.Telemetry.Enabled {
		a.tel, err = telemetry.NewTelemetry(ctx, telemetry.Options{
			ServiceName:    "dispatch",
			ServiceVersion: Version,
			Dev:            cfg.Telemetry.Dev,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to setup telemetry: %w", err)
		}
		httpClient.Transport = a.tel.Transport(nil)
	}

	a.client, err = github.NewClient(github.Config{
		BaseURL:    cfg.API.BaseURL,
		Credential: cfg.Credential(),
		HTTPClient: httpClient,
		Logger:     log.SubLogger(l, "github"),
	})
	if err != nil {
		a.close()
		return nil, err
	}

	opts := engine.Options{
		SettleDelay:       cfg.Run.SettleDelay,
		PollInterval:      cfg.Run.PollInterval,
		DiscoveryAttempts: cfg.Run.DiscoveryAttempts,
		DiscoverySkew:     cfg.Run.DiscoverySkew,
		FilterRuns:        cfg.Run.FilterRuns,
		MatchBranch:       cfg.Run.MatchBranch,
		LogMode:           cfg.LogMode(),
		Inputs:            cfg.Target.Inputs,
	}
	if a.tel != nil {
		opts.Tracer = a.tel.Tracer()
		opts.Meter = a.tel.Meter()
	}

	retriever := logs.NewRetriever(a.client, archive.Zip{})
	a.engine = engine.New(log.IntoContext(ctx, l), a.client, retriever, opts)

	return a, nil
}

func (a *app) close() {
	if a.tel == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.l.Warn("failed to flush telemetry", "error", err)
	}
}

func (a *app) writer(cmd *cli.Command) *output.Writer {
	// validated by setup
	format, _ := output.ParseFormat(a.cfg.Output.Format)
	return &output.Writer{
		Format:     format,
		OutputFile: a.cfg.Output.File,
		Stdout:     stdout(cmd),
	}
}

func applyFlags(cfg *config.Config, cmd *cli.Command) error {
	if cmd.IsSet("ref") {
		cfg.Target.Ref = cmd.String("ref")
	}
	if cmd.IsSet("workflow") {
		cfg.Target.WorkflowID = cmd.String("workflow")
	}
	if cmd.IsSet("timeout") {
		cfg.Run.Timeout = cmd.Duration("timeout")
	}
	if cmd.IsSet("logs") {
		cfg.Run.LogMode = cmd.String("logs")
	}
	if cmd.IsSet("format") {
		cfg.Output.Format = cmd.String("format")
	}

	if cmd.IsSet("input") {
		if cfg.Target.Inputs == nil {
			cfg.Target.Inputs = make(map[string]string)
		}
		for _, kv := range cmd.StringSlice("input") {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return fmt.Errorf("invalid input %q, want key=value", kv)
			}
			cfg.Target.Inputs[k] = v
		}
	}

	return nil
}

func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}
