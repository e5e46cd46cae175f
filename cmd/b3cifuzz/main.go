package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"b3cifuzz/internal/cifuzz"
	"b3cifuzz/pkg/telemetry"

	"github.com/jessevdk/go-flags"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	exitOK         = 0
	exitFailure    = 1
	exitBugFound   = 2
	shutdownWindow = 30 * time.Second
)

type options struct {
	Build buildCommand `command:"build" description:"Check out a revision and build its fuzz targets"`
	Run   runCommand   `command:"run" description:"Fuzz the built targets and triage any crash"`
}

type buildCommand struct {
	Project   string `long:"project" env:"OSS_FUZZ_PROJECT_NAME" required:"true" description:"OSS-Fuzz project name"`
	Repo      string `long:"repo" env:"GITHUB_REPOSITORY_NAME" required:"true" description:"Name of the repository under test"`
	Workspace string `long:"workspace" env:"GITHUB_WORKSPACE" default:"." description:"Directory holding src/ and out/"`
	CommitSHA string `long:"commit-sha" env:"COMMIT_SHA" description:"Commit to build"`
	PRRef     string `long:"pr-ref" env:"PR_REF" description:"Pull request ref to build, e.g. refs/pull/1/merge"`
	Sanitizer string `long:"sanitizer" env:"SANITIZER" default:"address" description:"Sanitizer to build with"`

	exitCode int
}

type runCommand struct {
	Project     string `long:"project" env:"OSS_FUZZ_PROJECT_NAME" required:"true" description:"OSS-Fuzz project name"`
	Workspace   string `long:"workspace" env:"GITHUB_WORKSPACE" default:"." description:"Directory holding out/"`
	FuzzSeconds int    `long:"fuzz-seconds" env:"FUZZ_SECONDS" default:"600" description:"Total fuzzing budget in seconds"`
	Sanitizer   string `long:"sanitizer" env:"SANITIZER" default:"address" description:"Sanitizer the targets were built with"`

	exitCode int
}

// withCIFuzz starts the application, hands the wired service to fn and stops
// the application again once fn returns.
func withCIFuzz(spanName string, fn func(ctx context.Context, svc *cifuzz.CIFuzz, logger *zap.Logger)) error {
	var (
		svc           *cifuzz.CIFuzz
		logger        *zap.Logger
		tracerFactory *telemetry.TracerFactory
	)
	app := newApp(fx.Populate(&svc, &logger, &tracerFactory))
	if err := app.Err(); err != nil {
		return fmt.Errorf("failed to wire application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownWindow)
		defer cancel()
		if err := app.Stop(stopCtx); err != nil {
			logger.Warn("failed to stop application cleanly", zap.Error(err))
		}
	}()

	tracer := tracerFactory.NewTracer(ctx, spanName)
	tracer.Start()
	defer tracer.End()

	fn(telemetry.WithTracer(ctx, tracer), svc, logger)
	return nil
}

func (c *buildCommand) Execute([]string) error {
	c.exitCode = exitFailure
	return withCIFuzz("cifuzz build", func(ctx context.Context, svc *cifuzz.CIFuzz, logger *zap.Logger) {
		ok, err := svc.Build(ctx, cifuzz.BuildRequest{
			Project:   c.Project,
			Repo:      c.Repo,
			Workspace: c.Workspace,
			CommitSHA: c.CommitSHA,
			PRRef:     c.PRRef,
			Sanitizer: c.Sanitizer,
		})
		if err != nil {
			logger.Error("build rejected", zap.Error(err))
			return
		}
		if ok {
			c.exitCode = exitOK
		}
	})
}

func (c *runCommand) Execute([]string) error {
	c.exitCode = exitFailure
	return withCIFuzz("cifuzz run", func(ctx context.Context, svc *cifuzz.CIFuzz, logger *zap.Logger) {
		changes, err := cifuzz.LoadChangeSet(c.Workspace)
		if err != nil {
			logger.Warn("failed to load change set, fuzzing every target", zap.Error(err))
		}
		runSuccess, bugFound := svc.Run(ctx, cifuzz.RunRequest{
			Workspace:    c.Workspace,
			Project:      c.Project,
			TotalSeconds: c.FuzzSeconds,
			Sanitizer:    c.Sanitizer,
			ChangeSet:    changes,
		})
		switch {
		case !runSuccess:
			c.exitCode = exitFailure
		case bugFound:
			c.exitCode = exitBugFound
		default:
			c.exitCode = exitOK
		}
	})
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.Name = "b3cifuzz"

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(exitOK)
		}
		os.Exit(exitFailure) // flags.Default already printed err
	}

	switch parser.Active.Name {
	case "build":
		os.Exit(opts.Build.exitCode)
	case "run":
		os.Exit(opts.Run.exitCode)
	}
}
