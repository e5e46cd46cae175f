package fuzz

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"b3cifuzz/config"
	"b3cifuzz/internal/crash"
	"b3cifuzz/internal/parser"
	"b3cifuzz/internal/targets"
	"b3cifuzz/internal/triage"
	"b3cifuzz/internal/types"
	"b3cifuzz/pkg/telemetry"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	ArtifactsDir = "artifacts"       // <out>/artifacts/<target>
	BaselineDir  = "oss_fuzz_latest" // <out>/oss_fuzz_latest
	killGrace    = 10 * time.Second
)

type RunRequest struct {
	RunID        string
	OutDir       string
	TotalSeconds int
	Sanitizer    string
	Project      types.Optional[types.Project] // absent: crashes are reported untriaged
}

type Report struct {
	Results    []types.RunResult
	RunSuccess bool
	BugFound   bool
}

type Engine struct {
	runner       Runner
	triager      Triager
	crashes      *crash.CrashManager
	cfg          config.CoreConfig
	architecture string
	logger       *zap.Logger
}

func NewEngine(runner Runner, triager Triager, crashes *crash.CrashManager, cfg config.CoreConfig, architecture string, logger *zap.Logger) *Engine {
	return &Engine{runner, triager, crashes, cfg, architecture, logger.Named("engine")}
}

// Run fuzzes every target in req.OutDir and reports whether all of them ran
// and whether any of them found a bug.
func (e *Engine) Run(ctx context.Context, req RunRequest) (runSuccess, bugFound bool) {
	report := e.Execute(ctx, req)
	return report.RunSuccess, report.BugFound
}

// Execute is Run with the per-target results kept.
func (e *Engine) Execute(ctx context.Context, req RunRequest) Report {
	logger := e.logger.With(zap.String("run_id", req.RunID), zap.String("out_dir", req.OutDir))

	if req.TotalSeconds <= 0 {
		logger.Error("fuzzing budget must be positive", zap.Int("seconds", req.TotalSeconds))
		return Report{}
	}
	if st, err := os.Stat(req.OutDir); err != nil || !st.IsDir() {
		logger.Error("output directory is not usable", zap.Error(err))
		return Report{}
	}

	projectName := ""
	if p, ok := req.Project.Get(); ok {
		projectName = p.Name
	}
	found, err := targets.Discover(req.OutDir, projectName)
	if err != nil {
		logger.Error("failed to discover fuzz targets", zap.Error(err))
		return Report{}
	}
	if len(found) == 0 {
		logger.Error("no fuzz targets found")
		return Report{}
	}

	total := time.Duration(req.TotalSeconds) * time.Second
	share := max(time.Duration(req.TotalSeconds/len(found))*time.Second, time.Second)

	ctx, tracer := telemetry.StartSpan(ctx, "fuzz targets",
		telemetry.EmptySpanAttributes().
			WithProject(projectName).
			WithSanitizer(req.Sanitizer).
			WithExtraAttribute("cifuzz.targets", len(found)).
			WithExtraAttribute("cifuzz.share_seconds", int(share/time.Second)))
	defer tracer.End()

	runCtx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	logger.Info("fuzzing targets",
		zap.Int("targets", len(found)),
		zap.Duration("share", share),
		zap.Int("slots", e.cfg.ExecutionSlots))

	results := make([]types.RunResult, len(found))
	g := new(errgroup.Group)
	g.SetLimit(max(e.cfg.ExecutionSlots, 1))
	for i, target := range found {
		g.Go(func() error {
			results[i] = e.runTarget(runCtx, req, target, share)
			return nil
		})
	}
	_ = g.Wait()

	// crashes are triaged once fuzzing is over so that replays and baseline
	// downloads never eat into the share of a queued target
	e.triageCrashes(ctx, req, results)

	report := Report{Results: results, RunSuccess: true}
	for _, res := range results {
		if res.InfraErr != nil {
			report.RunSuccess = false
		}
		if res.BugFound() {
			report.BugFound = true
		}
	}
	if !report.RunSuccess {
		tracer.SetStatus(codes.Error, "not every target completed")
	}

	e.crashes.Finish(context.WithoutCancel(ctx), types.RunMessage{
		RunID:      req.RunID,
		Project:    projectName,
		Sanitizer:  req.Sanitizer,
		Targets:    len(found),
		RunSuccess: report.RunSuccess,
		BugFound:   report.BugFound,
		Timestamp:  time.Now(),
	})

	logger.Info("fuzzing finished",
		zap.Bool("run_success", report.RunSuccess),
		zap.Bool("bug_found", report.BugFound))
	return report
}

func (e *Engine) runTarget(ctx context.Context, req RunRequest, target types.FuzzTarget, share time.Duration) types.RunResult {
	res := types.RunResult{Target: target, Scheduled: share}
	logger := e.logger.With(zap.String("run_id", req.RunID), zap.String("target", target.Name))

	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			res.Skipped = true
			logger.Warn("fuzzing budget exhausted, target skipped")
			return res
		}
		res.InfraErr = fmt.Errorf("run interrupted before %s started: %w", target.Name, err)
		logger.Error("target not run", zap.Error(res.InfraErr))
		return res
	}

	ctx, tracer := telemetry.StartSpan(ctx, "fuzz target",
		telemetry.EmptySpanAttributes().
			WithTarget(target.Name).
			WithSanitizer(req.Sanitizer))
	defer tracer.End()

	artifactDir := filepath.Join(req.OutDir, ArtifactsDir, target.Name)
	targetCtx, cancel := context.WithTimeout(ctx, share+killGrace)
	defer cancel()

	start := time.Now()
	outcome, err := e.runner.Fuzz(targetCtx, FuzzSpec{
		Target:      target,
		Duration:    share,
		ArtifactDir: artifactDir,
		Sanitizer:   req.Sanitizer,
		Env:         []string{"SANITIZER=" + req.Sanitizer},
	})
	res.Elapsed = time.Since(start)
	res.Output = outcome.Output
	if err != nil {
		res.InfraErr = err
		tracer.SetStatus(codes.Error, "fuzz target did not run")
		logger.Error("failed to run fuzz target", zap.Error(err))
		return res
	}

	if !outcome.Crashed() {
		logger.Info("no crash found",
			zap.Duration("elapsed", res.Elapsed),
			zap.Int("exit_code", outcome.ExitCode))
		return res
	}

	res.Crashed = true
	res.Testcase = outcome.Testcase
	res.Summary = parser.Parse(outcome.Output)
	tracer.AddEvent("crash_found", telemetry.NewEventAttributes(map[string]string{
		"testcase": filepath.Base(outcome.Testcase),
	}))
	logger.Info("crash found",
		zap.Duration("elapsed", res.Elapsed),
		zap.Int("exit_code", outcome.ExitCode),
		zap.String("testcase", res.Testcase))
	return res
}

func (e *Engine) triageCrashes(ctx context.Context, req RunRequest, results []types.RunResult) {
	g := new(errgroup.Group)
	g.SetLimit(max(e.cfg.ExecutionSlots, 1))
	for i := range results {
		if !results[i].Crashed {
			continue
		}
		g.Go(func() error {
			res := &results[i]
			ctx, tracer := telemetry.StartSpan(ctx, "triage crash",
				telemetry.EmptySpanAttributes().
					WithTarget(res.Target.Name).
					WithSanitizer(req.Sanitizer))
			defer tracer.End()

			logger := e.logger.With(zap.String("run_id", req.RunID), zap.String("target", res.Target.Name))
			e.handleCrash(ctx, req, res, filepath.Join(req.OutDir, ArtifactsDir, res.Target.Name), logger)
			tracer.WithAttributes(telemetry.EmptySpanAttributes().WithVerdict(res.Verdict.String()))
			return nil
		})
	}
	_ = g.Wait()
}

// handleCrash stores the evidence, triages it and reports the verdict.
func (e *Engine) handleCrash(ctx context.Context, req RunRequest, res *types.RunResult, artifactDir string, logger *zap.Logger) {
	stored, err := e.crashes.Store(artifactDir, res)
	if err != nil {
		logger.Error("failed to store crash", zap.Error(err))
	}
	testcase := stored.Testcase
	if testcase == "" {
		testcase = res.Testcase
	}

	res.Verdict = types.VerdictUntriaged
	project, ok := req.Project.Get()
	switch {
	case testcase == "":
		// nothing to replay, the report alone says it crashed
		res.Verdict = types.VerdictInconclusive
		logger.Warn("crash left no testcase, cannot triage")
	case ok && e.triager != nil:
		res.Verdict = e.triager.Triage(ctx, triage.Request{
			Target:      res.Target,
			Testcase:    testcase,
			Project:     project.Name,
			Sanitizer:   req.Sanitizer,
			BaselineDir: filepath.Join(req.OutDir, BaselineDir),
		})
	default:
		logger.Warn("crash left untriaged, no project history to compare against")
	}

	msg := types.CrashMessage{
		RunID:        req.RunID,
		Project:      project.Name,
		Target:       res.Target.Name,
		Sanitizer:    req.Sanitizer,
		Architecture: e.architecture,
		Testcase:     stored.Testcase,
		TestcaseMD5:  stored.TestcaseMD5,
		SummaryPath:  stored.SummaryPath,
		Verdict:      res.Verdict,
		Duplicate:    stored.Duplicate,
		Timestamp:    time.Now(),
	}
	if res.Summary != nil {
		msg.Tool = res.Summary.Tool
		msg.CrashType = res.Summary.CrashType
	}
	e.crashes.Report(context.WithoutCancel(ctx), msg)
}
