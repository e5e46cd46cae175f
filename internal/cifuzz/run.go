package cifuzz

import (
	"context"
	"path/filepath"

	"b3cifuzz/internal/fuzz"
	"b3cifuzz/internal/targets"
	"b3cifuzz/internal/types"
	"b3cifuzz/pkg/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type RunRequest struct {
	Workspace    string
	Project      string
	TotalSeconds int
	Sanitizer    string
	ChangeSet    types.ChangeSet
}

// Run fuzzes the targets built into <workspace>/out. Both results must be
// inspected: a run can fail and find a bug at the same time.
func (c *CIFuzz) Run(ctx context.Context, req RunRequest) (runSuccess, bugFound bool) {
	runID := uuid.NewString()
	sanitizer := sanitizerOrDefault(req.Sanitizer)
	outDir := filepath.Join(req.Workspace, OutDirName)
	logger := c.logger.With(
		zap.String("run_id", runID),
		zap.String("project", req.Project),
		zap.String("sanitizer", sanitizer))

	ctx, tracer := telemetry.StartSpan(ctx, "run fuzz targets",
		telemetry.EmptySpanAttributes().
			WithProject(req.Project).
			WithSanitizer(sanitizer).
			WithExtraAttribute("cifuzz.run_id", runID))
	defer tracer.End()

	if req.TotalSeconds <= 0 {
		logger.Error("fuzzing budget must be positive", zap.Int("seconds", req.TotalSeconds))
		tracer.SetStatus(codes.Error, "invalid budget")
		return false, false
	}

	projectOpt := types.None[types.Project]()
	if proj, err := c.catalog.Load(req.Project); err != nil {
		logger.Warn("project unknown, crashes will not be triaged", zap.Error(err))
	} else {
		projectOpt = types.Some(proj)
	}

	if proj, ok := projectOpt.Get(); ok {
		candidates, err := targets.Discover(outDir, proj.Name)
		if err != nil {
			logger.Warn("failed to list targets for selection", zap.Error(err))
		} else {
			kept := c.selector.Select(ctx, candidates, req.ChangeSet, proj)
			logger.Info("targets selected", zap.Int("candidates", len(candidates)), zap.Int("kept", len(kept)))
		}
	}

	if !c.verifier.Verify(ctx, outDir, sanitizer) {
		logger.Error("build output failed verification")
		tracer.SetStatus(codes.Error, "verification failed")
		return false, false
	}

	runSuccess, bugFound = c.engine.Run(ctx, fuzz.RunRequest{
		RunID:        runID,
		OutDir:       outDir,
		TotalSeconds: req.TotalSeconds,
		Sanitizer:    sanitizer,
		Project:      projectOpt,
	})
	if !runSuccess {
		tracer.SetStatus(codes.Error, "run failed")
	}
	logger.Info("run finished", zap.Bool("run_success", runSuccess), zap.Bool("bug_found", bugFound))
	return runSuccess, bugFound
}
