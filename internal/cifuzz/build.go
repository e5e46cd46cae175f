package cifuzz

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"b3cifuzz/internal/buildenv"
	"b3cifuzz/internal/checkout"
	"b3cifuzz/internal/project"
	"b3cifuzz/internal/targets"
	"b3cifuzz/internal/types"
	"b3cifuzz/pkg/telemetry"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// ErrInvalidCommitRef is returned when a build names neither a commit nor a
// pull request ref.
var ErrInvalidCommitRef = errors.New("either a commit sha or a pull request ref is required")

type BuildRequest struct {
	Project   string
	Repo      string // name of the repository under test, must be the project's main repo
	Workspace string
	CommitSHA string
	PRRef     string
	Sanitizer string
}

// Build checks out the requested revision and compiles the project's fuzz
// targets into <workspace>/out. It reports whether targets were produced.
func (c *CIFuzz) Build(ctx context.Context, req BuildRequest) (bool, error) {
	if req.CommitSHA == "" && req.PRRef == "" {
		return false, ErrInvalidCommitRef
	}
	sanitizer := sanitizerOrDefault(req.Sanitizer)
	logger := c.logger.With(
		zap.String("project", req.Project),
		zap.String("repo", req.Repo),
		zap.String("sanitizer", sanitizer))

	ctx, tracer := telemetry.StartSpan(ctx, "build fuzz targets",
		telemetry.EmptySpanAttributes().WithProject(req.Project).WithSanitizer(sanitizer))
	defer tracer.End()

	if st, err := os.Stat(req.Workspace); err != nil || !st.IsDir() {
		logger.Error("workspace is not a directory", zap.String("workspace", req.Workspace))
		tracer.SetStatus(codes.Error, "invalid workspace")
		return false, nil
	}

	proj, err := c.catalog.Load(req.Project)
	if err != nil {
		logger.Error("failed to load project", zap.Error(err))
		tracer.SetStatus(codes.Error, "unknown project")
		return false, nil
	}
	if project.RepoName(proj.MainRepo) != req.Repo {
		logger.Error("repository is not the main repository of the project", zap.String("main_repo", proj.MainRepo))
		tracer.SetStatus(codes.Error, "repository mismatch")
		return false, nil
	}

	srcDir := filepath.Join(req.Workspace, SrcDirName, req.Repo)
	changes, err := c.checkout.Checkout(ctx, checkout.Request{
		RepoURL:   proj.MainRepo,
		Dir:       srcDir,
		CommitSHA: req.CommitSHA,
		PRRef:     req.PRRef,
	})
	if err != nil {
		logger.Error("failed to check out revision", zap.Error(err))
		tracer.SetStatus(codes.Error, "checkout failed")
		return false, nil
	}
	tracer.AddEvent("checked_out", telemetry.NewEventAttributes(map[string]string{
		"changed_files": fmt.Sprint(len(changes.Files())),
	}))

	outDir := filepath.Join(req.Workspace, OutDirName)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		logger.Error("failed to create output directory", zap.Error(err))
		return false, nil
	}

	exitCode, err := c.env.Invoke(ctx, c.compileInvocation(proj, srcDir, outDir, sanitizer))
	if err != nil {
		logger.Error("failed to start build", zap.Error(err))
		tracer.SetStatus(codes.Error, "build did not run")
		return false, nil
	}
	if exitCode != 0 {
		logger.Error("build failed", zap.Int("exit_code", exitCode))
		tracer.SetStatus(codes.Error, "build failed")
		return false, nil
	}

	if err := SaveChangeSet(req.Workspace, changes); err != nil {
		logger.Warn("failed to record change set", zap.Error(err))
	}

	built, err := targets.Discover(outDir, proj.Name)
	if err != nil || len(built) == 0 {
		logger.Error("build produced no fuzz targets", zap.Error(err))
		tracer.SetStatus(codes.Error, "no fuzz targets")
		return false, nil
	}

	// undefined builds are cheap to rerun, so only affected targets are kept
	if sanitizer == "undefined" {
		kept := c.selector.Select(ctx, built, changes, proj)
		logger.Info("pruned unaffected targets", zap.Int("built", len(built)), zap.Int("kept", len(kept)))
	}

	logger.Info("fuzz targets built", zap.Int("targets", len(built)))
	tracer.SetStatus(codes.Ok, "built")
	return true, nil
}

func (c *CIFuzz) compileInvocation(proj types.Project, srcDir, outDir, sanitizer string) buildenv.Invocation {
	env := map[string]string{
		"FUZZING_ENGINE":   "libfuzzer",
		"SANITIZER":        sanitizer,
		"ARCHITECTURE":     c.config.Architecture,
		"FUZZING_LANGUAGE": proj.Language,
	}
	if c.config.Core.CIFuzz {
		env["CIFUZZ"] = "True"
	}
	return buildenv.Invocation{
		Image:   fmt.Sprintf(c.config.BuilderImage, proj.Name),
		Command: []string{"compile"},
		Env:     env,
		Mounts: []buildenv.Mount{
			{Host: srcDir, Container: proj.SrcPath},
			{Host: outDir, Container: "/out"},
		},
		Flags: []string{"--cap-add", "SYS_PTRACE"},
	}
}
