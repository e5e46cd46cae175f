// Package verify decides whether a build output directory is usable for fuzzing.
package verify

import (
	"context"
	"os"
	"strconv"

	"b3cifuzz/config"
	"b3cifuzz/internal/buildenv"
	"b3cifuzz/internal/targets"
	"b3cifuzz/internal/types"
	"b3cifuzz/pkg/telemetry"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type Verifier struct {
	env          buildenv.Environment
	cfg          config.CoreConfig
	image        string
	architecture string
	logger       *zap.Logger
}

func NewVerifier(env buildenv.Environment, cfg config.CoreConfig, image, architecture string, logger *zap.Logger) *Verifier {
	return &Verifier{env, cfg, image, architecture, logger.Named("verify")}
}

// Artifacts lists what outDir currently holds.
func (v *Verifier) Artifacts(outDir string) (types.BuildArtifacts, error) {
	found, err := targets.Discover(outDir, "")
	if err != nil {
		return types.BuildArtifacts{}, err
	}
	return types.BuildArtifacts{OutDir: outDir, Targets: found}, nil
}

// Verify runs the check step over every target in outDir. The share of
// targets allowed to fail is decided by the check step from the configured
// percentage.
func (v *Verifier) Verify(ctx context.Context, outDir, sanitizer string) bool {
	ctx, tracer := telemetry.StartSpan(ctx, "verify build",
		telemetry.EmptySpanAttributes().WithSanitizer(sanitizer))
	defer tracer.End()

	if st, err := os.Stat(outDir); err != nil || !st.IsDir() {
		v.logger.Error("build output directory missing", zap.String("out_dir", outDir))
		tracer.SetStatus(codes.Error, "output dir missing")
		return false
	}
	artifacts, err := v.Artifacts(outDir)
	if err != nil || len(artifacts.Targets) == 0 {
		v.logger.Error("no fuzz targets in build output", zap.String("out_dir", outDir), zap.Error(err))
		tracer.SetStatus(codes.Error, "no fuzz targets")
		return false
	}

	exitCode, err := v.env.Invoke(ctx, v.invocation(outDir, sanitizer))
	if err != nil {
		v.logger.Error("failed to run build check", zap.Error(err))
		tracer.SetStatus(codes.Error, "check step did not run")
		return false
	}
	if exitCode != 0 {
		v.logger.Error("build check failed",
			zap.Int("exit_code", exitCode), zap.Strings("targets", artifacts.TargetNames()))
		tracer.SetStatus(codes.Error, "check step failed")
		return false
	}

	v.logger.Info("build check passed", zap.Int("targets", len(artifacts.Targets)))
	tracer.SetStatus(codes.Ok, "build verified")
	return true
}

func (v *Verifier) invocation(outDir, sanitizer string) buildenv.Invocation {
	env := map[string]string{
		"FUZZING_ENGINE":                    "libfuzzer",
		"SANITIZER":                         sanitizer,
		"ARCHITECTURE":                      v.architecture,
		"ALLOWED_BROKEN_TARGETS_PERCENTAGE": strconv.Itoa(v.cfg.AllowedBrokenTargetsPercentage),
	}
	if v.cfg.CIFuzz {
		env["CIFUZZ"] = "True"
	}
	return buildenv.Invocation{
		Image:   v.image,
		Command: []string{"test_all"},
		Env:     env,
		Mounts:  []buildenv.Mount{{Host: outDir, Container: "/out"}},
		Flags:   []string{"--cap-add", "SYS_PTRACE"},
	}
}
