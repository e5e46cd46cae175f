// Package selector narrows the set of fuzz targets to those whose historical
// coverage touches the files changed by the revision under test.
package selector

import (
	"context"

	"b3cifuzz/config"
	"b3cifuzz/internal/coverage"
	"b3cifuzz/internal/targets"
	"b3cifuzz/internal/types"
	"b3cifuzz/pkg/telemetry"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type CoverageLookup interface {
	LatestReportInfo(ctx context.Context, project string) types.Optional[coverage.ReportInfo]
	FilesCoveredByTarget(ctx context.Context, info coverage.ReportInfo, target, srcPath string) types.Optional[[]string]
}

// ReleaseFunc removes a discarded target from the output directory.
type ReleaseFunc func(types.FuzzTarget) error

type Selector struct {
	coverage CoverageLookup
	release  ReleaseFunc
	slots    int
	logger   *zap.Logger
}

func NewSelector(lookup CoverageLookup, cfg config.CoreConfig, logger *zap.Logger) *Selector {
	return &Selector{
		coverage: lookup,
		release:  targets.Release,
		slots:    max(cfg.ExecutionSlots, 1),
		logger:   logger.Named("selector"),
	}
}

// WithRelease replaces the function used to drop discarded targets.
func (s *Selector) WithRelease(fn ReleaseFunc) *Selector {
	s.release = fn
	return s
}

// Select returns the targets affected by changes, in input order, and
// releases the rest. Whenever affectedness cannot be decided the target is
// kept.
func (s *Selector) Select(ctx context.Context, candidates []types.FuzzTarget, changes types.ChangeSet, project types.Project) []types.FuzzTarget {
	ctx, tracer := telemetry.StartSpan(ctx, "select affected targets",
		telemetry.EmptySpanAttributes().WithProject(project.Name).
			WithExtraAttribute("cifuzz.targets.candidates", len(candidates)))
	defer tracer.End()

	if !changes.Known() {
		s.logger.Info("no change set, keeping all targets", zap.Int("targets", len(candidates)))
		return candidates
	}

	info, ok := s.coverage.LatestReportInfo(ctx, project.Name).Get()
	if !ok {
		s.logger.Info("no coverage report for project, keeping all targets",
			zap.String("project", project.Name))
		tracer.AddEvent("coverage_unavailable", nil)
		return candidates
	}

	// lookups are independent; the barrier is g.Wait
	keep := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.slots)
	for i, target := range candidates {
		g.Go(func() error {
			keep[i] = s.affected(gctx, info, target, changes, project)
			return nil
		})
	}
	_ = g.Wait()

	var selected []types.FuzzTarget
	for i, target := range candidates {
		if keep[i] {
			selected = append(selected, target)
			continue
		}
		s.logger.Info("target not affected by change, releasing", zap.String("target", target.Name))
		if err := s.release(target); err != nil {
			s.logger.Warn("failed to release target", zap.String("target", target.Name), zap.Error(err))
		}
	}

	tracer.WithAttributes(telemetry.EmptySpanAttributes().
		WithExtraAttribute("cifuzz.targets.selected", len(selected)))
	tracer.SetStatus(codes.Ok, "selection done")
	return selected
}

func (s *Selector) affected(ctx context.Context, info coverage.ReportInfo, target types.FuzzTarget, changes types.ChangeSet, project types.Project) bool {
	covered, ok := s.coverage.FilesCoveredByTarget(ctx, info, target.Name, project.SrcPath).Get()
	if !ok {
		s.logger.Debug("coverage unknown, keeping target", zap.String("target", target.Name))
		return true
	}
	return changes.Intersects(covered)
}
