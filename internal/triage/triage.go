// Package triage decides whether a crash is new by replaying it against the
// latest known-good build of the project.
package triage

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"b3cifuzz/internal/types"
	"b3cifuzz/pkg/telemetry"

	"go.uber.org/zap"
)

// Reproducer answers "does this input still crash this binary?".
type Reproducer interface {
	Reproduce(ctx context.Context, targetPath, testcase string) (bool, error)
}

// BaselineProvider materializes the latest released build of a project in
// destDir and returns the directory holding its fuzz targets.
type BaselineProvider interface {
	Fetch(ctx context.Context, project, sanitizer, destDir string) (string, error)
}

type Request struct {
	Target      types.FuzzTarget
	Testcase    string
	Project     string
	Sanitizer   string
	BaselineDir string
}

type state int

const (
	checkCurrent state = iota
	fetchBaseline
	checkBaseline
	done
)

func (s state) String() string {
	switch s {
	case checkCurrent:
		return "check_current"
	case fetchBaseline:
		return "fetch_baseline"
	case checkBaseline:
		return "check_baseline"
	default:
		return "done"
	}
}

type Engine struct {
	reproducer Reproducer
	baseline   BaselineProvider
	logger     *zap.Logger
}

func NewEngine(reproducer Reproducer, baseline BaselineProvider, logger *zap.Logger) *Engine {
	return &Engine{reproducer, baseline, logger.Named("triage")}
}

// run carries the state of one triage.
type run struct {
	req         Request
	baselineBin string
	verdict     types.TriageVerdict
	logger      *zap.Logger
}

// Triage classifies the crash described by req. It never fails; anything
// that prevents a comparison yields VerdictInconclusive.
func (e *Engine) Triage(ctx context.Context, req Request) types.TriageVerdict {
	ctx, tracer := telemetry.StartSpan(ctx, "triage crash",
		telemetry.EmptySpanAttributes().
			WithProject(req.Project).
			WithTarget(req.Target.Name).
			WithSanitizer(req.Sanitizer))
	defer tracer.End()

	r := &run{
		req:    req,
		logger: e.logger.With(zap.String("target", req.Target.Name)),
	}
	for st := checkCurrent; st != done; {
		next := e.step(ctx, r, st)
		tracer.AddEvent("transition", telemetry.NewEventAttributes(map[string]string{
			"from": st.String(), "to": next.String(),
		}))
		st = next
	}

	r.logger.Info("crash triaged", zap.String("verdict", r.verdict.String()))
	tracer.WithAttributes(telemetry.EmptySpanAttributes().WithVerdict(r.verdict.String()))
	return r.verdict
}

func (e *Engine) step(ctx context.Context, r *run, st state) state {
	switch st {
	case checkCurrent:
		if r.req.Testcase == "" {
			r.logger.Warn("crash has no testcase to replay")
			r.verdict = types.VerdictInconclusive
			return done
		}
		crashes, err := e.reproducer.Reproduce(ctx, r.req.Target.Path, r.req.Testcase)
		if err != nil {
			r.logger.Warn("could not replay testcase on current build", zap.Error(err))
			r.verdict = types.VerdictInconclusive
			return done
		}
		if !crashes {
			r.logger.Info("testcase does not reproduce on current build")
			r.verdict = types.VerdictNoCrash
			return done
		}
		return fetchBaseline

	case fetchBaseline:
		if e.baseline == nil {
			r.verdict = types.VerdictInconclusive
			return done
		}
		dir, err := e.baseline.Fetch(ctx, r.req.Project, r.req.Sanitizer, r.req.BaselineDir)
		if err != nil {
			r.logger.Warn("baseline build unavailable", zap.Error(err))
			r.verdict = types.VerdictInconclusive
			return done
		}
		bin := filepath.Join(dir, r.req.Target.Name)
		if _, err := os.Stat(bin); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				r.logger.Warn("cannot stat baseline target", zap.Error(err))
			} else {
				r.logger.Info("target not present in baseline build", zap.String("path", bin))
			}
			r.verdict = types.VerdictInconclusive
			return done
		}
		r.baselineBin = bin
		return checkBaseline

	case checkBaseline:
		crashes, err := e.reproducer.Reproduce(ctx, r.baselineBin, r.req.Testcase)
		switch {
		case err != nil:
			r.logger.Warn("could not replay testcase on baseline build", zap.Error(err))
			r.verdict = types.VerdictInconclusive
		case crashes:
			r.verdict = types.VerdictPreExisting
		default:
			r.verdict = types.VerdictNewBug
		}
		return done
	}
	return done
}
