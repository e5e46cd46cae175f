package crash

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"b3cifuzz/internal/parser"
	"b3cifuzz/internal/types"
	"b3cifuzz/internal/utils"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const TestcaseFileName = "test_case"

// Sink receives crash and run records. Sinks are best effort: errors are
// logged and never change the outcome of a run.
type Sink interface {
	Name() string
	RecordCrash(ctx context.Context, msg types.CrashMessage) error
	RecordRun(ctx context.Context, msg types.RunMessage) error
}

// Stored describes the evidence kept for one crash.
type Stored struct {
	Testcase    string
	TestcaseMD5 string
	SummaryPath string
	Duplicate   bool
}

type CrashManager struct {
	sinks  []Sink
	logger *zap.Logger

	mu   sync.Mutex
	seen map[string]struct{} // target + testcase md5
}

type CrashManagerParams struct {
	fx.In
	Logger *zap.Logger
	Sinks  []Sink `group:"sinks"`
}

func NewCrashManager(p CrashManagerParams) *CrashManager {
	var sinks []Sink
	for _, s := range p.Sinks {
		v := reflect.ValueOf(s)
		if s == nil || (v.Kind() == reflect.Ptr && v.IsNil()) {
			continue // sink not configured
		}
		p.Logger.Debug("result sink registered", zap.String("sink", s.Name()))
		sinks = append(sinks, s)
	}
	return &CrashManager{
		sinks,
		p.Logger.Named("crash"),
		sync.Mutex{},
		make(map[string]struct{}),
	}
}

// Store keeps the crash evidence of res in artifactDir: the testcase is
// copied to test_case and the parsed report is written to bug_summary.txt.
func (c *CrashManager) Store(artifactDir string, res *types.RunResult) (Stored, error) {
	var stored Stored
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return stored, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	if res.Testcase != "" {
		sum, err := utils.FileMD5(res.Testcase)
		if err != nil {
			return stored, fmt.Errorf("failed to hash testcase: %w", err)
		}
		stored.TestcaseMD5 = sum

		key := res.Target.Name + "/" + sum
		c.mu.Lock()
		_, stored.Duplicate = c.seen[key]
		c.seen[key] = struct{}{}
		c.mu.Unlock()

		dst := filepath.Join(artifactDir, TestcaseFileName)
		if err := utils.CopyFile(res.Testcase, dst); err != nil {
			return stored, fmt.Errorf("failed to store testcase: %w", err)
		}
		stored.Testcase = dst
	}

	path, err := parser.WriteSummary(artifactDir, res.Summary)
	if err != nil {
		return stored, err
	}
	stored.SummaryPath = path

	c.logger.Info("crash stored",
		zap.String("target", res.Target.Name),
		zap.String("testcase", stored.Testcase),
		zap.String("md5", stored.TestcaseMD5),
		zap.Bool("has_summary", path != ""))
	return stored, nil
}

// Report hands a triaged crash to every sink. Duplicates are dropped.
func (c *CrashManager) Report(ctx context.Context, msg types.CrashMessage) {
	if msg.Duplicate {
		c.logger.Debug("duplicate crash not reported", zap.String("md5", msg.TestcaseMD5))
		return
	}
	for _, s := range c.sinks {
		if err := s.RecordCrash(ctx, msg); err != nil {
			c.logger.Error("failed to record crash", zap.String("sink", s.Name()), zap.Error(err))
		}
	}
}

// Finish hands the run outcome to every sink.
func (c *CrashManager) Finish(ctx context.Context, msg types.RunMessage) {
	for _, s := range c.sinks {
		if err := s.RecordRun(ctx, msg); err != nil {
			c.logger.Error("failed to record run", zap.String("sink", s.Name()), zap.Error(err))
		}
	}
}
