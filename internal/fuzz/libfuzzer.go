package fuzz

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"b3cifuzz/config"
	"b3cifuzz/internal/buildenv"
	"b3cifuzz/internal/parser"
	"b3cifuzz/internal/utils"
	"b3cifuzz/pkg/telemetry"
	"b3cifuzz/pkg/watchdog"

	"go.uber.org/zap"
)

const (
	unitTimeout = 25   // seconds per input before libFuzzer reports a timeout
	rssLimitMB  = 2560 // same limit ClusterFuzz applies
	waitDelay   = 10 * time.Second
)

var (
	testUnitRe       = regexp.MustCompile(`Test unit written to (\S+)`)
	artifactPrefixes = []string{"crash-", "leak-", "oom-", "timeout-"}
	seedCorpusSuffix = "_seed_corpus.zip"
)

// LibFuzzerRunner runs libFuzzer targets directly on the host.
type LibFuzzerRunner struct {
	watchDogFac *watchdog.WatchDogFactory
	cfg         config.CoreConfig
	logger      *zap.Logger
}

func NewLibFuzzerRunner(watchDogFac *watchdog.WatchDogFactory, cfg config.CoreConfig, logger *zap.Logger) *LibFuzzerRunner {
	return &LibFuzzerRunner{watchDogFac, cfg, logger.Named("libfuzzer")}
}

// Fuzz launches the target and blocks until it exits. Behavior is as follows:
//
//  1. The target gets -max_total_time set to spec.Duration.
//  2. If it is still running when the duration elapses, it gets a SIGINT.
//  3. If ctx ends at any point the process is killed.
//
// The process is never left running once Fuzz returns.
func (r *LibFuzzerRunner) Fuzz(ctx context.Context, spec FuzzSpec) (FuzzOutcome, error) {
	tracer := telemetry.FromContext(ctx)
	logger := r.logger.With(zap.String("target", spec.Target.Name))

	if err := os.MkdirAll(spec.ArtifactDir, 0o755); err != nil {
		return FuzzOutcome{}, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	corpusDir := spec.CorpusDir
	if corpusDir == "" {
		tmp, err := os.MkdirTemp("", "corpus-"+spec.Target.Name+"-")
		if err != nil {
			return FuzzOutcome{}, fmt.Errorf("failed to create corpus directory: %w", err)
		}
		defer os.RemoveAll(tmp)
		corpusDir = tmp
	}
	r.unpackSeedCorpus(spec.Target.Path, corpusDir, logger)

	collector, err := r.watchDogFac.Collect(ctx, spec.ArtifactDir, isCrashArtifact)
	if err != nil {
		logger.Warn("failed to watch artifact directory", zap.Error(err))
	}

	out := newTailBuffer(MaxOutputSize)
	cmd := exec.CommandContext(ctx, spec.Target.Path, r.fuzzArgs(spec, corpusDir, logger)...)
	cmd.Dir = spec.ArtifactDir
	cmd.Env = append(buildenv.FilterOtelEnv(os.Environ()), spec.Env...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay

	logger.Info("running fuzz target", zap.String("command", cmd.String()))
	tracer.AddEvent("fuzzer.libfuzzer.start", telemetry.EventAttributes{})
	if err := cmd.Start(); err != nil {
		if collector != nil {
			collector.Stop()
		}
		return FuzzOutcome{}, fmt.Errorf("failed to start %s: %w", spec.Target.Name, err)
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait() // a non-zero status is read from ProcessState below
		close(done)
	}()

	timer := time.NewTimer(spec.Duration)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		logger.Debug("fuzz share elapsed, interrupting")
		_ = cmd.Process.Signal(syscall.SIGINT)
		<-done
	case <-ctx.Done():
		<-done
	}

	var seen []string
	if collector != nil {
		seen = collector.Stop()
	}
	outcome := FuzzOutcome{
		Output:   out.Bytes(),
		Testcase: pickTestcase(out.Bytes(), spec.ArtifactDir, seen),
		ExitCode: cmd.ProcessState.ExitCode(),
	}
	if out.truncated {
		logger.Debug("fuzzer output truncated", zap.Int("kept", len(outcome.Output)))
	}
	logger.Debug("fuzz target exited", zap.Int("exit_code", outcome.ExitCode))
	if outcome.Testcase != "" {
		tracer.AddEvent("fuzzer.libfuzzer.testcase", telemetry.NewEventAttributes(map[string]string{
			"testcase": filepath.Base(outcome.Testcase),
		}))
	}
	return outcome, nil
}

// Reproduce replays testcase a few times. A timeout of the replay itself is an
// error, a libFuzzer-reported timeout is a crash.
func (r *LibFuzzerRunner) Reproduce(ctx context.Context, targetPath, testcase string) (bool, error) {
	if r.cfg.ReproduceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ReproduceTimeout)
		defer cancel()
	}

	out := newTailBuffer(MaxOutputSize)
	cmd := exec.CommandContext(ctx, targetPath, r.reproduceArgs(testcase)...)
	cmd.Dir = filepath.Dir(targetPath)
	cmd.Env = buildenv.FilterOtelEnv(os.Environ())
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	if ctx.Err() != nil {
		return false, fmt.Errorf("reproduction of %s did not finish: %w", filepath.Base(testcase), ctx.Err())
	}
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false, fmt.Errorf("failed to run %s: %w", targetPath, err)
	}
	crashed := parser.HasCrashSignature(out.Bytes())
	r.logger.Debug("testcase replayed",
		zap.String("target", targetPath),
		zap.Int("exit_code", exitErr.ExitCode()),
		zap.Bool("crashed", crashed))
	return crashed, nil
}

func (r *LibFuzzerRunner) fuzzArgs(spec FuzzSpec, corpusDir string, logger *zap.Logger) []string {
	seconds := max(int(spec.Duration/time.Second), 1)
	args := []string{
		fmt.Sprintf("-max_total_time=%d", seconds),
		fmt.Sprintf("-timeout=%d", unitTimeout),
		fmt.Sprintf("-rss_limit_mb=%d", rssLimitMB),
		"-artifact_prefix=" + strings.TrimRight(spec.ArtifactDir, "/") + "/",
		"-print_final_stats=1",
	}
	if dictPath, err := dictionaryPath(spec.Target.Path); err == nil {
		args = append(args, "-dict="+dictPath)
	} else {
		logger.Debug("running without dictionary", zap.Error(err))
	}
	return append(args, corpusDir)
}

func (r *LibFuzzerRunner) reproduceArgs(testcase string) []string {
	runs := max(r.cfg.ReproduceRuns, 1)
	return []string{
		fmt.Sprintf("-runs=%d", runs),
		fmt.Sprintf("-timeout=%d", unitTimeout),
		fmt.Sprintf("-rss_limit_mb=%d", rssLimitMB),
		testcase,
	}
}

func (r *LibFuzzerRunner) unpackSeedCorpus(targetPath, corpusDir string, logger *zap.Logger) {
	seedZip := targetPath + seedCorpusSuffix
	if _, err := os.Stat(seedZip); err != nil {
		return
	}
	if err := utils.Unzip(seedZip, corpusDir); err != nil {
		logger.Warn("failed to unpack seed corpus", zap.String("zip", seedZip), zap.Error(err))
	}
}

// isCrashArtifact keeps the files libFuzzer writes for a finding.
func isCrashArtifact(name string) bool {
	base := filepath.Base(name)
	for _, prefix := range artifactPrefixes {
		if strings.HasPrefix(base, prefix) {
			return true
		}
	}
	return false
}

// pickTestcase finds the crash input of a run. The path libFuzzer announces
// wins, then the files the watchdog saw, then whatever is left in dir.
func pickTestcase(output []byte, dir string, seen []string) string {
	matches := testUnitRe.FindAllSubmatch(output, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		p := string(matches[i][1])
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		if fileExists(p) {
			return p
		}
	}

	for i := len(seen) - 1; i >= 0; i-- {
		if fileExists(seen[i]) {
			return seen[i]
		}
	}

	var found []string
	for _, prefix := range artifactPrefixes {
		m, _ := filepath.Glob(filepath.Join(dir, prefix+"*"))
		found = append(found, m...)
	}
	if len(found) == 0 {
		return ""
	}
	sort.Strings(found)
	return found[len(found)-1]
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.Mode().IsRegular()
}
