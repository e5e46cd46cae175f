package fuzz

import (
	"context"
	"time"

	"b3cifuzz/internal/parser"
	"b3cifuzz/internal/triage"
	"b3cifuzz/internal/types"
)

// Runner drives a single fuzz target process.
type Runner interface {
	// Fuzz runs the target for about spec.Duration.
	//
	// The process is asked to stop once the duration has elapsed and must be
	// killed when ctx is done. An error means the target could not be run at
	// all; a target that crashed or was stopped is not an error.
	Fuzz(ctx context.Context, spec FuzzSpec) (FuzzOutcome, error)

	// Reproduce replays testcase against the target at targetPath and
	// reports whether it still crashes.
	Reproduce(ctx context.Context, targetPath, testcase string) (bool, error)
}

type FuzzSpec struct {
	Target      types.FuzzTarget
	Duration    time.Duration
	ArtifactDir string   // crash inputs are written here
	CorpusDir   string   // optional, a temporary corpus is used when empty
	Sanitizer   string
	Env         []string // extra KEY=VALUE pairs for the target process
}

type FuzzOutcome struct {
	Output   []byte // combined stdout and stderr, tail-truncated
	Testcase string // crash input, empty when the fuzzer wrote none
	ExitCode int    // -1 when the process was ended by a signal
}

// Crashed reports whether the process ended abnormally after printing a
// sanitizer or libFuzzer error report.
func (o FuzzOutcome) Crashed() bool {
	return o.ExitCode != 0 && parser.HasCrashSignature(o.Output)
}

// Triager classifies a crash once it has been stored.
type Triager interface {
	Triage(ctx context.Context, req triage.Request) types.TriageVerdict
}
