package types

import "time"

type TriageVerdict string

const (
	VerdictNoCrash      TriageVerdict = "no_crash"
	VerdictNewBug       TriageVerdict = "new_bug"
	VerdictPreExisting  TriageVerdict = "pre_existing_bug"
	VerdictInconclusive TriageVerdict = "triage_inconclusive"
	VerdictUntriaged    TriageVerdict = "" // crash observed without a project history to compare against
)

// Reportable reports whether a crash with this verdict counts as a found bug.
func (v TriageVerdict) Reportable() bool {
	switch v {
	case VerdictNewBug, VerdictInconclusive, VerdictUntriaged:
		return true
	default:
		return false
	}
}

func (v TriageVerdict) String() string {
	if v == VerdictUntriaged {
		return "untriaged"
	}
	return string(v)
}

// BugSummary is the human readable extract of a sanitizer report.
type BugSummary struct {
	Tool      string
	CrashType string
	Text      string
}

func (b *BugSummary) String() string {
	if b == nil {
		return ""
	}
	return b.Text
}

// RunResult records what happened to one target during a run.
type RunResult struct {
	Target    FuzzTarget
	Scheduled time.Duration
	Elapsed   time.Duration
	Crashed   bool
	Output    []byte
	Testcase  string        // crash input written by the fuzzer, empty when none was found
	Summary   *BugSummary   // nil when the output held no recognizable report
	Verdict   TriageVerdict // only meaningful when Crashed
	InfraErr  error         // the target could not be run at all
	Skipped   bool          // the fuzzing budget ran out before the target started
}

func (r RunResult) BugFound() bool {
	return r.Crashed && r.Verdict.Reportable()
}
