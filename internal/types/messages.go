package types

import "time"

// CrashMessage is what the result sinks receive for every crash observed during a run.
type CrashMessage struct {
	RunID        string        `json:"run_id"`
	Project      string        `json:"project"`
	Target       string        `json:"target"`
	Sanitizer    string        `json:"sanitizer"`
	Architecture string        `json:"architecture"`
	Testcase     string        `json:"testcase"`      // stored copy under the artifact dir
	TestcaseMD5  string        `json:"testcase_md5"`  // dedup key
	SummaryPath  string        `json:"summary_path"`  // empty when the output had no recognizable report
	CrashType    string        `json:"crash_type"`
	Tool         string        `json:"tool"`
	Verdict      TriageVerdict `json:"verdict"`
	Duplicate    bool          `json:"duplicate"`
	Timestamp    time.Time     `json:"timestamp"`
}

// RunMessage summarizes a finished run.
type RunMessage struct {
	RunID      string    `json:"run_id"`
	Project    string    `json:"project"`
	Sanitizer  string    `json:"sanitizer"`
	Targets    int       `json:"targets"`
	RunSuccess bool      `json:"run_success"`
	BugFound   bool      `json:"bug_found"`
	Timestamp  time.Time `json:"timestamp"`
}
