package coverage

// ReportInfo is the latest_report_info document of a project. It is the
// handle used to locate per-target coverage of the same report date.
type ReportInfo struct {
	FuzzerStatsDir    string `json:"fuzzer_stats_dir"`
	HTMLReportURL     string `json:"html_report_url"`
	ReportDate        string `json:"report_date"`
	ReportSummaryPath string `json:"report_summary_path"`
}

// TargetReport is the llvm-cov JSON export written for one fuzz target.
type TargetReport struct {
	Data []struct {
		Files []FileCoverage `json:"files"`
	} `json:"data"`
	Type    string `json:"type"`
	Version string `json:"version"`
}

type FileCoverage struct {
	Filename string      `json:"filename"`
	Summary  FileSummary `json:"summary"`
}

type FileSummary struct {
	Functions Metric `json:"functions"`
	Lines     Metric `json:"lines"`
	Regions   Metric `json:"regions"`
}

type Metric struct {
	Count   int     `json:"count"`
	Covered int     `json:"covered"`
	Percent float64 `json:"percent"`
}

// Files returns the per-file entries of the first export, if any.
func (r TargetReport) Files() []FileCoverage {
	if len(r.Data) == 0 {
		return nil
	}
	return r.Data[0].Files
}
