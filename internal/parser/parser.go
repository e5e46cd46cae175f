// Package parser extracts the sanitizer report from raw fuzzer output.
package parser

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"b3cifuzz/internal/types"
)

const SummaryFileName = "bug_summary.txt"

// startMarkers open a report. The value is the tool name recorded in the summary.
var startMarkers = []struct {
	marker string
	tool   string
}{
	{"AddressSanitizer", "AddressSanitizer"},
	{"ASAN:", "AddressSanitizer"},
	{"CFI: Most likely a control flow integrity violation", "CFI"},
	{"ERROR: libFuzzer", "libFuzzer"},
	{"KASAN:", "KASAN"},
	{"LeakSanitizer", "LeakSanitizer"},
	{"MemorySanitizer", "MemorySanitizer"},
	{"ThreadSanitizer", "ThreadSanitizer"},
	{"UndefinedBehaviorSanitizer", "UndefinedBehaviorSanitizer"},
	{"UndefinedSanitizer", "UndefinedBehaviorSanitizer"},
}

var endMarkers = []string{
	"ABORTING",
	"END MEMORY TOOL REPORT",
	"End of process memory map.",
	"END_KASAN_OUTPUT",
	"SUMMARY:",
	"Shadow byte and word",
	"[end of stack trace]",
	"\nExiting",
	"minidump has been written",
}

var (
	errorLineRe   = regexp.MustCompile(`ERROR: [^:\s]+: ([^\s]+)`)
	summaryLineRe = regexp.MustCompile(`(?m)^SUMMARY: [^:\s]+: ([^\s]+)`)

	// lines a tool prints only when it reports an error, never for warnings
	errorReportRe = regexp.MustCompile(`(?m)(?:^|==\d+==\s*)ERROR: (?:[A-Za-z]+Sanitizer|libFuzzer):` +
		`|^SUMMARY: (?:[A-Za-z]+Sanitizer|libFuzzer):` +
		`|CFI: Most likely a control flow integrity violation`)
)

// first words of reports whose crash type is a phrase
var crashTypeAliases = map[string]string{
	"deadly":   "deadly-signal",
	"detected": "memory-leak",
}

// HasCrashSignature reports whether output carries a sanitizer or libFuzzer
// error report. A tool name on its own, as in a sanitizer WARNING line, is not
// enough.
func HasCrashSignature(output []byte) bool {
	return errorReportRe.Match(output)
}

// Parse returns the report contained in output, or nil when no start marker
// is present. The report spans from the beginning of the line holding the
// earliest start marker to the end of the line holding the earliest end
// marker after it (or to the end of output when there is none).
func Parse(output []byte) *types.BugSummary {
	start, tool := findStart(output)
	if start < 0 {
		return nil
	}
	lineStart := bytes.LastIndexByte(output[:start], '\n') + 1

	end := len(output)
	rest := output[start:]
	best := -1
	for _, m := range endMarkers {
		idx := bytes.Index(rest, []byte(m))
		if idx >= 0 && (best < 0 || idx < best) {
			best = idx
			end = start + idx + len(m)
		}
	}
	if best >= 0 {
		if nl := bytes.IndexByte(output[end:], '\n'); nl >= 0 {
			end += nl + 1
		} else {
			end = len(output)
		}
	}

	text := string(output[lineStart:end])
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return &types.BugSummary{
		Tool:      tool,
		CrashType: crashType(text),
		Text:      text,
	}
}

func findStart(output []byte) (int, string) {
	start, tool := -1, ""
	for _, m := range startMarkers {
		idx := bytes.Index(output, []byte(m.marker))
		if idx >= 0 && (start < 0 || idx < start) {
			start, tool = idx, m.tool
		}
	}
	return start, tool
}

func crashType(text string) string {
	for _, re := range []*regexp.Regexp{errorLineRe, summaryLineRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			if alias, ok := crashTypeAliases[m[1]]; ok {
				return alias
			}
			return m[1]
		}
	}
	return ""
}

// WriteSummary writes summary to dir/bug_summary.txt. A nil summary writes
// nothing and returns an empty path.
func WriteSummary(dir string, summary *types.BugSummary) (string, error) {
	if summary == nil {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create summary dir: %w", err)
	}
	path := filepath.Join(dir, SummaryFileName)
	if err := os.WriteFile(path, []byte(summary.Text), 0o644); err != nil {
		return "", fmt.Errorf("write bug summary: %w", err)
	}
	return path, nil
}

// ParseAndWrite parses output and writes the summary into dir when one is found.
func ParseAndWrite(output []byte, dir string) (*types.BugSummary, string, error) {
	summary := Parse(output)
	path, err := WriteSummary(dir, summary)
	if err != nil {
		return nil, "", err
	}
	return summary, path, nil
}
