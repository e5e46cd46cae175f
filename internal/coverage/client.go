// Package coverage reads the historical per-target coverage reports that
// OSS-Fuzz publishes for every project.
package coverage

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"b3cifuzz/config"
	"b3cifuzz/internal/types"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.+-]*$`)

type memoEntry struct {
	body []byte
	ok   bool
}

// Client answers coverage questions. Every lookup is reported as present or
// absent; failures never surface as errors. Each distinct URL is fetched at
// most once per Client.
type Client struct {
	fetcher ReportFetcher
	baseURL string
	logger  *zap.Logger

	group singleflight.Group
	mu    sync.Mutex
	memo  map[string]memoEntry
}

func NewClient(fetcher ReportFetcher, cfg config.CoreConfig, logger *zap.Logger) *Client {
	return &Client{
		fetcher: fetcher,
		baseURL: strings.TrimRight(cfg.CoverageStorageURL, "/"),
		logger:  logger.Named("coverage"),
		memo:    make(map[string]memoEntry),
	}
}

// LatestReportInfo returns the newest coverage report handle of project.
func (c *Client) LatestReportInfo(ctx context.Context, project string) types.Optional[ReportInfo] {
	if !namePattern.MatchString(project) {
		c.logger.Debug("invalid project name", zap.String("project", project))
		return types.None[ReportInfo]()
	}
	url := c.baseURL + "/oss-fuzz-coverage/latest_report_info/" + project + ".json"

	var info ReportInfo
	if !c.getJSON(ctx, url, &info) {
		return types.None[ReportInfo]()
	}
	return types.Some(info)
}

// TargetCoverage returns the coverage export of target from the report described by info.
func (c *Client) TargetCoverage(ctx context.Context, info ReportInfo, target string) types.Optional[TargetReport] {
	if !namePattern.MatchString(target) {
		c.logger.Debug("invalid target name", zap.String("target", target))
		return types.None[TargetReport]()
	}
	statsDir := strings.Trim(strings.TrimPrefix(info.FuzzerStatsDir, "gs://"), "/")
	if statsDir == "" {
		c.logger.Debug("report info has no fuzzer_stats_dir", zap.String("report_date", info.ReportDate))
		return types.None[TargetReport]()
	}
	url := c.baseURL + "/" + statsDir + "/" + target + ".json"

	var report TargetReport
	if !c.getJSON(ctx, url, &report) {
		return types.None[TargetReport]()
	}
	return types.Some(report)
}

// FilesCoveredByTarget returns the files under srcPath that target exercised,
// relative to srcPath. An empty set is reported as absent.
func (c *Client) FilesCoveredByTarget(ctx context.Context, info ReportInfo, target, srcPath string) types.Optional[[]string] {
	root := types.NormalizePath(srcPath)
	if root == "" {
		return types.None[[]string]()
	}
	report, ok := c.TargetCoverage(ctx, info, target).Get()
	if !ok {
		return types.None[[]string]()
	}

	var covered []string
	for _, f := range report.Files() {
		if f.Summary.Regions.Covered <= 0 {
			continue
		}
		name := types.NormalizePath(f.Filename)
		rel, found := strings.CutPrefix(name, root+"/")
		if !found || rel == "" {
			continue
		}
		covered = append(covered, rel)
	}
	if len(covered) == 0 {
		return types.None[[]string]()
	}
	return types.Some(covered)
}

func (c *Client) getJSON(ctx context.Context, url string, v any) bool {
	body, ok := c.fetch(ctx, url)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		c.logger.Debug("coverage document is not valid JSON", zap.String("url", url), zap.Error(err))
		return false
	}
	return true
}

func (c *Client) fetch(ctx context.Context, url string) ([]byte, bool) {
	c.mu.Lock()
	entry, hit := c.memo[url]
	c.mu.Unlock()
	if hit {
		return entry.body, entry.ok
	}

	v, _, _ := c.group.Do(url, func() (any, error) {
		c.mu.Lock()
		if entry, hit := c.memo[url]; hit {
			c.mu.Unlock()
			return entry, nil
		}
		c.mu.Unlock()

		body, err := c.fetcher.Fetch(ctx, url)
		entry := memoEntry{body: body, ok: err == nil}
		if err != nil {
			c.logger.Debug("coverage fetch failed", zap.String("url", url), zap.Error(err))
		}

		c.mu.Lock()
		c.memo[url] = entry
		c.mu.Unlock()
		return entry, nil
	})
	entry = v.(memoEntry)
	return entry.body, entry.ok
}
