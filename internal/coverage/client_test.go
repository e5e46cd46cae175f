package coverage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"b3cifuzz/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const base = "https://storage.example"

type fakeFetcher struct {
	mu    sync.Mutex
	docs  map[string]string
	calls map[string]int
}

func newFakeFetcher(docs map[string]string) *fakeFetcher {
	return &fakeFetcher{docs: docs, calls: make(map[string]int)}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	doc, ok := f.docs[url]
	if !ok {
		return nil, errors.New("404")
	}
	return []byte(doc), nil
}

func newTestClient(f ReportFetcher) *Client {
	cfg := config.DefaultCoreConfig()
	cfg.CoverageStorageURL = base + "/"
	return NewClient(f, cfg, zap.NewNop())
}

const curlInfo = `{"fuzzer_stats_dir": "gs://oss-fuzz-coverage/curl/fuzzer_stats/20200226",
 "html_report_url": "https://storage.googleapis.com/oss-fuzz-coverage/curl/reports/20200226/linux/index.html",
 "report_date": "20200226",
 "report_summary_path": "gs://oss-fuzz-coverage/curl/reports/20200226/linux/summary.json"}`

const curlFuzzer = `{"data": [{"files": [
 {"filename": "/src/curl/lib/url.c", "summary": {"regions": {"count": 10, "covered": 4}}},
 {"filename": "/src/curl/lib/unused.c", "summary": {"regions": {"count": 3, "covered": 0}}},
 {"filename": "/src/curl/./lib/http.c", "summary": {"regions": {"count": 8, "covered": 8}}},
 {"filename": "/usr/include/stdio.h", "summary": {"regions": {"count": 2, "covered": 2}}}
]}], "type": "llvm.coverage.json.export", "version": "2.0.0"}`

func curlDocs() map[string]string {
	return map[string]string{
		base + "/oss-fuzz-coverage/latest_report_info/curl.json":                   curlInfo,
		base + "/oss-fuzz-coverage/curl/fuzzer_stats/20200226/curl_fuzzer.json":    curlFuzzer,
		base + "/oss-fuzz-coverage/curl/fuzzer_stats/20200226/garbage_fuzzer.json": "<html>",
		base + "/oss-fuzz-coverage/curl/fuzzer_stats/20200226/outside_fuzzer.json": `{"data": [{"files": [{"filename": "/src/other/a.c", "summary": {"regions": {"covered": 1}}}]}]}`,
		base + "/oss-fuzz-coverage/latest_report_info/broken.json":                 "not json",
	}
}

func TestLatestReportInfo(t *testing.T) {
	c := newTestClient(newFakeFetcher(curlDocs()))

	info, ok := c.LatestReportInfo(context.Background(), "curl").Get()
	require.True(t, ok)
	assert.Equal(t, "gs://oss-fuzz-coverage/curl/fuzzer_stats/20200226", info.FuzzerStatsDir)
	assert.Equal(t, "20200226", info.ReportDate)
}

func TestLatestReportInfoAbsent(t *testing.T) {
	c := newTestClient(newFakeFetcher(curlDocs()))
	ctx := context.Background()

	for _, project := range []string{"", "not-a-proj", "broken", "../etc/passwd", "a b"} {
		assert.False(t, c.LatestReportInfo(ctx, project).IsPresent(), project)
	}
}

func TestTargetCoverage(t *testing.T) {
	c := newTestClient(newFakeFetcher(curlDocs()))
	ctx := context.Background()
	info, _ := c.LatestReportInfo(ctx, "curl").Get()

	report, ok := c.TargetCoverage(ctx, info, "curl_fuzzer").Get()
	require.True(t, ok)
	assert.Len(t, report.Files(), 4)

	assert.False(t, c.TargetCoverage(ctx, info, "").IsPresent())
	assert.False(t, c.TargetCoverage(ctx, info, "missing_fuzzer").IsPresent())
	assert.False(t, c.TargetCoverage(ctx, info, "garbage_fuzzer").IsPresent())
	assert.False(t, c.TargetCoverage(ctx, ReportInfo{}, "curl_fuzzer").IsPresent())
}

func TestFilesCoveredByTarget(t *testing.T) {
	c := newTestClient(newFakeFetcher(curlDocs()))
	ctx := context.Background()
	info, _ := c.LatestReportInfo(ctx, "curl").Get()

	files, ok := c.FilesCoveredByTarget(ctx, info, "curl_fuzzer", "/src/curl/").Get()
	require.True(t, ok)
	assert.Equal(t, []string{"lib/url.c", "lib/http.c"}, files)

	assert.False(t, c.FilesCoveredByTarget(ctx, info, "outside_fuzzer", "/src/curl").IsPresent())
	assert.False(t, c.FilesCoveredByTarget(ctx, info, "curl_fuzzer", "").IsPresent())
}

func TestFetchIsMemoized(t *testing.T) {
	f := newFakeFetcher(curlDocs())
	c := newTestClient(f)
	ctx := context.Background()
	info, _ := c.LatestReportInfo(ctx, "curl").Get()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.FilesCoveredByTarget(ctx, info, "curl_fuzzer", "/src/curl")
			c.TargetCoverage(ctx, info, "missing_fuzzer")
		}()
	}
	wg.Wait()
	c.LatestReportInfo(ctx, "curl")

	f.mu.Lock()
	defer f.mu.Unlock()
	for url, n := range f.calls {
		assert.Equal(t, 1, n, url)
	}
}

func TestHTTPFetcher(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/oss-fuzz-coverage/latest_report_info/curl.json":
			w.Write([]byte(curlInfo))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := config.DefaultCoreConfig()
	cfg.CoverageStorageURL = srv.URL
	c := NewClient(NewHTTPFetcher(time.Second), cfg, zap.NewNop())
	ctx := context.Background()

	assert.True(t, c.LatestReportInfo(ctx, "curl").IsPresent())
	assert.False(t, c.LatestReportInfo(ctx, "zlib").IsPresent())
	assert.False(t, c.LatestReportInfo(ctx, "zlib").IsPresent())
	assert.Equal(t, int32(2), hits.Load())
}
