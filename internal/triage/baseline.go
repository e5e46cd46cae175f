package triage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"b3cifuzz/config"
	"b3cifuzz/internal/utils"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrNoBaseline means the project has never had a released build.
var ErrNoBaseline = errors.New("no baseline build")

// versionMarker holds the name of the build unpacked into a baseline dir.
const versionMarker = ".baseline_version"

type baselineResult struct {
	dir string
	err error
}

// HTTPBaseline downloads the latest released build from the builds bucket:
// <builds>/<project>/<project>-<sanitizer>-latest.version names the zip to
// fetch next to it. Each destination directory is populated at most once per
// project and sanitizer, and a directory left by an earlier run is reused only
// when it holds the build the version file currently names.
type HTTPBaseline struct {
	client    *http.Client
	buildsURL string
	logger    *zap.Logger

	group singleflight.Group
	mu    sync.Mutex
	ready map[string]baselineResult
}

func NewHTTPBaseline(cfg config.CoreConfig, logger *zap.Logger) *HTTPBaseline {
	return &HTTPBaseline{
		client:    &http.Client{Timeout: cfg.HTTPTimeout * 10},
		buildsURL: strings.TrimRight(cfg.BuildsStorageURL, "/"),
		logger:    logger.Named("baseline"),
		ready:     make(map[string]baselineResult),
	}
}

func (b *HTTPBaseline) Fetch(ctx context.Context, project, sanitizer, destDir string) (string, error) {
	if project == "" || sanitizer == "" {
		return "", ErrNoBaseline
	}

	key := destDir + "\x00" + project + "\x00" + sanitizer
	b.mu.Lock()
	res, ok := b.ready[key]
	b.mu.Unlock()
	if ok {
		return res.dir, res.err
	}

	v, _, _ := b.group.Do(key, func() (any, error) {
		b.mu.Lock()
		if res, ok := b.ready[key]; ok {
			b.mu.Unlock()
			return res, nil
		}
		b.mu.Unlock()

		dir, err := b.download(ctx, project, sanitizer, destDir)
		res := baselineResult{dir, err}
		b.mu.Lock()
		b.ready[key] = res
		b.mu.Unlock()
		return res, nil
	})
	res = v.(baselineResult)
	return res.dir, res.err
}

func (b *HTTPBaseline) download(ctx context.Context, project, sanitizer, destDir string) (string, error) {
	versionURL := fmt.Sprintf("%s/%s/%s-%s-latest.version", b.buildsURL, project, project, sanitizer)
	version, err := b.readSmall(ctx, versionURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoBaseline, err)
	}
	version = strings.TrimSpace(version)
	if version == "" || strings.ContainsAny(version, "/\\") {
		return "", fmt.Errorf("%w: bad version file content %q", ErrNoBaseline, version)
	}

	marker := filepath.Join(destDir, versionMarker)
	if onDisk, err := os.ReadFile(marker); err == nil && strings.TrimSpace(string(onDisk)) == version {
		b.logger.Debug("reusing baseline build on disk", zap.String("dir", destDir), zap.String("version", version))
		return destDir, nil
	}
	if err := os.RemoveAll(destDir); err != nil {
		return "", fmt.Errorf("clear stale baseline dir: %w", err)
	}

	archive, err := os.CreateTemp("", "baseline-*.zip")
	if err != nil {
		return "", fmt.Errorf("create temp archive: %w", err)
	}
	defer os.Remove(archive.Name())
	defer archive.Close()

	zipURL := fmt.Sprintf("%s/%s/%s", b.buildsURL, project, version)
	b.logger.Info("downloading baseline build", zap.String("url", zipURL))
	if err := b.saveTo(ctx, zipURL, archive); err != nil {
		return "", err
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create baseline dir: %w", err)
	}
	if err := utils.Unzip(archive.Name(), destDir); err != nil {
		os.RemoveAll(destDir)
		return "", fmt.Errorf("unpack baseline build: %w", err)
	}
	if err := os.WriteFile(marker, []byte(version+"\n"), 0o644); err != nil {
		b.logger.Warn("failed to record baseline version", zap.String("dir", destDir), zap.Error(err))
	}
	return destDir, nil
}

func (b *HTTPBaseline) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("get %s: unexpected status %d", url, resp.StatusCode)
	}
	return resp, nil
}

func (b *HTTPBaseline) readSmall(ctx context.Context, url string) (string, error) {
	resp, err := b.get(ctx, url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", url, err)
	}
	return string(body), nil
}

func (b *HTTPBaseline) saveTo(ctx context.Context, url string, dst io.Writer) error {
	resp, err := b.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	return nil
}
