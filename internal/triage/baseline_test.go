package triage

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"b3cifuzz/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		hdr := &zip.FileHeader{Name: name}
		hdr.SetMode(0o755)
		fw, err := w.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func newBaselineServer(t *testing.T, archive []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var zipHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/proj/proj-address-latest.version":
			w.Write([]byte("proj-address-202401010000.zip\n"))
		case "/proj/proj-address-202401010000.zip":
			zipHits.Add(1)
			w.Write(archive)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &zipHits
}

func newTestBaseline(url string) *HTTPBaseline {
	cfg := config.DefaultCoreConfig()
	cfg.BuildsStorageURL = url
	return NewHTTPBaseline(cfg, zap.NewNop())
}

func TestHTTPBaselineDownloadsOnce(t *testing.T) {
	srv, zipHits := newBaselineServer(t, buildZip(t, map[string]string{"x_fuzzer": "old build"}))
	b := newTestBaseline(srv.URL)
	dest := filepath.Join(t.TempDir(), "oss_fuzz_latest")

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dir, err := b.Fetch(context.Background(), "proj", "address", dest)
			assert.NoError(t, err)
			assert.Equal(t, dest, dir)
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(filepath.Join(dest, "x_fuzzer"))
	require.NoError(t, err)
	assert.Equal(t, "old build", string(data))
	assert.Equal(t, int32(1), zipHits.Load())
}

func TestHTTPBaselineUnknownProject(t *testing.T) {
	srv, _ := newBaselineServer(t, nil)
	b := newTestBaseline(srv.URL)
	dest := filepath.Join(t.TempDir(), "oss_fuzz_latest")

	_, err := b.Fetch(context.Background(), "other", "address", dest)
	assert.ErrorIs(t, err, ErrNoBaseline)

	_, err = b.Fetch(context.Background(), "", "address", dest)
	assert.ErrorIs(t, err, ErrNoBaseline)
}

func TestHTTPBaselineReusesDirHoldingCurrentVersion(t *testing.T) {
	srv, zipHits := newBaselineServer(t, buildZip(t, map[string]string{"x_fuzzer": "fresh"}))
	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, "x_fuzzer"), []byte("cached"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, versionMarker), []byte("proj-address-202401010000.zip\n"), 0o644))

	dir, err := newTestBaseline(srv.URL).Fetch(context.Background(), "proj", "address", dest)
	require.NoError(t, err)
	assert.Equal(t, dest, dir)
	assert.Zero(t, zipHits.Load())

	data, err := os.ReadFile(filepath.Join(dest, "x_fuzzer"))
	require.NoError(t, err)
	assert.Equal(t, "cached", string(data))
}

func TestHTTPBaselineReplacesStaleDir(t *testing.T) {
	tests := []struct {
		name   string
		marker string // empty: no marker on disk
	}{
		{"no marker", ""},
		{"other sanitizer", "proj-undefined-202401010000.zip"},
		{"older build", "proj-address-202312310000.zip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, zipHits := newBaselineServer(t, buildZip(t, map[string]string{"x_fuzzer": "fresh"}))
			dest := filepath.Join(t.TempDir(), "oss_fuzz_latest")
			require.NoError(t, os.MkdirAll(dest, 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(dest, "x_fuzzer"), []byte("stale"), 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(dest, "leftover_fuzzer"), []byte("stale"), 0o755))
			if tt.marker != "" {
				require.NoError(t, os.WriteFile(filepath.Join(dest, versionMarker), []byte(tt.marker), 0o644))
			}

			_, err := newTestBaseline(srv.URL).Fetch(context.Background(), "proj", "address", dest)
			require.NoError(t, err)
			assert.Equal(t, int32(1), zipHits.Load())

			data, err := os.ReadFile(filepath.Join(dest, "x_fuzzer"))
			require.NoError(t, err)
			assert.Equal(t, "fresh", string(data))
			assert.NoFileExists(t, filepath.Join(dest, "leftover_fuzzer"))

			marker, err := os.ReadFile(filepath.Join(dest, versionMarker))
			require.NoError(t, err)
			assert.Equal(t, "proj-address-202401010000.zip\n", string(marker))
		})
	}
}
