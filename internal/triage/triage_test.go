package triage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"b3cifuzz/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type replay struct {
	crashes bool
	err     error
}

type fakeReproducer struct {
	mu      sync.Mutex
	results map[string]replay // keyed by binary path
	calls   []string
}

func (f *fakeReproducer) Reproduce(_ context.Context, targetPath, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, targetPath)
	r := f.results[targetPath]
	return r.crashes, r.err
}

type fakeBaseline struct {
	dir   string
	err   error
	calls int
}

func (f *fakeBaseline) Fetch(context.Context, string, string, string) (string, error) {
	f.calls++
	return f.dir, f.err
}

func TestTriageVerdicts(t *testing.T) {
	baselineDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(baselineDir, "x_fuzzer"), []byte("bin"), 0o755))
	current := "/ws/out/x_fuzzer"
	old := filepath.Join(baselineDir, "x_fuzzer")

	tests := []struct {
		name     string
		current  replay
		baseline *fakeBaseline
		old      replay
		testcase string
		want     types.TriageVerdict
	}{
		{
			name:     "crashes now, not before",
			current:  replay{crashes: true},
			baseline: &fakeBaseline{dir: baselineDir},
			old:      replay{crashes: false},
			want:     types.VerdictNewBug,
		},
		{
			name:     "crashes now and before",
			current:  replay{crashes: true},
			baseline: &fakeBaseline{dir: baselineDir},
			old:      replay{crashes: true},
			want:     types.VerdictPreExisting,
		},
		{
			name:     "does not reproduce",
			current:  replay{crashes: false},
			baseline: &fakeBaseline{dir: baselineDir},
			want:     types.VerdictNoCrash,
		},
		{
			name:     "baseline unavailable",
			current:  replay{crashes: true},
			baseline: &fakeBaseline{err: ErrNoBaseline},
			want:     types.VerdictInconclusive,
		},
		{
			name:     "target missing from baseline",
			current:  replay{crashes: true},
			baseline: &fakeBaseline{dir: t.TempDir()},
			want:     types.VerdictInconclusive,
		},
		{
			name:     "current replay infrastructure error",
			current:  replay{err: errors.New("exec format error")},
			baseline: &fakeBaseline{dir: baselineDir},
			want:     types.VerdictInconclusive,
		},
		{
			name:     "baseline replay infrastructure error",
			current:  replay{crashes: true},
			baseline: &fakeBaseline{dir: baselineDir},
			old:      replay{err: errors.New("killed")},
			want:     types.VerdictInconclusive,
		},
		{
			name:     "no testcase",
			current:  replay{crashes: true},
			baseline: &fakeBaseline{dir: baselineDir},
			testcase: "-",
			want:     types.VerdictInconclusive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := &fakeReproducer{results: map[string]replay{current: tt.current, old: tt.old}}
			engine := NewEngine(rep, tt.baseline, zap.NewNop())

			testcase := "/ws/out/artifacts/x_fuzzer/crash-1"
			if tt.testcase == "-" {
				testcase = ""
			}
			got := engine.Triage(context.Background(), Request{
				Target:      types.FuzzTarget{Name: "x_fuzzer", Path: current},
				Testcase:    testcase,
				Project:     "proj",
				Sanitizer:   "address",
				BaselineDir: "/ws/out/oss_fuzz_latest",
			})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTriageSkipsBaselineWhenNotReproducible(t *testing.T) {
	rep := &fakeReproducer{results: map[string]replay{}}
	baseline := &fakeBaseline{dir: t.TempDir()}
	engine := NewEngine(rep, baseline, zap.NewNop())

	got := engine.Triage(context.Background(), Request{
		Target:   types.FuzzTarget{Name: "x", Path: "/out/x"},
		Testcase: "/tc",
	})
	assert.Equal(t, types.VerdictNoCrash, got)
	assert.Equal(t, 0, baseline.calls)
	assert.Equal(t, []string{"/out/x"}, rep.calls)
}

func TestTriageWithoutBaselineProvider(t *testing.T) {
	rep := &fakeReproducer{results: map[string]replay{"/out/x": {crashes: true}}}
	engine := NewEngine(rep, nil, zap.NewNop())

	got := engine.Triage(context.Background(), Request{
		Target:   types.FuzzTarget{Name: "x", Path: "/out/x"},
		Testcase: "/tc",
	})
	assert.Equal(t, types.VerdictInconclusive, got)
}
