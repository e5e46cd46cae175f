package selector

import (
	"context"
	"sync"
	"testing"

	"b3cifuzz/config"
	"b3cifuzz/internal/coverage"
	"b3cifuzz/internal/types"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeCoverage struct {
	hasReport bool
	covered   map[string][]string // target -> files; missing key means unknown
}

func (f *fakeCoverage) LatestReportInfo(context.Context, string) types.Optional[coverage.ReportInfo] {
	if !f.hasReport {
		return types.None[coverage.ReportInfo]()
	}
	return types.Some(coverage.ReportInfo{ReportDate: "20240101"})
}

func (f *fakeCoverage) FilesCoveredByTarget(_ context.Context, _ coverage.ReportInfo, target, _ string) types.Optional[[]string] {
	files, ok := f.covered[target]
	if !ok {
		return types.None[[]string]()
	}
	return types.Some(files)
}

type releaseRecorder struct {
	mu       sync.Mutex
	released []string
}

func (r *releaseRecorder) release(t types.FuzzTarget) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, t.Name)
	return nil
}

func fuzzTargets(names ...string) []types.FuzzTarget {
	out := make([]types.FuzzTarget, 0, len(names))
	for _, n := range names {
		out = append(out, types.FuzzTarget{Name: n, Path: "/out/" + n})
	}
	return out
}

func names(ts []types.FuzzTarget) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Name)
	}
	return out
}

func TestSelect(t *testing.T) {
	project := types.Project{Name: "proj", SrcPath: "/src/proj"}
	tests := []struct {
		name     string
		coverage *fakeCoverage
		changes  types.ChangeSet
		want     []string
		released []string
	}{
		{
			name: "keeps only intersecting targets",
			coverage: &fakeCoverage{hasReport: true, covered: map[string][]string{
				"a_fuzzer": {"lib/a.c", "lib/common.c"},
				"b_fuzzer": {"lib/b.c"},
			}},
			changes:  types.NewChangeSet([]string{"lib/a.c"}),
			want:     []string{"a_fuzzer"},
			released: []string{"b_fuzzer"},
		},
		{
			name: "unknown coverage keeps the target",
			coverage: &fakeCoverage{hasReport: true, covered: map[string][]string{
				"b_fuzzer": {"lib/b.c"},
			}},
			changes:  types.NewChangeSet([]string{"lib/a.c"}),
			want:     []string{"a_fuzzer"},
			released: []string{"b_fuzzer"},
		},
		{
			name:     "unknown change set is identity",
			coverage: &fakeCoverage{hasReport: true, covered: map[string][]string{"a_fuzzer": {}, "b_fuzzer": {}}},
			changes:  types.UnknownChangeSet(),
			want:     []string{"a_fuzzer", "b_fuzzer"},
		},
		{
			name:     "empty change set is identity",
			coverage: &fakeCoverage{hasReport: true, covered: map[string][]string{"a_fuzzer": {}, "b_fuzzer": {}}},
			changes:  types.NewChangeSet(nil),
			want:     []string{"a_fuzzer", "b_fuzzer"},
		},
		{
			name:     "missing report fails open",
			coverage: &fakeCoverage{hasReport: false},
			changes:  types.NewChangeSet([]string{"lib/a.c"}),
			want:     []string{"a_fuzzer", "b_fuzzer"},
		},
		{
			name: "normalized paths match",
			coverage: &fakeCoverage{hasReport: true, covered: map[string][]string{
				"a_fuzzer": {"lib/x.c"},
				"b_fuzzer": {"src/./b.c"},
			}},
			changes:  types.NewChangeSet([]string{"./src/b.c"}),
			want:     []string{"b_fuzzer"},
			released: []string{"a_fuzzer"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &releaseRecorder{}
			cfg := config.DefaultCoreConfig()
			cfg.ExecutionSlots = 2
			s := NewSelector(tt.coverage, cfg, zap.NewNop()).WithRelease(rec.release)

			got := s.Select(context.Background(), fuzzTargets("a_fuzzer", "b_fuzzer"), tt.changes, project)

			assert.Equal(t, tt.want, names(got))
			assert.ElementsMatch(t, tt.released, rec.released)
		})
	}
}

func TestSelectPreservesInputOrder(t *testing.T) {
	cov := &fakeCoverage{hasReport: true, covered: map[string][]string{}}
	all := []string{"e", "d", "c", "b", "a"}
	for _, n := range all {
		cov.covered[n] = []string{"x.c"}
	}
	cfg := config.DefaultCoreConfig()
	cfg.ExecutionSlots = 4
	s := NewSelector(cov, cfg, zap.NewNop()).WithRelease(func(types.FuzzTarget) error { return nil })

	got := s.Select(context.Background(), fuzzTargets(all...), types.NewChangeSet([]string{"x.c"}), types.Project{Name: "p"})
	assert.Equal(t, all, names(got))
}
