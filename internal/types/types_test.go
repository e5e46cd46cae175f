package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChangeSetNormalizesAndDedups(t *testing.T) {
	c := NewChangeSet([]string{"./lib/a.c", "lib/a.c", "/src/../lib/b.c", "", "  "})

	assert.True(t, c.Known())
	assert.Equal(t, []string{"lib/a.c", "lib/b.c"}, c.Files())
	assert.True(t, c.Contains("lib//a.c"))
	assert.False(t, c.Contains("lib/c.c"))
	assert.True(t, c.Intersects([]string{"x.c", "lib/b.c"}))
}

func TestChangeSetUnknownAndEmpty(t *testing.T) {
	assert.False(t, UnknownChangeSet().Known())
	assert.False(t, NewChangeSet(nil).Known())
	assert.False(t, UnknownChangeSet().Intersects([]string{"a.c"}))
}

func TestOptional(t *testing.T) {
	v, ok := Some(3).Get()
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	_, ok = None[int]().Get()
	assert.False(t, ok)
	assert.Equal(t, "x", None[string]().OrElse("x"))
}

func TestVerdictReportable(t *testing.T) {
	cases := map[TriageVerdict]bool{
		VerdictNoCrash:      false,
		VerdictPreExisting:  false,
		VerdictNewBug:       true,
		VerdictInconclusive: true,
		VerdictUntriaged:    true,
	}
	for verdict, want := range cases {
		assert.Equal(t, want, verdict.Reportable(), verdict.String())
	}

	r := RunResult{Crashed: false, Verdict: VerdictNewBug}
	assert.False(t, r.BugFound())
}
