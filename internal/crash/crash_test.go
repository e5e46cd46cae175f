package crash

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"b3cifuzz/internal/parser"
	"b3cifuzz/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	crashes []types.CrashMessage
	runs    []types.RunMessage
	err     error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) RecordCrash(_ context.Context, msg types.CrashMessage) error {
	s.crashes = append(s.crashes, msg)
	return s.err
}

func (s *recordingSink) RecordRun(_ context.Context, msg types.RunMessage) error {
	s.runs = append(s.runs, msg)
	return s.err
}

type fakePublisher struct {
	queue string
	body  []byte
}

func (f *fakePublisher) Publish(_ context.Context, queue string, body []byte) error {
	f.queue, f.body = queue, body
	return nil
}

func TestNewCrashManagerSkipsNilSinks(t *testing.T) {
	var nilSQL *SQLSink
	sink := &recordingSink{}
	m := NewCrashManager(CrashManagerParams{Logger: zap.NewNop(), Sinks: []Sink{nilSQL, nil, sink}})
	assert.Len(t, m.sinks, 1)
}

func TestStoreWritesTestcaseAndSummary(t *testing.T) {
	dir := t.TempDir()
	artifactDir := filepath.Join(dir, "artifacts", "x_fuzzer")
	require.NoError(t, os.MkdirAll(artifactDir, 0o755))
	crashFile := filepath.Join(artifactDir, "crash-abc")
	require.NoError(t, os.WriteFile(crashFile, []byte("abc"), 0o644))

	m := NewCrashManager(CrashManagerParams{Logger: zap.NewNop()})
	res := &types.RunResult{
		Target:   types.FuzzTarget{Name: "x_fuzzer"},
		Testcase: crashFile,
		Summary:  &types.BugSummary{Tool: "AddressSanitizer", Text: "==1==ERROR: AddressSanitizer: SEGV\n"},
	}

	stored, err := m.Store(artifactDir, res)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(artifactDir, TestcaseFileName), stored.Testcase)
	assert.Equal(t, filepath.Join(artifactDir, parser.SummaryFileName), stored.SummaryPath)
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", stored.TestcaseMD5)
	assert.False(t, stored.Duplicate)

	data, err := os.ReadFile(stored.Testcase)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))

	again, err := m.Store(artifactDir, res)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
}

func TestStoreWithoutSummaryWritesNoSummaryFile(t *testing.T) {
	artifactDir := t.TempDir()
	m := NewCrashManager(CrashManagerParams{Logger: zap.NewNop()})

	stored, err := m.Store(artifactDir, &types.RunResult{Target: types.FuzzTarget{Name: "x"}})
	require.NoError(t, err)
	assert.Empty(t, stored.SummaryPath)
	assert.Empty(t, stored.Testcase)

	entries, err := os.ReadDir(artifactDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReportFansOutAndDropsDuplicates(t *testing.T) {
	failing := &recordingSink{err: errors.New("down")}
	ok := &recordingSink{}
	m := NewCrashManager(CrashManagerParams{Logger: zap.NewNop(), Sinks: []Sink{failing, ok}})
	ctx := context.Background()

	m.Report(ctx, types.CrashMessage{Target: "a", Verdict: types.VerdictNewBug})
	m.Report(ctx, types.CrashMessage{Target: "a", Duplicate: true})
	m.Finish(ctx, types.RunMessage{RunID: "r"})

	assert.Len(t, failing.crashes, 1)
	assert.Len(t, ok.crashes, 1)
	assert.Len(t, ok.runs, 1)
}

func TestMQSinkPublishesReportableOnly(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewMQSink(MQSinkParams{MQ: pub})
	ctx := context.Background()

	require.NoError(t, sink.RecordCrash(ctx, types.CrashMessage{Target: "a", Verdict: types.VerdictPreExisting}))
	assert.Empty(t, pub.queue)

	require.NoError(t, sink.RecordCrash(ctx, types.CrashMessage{Target: "a", Verdict: types.VerdictNewBug}))
	assert.Equal(t, "triage_queue", pub.queue)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(pub.body, &decoded))
	assert.Equal(t, "new_bug", decoded["verdict"])

	assert.Nil(t, NewMQSink(MQSinkParams{}))
	assert.Nil(t, NewRedisSink(RedisSinkParams{}))
	assert.Nil(t, NewSQLSink(SQLSinkParams{}))
}
