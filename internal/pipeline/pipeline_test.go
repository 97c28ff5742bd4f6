package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/nconklindev/sheetsplit/internal/splitter"
	"github.com/nconklindev/sheetsplit/internal/storage"
	"github.com/nconklindev/sheetsplit/internal/store"
	"github.com/nconklindev/sheetsplit/internal/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// workbookBytes builds a one-sheet workbook with n data rows grouped into
// three departments.
func workbookBytes(t *testing.T, n int) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	depts := []string{"技术部", "市场部", "人事部"}
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"ID", "Name", "Dept"}))
	for i := 1; i <= n; i++ {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &[]any{i, fmt.Sprintf("person-%d", i), depts[(i-1)%3]}))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

type fixture struct {
	manager  *Manager
	archives *storage.Local
	records  *store.Store
	workDir  string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	root := t.TempDir()

	archives, err := storage.NewLocal(filepath.Join(root, "archives"))
	require.NoError(t, err)
	records, err := store.Open(filepath.Join(root, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })

	opts.WorkDir = filepath.Join(root, "work")
	m, err := NewManager(opts, archives, records, quietLogger())
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	return &fixture{manager: m, archives: archives, records: records, workDir: opts.WorkDir}
}

func (f *fixture) upload(t *testing.T, rows int) *Task {
	t.Helper()
	task, err := f.manager.Upload(context.Background(), bytes.NewReader(workbookBytes(t, rows)), "staff.xlsx")
	require.NoError(t, err)
	return task
}

func groupConfig() types.SplitConfig {
	return types.SplitConfig{
		Sheets:       []string{"Sheet1"},
		Mode:         types.ModeGroupColumn,
		GroupColumn:  "Dept",
		NamingRule:   types.NamingGroupValue,
		NamingColumn: "Dept",
	}
}

func collect(ch <-chan Event) []Event {
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateReading, true},
		{StateReading, StatePlanning, true},
		{StatePlanning, StateExecuting, true},
		{StateExecuting, StatePackaging, true},
		{StatePackaging, StateDone, true},
		{StateReading, StateFailed, true},
		{StatePackaging, StateFailed, true},
		{StateExecuting, StateCancelled, true},
		{StateIdle, StateFailed, false},
		{StateIdle, StateCancelled, false},
		{StatePackaging, StateCancelled, false},
		{StateDone, StateReading, false},
		{StateReading, StateExecuting, false},
		{StateCancelled, StateDone, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTask_ProgressIsMonotonic(t *testing.T) {
	task := NewTask("t", "f.xlsx", t.TempDir(), "")
	ch, _ := task.Subscribe()

	require.NoError(t, task.transition(StateReading, "reading"))
	task.progress(0.5, "half")
	task.progress(0.2, "half")
	require.NoError(t, task.transition(StatePlanning, "planning"))
	require.NoError(t, task.transition(StateExecuting, "executing"))
	task.progress(0.5, "rows")
	require.NoError(t, task.transition(StatePackaging, "packaging"))
	require.Error(t, task.Cancel())
	require.NoError(t, task.transition(StateDone, "done"))

	events := collect(ch)
	require.NotEmpty(t, events)
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Percent, events[i-1].Percent, "event %d", i)
	}
	last := events[len(events)-1]
	assert.Equal(t, StateDone, last.Stage)
	assert.Equal(t, 100, last.Percent)

	assert.ErrorIs(t, task.transition(StateReading, "again"), ErrIllegalTransition)
}

func TestTask_SlowSubscriberDoesNotBlock(t *testing.T) {
	task := NewTask("t", "f.xlsx", t.TempDir(), "")
	ch, stop := task.Subscribe()
	defer stop()

	require.NoError(t, task.transition(StateReading, "reading"))
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			task.progress(float64(i)/float64(subscriberBuffer*4), fmt.Sprintf("step %d", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("progress blocked on a full subscriber")
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestManager_SplitToArchive(t *testing.T) {
	f := newFixture(t, Options{ChunkRows: 10})
	task := f.upload(t, 90)

	snap := task.Snapshot()
	require.Len(t, snap.Sheets, 1)
	assert.Equal(t, 90, snap.Sheets[0].DataRows)
	assert.Equal(t, []string{"ID", "Name", "Dept"}, snap.Sheets[0].Headers)

	events, stop, err := f.manager.Subscribe(task.ID)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, f.manager.Start(task.ID, groupConfig()))
	got := collect(events)
	f.manager.Wait()

	snap = task.Snapshot()
	require.Equal(t, StateDone, snap.State, "reason: %s", snap.Reason)
	require.NotNil(t, snap.Result)
	assert.Equal(t, 3, snap.Result.FileCount)
	assert.Equal(t, "split_result_"+task.ID+".zip", snap.Result.ArchiveName)

	var stages []State
	for i, ev := range got {
		if i > 0 {
			assert.GreaterOrEqual(t, ev.Percent, got[i-1].Percent)
		}
		if len(stages) == 0 || stages[len(stages)-1] != ev.Stage {
			stages = append(stages, ev.Stage)
		}
	}
	assert.Equal(t, []State{StateIdle, StateReading, StatePlanning, StateExecuting, StatePackaging, StateDone}, stages)

	rc, name, err := f.manager.OpenArchive(context.Background(), task.ID)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, snap.Result.ArchiveName, name)
	assert.Equal(t, snap.Result.ArchiveSize, int64(len(data)))

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	var total int64
	for _, zf := range zr.File {
		names = append(names, zf.Name)
		total += int64(zf.UncompressedSize64)
	}
	assert.Equal(t, []string{"Sheet1_技术部.xlsx", "Sheet1_市场部.xlsx", "Sheet1_人事部.xlsx"}, names)
	assert.Equal(t, snap.Result.TotalSize, total)

	rec, err := f.records.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StateDone), rec.Status)
	assert.Equal(t, 3, rec.FileCount)
	assert.Equal(t, snap.ArchiveKey, rec.ArchiveKey)

	assert.NoDirExists(t, filepath.Join(task.Dir, "out"))
}

func TestManager_InvalidConfigLeavesTaskIdle(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.upload(t, 5)

	cfg := groupConfig()
	cfg.RowsPerFile = 10
	err := f.manager.Start(task.ID, cfg)
	assert.ErrorIs(t, err, splitter.ErrInvalidConfiguration)
	assert.Equal(t, StateIdle, task.State())

	cfg = groupConfig()
	cfg.GroupColumn = "Team"
	err = f.manager.Start(task.ID, cfg)
	assert.ErrorIs(t, err, splitter.ErrInvalidConfiguration)
	assert.Equal(t, StateIdle, task.State())
}

func TestManager_UploadRejected(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.manager.Upload(context.Background(), strings.NewReader("a,b\n1,2\n"), "data.csv")
	assert.ErrorIs(t, err, splitter.ErrUnsupportedFormat)

	_, err = f.manager.Upload(context.Background(), bytes.NewReader(workbookBytes(t, 5)), "x.xlsx")
	require.NoError(t, err)

	f2 := newFixture(t, Options{MaxUploadBytes: 100})
	_, err = f2.manager.Upload(context.Background(), bytes.NewReader(workbookBytes(t, 5)), "x.xlsx")
	assert.ErrorIs(t, err, splitter.ErrUnsupportedFormat)
	entries, err := os.ReadDir(f2.workDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestManager_FailureAndRestart(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.upload(t, 12)

	good, err := os.ReadFile(task.Source)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(task.Source, []byte("not a workbook"), 0o644))

	require.NoError(t, f.manager.Start(task.ID, groupConfig()))
	f.manager.Wait()

	snap := task.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, splitter.ErrUnsupportedFormat.Error(), snap.ErrorKind)
	assert.NotEmpty(t, snap.Reason)

	assert.ErrorIs(t, f.manager.Start(task.ID, groupConfig()), ErrTaskBusy)

	require.NoError(t, os.WriteFile(task.Source, good, 0o644))
	require.NoError(t, f.manager.Restart(task.ID, groupConfig()))
	f.manager.Wait()
	assert.Equal(t, StateDone, task.State())
}

func TestManager_HeaderRowFailure(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.upload(t, 3)

	cfg := groupConfig()
	cfg.HeaderRow = 50
	require.NoError(t, f.manager.Start(task.ID, cfg))
	f.manager.Wait()

	snap := task.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, splitter.ErrEmptyHeaderRow.Error(), snap.ErrorKind)
}

func TestRunner_CancelledBeforeReading(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.upload(t, 30)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.manager.runner.Run(ctx, task, groupConfig())
	assert.ErrorIs(t, err, splitter.ErrCancelled)
	assert.Equal(t, StateCancelled, task.State())
	assert.NoDirExists(t, filepath.Join(task.Dir, "out"))
}

func TestTask_BeginClaimsOnce(t *testing.T) {
	task := NewTask("t1", "staff.xlsx", t.TempDir(), "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, task.begin(cancel))
	assert.Equal(t, StateReading, task.State())

	_, other := context.WithCancel(context.Background())
	defer other()
	assert.ErrorIs(t, task.begin(other), ErrTaskBusy)

	require.NoError(t, task.Cancel())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestManager_DuplicateStartIsBusy(t *testing.T) {
	f := newFixture(t, Options{ChunkRows: 10})
	task := f.upload(t, 60)

	require.NoError(t, f.manager.Start(task.ID, groupConfig()))
	assert.ErrorIs(t, f.manager.Start(task.ID, groupConfig()), ErrTaskBusy)
	f.manager.Wait()
	assert.Equal(t, StateDone, task.State())
}

func TestManager_CancelWhileExecuting(t *testing.T) {
	f := newFixture(t, Options{ChunkRows: 10})
	task := f.upload(t, 300)

	persist := task.onChange
	task.onChange = func(s Snapshot) {
		persist(s)
		if s.State == StateExecuting {
			assert.NoError(t, task.Cancel())
		}
	}

	require.NoError(t, f.manager.Start(task.ID, groupConfig()))
	f.manager.Wait()

	snap := task.Snapshot()
	assert.Equal(t, StateCancelled, snap.State, "reason: %s", snap.Reason)
	assert.Empty(t, snap.ArchiveKey)
	assert.Nil(t, snap.Result)
	assert.NoDirExists(t, filepath.Join(task.Dir, "out"))

	rec, err := f.records.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StateCancelled), rec.Status)
	assert.Empty(t, rec.ArchiveKey)
}

func TestTask_CancelBeforePackagingWins(t *testing.T) {
	task := NewTask("t1", "staff.xlsx", t.TempDir(), "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, task.begin(cancel))
	require.NoError(t, task.transition(StatePlanning, "planning"))
	require.NoError(t, task.transition(StateExecuting, "executing"))

	// Execute has returned; the cancel lands before the move to Packaging.
	require.NoError(t, task.Cancel())
	assert.ErrorIs(t, task.transitionCtx(ctx, StatePackaging, "packaging"), splitter.ErrCancelled)
	assert.Equal(t, StateExecuting, task.State())

	require.NoError(t, task.transition(StateCancelled, "cancelled"))
	assert.ErrorIs(t, task.Cancel(), ErrTaskBusy)
}

func TestManager_Preview(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.upload(t, 25)

	plan, err := f.manager.Preview(context.Background(), task.ID, types.SplitConfig{
		Sheets: []string{"Sheet1"}, Mode: types.ModeRowCount, RowsPerFile: 10,
		NamingRule: types.NamingSequential,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Sheet1_001.xlsx", "Sheet1_002.xlsx", "Sheet1_003.xlsx"}, plan.FileNames())
	assert.Equal(t, StateIdle, task.State())

	_, err = f.manager.Preview(context.Background(), "nope", types.SplitConfig{})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestManager_Sweep(t *testing.T) {
	f := newFixture(t, Options{RetentionWindow: time.Hour})
	task := f.upload(t, 6)
	require.NoError(t, f.manager.Start(task.ID, groupConfig()))
	f.manager.Wait()
	key := task.Snapshot().ArchiveKey

	n, err := f.manager.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.manager.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = f.manager.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.manager.Get(task.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.NoDirExists(t, task.Dir)
	_, err = f.archives.Open(context.Background(), key)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	rec, err := f.records.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.True(t, rec.PurgedAt.Valid)
}

func TestManager_HandoffConfirm(t *testing.T) {
	f := newFixture(t, Options{Retention: RetainHandoff})
	task := f.upload(t, 6)

	assert.ErrorIs(t, f.manager.Confirm(context.Background(), task.ID), ErrTaskBusy)

	require.NoError(t, f.manager.Start(task.ID, groupConfig()))
	f.manager.Wait()
	require.NoError(t, f.manager.Confirm(context.Background(), task.ID))

	_, err := f.manager.Get(task.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.NoDirExists(t, task.Dir)
}

func TestManager_TasksDoNotShareDirectories(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.upload(t, 6)
	b := f.upload(t, 6)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.Dir, b.Dir)

	require.NoError(t, f.manager.Start(a.ID, groupConfig()))
	require.NoError(t, f.manager.Start(b.ID, groupConfig()))
	f.manager.Wait()

	assert.Equal(t, StateDone, a.State())
	assert.Equal(t, StateDone, b.State())
	assert.NotEqual(t, a.Snapshot().ArchiveKey, b.Snapshot().ArchiveKey)
}
