package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nconklindev/sheetsplit/internal/splitter"
	"github.com/nconklindev/sheetsplit/internal/storage"
	"github.com/nconklindev/sheetsplit/internal/store"
	"github.com/nconklindev/sheetsplit/internal/types"
)

type RetentionPolicy string

const (
	// RetainWindow deletes artifacts once the retention window has passed.
	RetainWindow RetentionPolicy = "window"
	// RetainHandoff deletes artifacts as soon as the caller confirms the
	// download; the window still applies to unconfirmed tasks.
	RetainHandoff RetentionPolicy = "handoff"

	DefaultRetentionWindow = 24 * time.Hour
)

// Options configures a Manager.
type Options struct {
	WorkDir         string
	MaxUploadBytes  int64
	ChunkRows       int
	ArchivePrefix   string
	Retention       RetentionPolicy
	RetentionWindow time.Duration
}

// Manager owns every task of the process. Each task gets its own directory
// under WorkDir and its own archive key prefix.
type Manager struct {
	opts     Options
	runner   *Runner
	archives storage.Store
	records  *store.Store
	log      *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	tasks map[string]*Task
	wg    sync.WaitGroup
}

// NewManager creates the work dir and returns a Manager. records may be nil,
// in which case tasks are only tracked in memory.
func NewManager(opts Options, archives storage.Store, records *store.Store, log *slog.Logger) (*Manager, error) {
	if opts.WorkDir == "" {
		return nil, errors.New("work dir is required")
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = splitter.DefaultMaxBytes
	}
	if opts.Retention == "" {
		opts.Retention = RetainWindow
	}
	if opts.Retention != RetainWindow && opts.Retention != RetainHandoff {
		return nil, fmt.Errorf("unknown retention policy %q", opts.Retention)
	}
	if opts.RetentionWindow <= 0 {
		opts.RetentionWindow = DefaultRetentionWindow
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(opts.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	return &Manager{
		opts: opts,
		runner: &Runner{
			Archives:      archives,
			ChunkRows:     opts.ChunkRows,
			MaxBytes:      opts.MaxUploadBytes,
			ArchivePrefix: opts.ArchivePrefix,
			Logger:        log,
		},
		archives: archives,
		records:  records,
		log:      log,
		now:      time.Now,
		tasks:    make(map[string]*Task),
	}, nil
}

// Upload stores r as a new task's source file after checking its size and
// signature, and returns the task with its sheet inspection.
func (m *Manager) Upload(ctx context.Context, r io.Reader, fileName string) (*Task, error) {
	id := uuid.NewString()
	dir := filepath.Join(m.opts.WorkDir, id)
	srcDir := filepath.Join(dir, "source")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", splitter.ErrIO, err)
	}

	log := m.log.With("task_id", id, "file", fileName)
	if !splitter.AcceptedExtension(fileName) {
		log.Warn("Declared extension is not a spreadsheet extension, checking content")
	}

	wb, err := splitter.OpenReader(r, fileName, splitter.ReadOptions{
		MaxBytes: m.opts.MaxUploadBytes,
		Dir:      srcDir,
	})
	if err != nil {
		os.RemoveAll(dir)
		log.Info("Upload rejected", "error", err)
		return nil, err
	}
	sheets := wb.Sheets()
	source := wb.Path()
	wb.Close()

	created := m.now().UTC()
	t := newTask(id, filepath.Base(fileName), dir, source, created)
	t.ExpiresAt = created.Add(m.opts.RetentionWindow)
	t.setSheets(sheets)
	t.onChange = m.persist

	if m.records != nil {
		err := m.records.Create(ctx, store.Record{
			ID:        id,
			FileName:  t.FileName,
			Status:    string(StateIdle),
			CreatedAt: created,
			ExpiresAt: t.ExpiresAt,
		})
		if err != nil {
			os.RemoveAll(dir)
			return nil, err
		}
	}

	m.mu.Lock()
	m.tasks[id] = t
	m.mu.Unlock()
	log.Info("Upload accepted", "sheets", len(sheets))
	return t, nil
}

func (m *Manager) persist(s Snapshot) {
	if m.records == nil {
		return
	}
	ctx := context.Background()
	if err := m.records.UpdateStatus(ctx, s.ID, string(s.State), s.Reason); err != nil {
		m.log.Warn("Failed to persist task state", "task_id", s.ID, "error", err)
	}
	if s.State == StateDone && s.Result != nil {
		if err := m.records.SaveResult(ctx, s.ID, s.ArchiveKey, s.Result.FileCount, s.Result.TotalSize); err != nil {
			m.log.Warn("Failed to persist task result", "task_id", s.ID, "error", err)
		}
	}
}

func (m *Manager) Get(id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// List returns snapshots of all live tasks, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	tasks := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	out := make([]Snapshot, len(tasks))
	for i, t := range tasks {
		out[i] = t.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Inspect lists the task's sheets with headers read at headerRow. A sheet
// whose header row is blank is listed without headers.
func (m *Manager) Inspect(id string, headerRow int) ([]types.SheetInfo, error) {
	t, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if headerRow <= 0 || headerRow == splitter.DefaultHeaderRow {
		return t.Snapshot().Sheets, nil
	}
	wb, err := m.open(t, headerRow)
	if err != nil {
		return nil, err
	}
	defer wb.Close()
	return wb.Sheets(), nil
}

// Preview plans cfg without writing anything.
func (m *Manager) Preview(ctx context.Context, id string, cfg types.SplitConfig) (*types.SplitPlan, error) {
	t, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if err := splitter.Validate(cfg); err != nil {
		return nil, err
	}
	wb, err := m.open(t, cfg.HeaderRow)
	if err != nil {
		return nil, err
	}
	defer wb.Close()
	return splitter.Plan(ctx, wb, cfg)
}

func (m *Manager) open(t *Task, headerRow int) (*splitter.Workbook, error) {
	scratch := scratchDir(t)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", splitter.ErrIO, err)
	}
	return splitter.OpenFile(t.Source, splitter.ReadOptions{
		HeaderRow: headerRow,
		MaxBytes:  m.opts.MaxUploadBytes,
		Dir:       scratch,
	})
}

// Start validates cfg and runs the split in the background. Configuration
// errors, including names missing from the inspected headers, are returned
// here and leave the task idle.
func (m *Manager) Start(id string, cfg types.SplitConfig) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := splitter.Validate(cfg); err != nil {
		return err
	}
	norm := splitter.Normalize(cfg)
	if sheets := t.Snapshot().Sheets; len(sheets) > 0 && sheets[0].HeaderRow == norm.HeaderRow {
		if err := splitter.CheckColumns(norm, sheets); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := t.begin(cancel); err != nil {
		cancel()
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.runner.drive(ctx, t, cfg)
	}()
	return nil
}

// Restart retries a failed or cancelled task from Reading.
func (m *Manager) Restart(id string, cfg types.SplitConfig) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := splitter.Validate(cfg); err != nil {
		return err
	}
	if err := t.reset(); err != nil {
		return err
	}
	m.persist(t.Snapshot())
	return m.Start(id, cfg)
}

func (m *Manager) Cancel(id string) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	return t.Cancel()
}

func (m *Manager) Subscribe(id string) (<-chan Event, func(), error) {
	t, err := m.Get(id)
	if err != nil {
		return nil, nil, err
	}
	ch, stop := t.Subscribe()
	return ch, stop, nil
}

// OpenArchive streams a finished task's archive.
func (m *Manager) OpenArchive(ctx context.Context, id string) (io.ReadCloser, string, error) {
	t, err := m.Get(id)
	if err != nil {
		return nil, "", err
	}
	snap := t.Snapshot()
	if snap.State != StateDone || snap.Result == nil {
		return nil, "", fmt.Errorf("%w: task is %s", ErrTaskBusy, snap.State)
	}
	rc, err := m.archives.Open(ctx, snap.ArchiveKey)
	if err != nil {
		return nil, "", err
	}
	return rc, snap.Result.ArchiveName, nil
}

// Confirm records that the archive was handed off. Under the handoff
// policy the task's artifacts are deleted right away.
func (m *Manager) Confirm(ctx context.Context, id string) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	if s := t.State(); s != StateDone {
		return fmt.Errorf("%w: task is %s", ErrTaskBusy, s)
	}
	t.confirm()
	if m.records != nil {
		if err := m.records.MarkConfirmed(ctx, id); err != nil {
			m.log.Warn("Failed to persist confirmation", "task_id", id, "error", err)
		}
	}
	if m.opts.Retention == RetainHandoff {
		return m.purge(ctx, id)
	}
	return nil
}

// Sweep purges every task whose retention window has passed, including
// tasks recorded by earlier processes. Running tasks are left alone.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.now().UTC()
	expired := make(map[string]bool)

	m.mu.Lock()
	for id, t := range m.tasks {
		if !t.ExpiresAt.After(now) && !t.State().Active() {
			expired[id] = true
		}
	}
	m.mu.Unlock()

	if m.records != nil {
		records, err := m.records.Expired(ctx, now)
		if err != nil {
			return 0, err
		}
		for _, r := range records {
			if t, err := m.Get(r.ID); err == nil && t.State().Active() {
				continue
			}
			expired[r.ID] = true
		}
	}

	var errs []error
	purged := 0
	for id := range expired {
		if err := m.purge(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		purged++
	}
	if purged > 0 {
		m.log.Info("Retention sweep", "purged", purged)
	}
	return purged, errors.Join(errs...)
}

func (m *Manager) purge(ctx context.Context, id string) error {
	if err := m.archives.Delete(ctx, id); err != nil {
		return fmt.Errorf("purge %s: %w", id, err)
	}
	if err := os.RemoveAll(filepath.Join(m.opts.WorkDir, id)); err != nil {
		return fmt.Errorf("purge %s: %w", id, err)
	}
	if m.records != nil {
		if err := m.records.MarkPurged(ctx, id, m.now()); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("purge %s: %w", id, err)
		}
	}

	m.mu.Lock()
	delete(m.tasks, id)
	m.mu.Unlock()
	m.log.Debug("Task purged", "task_id", id)
	return nil
}

// RunJanitor sweeps every interval until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.log.Error("Retention sweep failed", "error", err)
			}
		}
	}
}

// Shutdown cancels running tasks and waits for them to stop.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, t := range m.tasks {
		t.Cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Wait blocks until every started run has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}
