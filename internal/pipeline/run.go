package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/nconklindev/sheetsplit/internal/splitter"
	"github.com/nconklindev/sheetsplit/internal/storage"
	"github.com/nconklindev/sheetsplit/internal/types"
)

// Runner drives one task through the four stages.
type Runner struct {
	Archives      storage.Store
	ChunkRows     int
	MaxBytes      int64
	ArchivePrefix string
	Logger        *slog.Logger
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func outputDir(t *Task) string  { return filepath.Join(t.Dir, "out") }
func scratchDir(t *Task) string { return filepath.Join(t.Dir, "tmp") }

// Run validates cfg, claims the idle task and drives it to a terminal
// state. Invalid configuration is returned before the task leaves Idle. Any
// other error leaves the task Failed or Cancelled with its partial output
// removed.
func (r *Runner) Run(ctx context.Context, t *Task, cfg types.SplitConfig) (*types.TaskResult, error) {
	if err := splitter.Validate(cfg); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := t.begin(cancel); err != nil {
		return nil, err
	}
	return r.drive(ctx, t, cfg)
}

// drive runs a task that begin has already moved to Reading.
func (r *Runner) drive(ctx context.Context, t *Task, cfg types.SplitConfig) (*types.TaskResult, error) {
	cfg = splitter.Normalize(cfg)
	log := r.logger().With("task_id", t.ID, "file", t.FileName)

	result, err := r.run(ctx, t, cfg, log)
	if err == nil {
		log.Info("Split finished",
			"files", result.FileCount,
			"total_size", humanize.Bytes(uint64(result.TotalSize)),
			"archive_size", humanize.Bytes(uint64(result.ArchiveSize)))
		return result, nil
	}

	os.RemoveAll(outputDir(t))
	kind := splitter.Kind(err)
	if errors.Is(kind, splitter.ErrCancelled) {
		log.Info("Split cancelled", "stage", t.State())
		if terr := t.transition(StateCancelled, "cancelled"); terr != nil {
			log.Warn("Cancel arrived too late", "error", terr)
			t.fail(err, kind)
		}
		return nil, err
	}
	log.Error("Split failed", "stage", t.State(), "error", err)
	if terr := t.fail(err, kind); terr != nil {
		log.Error("Failed to record failure", "error", terr)
	}
	return nil, err
}

func (r *Runner) run(ctx context.Context, t *Task, cfg types.SplitConfig, log *slog.Logger) (*types.TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", splitter.ErrCancelled, err)
	}
	for _, dir := range []string{outputDir(t), scratchDir(t)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %w", splitter.ErrIO, err)
		}
	}

	wb, err := splitter.OpenFile(t.Source, splitter.ReadOptions{
		HeaderRow: cfg.HeaderRow,
		MaxBytes:  r.MaxBytes,
		Dir:       scratchDir(t),
	})
	if err != nil {
		return nil, err
	}
	defer wb.Close()
	t.setSheets(wb.Sheets())
	t.progress(1, fmt.Sprintf("read %d sheets", len(wb.Sheets())))
	log.Debug("Workbook opened", "sheets", wb.SheetNames())

	if err := t.transition(StatePlanning, "planning split"); err != nil {
		return nil, err
	}
	plan, err := splitter.Plan(ctx, wb, cfg)
	if err != nil {
		return nil, err
	}
	t.progress(1, fmt.Sprintf("planned %d files", len(plan.Partitions)))
	log.Debug("Plan ready", "partitions", len(plan.Partitions), "rows", plan.TotalRows())

	if err := t.transition(StateExecuting, "writing files"); err != nil {
		return nil, err
	}
	files, err := splitter.Execute(ctx, wb, plan, splitter.ExecOptions{
		Dir:       outputDir(t),
		TmpDir:    scratchDir(t),
		ChunkRows: r.ChunkRows,
		Progress: func(done, total int) {
			if total == 0 {
				t.progress(1, "no rows to write")
				return
			}
			t.progress(float64(done)/float64(total), fmt.Sprintf("%d of %d rows", done, total))
		},
	})
	// The source is no longer needed once every row has been copied.
	wb.Close()
	if err != nil {
		return nil, err
	}

	// A cancel acknowledged before this point wins. Packaging itself runs to
	// completion.
	if err := t.transitionCtx(ctx, StatePackaging, "building archive"); err != nil {
		return nil, err
	}
	result, key, err := r.pack(context.WithoutCancel(ctx), t, files)
	if err != nil {
		return nil, err
	}
	t.setResult(*result, key)
	if err := t.transition(StateDone, fmt.Sprintf("%d files ready", result.FileCount)); err != nil {
		return nil, err
	}
	return result, nil
}

// pack zips files into the task dir and hands the archive to storage.
func (r *Runner) pack(ctx context.Context, t *Task, files []types.OutputFile) (*types.TaskResult, string, error) {
	name := splitter.ArchiveName(r.ArchivePrefix, t.ID)
	staged := filepath.Join(t.Dir, name)

	f, err := os.Create(staged)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", splitter.ErrPackaging, err)
	}
	defer os.Remove(staged)

	result, err := splitter.Pack(ctx, files, f, splitter.PackOptions{TaskID: t.ID})
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("%w: %w", splitter.ErrPackaging, cerr)
	}
	if err != nil {
		return nil, "", err
	}
	result.ArchiveName = name
	t.progress(0.5, "archive written")

	archive, err := os.Open(staged)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", splitter.ErrPackaging, err)
	}
	defer archive.Close()

	key := storage.Key(t.ID, name)
	if _, err := r.Archives.Put(ctx, key, archive); err != nil {
		return nil, "", fmt.Errorf("%w: %w", splitter.ErrPackaging, err)
	}
	os.RemoveAll(outputDir(t))
	return &result, key, nil
}
