package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nconklindev/sheetsplit/internal/logging"
	"github.com/nconklindev/sheetsplit/internal/pipeline"
	"github.com/nconklindev/sheetsplit/internal/splitter"
	"github.com/nconklindev/sheetsplit/internal/storage"
	"github.com/nconklindev/sheetsplit/internal/types"
)

type splitFlags struct {
	sheets       []string
	mode         string
	rows         int
	columns      []string
	group        string
	naming       string
	namingColumn string
	headerRow    int
	output       string
	prefix       string
	logLevel     string
}

func newSplitCommand() *cobra.Command {
	f := &splitFlags{}
	cmd := &cobra.Command{
		Use:   "split FILE",
		Short: "Split a workbook and write the result archive",
		Example: `  sheetsplit split orders.xlsx --mode by-row-count --rows 1000
  sheetsplit split staff.xlsx --mode by-group-column --group Dept --naming group-value --naming-column Dept
  sheetsplit split staff.xlsx --sheet Sheet1 --mode by-column-subset --columns Name,Email -o contacts.zip`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSplit(cmd, args[0], f)
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&f.sheets, "sheet", nil, "Sheet to split (repeatable, default all sheets)")
	flags.StringVar(&f.mode, "mode", string(types.ModeRowCount), "by-row-count, by-column-subset or by-group-column")
	flags.IntVar(&f.rows, "rows", 0, "Data rows per file for by-row-count")
	flags.StringSliceVar(&f.columns, "columns", nil, "Header names to keep for by-column-subset")
	flags.StringVar(&f.group, "group", "", "Header name to group by for by-group-column")
	flags.StringVar(&f.naming, "naming", string(types.NamingSequential), "sequential, timestamp, source-name or group-value")
	flags.StringVar(&f.namingColumn, "naming-column", "", "Header whose value names each file for group-value naming")
	flags.IntVar(&f.headerRow, "header-row", splitter.DefaultHeaderRow, "1-based row holding the column headers")
	flags.StringVarP(&f.output, "output", "o", "", "Archive path (default <prefix>_<file stem>.zip in the current directory)")
	flags.StringVar(&f.prefix, "prefix", splitter.DefaultArchivePrefix, "Archive name prefix")
	flags.StringVar(&f.logLevel, "log-level", "warn", "Log level written to stderr")
	return cmd
}

func (f *splitFlags) config() types.SplitConfig {
	cfg := types.SplitConfig{
		Sheets:       f.sheets,
		Mode:         types.SplitMode(f.mode),
		NamingRule:   types.NamingRule(f.naming),
		NamingColumn: f.namingColumn,
		HeaderRow:    f.headerRow,
	}
	switch cfg.Mode {
	case types.ModeRowCount:
		cfg.RowsPerFile = f.rows
	case types.ModeColumnSubset:
		cfg.Columns = f.columns
	case types.ModeGroupColumn:
		cfg.GroupColumn = f.group
	}
	return cfg
}

func runSplit(cmd *cobra.Command, path string, f *splitFlags) error {
	level, err := logging.ParseLevel(f.logLevel)
	if err != nil {
		return err
	}
	log, closeLog, err := logging.Setup("", level, false)
	if err != nil {
		return err
	}
	defer closeLog()

	source, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	work, err := os.MkdirTemp("", "sheetsplit-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(work)

	cfg := f.config()
	if len(cfg.Sheets) == 0 {
		if cfg.Sheets, err = listSheets(source, filepath.Join(work, "list")); err != nil {
			return err
		}
	}

	archives, err := storage.NewLocal(filepath.Join(work, "archives"))
	if err != nil {
		return err
	}
	runner := &pipeline.Runner{
		Archives:      archives,
		ArchivePrefix: f.prefix,
		Logger:        log,
	}
	task := pipeline.NewTask(uuid.NewString(), filepath.Base(source), filepath.Join(work, "task"), source)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	events, unsubscribe := task.Subscribe()
	defer unsubscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		reportProgress(cmd.ErrOrStderr(), events)
	}()

	result, err := runner.Run(ctx, task, cfg)
	// Configuration errors return before any terminal state closes events.
	unsubscribe()
	<-done
	if err != nil {
		return err
	}

	out := f.output
	if out == "" {
		out = splitter.ArchiveName(f.prefix, stem(source))
	}
	if err := copyArchive(ctx, archives, task.Snapshot().ArchiveKey, out); err != nil {
		return err
	}
	printResult(cmd.OutOrStdout(), result, out)
	log.Debug("Archive written", slog.String("path", out))
	return nil
}

func listSheets(path, scratch string) ([]string, error) {
	wb, err := splitter.OpenFile(path, splitter.ReadOptions{Dir: scratch})
	if err != nil {
		return nil, err
	}
	defer wb.Close()
	return wb.SheetNames(), nil
}

// reportProgress prints one line per stage change until events closes.
func reportProgress(w io.Writer, events <-chan pipeline.Event) {
	var last pipeline.State
	for ev := range events {
		if ev.Stage == last || ev.Stage == pipeline.StateIdle {
			continue
		}
		last = ev.Stage
		fmt.Fprintf(w, "%3d%%  %-10s %s\n", ev.Percent, ev.Stage, ev.Message)
	}
}

func copyArchive(ctx context.Context, archives storage.Store, key, dst string) error {
	rc, err := archives.Open(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return out.Close()
}

func printResult(w io.Writer, result *types.TaskResult, path string) {
	fmt.Fprintf(w, "\n%d files, %s (archive %s)\n", result.FileCount,
		humanize.Bytes(uint64(result.TotalSize)), humanize.Bytes(uint64(result.ArchiveSize)))
	for _, f := range result.Files {
		fmt.Fprintf(w, "  %-40s %8s rows  %s\n", f.Name, humanize.Comma(int64(f.Rows)), humanize.Bytes(uint64(f.Size)))
	}
	fmt.Fprintf(w, "\nWrote %s\n", path)
}

func stem(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
