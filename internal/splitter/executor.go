package splitter

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/nconklindev/sheetsplit/internal/types"
)

const (
	DefaultChunkRows    = 500
	DefaultMaxOpenFiles = 16
)

// ExecOptions configures Execute.
type ExecOptions struct {
	Dir string
	// TmpDir receives excelize stream spill files. It defaults to the Dir
	// the source workbook was opened with.
	TmpDir    string
	ChunkRows int
	// MaxOpenFiles bounds the group writers kept open during one pass over a
	// sheet. Sheets with more groups are read again for the next batch.
	MaxOpenFiles int
	Progress     func(done, total int)
}

// Execute writes one workbook per partition of plan into opts.Dir and
// returns them in plan order. On error or cancellation every file it wrote
// is removed.
func Execute(ctx context.Context, wb *Workbook, plan *types.SplitPlan, opts ExecOptions) ([]types.OutputFile, error) {
	if opts.ChunkRows <= 0 {
		opts.ChunkRows = DefaultChunkRows
	}
	if opts.MaxOpenFiles <= 0 {
		opts.MaxOpenFiles = DefaultMaxOpenFiles
	}
	if opts.TmpDir == "" {
		opts.TmpDir = wb.opts.Dir
	}

	ex := &executor{
		wb:      wb,
		plan:    plan,
		opts:    opts,
		total:   plan.TotalRows(),
		outputs: make([]types.OutputFile, len(plan.Partitions)),
	}
	if err := ex.run(ctx); err != nil {
		ex.cleanup()
		return nil, err
	}
	ex.report()
	return ex.outputs, nil
}

type executor struct {
	wb      *Workbook
	plan    *types.SplitPlan
	opts    ExecOptions
	total   int
	done    int
	seen    int
	open    []*partWriter
	written []string
	outputs []types.OutputFile
}

func (ex *executor) report() {
	if ex.opts.Progress != nil {
		ex.opts.Progress(ex.done, ex.total)
	}
}

func (ex *executor) run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return newStageError("execute", "", ErrCancelled, err)
	}
	parts := ex.plan.Partitions
	for start := 0; start < len(parts); {
		end := start + 1
		for end < len(parts) && parts[end].Sheet == parts[start].Sheet {
			end++
		}
		sheetParts := parts[start:end]
		if sheetParts[0].Kind == types.PartitionGroup {
			for b := 0; b < len(sheetParts); b += ex.opts.MaxOpenFiles {
				batch := sheetParts[b:min(b+ex.opts.MaxOpenFiles, len(sheetParts))]
				if err := ex.pass(ctx, batch); err != nil {
					return err
				}
			}
		} else if err := ex.pass(ctx, sheetParts); err != nil {
			return err
		}
		start = end
	}
	return nil
}

// pass streams one sheet and routes each data row into the partitions of
// parts that contain it. Range partitions are opened on their first row and
// finished after their last, so at most one of them is open at a time.
func (ex *executor) pass(ctx context.Context, parts []types.PartitionSpec) error {
	sheet := parts[0].Sheet
	it, err := ex.wb.Rows(sheet)
	if err != nil {
		return err
	}
	defer it.Close()

	groups := make(map[string]int)
	first, last := parts[0].FirstRow, parts[0].LastRow
	for i, p := range parts {
		if p.Kind == types.PartitionGroup {
			groups[p.GroupValue] = i
		}
		first, last = min(first, p.FirstRow), max(last, p.LastRow)
	}
	writers := make([]*partWriter, len(parts))

	var header types.Row
	next := 0
	for it.Next() {
		row := it.Row()
		if row.Index == ex.plan.HeaderRow {
			header = row
		}
		if row.Index < first {
			continue
		}
		if row.Index > last {
			break
		}

		if ex.seen++; ex.seen%ex.opts.ChunkRows == 0 {
			ex.report()
			if err := ctx.Err(); err != nil {
				return newStageError("execute", sheet, ErrCancelled, err)
			}
		}

		var i int
		if len(groups) > 0 {
			var ok bool
			if i, ok = groups[CellText(row.Cell(parts[0].GroupColumn))]; !ok {
				continue
			}
		} else {
			for next < len(parts) && row.Index > parts[next].LastRow {
				next++
			}
			if next == len(parts) || row.Index < parts[next].FirstRow {
				continue
			}
			i = next
		}

		w := writers[i]
		if w == nil {
			if w, err = ex.openWriter(parts[i], header); err != nil {
				return err
			}
			writers[i] = w
		}
		if err := w.write(row); err != nil {
			return newStageError("execute", sheet, ErrIO, err)
		}
		ex.done++

		if parts[i].Kind == types.PartitionRange && row.Index == parts[i].LastRow {
			if err := ex.finish(w); err != nil {
				return err
			}
		}
	}
	if err := it.Err(); err != nil {
		return err
	}

	for _, w := range writers {
		if w != nil && !w.finished {
			if err := ex.finish(w); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ex *executor) openWriter(spec types.PartitionSpec, header types.Row) (*partWriter, error) {
	w, err := newPartWriter(ex.wb, spec, filepath.Join(ex.opts.Dir, spec.FileName), ex.opts.TmpDir, header)
	if err != nil {
		return nil, newStageError("execute", spec.Sheet, ErrIO, err)
	}
	ex.open = append(ex.open, w)
	return w, nil
}

func (ex *executor) finish(w *partWriter) error {
	out, err := w.finish()
	ex.written = append(ex.written, w.path)
	if err != nil {
		return newStageError("execute", w.spec.Sheet, ErrIO, err)
	}
	ex.outputs[w.spec.Index] = out
	return nil
}

func (ex *executor) cleanup() {
	for _, w := range ex.open {
		if !w.finished {
			w.abort()
		}
	}
	for _, p := range ex.written {
		os.Remove(p)
	}
}

// partWriter streams the rows of one partition into a new workbook.
type partWriter struct {
	src      *Workbook
	spec     types.PartitionSpec
	path     string
	file     *excelize.File
	sw       *excelize.StreamWriter
	styles   map[int]int
	next     int
	rows     int
	finished bool
}

func newPartWriter(src *Workbook, spec types.PartitionSpec, path, tmpDir string, header types.Row) (*partWriter, error) {
	file := excelize.NewFile(excelize.Options{TmpDir: tmpDir})
	if err := file.SetSheetName(file.GetSheetName(0), spec.Sheet); err != nil {
		file.Close()
		return nil, err
	}
	sw, err := file.NewStreamWriter(spec.Sheet)
	if err != nil {
		file.Close()
		return nil, err
	}
	w := &partWriter{
		src:    src,
		spec:   spec,
		path:   path,
		file:   file,
		sw:     sw,
		styles: make(map[int]int),
		next:   1,
	}
	if err := w.writeRow(header); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

func (w *partWriter) write(row types.Row) error {
	if err := w.writeRow(row); err != nil {
		return err
	}
	w.rows++
	return nil
}

func (w *partWriter) writeRow(row types.Row) error {
	cells := row.Cells
	if w.spec.Columns != nil {
		cells = make([]types.Cell, len(w.spec.Columns))
		for i, col := range w.spec.Columns {
			cells[i] = row.Cell(col)
		}
	}

	values := make([]any, len(cells))
	for i, c := range cells {
		values[i] = w.value(c)
	}
	cell, err := excelize.CoordinatesToCellName(1, w.next)
	if err != nil {
		return err
	}
	w.next++
	return w.sw.SetRow(cell, values)
}

func (w *partWriter) value(c types.Cell) any {
	var v any
	switch c.Kind {
	case types.CellEmpty:
	case types.CellNumber:
		if f, err := strconv.ParseFloat(c.Value, 64); err == nil {
			v = f
		} else {
			v = c.Value
		}
	case types.CellBool:
		v = c.Value == "1" || strings.EqualFold(c.Value, "true")
	default:
		v = c.Value
	}

	style := w.style(c.Style)
	if style == 0 {
		return v
	}
	return excelize.Cell{StyleID: style, Value: v}
}

// style maps a source style index to one registered in this file.
func (w *partWriter) style(id int) int {
	if id <= 0 {
		return 0
	}
	if dst, ok := w.styles[id]; ok {
		return dst
	}
	dst := 0
	if def := w.src.Style(id); def != nil {
		if n, err := w.file.NewStyle(def); err == nil {
			dst = n
		}
	}
	w.styles[id] = dst
	return dst
}

func (w *partWriter) finish() (types.OutputFile, error) {
	w.finished = true
	defer w.file.Close()

	if err := w.sw.Flush(); err != nil {
		return types.OutputFile{}, err
	}
	if err := w.file.SaveAs(w.path); err != nil {
		return types.OutputFile{}, err
	}
	fi, err := os.Stat(w.path)
	if err != nil {
		return types.OutputFile{}, err
	}
	return types.OutputFile{
		Name:      w.spec.FileName,
		Path:      w.path,
		Sheet:     w.spec.Sheet,
		Partition: w.spec.Index,
		Rows:      w.rows,
		Size:      fi.Size(),
	}, nil
}

func (w *partWriter) abort() {
	w.finished = true
	w.file.Close()
}
