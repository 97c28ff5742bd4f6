package splitter

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/nconklindev/sheetsplit/internal/types"
)

const (
	DefaultHeaderRow = 1
	DefaultMaxBytes  = 50 << 20
)

// ReadOptions configures how a workbook is opened.
type ReadOptions struct {
	HeaderRow int
	MaxBytes  int64
	// Dir receives the spooled upload and any excelize temp files.
	Dir string
}

func (o ReadOptions) withDefaults() ReadOptions {
	if o.HeaderRow <= 0 {
		o.HeaderRow = DefaultHeaderRow
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	return o
}

type headerKey struct {
	sheet string
	row   int
}

// Workbook is a read-only handle on an uploaded spreadsheet. Row data is
// never held in memory; every pass streams the worksheet part again.
type Workbook struct {
	name     string
	path     string
	openedAt time.Time
	opts     ReadOptions

	zr    *zip.ReadCloser
	parts packageParts
	sst   []string

	sheets []types.SheetInfo

	mu      sync.Mutex
	headers map[headerKey][]string
	styles  map[int]*excelize.Style
	// styleFile holds only the source style sheet and theme. It is opened
	// on the first styled cell.
	styleFile *excelize.File
	styleErr  error
	closed    bool
}

// OpenReader copies r into opts.Dir under name and opens the copy.
func OpenReader(r io.Reader, name string, opts ReadOptions) (*Workbook, error) {
	opts = opts.withDefaults()
	base := filepath.Base(name)
	if base == "." || base == ".." || base == string(filepath.Separator) {
		base = "upload.xlsx"
	}

	dst := filepath.Join(opts.Dir, base)
	out, err := os.Create(dst)
	if err != nil {
		return nil, newStageError("read", "", ErrIO, err)
	}
	n, err := io.Copy(out, io.LimitReader(r, opts.MaxBytes+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return nil, newStageError("read", "", ErrIO, err)
	}
	if n > opts.MaxBytes {
		os.Remove(dst)
		return nil, tooLarge(opts.MaxBytes)
	}
	return OpenFile(dst, opts)
}

// OpenFile sniffs, opens and scans the workbook at path.
func OpenFile(path string, opts ReadOptions) (*Workbook, error) {
	opts = opts.withDefaults()

	fi, err := os.Stat(path)
	if err != nil {
		return nil, newStageError("read", "", ErrIO, err)
	}
	if fi.Size() > opts.MaxBytes {
		return nil, tooLarge(opts.MaxBytes)
	}

	format, err := Sniff(path)
	if err != nil {
		return nil, err
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, newStageError("read", "", ErrCorruptFile, err)
	}
	wbPart, err := locateWorkbook(&zr.Reader)
	if err != nil {
		zr.Close()
		if format.Workbook {
			return nil, newStageError("read", "", ErrCorruptFile, err)
		}
		return nil, newStageError("read", "", ErrUnsupportedFormat, err)
	}

	wb := &Workbook{
		name:     filepath.Base(path),
		path:     path,
		openedAt: time.Now().UTC(),
		opts:     opts,
		zr:       zr,
		headers:  make(map[headerKey][]string),
		styles:   make(map[int]*excelize.Style),
	}
	if err := wb.load(wbPart); err != nil {
		wb.Close()
		return nil, err
	}
	return wb, nil
}

func tooLarge(limit int64) error {
	return newStageError("read", "", ErrUnsupportedFormat,
		fmt.Errorf("file too large, limit is %d bytes", limit))
}

func (wb *Workbook) load(wbPart string) error {
	var err error
	wb.parts, err = readPackageParts(&wb.zr.Reader, wbPart)
	if err != nil {
		return newStageError("read", "", ErrCorruptFile, err)
	}
	wb.sst, err = readSharedStrings(&wb.zr.Reader, wb.parts.sharedStrings)
	if err != nil {
		return newStageError("read", "", ErrCorruptFile, err)
	}

	for _, name := range wb.parts.order {
		info, err := wb.scan(name)
		if err != nil {
			return err
		}
		wb.sheets = append(wb.sheets, info)
	}
	if len(wb.sheets) == 0 {
		return newStageError("read", "", ErrCorruptFile, errors.New("workbook has no worksheets"))
	}
	return nil
}

// scan streams a sheet once to find its last non-blank row and to capture
// the default header row on the way.
func (wb *Workbook) scan(sheet string) (types.SheetInfo, error) {
	info := types.SheetInfo{Name: sheet, HeaderRow: wb.opts.HeaderRow}

	it, err := wb.rows(sheet, 0)
	if err != nil {
		return info, err
	}
	defer it.Close()

	var header types.Row
	for it.Next() {
		row := it.Row()
		if row.Index == wb.opts.HeaderRow {
			header = row
		}
		if !row.IsBlank() {
			info.LastRow = row.Index
		}
	}
	if err := it.Err(); err != nil {
		return info, err
	}

	if headers := headerText(header); headers != nil {
		info.Headers = headers
		wb.headers[headerKey{sheet, wb.opts.HeaderRow}] = headers
	}
	if info.LastRow > info.HeaderRow {
		info.DataRows = info.LastRow - info.HeaderRow
	}
	return info, nil
}

// Name is the file name of the uploaded workbook.
func (wb *Workbook) Name() string { return wb.name }

// Stem is Name without its extension.
func (wb *Workbook) Stem() string {
	return strings.TrimSuffix(wb.name, filepath.Ext(wb.name))
}

func (wb *Workbook) Path() string { return wb.path }

func (wb *Workbook) OpenedAt() time.Time { return wb.openedAt }

// Sheets lists the worksheets in workbook order with their headers at the
// header row the workbook was opened with.
func (wb *Workbook) Sheets() []types.SheetInfo {
	out := make([]types.SheetInfo, len(wb.sheets))
	for i, s := range wb.sheets {
		s.Headers = append([]string(nil), s.Headers...)
		out[i] = s
	}
	return out
}

// SheetNames lists the worksheet names in workbook order.
func (wb *Workbook) SheetNames() []string {
	names := make([]string, len(wb.sheets))
	for i, s := range wb.sheets {
		names[i] = s.Name
	}
	return names
}

// Sheet returns the scan result for one sheet.
func (wb *Workbook) Sheet(name string) (types.SheetInfo, bool) {
	for _, s := range wb.sheets {
		if s.Name == name {
			return s, true
		}
	}
	return types.SheetInfo{}, false
}

// Headers returns the trimmed header texts found in headerRow of sheet.
func (wb *Workbook) Headers(sheet string, headerRow int) ([]string, error) {
	if headerRow <= 0 {
		headerRow = DefaultHeaderRow
	}
	key := headerKey{sheet, headerRow}

	wb.mu.Lock()
	cached, ok := wb.headers[key]
	wb.mu.Unlock()
	if ok {
		return cached, nil
	}

	info, ok := wb.Sheet(sheet)
	if !ok {
		return nil, newStageError("read", sheet, ErrInvalidConfiguration, errors.New("no such sheet"))
	}
	var headers []string
	if headerRow <= info.LastRow {
		rows, err := wb.ReadRows(sheet, headerRow, headerRow)
		if err != nil {
			return nil, err
		}
		if len(rows) == 1 {
			headers = headerText(rows[0])
		}
	}
	if headers == nil {
		return nil, newStageError("read", sheet, ErrEmptyHeaderRow,
			fmt.Errorf("row %d has no values", headerRow))
	}

	wb.mu.Lock()
	wb.headers[key] = headers
	wb.mu.Unlock()
	return headers, nil
}

// headerText returns nil for a blank row.
func headerText(row types.Row) []string {
	last := -1
	for i, c := range row.Cells {
		if CellText(c) != "" {
			last = i
		}
	}
	if last < 0 {
		return nil
	}
	headers := make([]string, last+1)
	for i := range headers {
		headers[i] = CellText(row.Cells[i])
	}
	return headers
}

// Rows streams sheet from row 1 to its last non-blank row.
func (wb *Workbook) Rows(sheet string) (*RowIterator, error) {
	info, ok := wb.Sheet(sheet)
	if !ok {
		return nil, newStageError("read", sheet, ErrInvalidConfiguration, errors.New("no such sheet"))
	}
	return wb.rows(sheet, info.LastRow)
}

func (wb *Workbook) rows(sheet string, limit int) (*RowIterator, error) {
	wb.mu.Lock()
	closed := wb.closed
	wb.mu.Unlock()
	if closed {
		return nil, newStageError("read", sheet, ErrIO, os.ErrClosed)
	}

	f := findZipFile(&wb.zr.Reader, wb.parts.sheets[sheet])
	if f == nil {
		return nil, newStageError("read", sheet, ErrCorruptFile, errors.New("worksheet part missing"))
	}
	rc, err := f.Open()
	if err != nil {
		return nil, newStageError("read", sheet, ErrCorruptFile, err)
	}
	return &RowIterator{
		sheet: sheet,
		rc:    rc,
		dec:   newRowDecoder(rc, wb.sst),
		next:  1,
		limit: limit,
	}, nil
}

// ReadRows collects rows start..end inclusive.
func (wb *Workbook) ReadRows(sheet string, start, end int) ([]types.Row, error) {
	if start < 1 {
		start = 1
	}
	it, err := wb.Rows(sheet)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var rows []types.Row
	for it.Next() {
		row := it.Row()
		if row.Index < start {
			continue
		}
		if row.Index > end {
			break
		}
		rows = append(rows, row)
	}
	return rows, it.Err()
}

// Style returns the definition of a source cell style, or nil for the
// default style and indexes excelize cannot resolve.
func (wb *Workbook) Style(id int) *excelize.Style {
	if id <= 0 {
		return nil
	}
	wb.mu.Lock()
	defer wb.mu.Unlock()

	if style, ok := wb.styles[id]; ok {
		return style
	}
	if wb.styleFile == nil && wb.styleErr == nil {
		wb.styleFile, wb.styleErr = wb.openStyles()
	}
	var style *excelize.Style
	if wb.styleFile != nil {
		if s, err := wb.styleFile.GetStyle(id); err == nil {
			style = s
		}
	}
	wb.styles[id] = style
	return style
}

// openStyles opens a blank excelize workbook whose style sheet and theme
// are the source's parts, so no worksheet is ever loaded to resolve a style.
func (wb *Workbook) openStyles() (*excelize.File, error) {
	if wb.parts.styles == "" {
		return nil, errors.New("workbook has no style sheet")
	}
	blank := excelize.NewFile()
	tmpl, err := blank.WriteToBuffer()
	blank.Close()
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(tmpl.Bytes()), int64(tmpl.Len()))
	if err != nil {
		return nil, err
	}

	replace := map[string]string{"xl/styles.xml": wb.parts.styles}
	if wb.parts.theme != "" {
		replace["xl/theme/theme1.xml"] = wb.parts.theme
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range zr.File {
		src, ok := replace[f.Name]
		if !ok {
			if err := zw.Copy(f); err != nil {
				return nil, err
			}
			continue
		}
		part := findZipFile(&wb.zr.Reader, src)
		if part == nil {
			return nil, fmt.Errorf("%s: %w", src, io.ErrUnexpectedEOF)
		}
		if err := copyZipPart(zw, f.Name, part); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return excelize.OpenReader(&buf, excelize.Options{TmpDir: wb.opts.Dir})
}

func copyZipPart(zw *zip.Writer, name string, part *zip.File) error {
	rc, err := part.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, rc)
	return err
}

// Close releases the package reader and excelize's temp files. It is safe
// to call more than once.
func (wb *Workbook) Close() error {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	if wb.closed {
		return nil
	}
	wb.closed = true

	var errs []error
	if wb.styleFile != nil {
		errs = append(errs, wb.styleFile.Close())
	}
	if wb.zr != nil {
		errs = append(errs, wb.zr.Close())
	}
	return errors.Join(errs...)
}

// RowIterator yields every row index from 1 up to its limit, synthesising
// blank rows for indexes absent from the worksheet part.
type RowIterator struct {
	sheet   string
	rc      io.ReadCloser
	dec     *rowDecoder
	next    int
	limit   int
	pending *types.Row
	done    bool
	cur     types.Row
	err     error
}

func (it *RowIterator) Next() bool {
	if it.err != nil || (it.limit > 0 && it.next > it.limit) {
		return false
	}
	if it.pending == nil && !it.done {
		row, ok, err := it.dec.next()
		if err != nil {
			it.err = newStageError("read", it.sheet, ErrCorruptFile, err)
			return false
		}
		if ok {
			it.pending = &row
		} else {
			it.done = true
		}
	}
	if it.pending == nil {
		if it.limit > 0 && it.next <= it.limit {
			it.cur = types.Row{Index: it.next}
			it.next++
			return true
		}
		return false
	}
	if it.pending.Index > it.next {
		it.cur = types.Row{Index: it.next}
		it.next++
		return true
	}
	it.cur = *it.pending
	it.pending = nil
	it.next = it.cur.Index + 1
	return true
}

func (it *RowIterator) Row() types.Row { return it.cur }

func (it *RowIterator) Err() error { return it.err }

func (it *RowIterator) Close() error { return it.rc.Close() }
