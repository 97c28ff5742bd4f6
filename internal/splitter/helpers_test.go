package splitter

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"
)

type testSheet struct {
	name string
	rows [][]any
}

// writeWorkbook saves sheets as an xlsx file in dir and returns its path.
// A nil row leaves that sheet row empty.
func writeWorkbook(t *testing.T, dir, name string, sheets ...testSheet) string {
	t.Helper()

	f := excelize.NewFile()
	defer f.Close()

	for i, s := range sheets {
		if i == 0 {
			if err := f.SetSheetName(f.GetSheetName(0), s.name); err != nil {
				t.Fatal(err)
			}
		} else if _, err := f.NewSheet(s.name); err != nil {
			t.Fatal(err)
		}
		for r, row := range s.rows {
			if row == nil {
				continue
			}
			cell, _ := excelize.CoordinatesToCellName(1, r+1)
			if err := f.SetSheetRow(s.name, cell, &row); err != nil {
				t.Fatal(err)
			}
		}
	}

	path := filepath.Join(dir, name)
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}
	return path
}

// numberedRows builds a header plus n data rows of the form
// {i, "name-i", i*1.5}.
func numberedRows(n int) [][]any {
	rows := [][]any{{"ID", "Name", "Amount"}}
	for i := 1; i <= n; i++ {
		rows = append(rows, []any{i, fmt.Sprintf("name-%d", i), float64(i) * 1.5})
	}
	return rows
}

func openTestWorkbook(t *testing.T, path string) *Workbook {
	t.Helper()
	wb, err := OpenFile(path, ReadOptions{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("OpenFile(%s) failed: %v", filepath.Base(path), err)
	}
	t.Cleanup(func() { wb.Close() })
	return wb
}
