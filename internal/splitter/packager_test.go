package splitter

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nconklindev/sheetsplit/internal/types"
)

func writeOutputs(t *testing.T, dir string, contents map[string]string, order []string) []types.OutputFile {
	t.Helper()
	var files []types.OutputFile
	for i, name := range order {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(contents[name]), 0o644); err != nil {
			t.Fatal(err)
		}
		files = append(files, types.OutputFile{
			Name: name, Path: p, Sheet: "S", Partition: i, Rows: i + 1,
			Size: int64(len(contents[name])),
		})
	}
	return files
}

func TestPack(t *testing.T) {
	dir := t.TempDir()
	contents := map[string]string{
		"S_002.xlsx":  "second file",
		"S_001.xlsx":  "first",
		"技术部.xlsx": "unicode name",
	}
	order := []string{"S_002.xlsx", "S_001.xlsx", "技术部.xlsx"}
	files := writeOutputs(t, dir, contents, order)

	var buf bytes.Buffer
	result, err := Pack(context.Background(), files, &buf, PackOptions{TaskID: "t1"})
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	if result.TaskID != "t1" || result.FileCount != 3 {
		t.Errorf("Result = %+v", result)
	}
	var wantTotal int64
	for _, c := range contents {
		wantTotal += int64(len(c))
	}
	if result.TotalSize != wantTotal {
		t.Errorf("TotalSize = %d; want %d", result.TotalSize, wantTotal)
	}
	if result.ArchiveSize != int64(buf.Len()) {
		t.Errorf("ArchiveSize = %d; want %d", result.ArchiveSize, buf.Len())
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	if len(zr.File) != len(order) {
		t.Fatalf("Archive has %d entries; want %d", len(zr.File), len(order))
	}
	for i, f := range zr.File {
		if f.Name != order[i] {
			t.Errorf("Entry %d = %s; want %s", i, f.Name, order[i])
		}
		if f.Method != zip.Deflate {
			t.Errorf("Entry %s method = %d; want Deflate", f.Name, f.Method)
		}
		if result.Files[i].Name != order[i] || result.Files[i].Rows != i+1 {
			t.Errorf("Files[%d] = %+v", i, result.Files[i])
		}
	}
}

func TestPack_MissingFile(t *testing.T) {
	dir := t.TempDir()
	files := writeOutputs(t, dir, map[string]string{"a.xlsx": "a"}, []string{"a.xlsx"})
	files = append(files, types.OutputFile{Name: "b.xlsx", Path: filepath.Join(dir, "b.xlsx")})

	var buf bytes.Buffer
	_, err := Pack(context.Background(), files, &buf, PackOptions{TaskID: "t2"})
	if !errors.Is(err, ErrPackaging) {
		t.Errorf("Pack() error = %v; want %v", err, ErrPackaging)
	}
}

func TestArchiveName(t *testing.T) {
	tests := []struct {
		prefix, id, expected string
	}{
		{"", "abc", "split_result_abc.zip"},
		{"拆分结果", "abc", "拆分结果_abc.zip"},
		{"out/put", "x", "out_put_x.zip"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := ArchiveName(tt.prefix, tt.id); got != tt.expected {
				t.Errorf("ArchiveName(%q, %q) = %q; want %q", tt.prefix, tt.id, got, tt.expected)
			}
		})
	}
}
