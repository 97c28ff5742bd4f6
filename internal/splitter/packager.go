package splitter

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nconklindev/sheetsplit/internal/types"
)

const DefaultArchivePrefix = "split_result"

// PackOptions configures Pack.
type PackOptions struct {
	TaskID string
	// ModTime stamps every entry; zero means now.
	ModTime time.Time
}

// ArchiveName is the download name of a task's archive.
func ArchiveName(prefix, taskID string) string {
	if prefix == "" {
		prefix = DefaultArchivePrefix
	}
	return SanitizeName(prefix+"_"+taskID) + ".zip"
}

// countingWriter tracks the bytes the zip writer emits.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Pack writes files into a zip archive on w, entries in the given order.
// Packaging runs to completion once started; ctx is only checked before the
// first entry.
func Pack(ctx context.Context, files []types.OutputFile, w io.Writer, opts PackOptions) (types.TaskResult, error) {
	result := types.TaskResult{TaskID: opts.TaskID}
	if err := ctx.Err(); err != nil {
		return result, newStageError("pack", "", ErrCancelled, err)
	}
	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now()
	}

	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)
	for _, f := range files {
		size, err := addEntry(zw, f, modTime)
		if err != nil {
			zw.Close()
			return result, newStageError("pack", f.Sheet, ErrPackaging, fmt.Errorf("%s: %w", f.Name, err))
		}
		result.Files = append(result.Files, types.FileEntry{Name: f.Name, Size: size, Rows: f.Rows})
		result.TotalSize += size
	}
	if err := zw.Close(); err != nil {
		return result, newStageError("pack", "", ErrPackaging, err)
	}

	result.FileCount = len(files)
	result.ArchiveSize = cw.n
	return result, nil
}

func addEntry(zw *zip.Writer, f types.OutputFile, modTime time.Time) (int64, error) {
	src, err := os.Open(f.Path)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	hdr := &zip.FileHeader{
		Name:     f.Name,
		Method:   zip.Deflate,
		Modified: modTime,
	}
	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return 0, err
	}
	return io.Copy(dst, src)
}
