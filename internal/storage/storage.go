// Package storage holds finished archives until they are handed off or
// expire.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

var (
	ErrNotFound   = errors.New("archive not found")
	ErrInvalidKey = errors.New("invalid archive key")
)

// Handle identifies a stored archive.
type Handle struct {
	Key      string `json:"key"`
	Size     int64  `json:"size"`
	Location string `json:"location"`
}

// Store is an archive backend. Keys are slash separated and relative,
// "{taskID}/{archiveName}".
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (Handle, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes every object under prefix.
	Delete(ctx context.Context, prefix string) error
}

// Key builds the storage key of a task's archive.
func Key(taskID, name string) string {
	return taskID + "/" + name
}

// cleanKey rejects absolute keys and keys that escape the store root.
func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return "", ErrInvalidKey
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrInvalidKey
	}
	return clean, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
