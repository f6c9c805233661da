// Package storage holds attachment bytes. The engine treats the blob store
// as a collaborator; Dir is the filesystem implementation used by the CLI
// and tests.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Store persists and retrieves attachment blobs by stored name.
type Store interface {
	Put(ctx context.Context, storedName string, r io.Reader) (int64, error)
	Open(ctx context.Context, storedName string) (io.ReadCloser, error)
	Remove(ctx context.Context, storedName string) error
}

// Dir stores blobs as flat files under a directory.
type Dir struct {
	Root string
}

// NewDir ensures the directory exists.
func NewDir(root string) (Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return Dir{}, fmt.Errorf("create blob dir: %w", err)
	}
	return Dir{Root: root}, nil
}

func (d Dir) path(storedName string) string {
	return filepath.Join(d.Root, filepath.Base(storedName))
}

func (d Dir) Put(ctx context.Context, storedName string, r io.Reader) (int64, error) {
	f, err := os.Create(d.path(storedName))
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, contextReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(d.path(storedName))
		return 0, err
	}
	return n, nil
}

func (d Dir) Open(ctx context.Context, storedName string) (io.ReadCloser, error) {
	return os.Open(d.path(storedName))
}

func (d Dir) Remove(ctx context.Context, storedName string) error {
	err := os.Remove(d.path(storedName))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// contextReader aborts a copy when the request context expires, bounding
// large transfers to the caller's deadline.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
