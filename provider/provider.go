package provider

import (
	"context"
	"fmt"
	"io"
	"time"
)

// FileInfo represents the standard metadata for a file or a directory
// across different storage abstractions.
type FileInfo interface {
	Name() string
	Size() int64
	IsDir() bool
	ModTime() time.Time
}

// Writer is a destination files can be streamed into.
type Writer interface {
	// OpenWrite opens a file for streaming writes, applying metadata if supported.
	OpenWrite(ctx context.Context, path string, metadata FileInfo) (io.WriteCloser, error)
}

// Provider represents a storage backend for job artifacts: export
// directories, finished archives and uploaded imports.
type Provider interface {
	Writer

	// Stat returns the FileInfo for the given path.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// List returns the contents of the given directory.
	List(ctx context.Context, path string) ([]FileInfo, error)

	// OpenRead opens a file for streaming reads.
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)
}

// Locator is implemented by providers that can describe where a path lives
// for someone outside the process.
type Locator interface {
	URL(path string) string
}

// Aborter is implemented by writers that can discard a partial write so
// that nothing is left under the destination name.
type Aborter interface {
	Abort(cause error) error
}

// Abort discards w if it supports it and closes it otherwise.
func Abort(w io.WriteCloser, cause error) error {
	if a, ok := w.(Aborter); ok {
		return a.Abort(cause)
	}
	return w.Close()
}

// Copy streams one file from src to dst through buf and returns the number
// of bytes copied. The destination is only complete once its writer closes
// without error, so a failed Close is reported.
func Copy(ctx context.Context, src Provider, srcPath string, dst Writer, dstPath string, buf []byte) (int64, error) {
	info, err := src.Stat(ctx, srcPath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", srcPath, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("cannot copy directory %s", srcPath)
	}

	r, err := src.OpenRead(ctx, srcPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", srcPath, err)
	}
	defer r.Close()

	w, err := dst.OpenWrite(ctx, dstPath, info)
	if err != nil {
		return 0, fmt.Errorf("failed to open destination %s: %w", dstPath, err)
	}

	n, err := io.CopyBuffer(w, r, buf)
	if err != nil {
		Abort(w, err)
		return n, fmt.Errorf("failed to copy %s: %w", srcPath, err)
	}
	if err := w.Close(); err != nil {
		return n, fmt.Errorf("failed to finish %s: %w", dstPath, err)
	}
	return n, nil
}

// Describe returns a printable location for path on p.
func Describe(p Writer, path string) string {
	if l, ok := p.(Locator); ok {
		return l.URL(path)
	}
	return path
}
