package provider

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

type localFileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
}

func (l *localFileInfo) Name() string       { return l.name }
func (l *localFileInfo) Size() int64        { return l.size }
func (l *localFileInfo) IsDir() bool        { return l.isDir }
func (l *localFileInfo) ModTime() time.Time { return l.modTime }

func wrapOSFileInfo(info os.FileInfo) FileInfo {
	return &localFileInfo{
		name:    info.Name(),
		size:    info.Size(),
		isDir:   info.IsDir(),
		modTime: info.ModTime(),
	}
}

// LocalProvider implements the Provider interface for posix-compliant local filesystems.
type LocalProvider struct {
	basePath string
}

// NewLocalProvider creates a new LocalProvider rooted at basePath.
// If basePath is empty, it acts upon absolute or relative paths directly.
func NewLocalProvider(basePath string) *LocalProvider {
	return &LocalProvider{basePath: basePath}
}

// Base returns the directory the provider is rooted at.
func (p *LocalProvider) Base() string {
	return p.basePath
}

// Resolve maps path to a filesystem path. With a base directory, ".."
// segments cannot climb above the base.
func (p *LocalProvider) Resolve(path string) string {
	if p.basePath == "" {
		return path
	}
	return filepath.Join(p.basePath, filepath.Clean("/"+path))
}

// URL implements Locator.
func (p *LocalProvider) URL(path string) string {
	return "file://" + filepath.ToSlash(p.Resolve(path))
}

func (p *LocalProvider) Stat(ctx context.Context, path string) (FileInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	fullPath := p.Resolve(path)
	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, err
	}

	return wrapOSFileInfo(info), nil
}

func (p *LocalProvider) List(ctx context.Context, path string) ([]FileInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	fullPath := p.Resolve(path)
	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, err
	}

	var infos []FileInfo
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue // skip files that disappeared between ReadDir and Info
		}
		infos = append(infos, wrapOSFileInfo(info))
	}
	return infos, nil
}

func (p *LocalProvider) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	fullPath := p.Resolve(path)
	return os.Open(fullPath)
}

// OpenWrite writes to a temporary file next to path. The file appears
// under its final name only when Close succeeds; Abort discards it.
func (p *LocalProvider) OpenWrite(ctx context.Context, path string, metadata FileInfo) (io.WriteCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	fullPath := p.Resolve(path)
	if metadata != nil && metadata.IsDir() {
		return nil, fmt.Errorf("cannot write directory %q", path)
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, err
	}

	file, err := os.CreateTemp(filepath.Dir(fullPath), "."+filepath.Base(fullPath)+".partial-*")
	if err != nil {
		return nil, err
	}
	if err := file.Chmod(0644); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, err
	}

	return &localWriteCloser{
		File:     file,
		fullPath: fullPath,
		metadata: metadata,
	}, nil
}

// localWriteCloser renames its temporary file into place on Close and
// applies the source mod time. Writing updates mtime, so that happens last.
type localWriteCloser struct {
	*os.File
	fullPath string
	metadata FileInfo
	done     bool
}

func (l *localWriteCloser) Close() error {
	if l.done {
		return os.ErrClosed
	}
	l.done = true

	tmp := l.File.Name()
	if err := l.File.Sync(); err != nil {
		l.File.Close()
		os.Remove(tmp)
		return err
	}
	if err := l.File.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, l.fullPath); err != nil {
		os.Remove(tmp)
		return err
	}

	if l.metadata != nil && !l.metadata.ModTime().IsZero() {
		// Ignore errors on applying timestamp
		_ = os.Chtimes(l.fullPath, time.Now(), l.metadata.ModTime())
	}

	return nil
}

// Abort implements Aborter.
func (l *localWriteCloser) Abort(error) error {
	if l.done {
		return nil
	}
	l.done = true

	l.File.Close()
	return os.Remove(l.File.Name())
}
