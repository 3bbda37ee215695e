// Package archive packs export directories into zip files and unpacks
// uploaded zip files for import.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned for zip entries that would extract outside the
// target directory.
var ErrUnsafePath = errors.New("unsafe path in archive")

// DefaultMaxUncompressed bounds the total size Unzip will write.
const DefaultMaxUncompressed int64 = 16 << 30

// ErrTooLarge is returned when an archive expands past the configured limit.
var ErrTooLarge = errors.New("archive expands past size limit")

// Zip writes every regular file under srcDir into a new zip file at dst,
// with entry names relative to srcDir. It returns the archive size.
func Zip(ctx context.Context, srcDir, dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, fmt.Errorf("failed to create archive directory: %w", err)
	}

	f, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("failed to create archive: %w", err)
	}

	zw := zip.NewWriter(f)
	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		return addFile(zw, path, filepath.ToSlash(rel))
	})

	if walkErr != nil {
		zw.Close()
		f.Close()
		os.Remove(dst)
		return 0, fmt.Errorf("failed to archive %s: %w", srcDir, walkErr)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(dst)
		return 0, fmt.Errorf("failed to finish archive: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close archive: %w", err)
	}
	return info.Size(), nil
}

func addFile(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

// Unzip extracts src into dstDir and returns the extracted file paths.
// Entries with absolute paths or ".." segments fail the whole extraction.
// maxBytes caps the total uncompressed size; zero or less means
// DefaultMaxUncompressed.
func Unzip(ctx context.Context, src, dstDir string, maxBytes int64) ([]string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUncompressed
	}

	zr, err := zip.OpenReader(src)
	if errors.Is(err, zip.ErrInsecurePath) {
		zr.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create extraction directory: %w", err)
	}

	var (
		files   []string
		written int64
	)
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return files, err
		}

		target, err := safeJoin(dstDir, f.Name)
		if err != nil {
			return files, err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return files, err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}

		n, err := extractFile(f, target, maxBytes-written)
		written += n
		if err != nil {
			return files, fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
		files = append(files, target)
	}
	return files, nil
}

func extractFile(f *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, err
	}

	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if n > budget {
		return n, ErrTooLarge
	}
	return n, nil
}

func safeJoin(dir, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
		}
	}
	return filepath.Join(dir, filepath.FromSlash(name)), nil
}
