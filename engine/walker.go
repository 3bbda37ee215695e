package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/franksops/docferry/provider"
)

// RecordFileExtensions are the extensions recognised as line-delimited
// record files inside an import archive.
var RecordFileExtensions = []string{".json", ".jsonl", ".ndjson"}

// RecordFile is one importable file found under an extracted archive.
type RecordFile struct {
	// Path is the provider path of the file.
	Path string

	// Collection is the file's base name without extension.
	Collection string

	Size int64
}

// ListRecordFiles walks root iteratively and returns every record file
// sorted by path. Hidden entries (leading '.' or "__MACOSX") are skipped.
func ListRecordFiles(ctx context.Context, src provider.Provider, root string) ([]RecordFile, error) {
	stat, err := src.Stat(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", root, err)
	}
	if !stat.IsDir() {
		if name, ok := collectionName(stat.Name()); ok {
			return []RecordFile{{Path: root, Collection: name, Size: stat.Size()}}, nil
		}
		return nil, nil
	}

	var files []RecordFile
	stack := []string{root}

	for len(stack) > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := src.List(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("failed to list directory %s: %w", dir, err)
		}

		for _, entry := range entries {
			if isHidden(entry.Name()) {
				continue
			}
			p := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				stack = append(stack, p)
				continue
			}
			if name, ok := collectionName(entry.Name()); ok {
				files = append(files, RecordFile{Path: p, Collection: name, Size: entry.Size()})
			}
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func collectionName(file string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(file))
	for _, want := range RecordFileExtensions {
		if ext == want {
			name := strings.TrimSuffix(file, filepath.Ext(file))
			return name, name != ""
		}
	}
	return "", false
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") || name == "__MACOSX"
}
