package archive

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.zip")
	f, err := os.Create(path)
	require.NoError(t, err)

	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestZipUnzipRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "users.json"), []byte("{\"a\":1}\n{\"a\":2}\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "orders.json"), []byte(strings.Repeat("{\"o\":1}\n", 100)), 0644))

	dst := filepath.Join(t.TempDir(), "out", "shop.zip")
	size, err := Zip(context.Background(), src, dst)
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))

	zr, err := zip.OpenReader(dst)
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	zr.Close()
	sort.Strings(names)
	assert.Equal(t, []string{"sub/orders.json", "users.json"}, names)

	out := t.TempDir()
	files, err := Unzip(context.Background(), dst, out, 0)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	got, err := os.ReadFile(filepath.Join(out, "sub", "orders.json"))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("{\"o\":1}\n", 100), string(got))
}

func TestUnzip_RejectsTraversal(t *testing.T) {
	for _, name := range []string{"../evil.json", "a/../../evil.json", "/etc/evil.json", "..\\evil.json"} {
		t.Run(name, func(t *testing.T) {
			src := writeZip(t, map[string]string{name: "{}\n"})
			out := t.TempDir()

			_, err := Unzip(context.Background(), src, out, 0)
			assert.True(t, errors.Is(err, ErrUnsafePath), "got %v", err)
			_, statErr := os.Stat(filepath.Join(filepath.Dir(out), "evil.json"))
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestUnzip_SizeLimit(t *testing.T) {
	src := writeZip(t, map[string]string{"big.json": strings.Repeat("x", 1024)})

	_, err := Unzip(context.Background(), src, t.TempDir(), 100)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestUnzip_NotAZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload.zip")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0644))

	_, err := Unzip(context.Background(), path, t.TempDir(), 0)
	assert.Error(t, err)
}

func TestZip_CancelledContext(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.json"), []byte("{}\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dst := filepath.Join(t.TempDir(), "a.zip")
	_, err := Zip(ctx, src, dst)
	assert.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr))
}
