package cleanup

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedule_RemovesAfterTTL(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := New(logger)
	defer r.Stop()

	dir := filepath.Join(t.TempDir(), "export-1")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "users.json"), []byte("{}\n"), 0644))

	assert.True(t, r.Schedule(dir, 20*time.Millisecond))
	assert.True(t, r.Pending(dir))

	assert.Eventually(t, func() bool {
		_, err := os.Stat(dir)
		return os.IsNotExist(err)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !r.Pending(dir) }, time.Second, 5*time.Millisecond)
}

func TestSchedule_DeduplicatesByPath(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	remove := func(p string) error {
		mu.Lock()
		defer mu.Unlock()
		calls[p]++
		return nil
	}

	logger, _ := test.NewNullLogger()
	r := New(logger, WithRemoveFunc(remove))
	defer r.Stop()

	assert.True(t, r.Schedule("/tmp/a.zip", 30*time.Millisecond))
	first, _ := r.FireAt("/tmp/a.zip")

	assert.False(t, r.Schedule("/tmp/a.zip", time.Hour))
	again, _ := r.FireAt("/tmp/a.zip")
	assert.Equal(t, first, again, "a duplicate schedule must not move the deadline")
	assert.Equal(t, 1, r.Len())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls["/tmp/a.zip"] == 1
	}, 2*time.Second, 5*time.Millisecond)

	// once fired, the path can be scheduled again
	assert.Eventually(t, func() bool { return r.Schedule("/tmp/a.zip", time.Hour) }, time.Second, 5*time.Millisecond)
}

func TestCancel(t *testing.T) {
	removed := make(chan string, 1)
	logger, _ := test.NewNullLogger()
	r := New(logger, WithRemoveFunc(func(p string) error {
		removed <- p
		return nil
	}))
	defer r.Stop()

	r.Schedule("/tmp/x", 20*time.Millisecond)
	assert.True(t, r.Cancel("/tmp/x"))
	assert.False(t, r.Cancel("/tmp/x"))
	assert.False(t, r.Pending("/tmp/x"))

	select {
	case p := <-removed:
		t.Fatalf("cancelled path %s was removed", p)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestRemoveFailureIsLoggedNotRetried(t *testing.T) {
	logger, hook := test.NewNullLogger()

	var mu sync.Mutex
	attempts := 0
	r := New(logger, WithRemoveFunc(func(string) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return errors.New("permission denied")
	}))
	defer r.Stop()

	r.Schedule("/tmp/locked", time.Millisecond)

	assert.Eventually(t, func() bool {
		e := hook.LastEntry()
		return e != nil && e.Level == logrus.WarnLevel
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, attempts)
	mu.Unlock()
	assert.False(t, r.Pending("/tmp/locked"))
}

func TestStop(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := New(logger, WithRemoveFunc(func(string) error {
		t.Error("nothing should be removed after Stop")
		return nil
	}))

	r.Schedule("/tmp/a", 20*time.Millisecond)
	r.Schedule("/tmp/b", 20*time.Millisecond)
	r.Stop()

	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Schedule("/tmp/c", time.Millisecond))
	assert.False(t, r.Schedule("", time.Millisecond))
	time.Sleep(50 * time.Millisecond)
}
