package util

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"
)

func TestIn(t *testing.T) {
	a := []string{"pending", "building", "done"}
	assert.True(t, In("building", a))
	assert.False(t, In("failed", a))
	assert.False(t, In("", a))
	assert.False(t, In("pending", nil))
}

func TestDictionaryCompare(t *testing.T) {
	test := func(a, b string, expect int) {
		assert.Equal(t, expect, DictionaryCompare(a, b), "DictionaryCompare(%q, %q)", a, b)
		assert.Equal(t, -expect, DictionaryCompare(b, a), "DictionaryCompare(%q, %q)", b, a)
	}
	test("", "", 0)
	test("master", "master", 0)
	test("a", "b", -1)
	test("a", "ab", -1)
	test("1.9", "1.10", -1)
	test("v1.9", "v1.10", -1)
	test("1.2.3", "1.2.3", 0)
	test("1.02", "1.2", 0)
	test("release-2", "release-10", -1)
	test("9", "10", -1)
	test("10a", "10b", -1)
	test("1.2", "1.2.1", -1)
	test("master", "release-1.0", -1)

	// Sorting a branch list in descending dictionary order puts the
	// highest release first.
	branches := []string{"release-1.9", "master", "release-1.10", "release-1.2"}
	sort.Slice(branches, func(i, j int) bool {
		return DictionaryCompare(branches[i], branches[j]) > 0
	})
	assert.Equal(t, []string{"release-1.10", "release-1.9", "release-1.2", "master"}, branches)
}

func TestWithWriteFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "out.json")
	assert.NoError(t, WithWriteFile(file, func(w io.Writer) error {
		_, err := w.Write([]byte("hello"))
		return err
	}))
	b, err := os.ReadFile(file)
	assert.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	// The temp file must not survive the rename.
	entries, err := os.ReadDir(dir)
	assert.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWithReadFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "in.json")
	assert.NoError(t, os.WriteFile(file, []byte("build log contents"), 0644))
	assert.NoError(t, WithReadFile(file, func(f io.Reader) error {
		b, err := io.ReadAll(f)
		assert.NoError(t, err)
		assert.Equal(t, "build log contents", string(b))
		return nil
	}))
	assert.Error(t, WithReadFile(filepath.Join(t.TempDir(), "missing"), func(f io.Reader) error {
		t.Fatal("callback must not run when the open fails")
		return nil
	}))
}

func TestRepeatCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan struct{})
	go func() {
		RepeatCtx(time.Millisecond, ctx, func() {
			calls++
			if calls == 3 {
				cancel()
			}
		})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("RepeatCtx did not stop after cancel")
	}
	// The iteration in flight when cancel fires may still run.
	assert.GreaterOrEqual(t, calls, 3)
	assert.LessOrEqual(t, calls, 4)
}
