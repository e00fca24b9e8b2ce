package pinglog

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagtime/internal/watcher"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "sub", "user.log"))
	require.NoError(t, err)
	return l
}

func TestOpenCreatesFile(t *testing.T) {
	l := openTestLog(t)
	info, err := os.Stat(l.Path())
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	_, ok, err := l.LastTimestamp()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppendAndRead(t *testing.T) {
	l := openTestLog(t)
	base := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, l.Append(base, "tagtime", "started", "RETRO"))
	require.NoError(t, l.Append(base.Add(time.Hour), "job"))

	entries, diags, err := l.Entries()
	require.NoError(t, err)
	assert.Empty(t, diags)
	require.Len(t, entries, 2)
	assert.Equal(t, []string{"tagtime", "started", "RETRO"}, entries[0].Tags)

	last, ok, err := l.LastTimestamp()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, base.Add(time.Hour).Unix(), last)
}

func TestAppendRequiresTags(t *testing.T) {
	l := openTestLog(t)
	assert.Error(t, l.Append(time.Now()))
}

func TestConcurrentAppends(t *testing.T) {
	l := openTestLog(t)
	base := time.Unix(1736499600, 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, l.Append(base.Add(time.Duration(i)*time.Minute), "job"))
		}(i)
	}
	wg.Wait()

	entries, diags, err := l.Entries()
	require.NoError(t, err)
	assert.Empty(t, diags)
	assert.Len(t, entries, 20)
}

func TestExternallyModified(t *testing.T) {
	l := openTestLog(t)
	require.NoError(t, l.Append(time.Unix(100, 0), "job"))

	own, _, err := watcher.HashFile(l.Path())
	require.NoError(t, err)
	assert.False(t, l.ExternallyModified(own), "own write is not external")

	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("200 edited [1970.01.01 00:03:20 Thu]\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	edited, _, err := watcher.HashFile(l.Path())
	require.NoError(t, err)
	assert.True(t, l.ExternallyModified(edited))
	assert.False(t, l.ExternallyModified(edited), "reported once")
}

func TestAppendAll(t *testing.T) {
	l := openTestLog(t)
	base := time.Unix(1736499600, 0)

	require.NoError(t, l.AppendAll([]Ping{
		{Time: base, Tags: []string{"afk", "off", "RETRO"}},
		{Time: base.Add(time.Hour), Tags: []string{"afk", "off", "RETRO"}},
	}))
	assert.Error(t, l.AppendAll([]Ping{{Time: base, Tags: []string{"ok"}}, {Time: base}}))

	entries, _, err := l.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2, "a rejected batch writes nothing")
	assert.Equal(t, base.Add(time.Hour).Unix(), entries[1].Timestamp)

	own, _, err := watcher.HashFile(l.Path())
	require.NoError(t, err)
	assert.False(t, l.ExternallyModified(own))
}
