package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(LoggerConfig{Level: WARN, Console: true, Output: &buf})
	require.NoError(t, err)

	l.Info("hidden %d", 1)
	l.Warn("shown %d", 2)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "[WARN] shown 2")
}

func TestTagged_PrefixesComponent(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(LoggerConfig{Level: DEBUG, Console: true, Output: &buf})
	require.NoError(t, err)

	prev := defaultLogger.Load()
	Use(l)
	defer Use(prev)

	Tag("pump").Error("channel %s stuck", "acid")
	assert.Contains(t, buf.String(), "[ERROR] pump: channel acid stuck")
}

func TestLogger_RotatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.log")

	l, err := New(LoggerConfig{Level: DEBUG, FilePath: path, MaxSize: 1, MaxBackups: 1})
	require.NoError(t, err)
	defer l.Close()

	l.mu.Lock()
	l.maxSize = 64
	l.mu.Unlock()

	for i := 0; i < 10; i++ {
		l.Info("line number %d padded to exceed the limit", i)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "node.*.log"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(matches), 1)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestParseLogLevel(t *testing.T) {
	lvl, err := ParseLogLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, WARN, lvl)

	_, err = ParseLogLevel("verbose")
	assert.Error(t, err)
}
