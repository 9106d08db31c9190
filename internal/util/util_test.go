package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredictionId(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := PredictionId()
		assert.Len(t, id, 26)
		assert.False(t, seen[id], "IDs must be unique")
		seen[id] = true
	}
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 9, 26, 535000000, time.UTC)
	s := FormatTime(now)
	parsed, err := ParseTime(s)
	require.NoError(t, err)
	assert.True(t, now.Equal(parsed))

	_, err = ParseTime("not a timestamp")
	assert.Error(t, err)
}

func TestNowIso(t *testing.T) {
	s := NowIso()
	parsed, err := ParseTime(s)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), parsed, time.Minute)
}

func TestJoinLogs(t *testing.T) {
	assert.Equal(t, "", JoinLogs(nil))
	assert.Equal(t, "one\n", JoinLogs([]string{"one"}))
	assert.Equal(t, "one\ntwo\n", JoinLogs([]string{"one", "two"}))
}

func TestReadModelYaml(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		dir := t.TempDir()
		content := "build:\n  gpu: true\nconcurrency:\n  max: 4\npredictor: hello\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "model.yaml"), []byte(content), 0o644))

		y, err := ReadModelYaml(dir)
		require.NoError(t, err)
		assert.True(t, y.Build.GPU)
		assert.Equal(t, 4, y.Concurrency.Max)

		name, err := y.PredictorName()
		require.NoError(t, err)
		assert.Equal(t, "hello", name)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := ReadModelYaml(t.TempDir())
		assert.Error(t, err)
	})

	t.Run("NoPredictor", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "model.yaml"), []byte("build:\n  gpu: false\n"), 0o644))
		y, err := ReadModelYaml(dir)
		require.NoError(t, err)
		_, err = y.PredictorName()
		assert.Error(t, err)
	})
}

func TestVersion(t *testing.T) {
	assert.NotEmpty(t, Version())
}
