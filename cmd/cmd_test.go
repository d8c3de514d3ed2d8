package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("QUEUE_TYPE", "memory")
	t.Setenv("STORAGE_TYPE", "memory")
	t.Setenv("LOG_LEVEL", "error")
	t.Cleanup(func() {
		enqueueAll = false
		historyPage, historyLimit, historyFeed = 1, 0, ""
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEnqueue_All(t *testing.T) {
	t.Setenv("FEEDS", "https://a.example.com/rss|15m,https://b.example.com/rss")

	out, err := execute(t, "enqueue", "--all")
	require.NoError(t, err)
	assert.Equal(t, "Enqueued 2 of 2 feeds\n", out)
}

func TestEnqueue_AllRejectsFeedArgument(t *testing.T) {
	_, err := execute(t, "enqueue", "--all", "https://a.example.com/rss")
	assert.Error(t, err)
}

func TestEnqueue_InvalidFeedURL(t *testing.T) {
	_, err := execute(t, "enqueue", "ftp://a.example.com/rss")
	assert.Error(t, err)
}

func TestHistory_PrintsJobCount(t *testing.T) {
	out, err := execute(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "TIMESTAMP")
	assert.Contains(t, out, "page 1 of 0 (0 runs, 0 jobs stored)")
}
