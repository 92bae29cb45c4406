package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainerNaming(t *testing.T) {
	assert.Equal(t, "rivetr-myapp", AppContainerName("myapp"))
	assert.Equal(t, "rivetr-svc-redis", ServiceProjectName("redis"))
}

func TestParsePercent(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"12.34%", 12.34},
		{"0.00%", 0},
		{" 150% ", 150},
		{"garbage", 0},
		{"", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parsePercent(tt.in), "input %q", tt.in)
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512B", 512},
		{"1kB", 1000},
		{"10.5MB", 10_500_000},
		{"1GB", 1_000_000_000},
		{"1KiB", 1024},
		{"1MiB", 1 << 20},
		{"1.5GiB", 3 << 29},
		{"0", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseByteSize(tt.in), "input %q", tt.in)
	}
}

func TestParseUsagePair(t *testing.T) {
	used, limit := parseUsagePair("10.5MB / 1GB")
	assert.Equal(t, int64(10_500_000), used)
	assert.Equal(t, int64(1_000_000_000), limit)

	used, limit = parseUsagePair("no slash")
	assert.Zero(t, used)
	assert.Zero(t, limit)
}

func TestParseTimestampedLine(t *testing.T) {
	entry := parseTimestampedLine("2026-08-24T10:30:00.123456789Z hello world", "stdout")
	assert.Equal(t, "stdout", entry.Stream)
	assert.Equal(t, "hello world", entry.Message)
	assert.Equal(t, time.Date(2026, 8, 24, 10, 30, 0, 123456789, time.UTC), entry.Timestamp)

	// Lines without a leading timestamp keep the whole text
	entry = parseTimestampedLine("no timestamp here", "stderr")
	assert.Equal(t, "no timestamp here", entry.Message)
	assert.Equal(t, "stderr", entry.Stream)
	assert.False(t, entry.Timestamp.IsZero())
}

func TestParseComposePS(t *testing.T) {
	// Compose v2 emits NDJSON
	ndjson := `{"Name":"rivetr-svc-redis-redis-1","State":"running"}
{"Name":"rivetr-svc-redis-sidecar-1","State":"exited"}`
	entries, err := parseComposePS([]byte(ndjson))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "running", entries[0].State)
	assert.Equal(t, "exited", entries[1].State)

	// Older releases emit a JSON array
	array := `[{"Name":"a","State":"running"}]`
	entries, err = parseComposePS([]byte(array))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Empty output means no containers
	entries, err = parseComposePS([]byte("  \n"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = parseComposePS([]byte("not json"))
	assert.Error(t, err)
}

func TestNoopRuntimeAlwaysErrors(t *testing.T) {
	rt := NewNoopRuntime()
	ctx := t.Context()

	_, err := rt.Run(ctx, RunOptions{Image: "nginx"})
	assert.ErrorIs(t, err, ErrNoRuntime)
	assert.ErrorIs(t, rt.Start(ctx, "x"), ErrNoRuntime)
	assert.ErrorIs(t, rt.Stop(ctx, "x"), ErrNoRuntime)
	_, err = rt.Inspect(ctx, "x")
	assert.ErrorIs(t, err, ErrNoRuntime)
	_, err = rt.ListContainers(ctx, "")
	assert.ErrorIs(t, err, ErrNoRuntime)
	assert.Equal(t, "None", rt.Name())
}

func TestPodmanLogsClosesOnCancel(t *testing.T) {
	// A fake engine binary that floods log lines until killed, so the
	// stream goroutine is blocked sending when the context is cancelled
	bin := filepath.Join(t.TempDir(), "podman")
	script := "#!/bin/sh\nwhile true; do echo line; done\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))

	rt := &PodmanRuntime{bin: bin}
	ctx, cancel := context.WithCancel(t.Context())

	out, err := rt.Logs(ctx, "c1", true)
	require.NoError(t, err)

	select {
	case _, ok := <-out:
		require.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("no log entry before cancel")
	}

	// Let the buffered channel fill, then cancel with nobody draining
	time.Sleep(100 * time.Millisecond)
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-out:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("log channel did not close after cancellation")
		}
	}
}

func TestIsPodmanNotFound(t *testing.T) {
	assert.True(t, isPodmanNotFound(errors.New("Error: no such container foo")))
	assert.True(t, isPodmanNotFound(errors.New("no container with name or ID bar found")))
	assert.False(t, isPodmanNotFound(errors.New("connection refused")))
	assert.False(t, isPodmanNotFound(nil))
}
