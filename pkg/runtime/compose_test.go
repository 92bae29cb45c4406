package runtime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestWriteProject(t *testing.T) {
	c := &Compose{dataDir: t.TempDir(), argv: []string{"docker", "compose"}}

	path, err := c.WriteProject(ServiceSpec{
		Name:  "redis",
		Image: "redis:7-alpine",
		Ports: []PortBinding{{HostPort: 6380, ContainerPort: 6379}},
		Env:   []string{"REDIS_ARGS=--appendonly yes"},
		Volumes: []Mount{
			{Source: "redis-data", Target: "/data"},
			{Source: "/etc/redis.conf", Target: "/etc/redis.conf", ReadOnly: true},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.ProjectDir("redis"), "docker-compose.yml"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var parsed struct {
		Services map[string]struct {
			Image       string   `yaml:"image"`
			Restart     string   `yaml:"restart"`
			Ports       []string `yaml:"ports"`
			Environment []string `yaml:"environment"`
			Volumes     []string `yaml:"volumes"`
		} `yaml:"services"`
		Volumes map[string]any `yaml:"volumes"`
	}
	require.NoError(t, yaml.Unmarshal(data, &parsed))

	svc, ok := parsed.Services["redis"]
	require.True(t, ok)
	assert.Equal(t, "redis:7-alpine", svc.Image)
	assert.Equal(t, "unless-stopped", svc.Restart)
	assert.Equal(t, []string{"6380:6379"}, svc.Ports)
	assert.Equal(t, []string{"REDIS_ARGS=--appendonly yes"}, svc.Environment)
	assert.Contains(t, svc.Volumes, "redis-data:/data")
	assert.Contains(t, svc.Volumes, "/etc/redis.conf:/etc/redis.conf:ro")

	// Named volumes get a top-level declaration; host paths do not
	_, named := parsed.Volumes["redis-data"]
	assert.True(t, named)
	assert.Len(t, parsed.Volumes, 1)
}

// fakeComposeCmd writes an executable that prints the given ps output
// regardless of arguments, standing in for the compose CLI.
func fakeComposeCmd(t *testing.T, output string) []string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "compose")
	script := "#!/bin/sh\ncat <<'EOF'\n" + output + "\nEOF\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return []string{path}
}

func TestPSRunning(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{
			name:   "all running",
			output: `{"Name":"rivetr-svc-web-web-1","State":"running"}`,
			want:   true,
		},
		{
			name: "exited sidecar does not kill the stack",
			output: `{"Name":"rivetr-svc-web-web-1","State":"running"}
{"Name":"rivetr-svc-web-migrate-1","State":"exited"}`,
			want: true,
		},
		{
			name:   "mixed-case state",
			output: `{"Name":"rivetr-svc-web-web-1","State":"Running"}`,
			want:   true,
		},
		{
			name: "nothing running",
			output: `{"Name":"rivetr-svc-web-web-1","State":"exited"}
{"Name":"rivetr-svc-web-migrate-1","State":"exited"}`,
			want: false,
		},
		{
			name:   "empty stack",
			output: "",
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Compose{dataDir: t.TempDir(), argv: fakeComposeCmd(t, tt.output)}
			running, err := c.PSRunning(t.Context(), "web")
			require.NoError(t, err)
			assert.Equal(t, tt.want, running)
		})
	}
}
