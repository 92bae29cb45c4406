package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Compose drives multi-container service stacks through the compose CLI.
// Each service gets its own project directory under <dataDir>/services
// with a generated docker-compose.yml, and runs under the project name
// rivetr-svc-<name> so stack containers never collide with app containers.
type Compose struct {
	dataDir string
	argv    []string // compose invocation prefix, resolved once
}

// composeFile mirrors the subset of the compose schema we generate
type composeFile struct {
	Services map[string]composeService `yaml:"services"`
	Volumes  map[string]struct{}       `yaml:"volumes,omitempty"`
}

type composeService struct {
	Image       string   `yaml:"image"`
	Restart     string   `yaml:"restart,omitempty"`
	Ports       []string `yaml:"ports,omitempty"`
	Environment []string `yaml:"environment,omitempty"`
	Volumes     []string `yaml:"volumes,omitempty"`
	Command     []string `yaml:"command,omitempty"`
}

// ServiceSpec is the input for compose file generation
type ServiceSpec struct {
	Name    string
	Image   string
	Ports   []PortBinding
	Env     []string // KEY=VALUE
	Volumes []Mount
	Command []string
}

// NewCompose resolves the compose command for the active engine. Docker
// prefers the v2 plugin (docker compose) and falls back to the legacy
// docker-compose binary; Podman uses podman-compose.
func NewCompose(dataDir string, engine Runtime) (*Compose, error) {
	var candidates [][]string
	switch engine.(type) {
	case *PodmanRuntime:
		candidates = [][]string{{"podman-compose"}}
	default:
		candidates = [][]string{{"docker", "compose"}, {"docker-compose"}}
	}

	for _, argv := range candidates {
		if _, err := exec.LookPath(argv[0]); err == nil {
			return &Compose{dataDir: dataDir, argv: argv}, nil
		}
	}
	return nil, fmt.Errorf("no compose command available for %s", engine.Name())
}

// ProjectDir returns the directory holding a service's compose file
func (c *Compose) ProjectDir(serviceName string) string {
	return filepath.Join(c.dataDir, "services", serviceName)
}

// WriteProject renders and writes the compose file for a service stack
func (c *Compose) WriteProject(spec ServiceSpec) (string, error) {
	svc := composeService{
		Image:       spec.Image,
		Restart:     "unless-stopped",
		Environment: spec.Env,
		Command:     spec.Command,
	}
	for _, pb := range spec.Ports {
		entry := fmt.Sprintf("%d:%d", pb.HostPort, pb.ContainerPort)
		if pb.Protocol != "" && pb.Protocol != "tcp" {
			entry += "/" + pb.Protocol
		}
		svc.Ports = append(svc.Ports, entry)
	}
	volumes := map[string]struct{}{}
	for _, m := range spec.Volumes {
		entry := m.Source + ":" + m.Target
		if m.ReadOnly {
			entry += ":ro"
		}
		svc.Volumes = append(svc.Volumes, entry)
		if !strings.Contains(m.Source, "/") {
			volumes[m.Source] = struct{}{}
		}
	}

	file := composeFile{Services: map[string]composeService{spec.Name: svc}}
	if len(volumes) > 0 {
		file.Volumes = volumes
	}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return "", fmt.Errorf("failed to render compose file: %w", err)
	}

	dir := c.ProjectDir(spec.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create project dir: %w", err)
	}
	path := filepath.Join(dir, "docker-compose.yml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write compose file: %w", err)
	}
	return path, nil
}

// run invokes the compose command against a service's project
func (c *Compose) run(ctx context.Context, serviceName string, args ...string) ([]byte, error) {
	full := append([]string{}, c.argv[1:]...)
	full = append(full,
		"-p", ServiceProjectName(serviceName),
		"-f", filepath.Join(c.ProjectDir(serviceName), "docker-compose.yml"))
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, c.argv[0], full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.Bytes(), fmt.Errorf("compose %s: %s", args[0], msg)
	}
	return stdout.Bytes(), nil
}

// Up starts (or updates) a service stack in the background
func (c *Compose) Up(ctx context.Context, serviceName string) error {
	if _, err := c.run(ctx, serviceName, "up", "-d"); err != nil {
		return fmt.Errorf("failed to start service %s: %w", serviceName, err)
	}
	return nil
}

// Down stops and removes a service stack; volumes survive unless
// removeVolumes is set.
func (c *Compose) Down(ctx context.Context, serviceName string, removeVolumes bool) error {
	args := []string{"down"}
	if removeVolumes {
		args = append(args, "-v")
	}
	if _, err := c.run(ctx, serviceName, args...); err != nil {
		return fmt.Errorf("failed to stop service %s: %w", serviceName, err)
	}
	return nil
}

// composePS is one entry of compose ps --format json. Compose v2 emits
// NDJSON (one object per line); older releases emit a JSON array, so
// both shapes are handled.
type composePS struct {
	Name  string `json:"Name"`
	State string `json:"State"`
}

// PSRunning reports whether any container in the stack is running. A
// stack with exited sidecars or init containers is still alive as long
// as one container runs; an empty stack counts as not running.
func (c *Compose) PSRunning(ctx context.Context, serviceName string) (bool, error) {
	out, err := c.run(ctx, serviceName, "ps", "--format", "json")
	if err != nil {
		return false, err
	}

	entries, err := parseComposePS(out)
	if err != nil {
		return false, fmt.Errorf("failed to parse compose ps output: %w", err)
	}
	for _, e := range entries {
		if strings.EqualFold(e.State, "running") {
			return true, nil
		}
	}
	return false, nil
}

func parseComposePS(out []byte) ([]composePS, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var entries []composePS
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, err
		}
		return entries, nil
	}

	var entries []composePS
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e composePS
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
