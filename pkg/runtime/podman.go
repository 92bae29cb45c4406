package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// PodmanRuntime implements Runtime by invoking the podman CLI. Podman has
// no long-lived daemon to hold a connection to, so every operation is a
// child process.
type PodmanRuntime struct {
	bin string
}

// NewPodmanRuntime creates the CLI-backed runtime
func NewPodmanRuntime() *PodmanRuntime {
	return &PodmanRuntime{bin: "podman"}
}

// Name reports the engine for diagnostics
func (r *PodmanRuntime) Name() string {
	return "Podman"
}

// exec runs a podman subcommand and returns stdout
func (r *PodmanRuntime) exec(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.Bytes(), fmt.Errorf("podman %s: %s", args[0], msg)
	}
	return stdout.Bytes(), nil
}

func isPodmanNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such container") ||
		strings.Contains(msg, "no such image") ||
		strings.Contains(msg, "no container with name or id")
}

// Build builds an image via podman build
func (r *PodmanRuntime) Build(ctx context.Context, opts BuildOptions) (string, error) {
	dockerfile := opts.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	args := []string{"build", "-t", opts.Tag, "-f", dockerfile}
	for k, v := range opts.BuildArgs {
		args = append(args, "--build-arg", k+"="+v)
	}
	if opts.Target != "" {
		args = append(args, "--target", opts.Target)
	}
	if opts.MemoryLimit > 0 {
		args = append(args, "--memory", strconv.FormatInt(opts.MemoryLimit, 10))
	}
	args = append(args, opts.ContextPath)

	if _, err := r.exec(ctx, args...); err != nil {
		return "", fmt.Errorf("image build failed: %w", err)
	}
	return opts.Tag, nil
}

// Run creates and starts a container via podman run -d
func (r *PodmanRuntime) Run(ctx context.Context, opts RunOptions) (string, error) {
	args := []string{"run", "-d", "--name", opts.Name}
	for _, pb := range opts.PortBindings {
		spec := fmt.Sprintf("%d:%d", pb.HostPort, pb.ContainerPort)
		if pb.Protocol != "" && pb.Protocol != "tcp" {
			spec += "/" + pb.Protocol
		}
		args = append(args, "-p", spec)
	}
	for _, e := range opts.Env {
		args = append(args, "-e", e)
	}
	for _, m := range opts.Mounts {
		spec := m.Source + ":" + m.Target
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	for k, v := range opts.Labels {
		args = append(args, "--label", k+"="+v)
	}
	for _, h := range opts.ExtraHosts {
		args = append(args, "--add-host", h)
	}
	for _, a := range opts.NetworkAliases {
		args = append(args, "--network-alias", a)
	}
	if opts.MemoryLimit > 0 {
		args = append(args, "--memory", strconv.FormatInt(opts.MemoryLimit, 10))
	}
	if opts.CPULimit > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(opts.CPULimit, 'f', -1, 64))
	}
	if opts.RestartPolicy != "" {
		args = append(args, "--restart", opts.RestartPolicy)
	}
	args = append(args, opts.Image)

	out, err := r.exec(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("failed to run container %s: %w", opts.Name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Start starts an existing stopped container
func (r *PodmanRuntime) Start(ctx context.Context, containerID string) error {
	if _, err := r.exec(ctx, "start", containerID); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

// Stop stops a running container; already-stopped is a soft success
func (r *PodmanRuntime) Stop(ctx context.Context, containerID string) error {
	_, err := r.exec(ctx, "stop", "-t", strconv.Itoa(stopTimeoutSecs), containerID)
	if err != nil && !isPodmanNotFound(err) &&
		!strings.Contains(strings.ToLower(err.Error()), "is not running") {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

// Remove force-removes a container; absent is a soft success
func (r *PodmanRuntime) Remove(ctx context.Context, containerID string) error {
	_, err := r.exec(ctx, "rm", "-f", containerID)
	if err != nil && !isPodmanNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// podmanInspect is the subset of podman inspect output the core reads
type podmanInspect struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Status  string `json:"Status"`
		Running bool   `json:"Running"`
	} `json:"State"`
	NetworkSettings struct {
		Ports map[string][]struct {
			HostPort string `json:"HostPort"`
		} `json:"Ports"`
	} `json:"NetworkSettings"`
}

// Inspect returns the container's current state
func (r *PodmanRuntime) Inspect(ctx context.Context, containerID string) (*ContainerInfo, error) {
	out, err := r.exec(ctx, "inspect", "--type", "container", containerID)
	if err != nil {
		if isPodmanNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	var parsed []podmanInspect
	if err := json.Unmarshal(out, &parsed); err != nil || len(parsed) == 0 {
		return nil, fmt.Errorf("failed to parse inspect output for %s", containerID)
	}

	info := parsed[0]
	port := 0
	for _, bindings := range info.NetworkSettings.Ports {
		for _, b := range bindings {
			if p, err := strconv.Atoi(b.HostPort); err == nil && p > 0 {
				port = p
				break
			}
		}
		if port != 0 {
			break
		}
	}

	return &ContainerInfo{
		ID:      info.ID,
		Name:    strings.TrimPrefix(info.Name, "/"),
		Status:  info.State.Status,
		Running: info.State.Running,
		Port:    port,
	}, nil
}

// podmanStats is one entry of podman stats --format json
type podmanStats struct {
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
	NetIO    string `json:"NetIO"`
}

// Stats samples resource usage via podman stats --no-stream
func (r *PodmanRuntime) Stats(ctx context.Context, containerID string) (*ContainerStats, error) {
	out, err := r.exec(ctx, "stats", "--no-stream", "--format", "json", containerID)
	if err != nil {
		if isPodmanNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)
		}
		return nil, fmt.Errorf("failed to read stats for %s: %w", containerID, err)
	}

	var parsed []podmanStats
	if err := json.Unmarshal(out, &parsed); err != nil || len(parsed) == 0 {
		return nil, fmt.Errorf("failed to parse stats output for %s", containerID)
	}

	entry := parsed[0]
	cpu := parsePercent(entry.CPUPerc)
	memUsage, memLimit := parseUsagePair(entry.MemUsage)
	rx, tx := parseUsagePair(entry.NetIO)

	return &ContainerStats{
		CPUPercent:  cpu,
		MemoryUsage: memUsage,
		MemoryLimit: memLimit,
		NetworkRx:   rx,
		NetworkTx:   tx,
	}, nil
}

// parsePercent parses "12.34%" into 12.34
func parsePercent(s string) float64 {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// parseUsagePair parses "10.5MB / 1GB" into byte counts
func parseUsagePair(s string) (int64, int64) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	return parseByteSize(parts[0]), parseByteSize(parts[1])
}

// parseByteSize parses human sizes like "10.5MB", "1.2GiB", "512B"
func parseByteSize(s string) int64 {
	s = strings.TrimSpace(s)
	units := []struct {
		suffix string
		factor float64
	}{
		{"TiB", 1 << 40}, {"GiB", 1 << 30}, {"MiB", 1 << 20}, {"KiB", 1 << 10},
		{"TB", 1e12}, {"GB", 1e9}, {"MB", 1e6}, {"kB", 1e3}, {"KB", 1e3},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			num := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			v, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0
			}
			return int64(v * u.factor)
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(v)
}

// Logs streams container output via podman logs
func (r *PodmanRuntime) Logs(ctx context.Context, containerID string, follow bool) (<-chan LogEntry, error) {
	args := []string{"logs", "--timestamps"}
	if follow {
		args = append(args, "-f")
	}
	args = append(args, containerID)

	cmd := exec.CommandContext(ctx, r.bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open logs for %s: %w", containerID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open logs for %s: %w", containerID, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start podman logs: %w", err)
	}

	out := make(chan LogEntry, 64)
	done := make(chan struct{}, 2)

	scan := func(r io.Reader, stream string) {
		// Signal on every exit path, including ctx cancellation, so the
		// closer below never blocks.
		defer func() { done <- struct{}{} }()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			entry := parseTimestampedLine(scanner.Text(), stream)
			select {
			case out <- entry:
			case <-ctx.Done():
				return
			}
		}
	}

	go scan(stdout, "stdout")
	go scan(stderr, "stderr")
	go func() {
		<-done
		<-done
		cmd.Wait()
		close(out)
	}()

	return out, nil
}

// RunCommand executes argv inside a running container via podman exec
func (r *PodmanRuntime) RunCommand(ctx context.Context, containerID string, argv []string) (*ExecResult, error) {
	args := append([]string{"exec", containerID}, argv...)
	cmd := exec.CommandContext(ctx, r.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			if isPodmanNotFound(fmt.Errorf("%s", stderr.String())) {
				return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)
			}
			return nil, fmt.Errorf("failed to exec in container %s: %w", containerID, err)
		}
	}

	return &ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// podmanPS is one entry of podman ps --format json
type podmanPS struct {
	ID     string   `json:"Id"`
	IDAlt  string   `json:"ID"`
	Names  []string `json:"Names"`
	State  string   `json:"State"`
	Status string   `json:"Status"`
	Ports  []struct {
		HostPort int `json:"host_port"`
	} `json:"Ports"`
}

// ListContainers returns containers whose name starts with prefix
func (r *PodmanRuntime) ListContainers(ctx context.Context, prefix string) ([]ContainerInfo, error) {
	args := []string{"ps", "-a", "--format", "json"}
	if prefix != "" {
		args = append(args, "--filter", "name="+prefix)
	}
	out, err := r.exec(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var parsed []podmanPS
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse ps output: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(parsed))
	for _, c := range parsed {
		id := c.ID
		if id == "" {
			id = c.IDAlt
		}
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		port := 0
		for _, p := range c.Ports {
			if p.HostPort > 0 {
				port = p.HostPort
				break
			}
		}
		infos = append(infos, ContainerInfo{
			ID:      id,
			Name:    name,
			Status:  c.Status,
			Running: strings.EqualFold(c.State, "running"),
			Port:    port,
		})
	}
	return infos, nil
}

// Pull fetches an image from a registry
func (r *PodmanRuntime) Pull(ctx context.Context, imageRef string) error {
	if _, err := r.exec(ctx, "pull", imageRef); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	return nil
}

// RemoveImage deletes an image by tag; absent is a soft success
func (r *PodmanRuntime) RemoveImage(ctx context.Context, imageTag string) error {
	_, err := r.exec(ctx, "rmi", imageTag)
	if err != nil && !isPodmanNotFound(err) {
		return fmt.Errorf("failed to remove image %s: %w", imageTag, err)
	}
	return nil
}

// PruneImages removes dangling images. Podman does not report reclaimed
// bytes, so the count is always zero.
func (r *PodmanRuntime) PruneImages(ctx context.Context) (int64, error) {
	if _, err := r.exec(ctx, "image", "prune", "-f"); err != nil {
		return 0, fmt.Errorf("failed to prune images: %w", err)
	}
	return 0, nil
}

// Version probes the podman binary; used by auto-detection
func (r *PodmanRuntime) Version(ctx context.Context) (string, error) {
	out, err := r.exec(ctx, "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
