package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// stopTimeoutSecs is the grace period before the engine force-kills
const stopTimeoutSecs = 10

// DockerRuntime implements Runtime over the Docker Engine API
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the Docker daemon. An empty socket uses the
// environment defaults (DOCKER_HOST or the platform socket).
func NewDockerRuntime(socket string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if socket != "" {
		opts = append(opts, client.WithHost("unix://"+strings.TrimPrefix(socket, "unix://")))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// Ping checks daemon liveness; used by auto-detection
func (r *DockerRuntime) Ping(ctx context.Context) error {
	_, err := r.cli.Ping(ctx)
	return err
}

// Close closes the client connection
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// Name reports the engine for diagnostics
func (r *DockerRuntime) Name() string {
	return "Docker"
}

// Build uploads the context directory and builds an image
func (r *DockerRuntime) Build(ctx context.Context, opts BuildOptions) (string, error) {
	buildCtx, err := archive.TarWithOptions(opts.ContextPath, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to tar build context: %w", err)
	}
	defer buildCtx.Close()

	args := make(map[string]*string, len(opts.BuildArgs))
	for k, v := range opts.BuildArgs {
		v := v
		args[k] = &v
	}

	dockerfile := opts.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	resp, err := r.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{opts.Tag},
		Dockerfile:  dockerfile,
		BuildArgs:   args,
		Target:      opts.Target,
		Memory:      opts.MemoryLimit,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start image build: %w", err)
	}
	defer resp.Body.Close()

	// Drain the progress stream; a build failure surfaces as a JSONError
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return "", fmt.Errorf("image build failed: %w", err)
	}

	return opts.Tag, nil
}

// Run creates and starts a container
func (r *DockerRuntime) Run(ctx context.Context, opts RunOptions) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, pb := range opts.PortBindings {
		proto := pb.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, fmt.Sprintf("%d", pb.ContainerPort))
		if err != nil {
			return "", fmt.Errorf("invalid port mapping %d:%d: %w", pb.HostPort, pb.ContainerPort, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{
			HostIP:   "0.0.0.0",
			HostPort: fmt.Sprintf("%d", pb.HostPort),
		})
	}

	binds := make([]string, 0, len(opts.Mounts))
	for _, m := range opts.Mounts {
		spec := m.Source + ":" + m.Target
		if m.ReadOnly {
			spec += ":ro"
		}
		binds = append(binds, spec)
	}

	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		Binds:        binds,
		ExtraHosts:   opts.ExtraHosts,
		Resources: container.Resources{
			Memory:   opts.MemoryLimit,
			NanoCPUs: int64(opts.CPULimit * 1e9),
		},
	}
	if opts.RestartPolicy != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(opts.RestartPolicy),
		}
	}

	var netConfig *network.NetworkingConfig
	if len(opts.NetworkAliases) > 0 {
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				"bridge": {Aliases: opts.NetworkAliases},
			},
		}
	}

	created, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:        opts.Image,
		Env:          opts.Env,
		Labels:       opts.Labels,
		ExposedPorts: exposed,
	}, hostConfig, netConfig, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", opts.Name, err)
	}

	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container %s: %w", opts.Name, err)
	}

	return created.ID, nil
}

// Start starts an existing stopped container
func (r *DockerRuntime) Start(ctx context.Context, containerID string) error {
	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

// Stop stops a running container; already-stopped is a soft success
func (r *DockerRuntime) Stop(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSecs
	err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

// Remove force-removes a container; absent is a soft success
func (r *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// Inspect returns the container's current state
func (r *DockerRuntime) Inspect(ctx context.Context, containerID string) (*ContainerInfo, error) {
	info, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	port := 0
	if info.NetworkSettings != nil {
		for _, bindings := range info.NetworkSettings.Ports {
			for _, b := range bindings {
				if p, err := nat.ParsePort(b.HostPort); err == nil && p > 0 {
					port = p
					break
				}
			}
			if port != 0 {
				break
			}
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

// Stats samples resource usage with a one-shot (non-streaming) stats call
func (r *DockerRuntime) Stats(ctx context.Context, containerID string) (*ContainerStats, error) {
	resp, err := r.cli.ContainerStats(ctx, containerID, false)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)
		}
		return nil, fmt.Errorf("failed to read stats for %s: %w", containerID, err)
	}
	defer resp.Body.Close()

	var v container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode stats for %s: %w", containerID, err)
	}

	cpuDelta := float64(v.CPUStats.CPUUsage.TotalUsage) - float64(v.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(v.CPUStats.SystemUsage) - float64(v.PreCPUStats.SystemUsage)
	onlineCPUs := float64(v.CPUStats.OnlineCPUs)
	if onlineCPUs == 0 {
		onlineCPUs = float64(len(v.CPUStats.CPUUsage.PercpuUsage))
	}
	cpuPercent := 0.0
	if sysDelta > 0 && cpuDelta > 0 {
		cpuPercent = cpuDelta / sysDelta * onlineCPUs * 100.0
	}

	// Subtract page cache so memory reflects actual working set
	memUsage := v.MemoryStats.Usage
	if cache, ok := v.MemoryStats.Stats["cache"]; ok && cache < memUsage {
		memUsage -= cache
	}

	var rx, tx int64
	for _, net := range v.Networks {
		rx += int64(net.RxBytes)
		tx += int64(net.TxBytes)
	}

	return &ContainerStats{
		CPUPercent:  cpuPercent,
		MemoryUsage: int64(memUsage),
		MemoryLimit: int64(v.MemoryStats.Limit),
		NetworkRx:   rx,
		NetworkTx:   tx,
	}, nil
}

// Logs streams container output; the returned channel closes when the
// stream ends (container exit in follow mode) or ctx is cancelled.
func (r *DockerRuntime) Logs(ctx context.Context, containerID string, follow bool) (<-chan LogEntry, error) {
	rc, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Timestamps: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open logs for %s: %w", containerID, err)
	}

	out := make(chan LogEntry, 64)

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, rc)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
		rc.Close()
	}()

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

	go scan(stdoutR, "stdout")
	go scan(stderrR, "stderr")
	go func() {
		<-done
		<-done
		close(out)
	}()

	return out, nil
}

// parseTimestampedLine splits a "RFC3339Nano message" log line
func parseTimestampedLine(line, stream string) LogEntry {
	entry := LogEntry{Stream: stream, Message: line, Timestamp: time.Now().UTC()}
	if idx := strings.IndexByte(line, ' '); idx > 0 {
		if ts, err := time.Parse(time.RFC3339Nano, line[:idx]); err == nil {
			entry.Timestamp = ts
			entry.Message = line[idx+1:]
		}
	}
	return entry
}

// RunCommand executes argv inside a running container and captures output
func (r *DockerRuntime) RunCommand(ctx context.Context, containerID string, argv []string) (*ExecResult, error) {
	created, err := r.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)
		}
		return nil, fmt.Errorf("failed to create exec in %s: %w", containerID, err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec in %s: %w", containerID, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// ListContainers returns containers whose name starts with prefix
func (r *DockerRuntime) ListContainers(ctx context.Context, prefix string) ([]ContainerInfo, error) {
	opts := container.ListOptions{All: true}
	if prefix != "" {
		opts.Filters = filters.NewArgs(filters.Arg("name", prefix))
	}

	list, err := r.cli.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		// The name filter is a substring match; enforce the prefix
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		port := 0
		for _, p := range c.Ports {
			if p.PublicPort > 0 {
				port = int(p.PublicPort)
				break
			}
		}
		infos = append(infos, ContainerInfo{
			ID:      c.ID,
			Name:    name,
			Status:  c.Status,
			Running: c.State == container.StateRunning,
			Port:    port,
		})
	}
	return infos, nil
}

// Pull fetches an image from a registry
func (r *DockerRuntime) Pull(ctx context.Context, imageRef string) error {
	rc, err := r.cli.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	defer rc.Close()

	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	return nil
}

// RemoveImage deletes an image by tag; absent is a soft success
func (r *DockerRuntime) RemoveImage(ctx context.Context, imageTag string) error {
	_, err := r.cli.ImageRemove(ctx, imageTag, image.RemoveOptions{PruneChildren: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove image %s: %w", imageTag, err)
	}
	return nil
}

// PruneImages removes dangling images and returns bytes reclaimed
func (r *DockerRuntime) PruneImages(ctx context.Context) (int64, error) {
	report, err := r.cli.ImagesPrune(ctx, filters.Args{})
	if err != nil {
		return 0, fmt.Errorf("failed to prune images: %w", err)
	}
	return int64(report.SpaceReclaimed), nil
}
