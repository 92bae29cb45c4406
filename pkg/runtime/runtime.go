// Package runtime provides the single capability surface over a local
// container engine (Docker or Podman). Every background loop and the deploy
// workflow operate exclusively through the Runtime interface; the concrete
// engine is selected once at startup, by configuration or auto-detection.
package runtime

import (
	"context"
	"errors"
	"time"
)

// ErrNoRuntime is returned by every NoopRuntime method
var ErrNoRuntime = errors.New("no container runtime available")

// ErrContainerNotFound is returned by Inspect/Stats for absent containers
var ErrContainerNotFound = errors.New("container not found")

// AppContainerPrefix is the naming convention for app containers:
// rivetr-<app_name>
const AppContainerPrefix = "rivetr-"

// ServiceProjectPrefix is the compose project naming convention:
// rivetr-svc-<service_name>
const ServiceProjectPrefix = "rivetr-svc-"

// BuildOptions describes an image build request
type BuildOptions struct {
	ContextPath string
	Dockerfile  string // relative to ContextPath
	Tag         string
	BuildArgs   map[string]string
	Target      string
	CPULimit    float64 // cores; 0 means unlimited
	MemoryLimit int64   // bytes; 0 means unlimited
}

// PortBinding maps a host port to a container port
type PortBinding struct {
	HostPort      int
	ContainerPort int
	Protocol      string // "tcp" (default) or "udp"
}

// Mount binds a host path or named volume into the container
type Mount struct {
	Source   string // host path or volume name
	Target   string // container path
	ReadOnly bool
}

// RunOptions describes a container creation request
type RunOptions struct {
	Image          string
	Name           string
	Env            []string // KEY=VALUE
	PortBindings   []PortBinding
	MemoryLimit    int64   // bytes; 0 means unlimited
	CPULimit       float64 // cores; 0 means unlimited
	Labels         map[string]string
	Mounts         []Mount
	NetworkAliases []string
	ExtraHosts     []string
	RestartPolicy  string // engine-level policy; empty means none (the monitor restarts)
}

// ContainerInfo is the inspect/list projection consumed by the core
type ContainerInfo struct {
	ID      string
	Name    string
	Status  string // engine status string, e.g. "running", "exited"
	Running bool
	Port    int // first published host port, 0 when none
}

// ContainerStats is a one-shot resource usage sample
type ContainerStats struct {
	CPUPercent  float64
	MemoryUsage int64
	MemoryLimit int64
	NetworkRx   int64
	NetworkTx   int64
}

// LogEntry is one line of container output
type LogEntry struct {
	Timestamp time.Time
	Stream    string // "stdout" or "stderr"
	Message   string
}

// ExecResult is the outcome of an in-container command
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runtime is the uniform capability set over the container engine.
// Implementations are safe for concurrent use.
type Runtime interface {
	// Name reports the engine for diagnostics: "Docker" or "Podman"
	Name() string

	// Build builds an image from a context directory and returns the tag
	Build(ctx context.Context, opts BuildOptions) (string, error)

	// Run creates and starts a container, returning its ID
	Run(ctx context.Context, opts RunOptions) (string, error)

	// Start starts an existing stopped container
	Start(ctx context.Context, containerID string) error

	// Stop stops a running container; stopping a non-running container
	// is a soft success
	Stop(ctx context.Context, containerID string) error

	// Remove force-removes a container; an absent container is a soft
	// success
	Remove(ctx context.Context, containerID string) error

	// Inspect returns current container state; absent containers yield
	// an error wrapping ErrContainerNotFound
	Inspect(ctx context.Context, containerID string) (*ContainerInfo, error)

	// Stats samples resource usage of a running container
	Stats(ctx context.Context, containerID string) (*ContainerStats, error)

	// Logs streams container output. In follow mode the channel closes
	// when the container exits or ctx is cancelled.
	Logs(ctx context.Context, containerID string, follow bool) (<-chan LogEntry, error)

	// RunCommand executes argv inside a running container
	RunCommand(ctx context.Context, containerID string, argv []string) (*ExecResult, error)

	// ListContainers returns containers (running or not) whose name
	// starts with prefix; an empty prefix lists everything
	ListContainers(ctx context.Context, prefix string) ([]ContainerInfo, error)

	// Pull fetches an image from a registry
	Pull(ctx context.Context, imageRef string) error

	// RemoveImage deletes an image by tag; an absent image is a soft
	// success, an in-use image is an error
	RemoveImage(ctx context.Context, imageTag string) error

	// PruneImages removes dangling images and returns bytes reclaimed
	PruneImages(ctx context.Context) (int64, error)
}

// AppContainerName returns the container name for an app
func AppContainerName(appName string) string {
	return AppContainerPrefix + appName
}

// ServiceProjectName returns the compose project name for a service
func ServiceProjectName(serviceName string) string {
	return ServiceProjectPrefix + serviceName
}
