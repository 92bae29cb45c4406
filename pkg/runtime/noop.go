package runtime

import "context"

// NoopRuntime is the fallback when no engine is reachable. The control
// plane still serves its data and lets operators fix the environment;
// every container operation fails fast with ErrNoRuntime.
type NoopRuntime struct{}

// NewNoopRuntime creates the inert runtime
func NewNoopRuntime() *NoopRuntime {
	return &NoopRuntime{}
}

func (r *NoopRuntime) Name() string {
	return "None"
}

func (r *NoopRuntime) Build(ctx context.Context, opts BuildOptions) (string, error) {
	return "", ErrNoRuntime
}

func (r *NoopRuntime) Run(ctx context.Context, opts RunOptions) (string, error) {
	return "", ErrNoRuntime
}

func (r *NoopRuntime) Start(ctx context.Context, containerID string) error {
	return ErrNoRuntime
}

func (r *NoopRuntime) Stop(ctx context.Context, containerID string) error {
	return ErrNoRuntime
}

func (r *NoopRuntime) Remove(ctx context.Context, containerID string) error {
	return ErrNoRuntime
}

func (r *NoopRuntime) Inspect(ctx context.Context, containerID string) (*ContainerInfo, error) {
	return nil, ErrNoRuntime
}

func (r *NoopRuntime) Stats(ctx context.Context, containerID string) (*ContainerStats, error) {
	return nil, ErrNoRuntime
}

func (r *NoopRuntime) Logs(ctx context.Context, containerID string, follow bool) (<-chan LogEntry, error) {
	return nil, ErrNoRuntime
}

func (r *NoopRuntime) RunCommand(ctx context.Context, containerID string, argv []string) (*ExecResult, error) {
	return nil, ErrNoRuntime
}

func (r *NoopRuntime) ListContainers(ctx context.Context, prefix string) ([]ContainerInfo, error) {
	return nil, ErrNoRuntime
}

func (r *NoopRuntime) Pull(ctx context.Context, imageRef string) error {
	return ErrNoRuntime
}

func (r *NoopRuntime) RemoveImage(ctx context.Context, imageTag string) error {
	return ErrNoRuntime
}

func (r *NoopRuntime) PruneImages(ctx context.Context) (int64, error) {
	return 0, ErrNoRuntime
}
