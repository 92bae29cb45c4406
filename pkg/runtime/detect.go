package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/rivetr/rivetr/pkg/log"
)

// detectTimeout bounds each engine probe so a hung daemon socket cannot
// stall startup.
const detectTimeout = 3 * time.Second

// Detect selects the container runtime. An explicit runtimeType of
// "docker" or "podman" is honored and its absence is an error; "auto"
// (or empty) probes Docker first, then Podman, and falls back to the
// noop runtime so the process can still start.
func Detect(ctx context.Context, runtimeType, dockerSocket string) (Runtime, error) {
	logger := log.WithComponent("runtime")

	switch runtimeType {
	case "docker":
		return probeDocker(ctx, dockerSocket)
	case "podman":
		return probePodman(ctx)
	case "", "auto":
	default:
		return nil, fmt.Errorf("unknown runtime type: %s", runtimeType)
	}

	if rt, err := probeDocker(ctx, dockerSocket); err == nil {
		logger.Info().Msg("Detected Docker runtime")
		return rt, nil
	} else {
		logger.Debug().Err(err).Msg("Docker not available")
	}

	if rt, err := probePodman(ctx); err == nil {
		logger.Info().Msg("Detected Podman runtime")
		return rt, nil
	} else {
		logger.Debug().Err(err).Msg("Podman not available")
	}

	logger.Warn().Msg("No container runtime detected, container operations disabled")
	return NewNoopRuntime(), nil
}

func probeDocker(ctx context.Context, socket string) (*DockerRuntime, error) {
	rt, err := NewDockerRuntime(socket)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()
	if err := rt.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return rt, nil
}

func probePodman(ctx context.Context) (*PodmanRuntime, error) {
	rt := NewPodmanRuntime()
	verCtx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()
	if _, err := rt.Version(verCtx); err != nil {
		return nil, fmt.Errorf("podman binary unavailable: %w", err)
	}
	return rt, nil
}
