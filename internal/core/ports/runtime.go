package ports

import (
	"context"

	"github.com/EXCALOFRIO/FlowCode/internal/core/domain"
)

// ContainerRuntime defines the operations the core needs from a container
// runtime. This interface allows us to switch between Docker, Podman, or
// Kubernetes without changing the business logic.
type ContainerRuntime interface {
	// Ping verifies the runtime is reachable.
	Ping(ctx context.Context) error

	// List returns all managed containers with normalized states.
	List(ctx context.Context) ([]domain.Container, error)

	// Create starts a new container and returns its record.
	Create(ctx context.Context, opts domain.CreateOptions) (domain.Container, error)

	// Remove stops (best effort) and removes a container.
	Remove(ctx context.Context, id string) error

	// Inspect returns the current record for a single container.
	Inspect(ctx context.Context, id string) (domain.Container, error)

	// Exec runs a command inside a container and returns the captured
	// output. It never retries or repairs; that is the caller's job.
	Exec(ctx context.Context, id string, cmd domain.Command) (domain.ExecResult, error)

	// CopyTo places a file at destPath inside the container's filesystem.
	CopyTo(ctx context.Context, id string, destPath string, data []byte) error

	// Stats reports resource usage for a running container.
	Stats(ctx context.Context, id string) (*domain.Stats, error)

	// Logs returns up to tail recent log lines from the container.
	Logs(ctx context.Context, id string, tail int) (string, error)
}
