package domain

import (
	"strings"
	"time"
)

// State is the normalized lifecycle state of a container, derived from the
// runtime-reported status text.
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
	StateCreated State = "created"
	StateUnknown State = "unknown"
)

// NormalizeState maps runtime status text ("Up 5 minutes", "Exited (0) ...")
// onto the closed State set. Unrecognized text maps to StateUnknown.
func NormalizeState(statusText string) State {
	switch {
	case strings.Contains(statusText, "Up"):
		return StateRunning
	case strings.Contains(statusText, "Exited"):
		return StateExited
	case strings.Contains(statusText, "Created"):
		return StateCreated
	default:
		return StateUnknown
	}
}

// PortBinding is one exposed container port mapped onto the host.
type PortBinding struct {
	ContainerPort uint16 `json:"container_port"`
	HostPort      uint16 `json:"host_port"`
	Protocol      string `json:"protocol"`
}

// Stats carries runtime resource usage. Only populated for running containers.
type Stats struct {
	CPUPercent    float64       `json:"cpu_percent"`
	MemoryUsage   uint64        `json:"memory_usage"`
	MemoryPercent float64       `json:"memory_percent"`
	Ports         []PortBinding `json:"ports,omitempty"`
}

// Container represents one managed container as reported by the runtime.
type Container struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	Status    string            `json:"status"` // raw runtime text
	State     State             `json:"state"`
	CreatedAt time.Time         `json:"created_at"`
	Labels    map[string]string `json:"labels,omitempty"`
	Stats     *Stats            `json:"stats,omitempty"`
}

// CreateOptions describes a container to start. Zero-value fields fall back
// to the configured defaults (image, workspace dir).
type CreateOptions struct {
	Image      string            `json:"image"`
	Name       string            `json:"name"`
	Env        []string          `json:"env,omitempty"`
	Ports      []PortBinding     `json:"ports,omitempty"`
	Volumes    map[string]string `json:"volumes,omitempty"` // host path -> container path
	WorkingDir string            `json:"working_dir,omitempty"`
	Cmd        []string          `json:"cmd,omitempty"`
}
