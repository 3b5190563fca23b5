// Package docker implements ports.ContainerRuntime using the Docker SDK.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/EXCALOFRIO/FlowCode/internal/core/domain"
	"github.com/EXCALOFRIO/FlowCode/internal/core/ports"
)

// Containers managed by this application carry this label so reconciliation
// never touches unrelated containers on the host.
const (
	managedLabel = "managed-by"
	managedValue = "flowcode"
)

// Adapter implements ports.ContainerRuntime using the Docker SDK.
type Adapter struct {
	cli         *client.Client
	outputLimit int64
}

// NewAdapter creates a new Docker adapter instance. outputLimit bounds the
// captured output of a single exec; zero selects 5 MiB.
func NewAdapter(outputLimit int64) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if outputLimit <= 0 {
		outputLimit = 5 * 1024 * 1024
	}
	return &Adapter{cli: cli, outputLimit: outputLimit}, nil
}

// Ping verifies the daemon is reachable.
func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// List returns all managed containers, running or not, with normalized
// states. Repeated calls with no intervening mutation return identical
// records.
func (a *Adapter) List(ctx context.Context) ([]domain.Container, error) {
	containers, err := a.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabel+"="+managedValue)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	result := make([]domain.Container, 0, len(containers))
	for _, c := range containers {
		result = append(result, summaryRecord(c))
	}
	return result, nil
}

// summaryRecord maps one list entry onto a normalized domain record. Pure;
// mapping the same entry twice yields identical records.
func summaryRecord(c types.Container) domain.Container {
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	return domain.Container{
		ID:        c.ID,
		Name:      name,
		Image:     c.Image,
		Status:    c.Status,
		State:     domain.NormalizeState(c.Status),
		CreatedAt: time.Unix(c.Created, 0).UTC(),
		Labels:    c.Labels,
	}
}

// Create pulls the image if needed, then creates and starts a container with
// the managed label and the requested working directory.
func (a *Adapter) Create(ctx context.Context, opts domain.CreateOptions) (domain.Container, error) {
	if opts.Image == "" {
		return domain.Container{}, fmt.Errorf("image is required")
	}

	if err := a.ensureImage(ctx, opts.Image); err != nil {
		return domain.Container{}, err
	}

	cfg := &container.Config{
		Image:      opts.Image,
		Tty:        true,
		OpenStdin:  true,
		Env:        opts.Env,
		WorkingDir: opts.WorkingDir,
		Labels:     map[string]string{managedLabel: managedValue},
	}
	if len(opts.Cmd) > 0 {
		cfg.Cmd = opts.Cmd
	}

	hostCfg := &container.HostConfig{}
	if len(opts.Ports) > 0 {
		cfg.ExposedPorts = nat.PortSet{}
		hostCfg.PortBindings = nat.PortMap{}
		for _, p := range opts.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			port := nat.Port(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
			cfg.ExposedPorts[port] = struct{}{}
			hostCfg.PortBindings[port] = []nat.PortBinding{{HostPort: fmt.Sprintf("%d", p.HostPort)}}
		}
	}
	for hostPath, contPath := range opts.Volumes {
		hostCfg.Binds = append(hostCfg.Binds, hostPath+":"+contPath)
	}

	resp, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return domain.Container{}, fmt.Errorf("failed to create container: %w", err)
	}
	if err := a.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return domain.Container{}, fmt.Errorf("failed to start container: %w", err)
	}

	// The working dir is declared in the config, but make sure it exists.
	if opts.WorkingDir != "" {
		if res, err := a.Exec(ctx, resp.ID, domain.Direct("mkdir", "-p", opts.WorkingDir)); err != nil || !res.Success {
			log.Printf("docker: ensure working dir %s in %s: err=%v", opts.WorkingDir, shortID(resp.ID), err)
		}
	}

	return a.Inspect(ctx, resp.ID)
}

// Remove stops a container (best effort) and then removes it. A failed stop
// is logged but does not block the removal attempt.
func (a *Adapter) Remove(ctx context.Context, id string) error {
	stopCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := a.cli.ContainerStop(stopCtx, id, container.StopOptions{}); err != nil {
		log.Printf("docker: stopping container %s: %v", shortID(id), err)
	}
	if err := a.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", shortID(id), err)
	}
	return nil
}

// Inspect returns the current record for one container, including port
// bindings.
func (a *Adapter) Inspect(ctx context.Context, id string) (domain.Container, error) {
	info, err := a.cli.ContainerInspect(ctx, id)
	if err != nil {
		return domain.Container{}, fmt.Errorf("failed to inspect container %s: %w", shortID(id), err)
	}

	created, _ := time.Parse(time.RFC3339Nano, info.Created)
	record := domain.Container{
		ID:        info.ID,
		Name:      strings.TrimPrefix(info.Name, "/"),
		Image:     info.Config.Image,
		CreatedAt: created.UTC(),
		Labels:    info.Config.Labels,
	}
	if info.State != nil {
		record.Status = info.State.Status
		record.State = normalizeInspectState(info.State.Status)
	}
	return record, nil
}

// Exec runs a command inside the container and captures combined output up
// to the configured ceiling. Exceeding the ceiling fails the call; output is
// never silently truncated.
func (a *Adapter) Exec(ctx context.Context, id string, cmd domain.Command) (domain.ExecResult, error) {
	argv := cmd.Argv()
	if len(argv) == 0 {
		return domain.ExecResult{}, fmt.Errorf("empty command")
	}

	execResp, err := a.cli.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return domain.ExecResult{}, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := a.cli.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return domain.ExecResult{}, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	limited := &limitWriter{limit: a.outputLimit}
	_, copyErr := stdcopy.StdCopy(
		io.MultiWriter(&stdout, limited),
		io.MultiWriter(&stderr, limited),
		attach.Reader,
	)
	if limited.exceeded {
		return domain.ExecResult{}, fmt.Errorf("command output exceeded %d byte limit", a.outputLimit)
	}
	if copyErr != nil {
		return domain.ExecResult{}, fmt.Errorf("failed to read exec output: %w", copyErr)
	}

	inspect, err := a.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return domain.ExecResult{}, fmt.Errorf("failed to inspect exec: %w", err)
	}

	result := domain.ExecResult{
		Success: inspect.ExitCode == 0,
		Output:  strings.TrimSpace(stdout.String()),
	}
	if !result.Success {
		result.Error = strings.TrimSpace(stderr.String())
		if result.Error == "" {
			result.Error = fmt.Sprintf("command exited with code %d", inspect.ExitCode)
		}
		// TTY containers merge streams; fall back to stdout for diagnostics.
		if result.Output == "" && result.Error != "" {
			result.Output = result.Error
		}
	}
	return result, nil
}

// CopyTo places data at destPath inside the container by streaming a
// single-entry tar archive to its parent directory.
func (a *Adapter) CopyTo(ctx context.Context, id string, destPath string, data []byte) error {
	destDir := path.Dir(destPath)
	if destDir == "." || destDir == "" {
		destDir = "/"
	}

	if res, err := a.Exec(ctx, id, domain.Direct("mkdir", "-p", destDir)); err != nil || !res.Success {
		return fmt.Errorf("failed to create target directory %s", destDir)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: path.Base(destPath),
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize tar: %w", err)
	}

	if err := a.cli.CopyToContainer(ctx, id, destDir, &buf, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy to container %s: %w", shortID(id), err)
	}
	return nil
}

// Stats reports one point-in-time resource usage sample.
func (a *Adapter) Stats(ctx context.Context, id string) (*domain.Stats, error) {
	resp, err := a.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats for %s: %w", shortID(id), err)
	}
	defer resp.Body.Close()

	var raw types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}

	stats := &domain.Stats{
		CPUPercent:    cpuPercent(&raw),
		MemoryUsage:   raw.MemoryStats.Usage,
		MemoryPercent: memoryPercent(raw.MemoryStats.Usage, raw.MemoryStats.Limit),
	}

	info, err := a.cli.ContainerInspect(ctx, id)
	if err == nil && info.NetworkSettings != nil {
		stats.Ports = portBindings(info.NetworkSettings.Ports)
	}
	return stats, nil
}

// Logs returns up to tail recent log lines.
func (a *Adapter) Logs(ctx context.Context, id string, tail int) (string, error) {
	if tail <= 0 {
		tail = 100
	}
	reader, err := a.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       fmt.Sprintf("%d", tail),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get logs for %s: %w", shortID(id), err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		// TTY containers produce a raw stream instead of multiplexed frames.
		raw, readErr := io.ReadAll(reader)
		if readErr != nil {
			return "", fmt.Errorf("failed to read logs: %w", err)
		}
		return string(raw), nil
	}
	return stdout.String() + stderr.String(), nil
}

func (a *Adapter) ensureImage(ctx context.Context, image string) error {
	if _, _, err := a.cli.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	}
	reader, err := a.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	defer reader.Close()
	// The pull does not complete until its progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	return nil
}

// limitWriter counts bytes across both streams and flags when the ceiling is
// crossed. It never blocks the copy; the caller checks exceeded afterwards.
type limitWriter struct {
	limit    int64
	written  int64
	exceeded bool
}

func (w *limitWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	if w.written > w.limit {
		w.exceeded = true
		return 0, io.ErrShortWrite
	}
	return len(p), nil
}

// normalizeInspectState maps inspect-style state words ("running", "exited",
// "created", ...) onto the domain enum. Inspect reports lowercase state
// names, unlike the list endpoint's human status text.
func normalizeInspectState(state string) domain.State {
	switch state {
	case "running", "restarting":
		return domain.StateRunning
	case "exited", "dead":
		return domain.StateExited
	case "created", "paused":
		return domain.StateCreated
	default:
		return domain.StateUnknown
	}
}

func cpuPercent(raw *types.StatsJSON) float64 {
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	cpus := float64(raw.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / sysDelta * cpus * 100.0
}

func memoryPercent(usage, limit uint64) float64 {
	if limit == 0 {
		return 0
	}
	return float64(usage) / float64(limit) * 100.0
}

func portBindings(ports nat.PortMap) []domain.PortBinding {
	var result []domain.PortBinding
	for port, bindings := range ports {
		for _, b := range bindings {
			hostPort, err := nat.ParsePort(b.HostPort)
			if err != nil {
				continue
			}
			result = append(result, domain.PortBinding{
				ContainerPort: uint16(port.Int()),
				HostPort:      uint16(hostPort),
				Protocol:      port.Proto(),
			})
		}
	}
	return result
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

var _ ports.ContainerRuntime = (*Adapter)(nil)
