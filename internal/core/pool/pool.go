// Package pool keeps a bounded set of canonical workspace containers alive,
// reconciling away everything else it discovers. The policy trades per-task
// isolation for bounded resource usage: by default a single container serves
// every request.
package pool

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/EXCALOFRIO/FlowCode/internal/core/domain"
	"github.com/EXCALOFRIO/FlowCode/internal/core/ports"
)

// RemovalOutcome records the result of one stale-container removal attempt.
// Outcomes are returned to the caller so policy (ignore vs. alert) stays out
// of this package.
type RemovalOutcome struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Removed bool   `json:"removed"`
	Error   string `json:"error,omitempty"`
}

// Options tune the pool.
type Options struct {
	DefaultImage string
	WorkspaceDir string
	UploadsDir   string
	Size         int // canonical containers to keep; minimum 1
}

// Pool serializes list-decide-remove-create cycles over the runtime.
type Pool struct {
	mu      sync.Mutex
	runtime ports.ContainerRuntime
	opts    Options
}

func New(runtime ports.ContainerRuntime, opts Options) *Pool {
	if opts.Size < 1 {
		opts.Size = 1
	}
	if opts.WorkspaceDir == "" {
		opts.WorkspaceDir = "/workspace"
	}
	if opts.UploadsDir == "" {
		opts.UploadsDir = opts.WorkspaceDir + "/uploads"
	}
	return &Pool{runtime: runtime, opts: opts}
}

// Reconcile splits records into the canonical set (the `keep` most recently
// created) and the stale remainder. Pure; performs no runtime calls.
func Reconcile(records []domain.Container, keep int) (canonical, stale []domain.Container) {
	if keep < 1 {
		keep = 1
	}
	sorted := append([]domain.Container(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	if len(sorted) <= keep {
		return sorted, nil
	}
	return sorted[:keep], sorted[keep:]
}

// Acquire returns a usable workspace container, creating one if needed.
// Repeated serialized calls with the same constraints reuse the same
// container. Removal failures for stale containers are reported in the
// outcomes, never escalated.
func (p *Pool) Acquire(ctx context.Context, want domain.CreateOptions) (domain.Container, []RemovalOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := p.runtime.List(ctx)
	if err != nil {
		return domain.Container{}, nil, fmt.Errorf("list containers: %w", err)
	}

	canonical, stale := Reconcile(records, p.opts.Size)
	outcomes := p.removeAll(ctx, stale)

	if cand, ok := p.reusable(canonical, want); ok {
		return cand, outcomes, nil
	}

	created, err := p.create(ctx, want)
	if err != nil {
		return domain.Container{}, outcomes, err
	}

	// The superseded canonical containers are now stale; reconcile again.
	records, err = p.runtime.List(ctx)
	if err != nil {
		// The new container exists; a listing hiccup here should not fail
		// the acquisition.
		log.Printf("pool: post-create list failed: %v", err)
		return created, outcomes, nil
	}
	_, stale = Reconcile(records, p.opts.Size)
	outcomes = append(outcomes, p.removeAll(ctx, stale)...)

	return created, outcomes, nil
}

// Reset removes every managed container, canonical included, and provisions
// a fresh workspace.
func (p *Pool) Reset(ctx context.Context, want domain.CreateOptions) (domain.Container, []RemovalOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := p.runtime.List(ctx)
	if err != nil {
		return domain.Container{}, nil, fmt.Errorf("list containers: %w", err)
	}
	outcomes := p.removeAll(ctx, records)

	created, err := p.create(ctx, want)
	if err != nil {
		return domain.Container{}, outcomes, err
	}
	return created, outcomes, nil
}

// Cleanup removes every non-canonical container without creating anything.
func (p *Pool) Cleanup(ctx context.Context) ([]RemovalOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := p.runtime.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	_, stale := Reconcile(records, p.opts.Size)
	return p.removeAll(ctx, stale), nil
}

func (p *Pool) reusable(canonical []domain.Container, want domain.CreateOptions) (domain.Container, bool) {
	for _, cand := range canonical {
		if cand.State != domain.StateRunning {
			continue
		}
		if want.Image != "" && cand.Image != want.Image {
			continue
		}
		return cand, true
	}
	return domain.Container{}, false
}

func (p *Pool) create(ctx context.Context, want domain.CreateOptions) (domain.Container, error) {
	if want.Image == "" {
		want.Image = p.opts.DefaultImage
	}
	if want.Name == "" {
		want.Name = "flowcode-ws-" + uuid.NewString()[:8]
	}
	if want.WorkingDir == "" {
		want.WorkingDir = p.opts.WorkspaceDir
	}

	created, err := p.runtime.Create(ctx, want)
	if err != nil {
		return domain.Container{}, fmt.Errorf("create container: %w", err)
	}

	// Uploads dir must exist before the first file lands there.
	if res, err := p.runtime.Exec(ctx, created.ID, domain.Direct("mkdir", "-p", p.opts.UploadsDir)); err != nil || !res.Success {
		log.Printf("pool: ensure uploads dir in %s: err=%v output=%s", shortID(created.ID), err, res.Output)
	}

	return created, nil
}

func (p *Pool) removeAll(ctx context.Context, stale []domain.Container) []RemovalOutcome {
	outcomes := make([]RemovalOutcome, 0, len(stale))
	for _, cont := range stale {
		outcome := RemovalOutcome{ID: cont.ID, Name: cont.Name, Removed: true}
		if err := p.runtime.Remove(ctx, cont.ID); err != nil {
			outcome.Removed = false
			outcome.Error = err.Error()
			log.Printf("pool: removing stale container %s: %v", shortID(cont.ID), err)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
