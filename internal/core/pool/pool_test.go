package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EXCALOFRIO/FlowCode/internal/core/domain"
)

// fakeRuntime is an in-memory ContainerRuntime good enough for pool logic.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]domain.Container
	seq        int
	listErr    error
	removeErr  map[string]error
	created    int
	removed    []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: map[string]domain.Container{},
		removeErr:  map[string]error{},
	}
}

func (f *fakeRuntime) add(name string, createdAt time.Time, state domain.State) domain.Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	c := domain.Container{
		ID:        fmt.Sprintf("id-%d", f.seq),
		Name:      name,
		Image:     "ubuntu:latest",
		State:     state,
		CreatedAt: createdAt,
	}
	f.containers[c.ID] = c
	return c
}

func (f *fakeRuntime) Ping(context.Context) error { return nil }

func (f *fakeRuntime) List(context.Context) ([]domain.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.Container
	for _, c := range f.containers {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeRuntime) Create(_ context.Context, opts domain.CreateOptions) (domain.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.created++
	c := domain.Container{
		ID:        fmt.Sprintf("id-%d", f.seq),
		Name:      opts.Name,
		Image:     opts.Image,
		State:     domain.StateRunning,
		CreatedAt: time.Now(),
	}
	f.containers[c.ID] = c
	return c, nil
}

func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.removeErr[id]; ok {
		return err
	}
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) Inspect(_ context.Context, id string) (domain.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return domain.Container{}, errors.New("no such container")
	}
	return c, nil
}

func (f *fakeRuntime) Exec(context.Context, string, domain.Command) (domain.ExecResult, error) {
	return domain.ExecResult{Success: true}, nil
}

func (f *fakeRuntime) CopyTo(context.Context, string, string, []byte) error { return nil }

func (f *fakeRuntime) Stats(context.Context, string) (*domain.Stats, error) {
	return &domain.Stats{}, nil
}

func (f *fakeRuntime) Logs(context.Context, string, int) (string, error) { return "", nil }

func TestReconcileKeepsNewest(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	records := []domain.Container{
		{ID: "a", CreatedAt: base},
		{ID: "b", CreatedAt: base.Add(time.Minute)},
		{ID: "c", CreatedAt: base.Add(2 * time.Minute)},
	}

	canonical, stale := Reconcile(records, 1)

	require.Len(t, canonical, 1)
	assert.Equal(t, "c", canonical[0].ID)
	require.Len(t, stale, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, []string{stale[0].ID, stale[1].ID})
}

func TestReconcileKeepIsFloored(t *testing.T) {
	records := []domain.Container{{ID: "only"}}

	canonical, stale := Reconcile(records, 0)

	assert.Len(t, canonical, 1)
	assert.Empty(t, stale)
}

func TestReconcileDoesNotMutateInput(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	records := []domain.Container{
		{ID: "old", CreatedAt: base},
		{ID: "new", CreatedAt: base.Add(time.Hour)},
	}

	Reconcile(records, 1)

	assert.Equal(t, "old", records[0].ID)
	assert.Equal(t, "new", records[1].ID)
}

func TestReconcileIsIdempotentOnCanonicalSet(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	records := []domain.Container{
		{ID: "a", CreatedAt: base},
		{ID: "b", CreatedAt: base.Add(time.Minute)},
	}

	canonical, _ := Reconcile(records, 1)
	again, stale := Reconcile(canonical, 1)

	assert.Equal(t, canonical, again)
	assert.Empty(t, stale)
}

func TestAcquireCreatesWhenEmpty(t *testing.T) {
	rt := newFakeRuntime()
	p := New(rt, Options{DefaultImage: "ubuntu:latest", Size: 1})

	record, removals, err := p.Acquire(context.Background(), domain.CreateOptions{})

	require.NoError(t, err)
	assert.Equal(t, 1, rt.created)
	assert.Equal(t, "ubuntu:latest", record.Image)
	assert.Contains(t, record.Name, "flowcode-ws-")
	assert.Empty(t, removals)
}

func TestAcquireReusesRunningContainer(t *testing.T) {
	rt := newFakeRuntime()
	existing := rt.add("flowcode-ws-aaaa", time.Now(), domain.StateRunning)
	p := New(rt, Options{DefaultImage: "ubuntu:latest", Size: 1})

	first, _, err := p.Acquire(context.Background(), domain.CreateOptions{})
	require.NoError(t, err)
	second, _, err := p.Acquire(context.Background(), domain.CreateOptions{})
	require.NoError(t, err)

	assert.Equal(t, existing.ID, first.ID)
	assert.Equal(t, existing.ID, second.ID)
	assert.Zero(t, rt.created)
}

func TestAcquireReplacesStoppedCanonical(t *testing.T) {
	rt := newFakeRuntime()
	stopped := rt.add("flowcode-ws-dead", time.Now(), domain.StateExited)
	p := New(rt, Options{DefaultImage: "ubuntu:latest", Size: 1})

	record, removals, err := p.Acquire(context.Background(), domain.CreateOptions{})

	require.NoError(t, err)
	assert.Equal(t, 1, rt.created)
	assert.NotEqual(t, stopped.ID, record.ID)

	// The stopped container is superseded by the new one and removed in the
	// post-create reconcile.
	var removedIDs []string
	for _, o := range removals {
		if o.Removed {
			removedIDs = append(removedIDs, o.ID)
		}
	}
	assert.Contains(t, removedIDs, stopped.ID)
}

func TestAcquireRemovesStaleAndKeepsNewest(t *testing.T) {
	rt := newFakeRuntime()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	oldest := rt.add("ws-1", base, domain.StateRunning)
	middle := rt.add("ws-2", base.Add(time.Minute), domain.StateRunning)
	newest := rt.add("ws-3", base.Add(2*time.Minute), domain.StateRunning)
	p := New(rt, Options{DefaultImage: "ubuntu:latest", Size: 1})

	record, removals, err := p.Acquire(context.Background(), domain.CreateOptions{})

	require.NoError(t, err)
	assert.Equal(t, newest.ID, record.ID)
	assert.Len(t, removals, 2)
	assert.ElementsMatch(t, []string{oldest.ID, middle.ID}, []string{removals[0].ID, removals[1].ID})
}

func TestAcquireReportsRemovalFailuresWithoutAborting(t *testing.T) {
	rt := newFakeRuntime()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	stuck := rt.add("ws-stuck", base, domain.StateRunning)
	gone := rt.add("ws-gone", base.Add(time.Minute), domain.StateRunning)
	keep := rt.add("ws-keep", base.Add(2*time.Minute), domain.StateRunning)
	rt.removeErr[stuck.ID] = errors.New("device busy")
	p := New(rt, Options{DefaultImage: "ubuntu:latest", Size: 1})

	record, removals, err := p.Acquire(context.Background(), domain.CreateOptions{})

	require.NoError(t, err)
	assert.Equal(t, keep.ID, record.ID)

	byID := map[string]RemovalOutcome{}
	for _, o := range removals {
		byID[o.ID] = o
	}
	assert.False(t, byID[stuck.ID].Removed)
	assert.Contains(t, byID[stuck.ID].Error, "device busy")
	assert.True(t, byID[gone.ID].Removed)
}

func TestAcquireListFailureIsFatal(t *testing.T) {
	rt := newFakeRuntime()
	rt.listErr = errors.New("daemon down")
	p := New(rt, Options{DefaultImage: "ubuntu:latest", Size: 1})

	_, _, err := p.Acquire(context.Background(), domain.CreateOptions{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon down")
	assert.Zero(t, rt.created)
}

func TestAcquireHonorsImageConstraint(t *testing.T) {
	rt := newFakeRuntime()
	rt.add("ws-ubuntu", time.Now(), domain.StateRunning)
	p := New(rt, Options{DefaultImage: "ubuntu:latest", Size: 1})

	record, _, err := p.Acquire(context.Background(), domain.CreateOptions{Image: "python:3.12"})

	require.NoError(t, err)
	assert.Equal(t, "python:3.12", record.Image)
	assert.Equal(t, 1, rt.created)
}

func TestCleanupRemovesEverythingBeyondPolicy(t *testing.T) {
	rt := newFakeRuntime()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rt.add("ws-1", base, domain.StateRunning)
	rt.add("ws-2", base.Add(time.Minute), domain.StateRunning)
	keep := rt.add("ws-3", base.Add(2*time.Minute), domain.StateRunning)
	p := New(rt, Options{Size: 1})

	removals, err := p.Cleanup(context.Background())

	require.NoError(t, err)
	assert.Len(t, removals, 2)
	_, err = rt.Inspect(context.Background(), keep.ID)
	assert.NoError(t, err)
}

func TestResetReplacesCanonicalContainer(t *testing.T) {
	rt := newFakeRuntime()
	existing := rt.add("flowcode-ws-old", time.Now(), domain.StateRunning)
	p := New(rt, Options{DefaultImage: "ubuntu:latest", Size: 1})

	record, removals, err := p.Reset(context.Background(), domain.CreateOptions{})

	require.NoError(t, err)
	assert.NotEqual(t, existing.ID, record.ID)
	assert.Equal(t, 1, rt.created)
	require.Len(t, removals, 1)
	assert.Equal(t, existing.ID, removals[0].ID)
	assert.True(t, removals[0].Removed)

	_, err = rt.Inspect(context.Background(), existing.ID)
	assert.Error(t, err)
}

func TestAcquireSerializesConcurrentCallers(t *testing.T) {
	rt := newFakeRuntime()
	p := New(rt, Options{DefaultImage: "ubuntu:latest", Size: 1})

	var wg sync.WaitGroup
	ids := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, _, err := p.Acquire(context.Background(), domain.CreateOptions{})
			if err == nil {
				ids <- record.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	// Exactly one container is ever created; every caller converges on it.
	assert.Equal(t, 1, rt.created)
	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
}
