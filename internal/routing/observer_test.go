package routing

import (
	"context"
	"log/slog"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Steffeeen/HarborGate/internal/docker"
)

// fakeClock makes After() fire instantly, so settling delays don't slow
// down tests while still exercising the select/timer code path.
type fakeClock struct{}

func (fakeClock) Now() time.Time                        { return time.Time{} }
func (fakeClock) Since(time.Time) time.Duration          { return 0 }
func (fakeClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

// fakeSource is an in-memory docker.Source driven directly by tests.
type fakeSource struct {
	mu          sync.Mutex
	descriptors map[string]docker.ContainerDescriptor
	inside      bool
	events      chan docker.Event
	errs        chan error
}

func newFakeSource(inside bool) *fakeSource {
	return &fakeSource{
		descriptors: map[string]docker.ContainerDescriptor{},
		inside:      inside,
		events:      make(chan docker.Event, 16),
		errs:        make(chan error, 1),
	}
}

func (f *fakeSource) List(context.Context) ([]docker.ContainerDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]docker.ContainerDescriptor, 0, len(f.descriptors))
	for _, d := range f.descriptors {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeSource) Inspect(_ context.Context, id string) (docker.ContainerDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.descriptors[id]
	if !ok {
		return docker.ContainerDescriptor{}, docker.ErrNotFound
	}
	return d, nil
}

func (f *fakeSource) Events(context.Context) (<-chan docker.Event, <-chan error) {
	return f.events, f.errs
}

func (f *fakeSource) RunsInsideContainer() bool { return f.inside }
func (f *fakeSource) Close() error              { return nil }

func (f *fakeSource) put(d docker.ContainerDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.descriptors[d.ID] = d
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForHost(t *testing.T, table *Table, host string, present bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, ok := table.Snapshot().ByHost[host]
		if ok == present {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for host %q present=%v", host, present)
}

// TestObserverInitialScan covers testable property 3 ("eventual consistency
// on startup"): containers present before Run is called are routable
// immediately after the initial scan.
func TestObserverInitialScan(t *testing.T) {
	source := newFakeSource(false)
	source.put(docker.ContainerDescriptor{
		ID:           "container-a",
		Name:         "svc-a",
		Labels:       map[string]string{"harborgate.enable": "true", "harborgate.host": "a.test.local"},
		ExposedPorts: []int{80},
		PortBindings: map[int]int{80: 32768},
	})

	table := NewTable(discardLogger())
	obs := NewObserver(source, table, "harborgate", fakeClock{}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go obs.Run(ctx)

	waitForHost(t, table, "a.test.local", true)
	route := table.Snapshot().ByHost["a.test.local"]
	if route.Backend.Port != 32768 {
		t.Errorf("Backend.Port = %d, want 32768", route.Backend.Port)
	}
}

// TestObserverStartEventSettles covers testable property 1 ("route
// reflects the latest observed container state") for the start path: the
// route appears only once Inspect succeeds after the settling delay.
func TestObserverStartEventSettles(t *testing.T) {
	source := newFakeSource(false)
	table := NewTable(discardLogger())
	obs := NewObserver(source, table, "harborgate", fakeClock{}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go obs.Run(ctx)

	source.put(docker.ContainerDescriptor{
		ID:           "container-b",
		Name:         "svc-b",
		Labels:       map[string]string{"harborgate.enable": "true", "harborgate.host": "b.test.local"},
		ExposedPorts: []int{8080},
		PortBindings: map[int]int{8080: 40000},
	})
	source.events <- docker.Event{ID: "container-b", Action: docker.ActionStart}

	waitForHost(t, table, "b.test.local", true)
}

// TestObserverRemovalOnDie covers testable property 4 ("routes disappear
// when their container disappears").
func TestObserverRemovalOnDie(t *testing.T) {
	source := newFakeSource(false)
	source.put(docker.ContainerDescriptor{
		ID:           "container-c",
		Name:         "svc-c",
		Labels:       map[string]string{"harborgate.enable": "true", "harborgate.host": "c.test.local"},
		ExposedPorts: []int{80},
		PortBindings: map[int]int{80: 32769},
	})

	table := NewTable(discardLogger())
	obs := NewObserver(source, table, "harborgate", fakeClock{}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go obs.Run(ctx)

	waitForHost(t, table, "c.test.local", true)

	source.events <- docker.Event{ID: "container-c", Action: docker.ActionDie}
	waitForHost(t, table, "c.test.local", false)
}

// TestObserverSkipsUnroutable asserts a container with no discoverable
// port is skipped rather than published with a zero-value backend.
func TestObserverSkipsUnroutable(t *testing.T) {
	source := newFakeSource(false)
	source.put(docker.ContainerDescriptor{
		ID:     "container-d",
		Name:   "svc-d",
		Labels: map[string]string{"harborgate.enable": "true", "harborgate.host": "d.test.local"},
	})

	table := NewTable(discardLogger())
	obs := NewObserver(source, table, "harborgate", fakeClock{}, discardLogger())
	obs.initialScan(context.Background())

	if _, ok := table.Snapshot().ByHost["d.test.local"]; ok {
		t.Fatalf("expected unroutable container to be skipped")
	}
}

// TestDeriveEndpointInsideContainer covers the inside-container branch of
// endpoint derivation (spec §4.4).
func TestDeriveEndpointInsideContainer(t *testing.T) {
	d := docker.ContainerDescriptor{
		ExposedPorts: []int{9000},
		Networks:     []docker.NetworkAttachment{{Name: "bridge", IP: "172.17.0.5"}},
	}
	intent := docker.RouteIntent{Enable: true, Host: "x.test.local"}

	backend, ok := deriveEndpoint(d, intent, true)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if backend.Address != "172.17.0.5" || backend.Port != 9000 {
		t.Errorf("backend = %+v", backend)
	}
}
