// Package docker wraps the Docker engine API into the narrow capability
// contract the routing core depends on (spec §4.2): a snapshot of running
// containers, single-container inspection, and a lifecycle event stream.
package docker

import "context"

// Action identifies a container lifecycle event kind relevant to routing.
type Action string

const (
	ActionStart   Action = "start"
	ActionDie     Action = "die"
	ActionStop    Action = "stop"
	ActionDestroy Action = "destroy"
)

// Event is a single container lifecycle event.
type Event struct {
	ID     string
	Action Action
}

// NetworkAttachment describes one network a container is attached to.
type NetworkAttachment struct {
	Name string
	IP   string
}

// ContainerDescriptor is the subset of container metadata the routing core
// needs, independent of the underlying engine's wire types.
type ContainerDescriptor struct {
	ID       string
	Name     string
	Labels   map[string]string
	ExposedPorts []int           // ascending numeric order, per spec §9 "Ambiguity"
	PortBindings map[int]int     // container port -> host port, only for published ports
	Networks     []NetworkAttachment
}

// ErrNotFound is returned by Inspect when the container no longer exists.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "container not found" }

// Source is the capability set the core depends on (spec §4.2). Implemented
// by Client for production and by fakes in tests.
type Source interface {
	List(ctx context.Context) ([]ContainerDescriptor, error)
	Inspect(ctx context.Context, id string) (ContainerDescriptor, error)
	Events(ctx context.Context) (<-chan Event, <-chan error)
	RunsInsideContainer() bool
	Close() error
}

var _ Source = (*Client)(nil)
