package docker

import (
	"context"
	"sort"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/events"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// List returns a snapshot of currently running containers (spec §4.2.1).
func (c *Client) List(ctx context.Context) ([]ContainerDescriptor, error) {
	result, err := c.api.ContainerList(ctx, client.ContainerListOptions{
		Filters: make(client.Filters).Add("status", "running"),
	})
	if err != nil {
		return nil, err
	}
	descriptors := make([]ContainerDescriptor, 0, len(result.Items))
	for _, summary := range result.Items {
		descriptors = append(descriptors, descriptorFromSummary(summary))
	}
	return descriptors, nil
}

// Inspect returns full container details by ID (spec §4.2.2).
func (c *Client) Inspect(ctx context.Context, id string) (ContainerDescriptor, error) {
	result, err := c.api.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ContainerDescriptor{}, ErrNotFound
		}
		return ContainerDescriptor{}, err
	}
	return descriptorFromInspect(result.Container), nil
}

// Events streams container lifecycle events relevant to routing (start,
// die, stop, destroy), per spec §4.2.3. The returned error channel carries
// a single terminal error if the underlying stream breaks.
func (c *Client) Events(ctx context.Context) (<-chan Event, <-chan error) {
	out := make(chan Event)
	errCh := make(chan error, 1)

	filters := make(client.Filters).
		Add("type", string(events.ContainerEventType)).
		Add("event", string(ActionStart)).
		Add("event", string(ActionDie)).
		Add("event", string(ActionStop)).
		Add("event", string(ActionDestroy))

	msgCh, rawErrCh := c.api.Events(ctx, client.EventsOptions{Filters: filters})

	go func() {
		defer close(out)
		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				out <- Event{ID: msg.Actor.ID, Action: Action(msg.Action)}
			case err, ok := <-rawErrCh:
				if !ok {
					return
				}
				errCh <- err
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errCh
}

func descriptorFromSummary(s container.Summary) ContainerDescriptor {
	name := s.ID
	if len(s.Names) > 0 {
		name = strings.TrimPrefix(s.Names[0], "/")
	}

	portSet := make(map[int]struct{})
	bindings := make(map[int]int)
	for _, p := range s.Ports {
		if p.PrivatePort == 0 {
			continue
		}
		portSet[int(p.PrivatePort)] = struct{}{}
		if p.PublicPort != 0 {
			bindings[int(p.PrivatePort)] = int(p.PublicPort)
		}
	}

	return ContainerDescriptor{
		ID:           s.ID,
		Name:         name,
		Labels:       s.Labels,
		ExposedPorts: sortedPorts(portSet),
		PortBindings: bindings,
		Networks:     networksFromSettings(s.NetworkSettings),
	}
}

func descriptorFromInspect(r container.InspectResponse) ContainerDescriptor {
	name := strings.TrimPrefix(r.Name, "/")

	portSet := make(map[int]struct{})
	bindings := make(map[int]int)
	if r.Config != nil {
		for p := range r.Config.ExposedPorts {
			portSet[p.Int()] = struct{}{}
		}
	}
	if r.NetworkSettings != nil {
		for portProto, bindingList := range r.NetworkSettings.Ports {
			if len(bindingList) == 0 {
				continue
			}
			portSet[portProto.Int()] = struct{}{}
			for _, b := range bindingList {
				if b.HostPort == "" {
					continue
				}
				if hostPort, err := nat.ParsePort(b.HostPort); err == nil {
					bindings[portProto.Int()] = hostPort
				}
			}
		}
	}

	var networks []NetworkAttachment
	if r.NetworkSettings != nil {
		networks = networksFromEndpoints(r.NetworkSettings.Networks)
	}

	var labels map[string]string
	if r.Config != nil {
		labels = r.Config.Labels
	}

	return ContainerDescriptor{
		ID:           r.ID,
		Name:         name,
		Labels:       labels,
		ExposedPorts: sortedPorts(portSet),
		PortBindings: bindings,
		Networks:     networks,
	}
}

func networksFromSettings(ns *container.NetworkSettings) []NetworkAttachment {
	if ns == nil {
		return nil
	}
	return networksFromEndpoints(ns.Networks)
}

func networksFromEndpoints(eps map[string]*network.EndpointSettings) []NetworkAttachment {
	if len(eps) == 0 {
		return nil
	}
	// Deterministic order: sort by network name, matching the ascending-port
	// determinism rule applied elsewhere (spec §9 "Ambiguity").
	names := make([]string, 0, len(eps))
	for name := range eps {
		names = append(names, name)
	}
	sort.Strings(names)

	attachments := make([]NetworkAttachment, 0, len(names))
	for _, name := range names {
		ep := eps[name]
		if ep == nil || ep.IPAddress == "" {
			continue
		}
		attachments = append(attachments, NetworkAttachment{Name: name, IP: ep.IPAddress})
	}
	return attachments
}

// sortedPorts returns the keys of a port set in ascending numeric order, the
// deterministic "first exposed port" rule pinned by spec §9.
func sortedPorts(set map[int]struct{}) []int {
	if len(set) == 0 {
		return nil
	}
	ports := make([]int, 0, len(set))
	for p := range set {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}
