package routing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Steffeeen/HarborGate/internal/clock"
	"github.com/Steffeeen/HarborGate/internal/docker"
)

// settlingDelay tolerates containers that expose ports only after
// initialisation (spec §4.4).
const settlingDelay = 500 * time.Millisecond

// eventRetryBackoff is the wait before reconnecting a broken event stream
// (spec §4.4 "Failure model").
const eventRetryBackoff = 5 * time.Second

// Observer drives the initial container scan and the subsequent event loop,
// translating container lifecycle events into Table mutations (spec §4.4).
// It is the sole writer of Table, so all mutations are totally ordered by
// construction (spec §5).
type Observer struct {
	source      docker.Source
	table       *Table
	labelPrefix string
	clk         clock.Clock
	log         *slog.Logger
}

// NewObserver creates an Observer.
func NewObserver(source docker.Source, table *Table, labelPrefix string, clk clock.Clock, log *slog.Logger) *Observer {
	return &Observer{source: source, table: table, labelPrefix: labelPrefix, clk: clk, log: log}
}

// Run performs the initial scan, then drives the event loop until ctx is
// cancelled. Container-engine errors are logged and swallowed; a broken
// event stream reconnects with back-off rather than crashing the process
// (spec §4.4 "Failure model").
func (o *Observer) Run(ctx context.Context) error {
	o.initialScan(ctx)

	for {
		if err := o.runEventLoop(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			o.log.Warn("event stream broken, retrying", "error", err, "component", "observer")
			select {
			case <-o.clk.After(eventRetryBackoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		return nil
	}
}

func (o *Observer) initialScan(ctx context.Context) {
	descriptors, err := o.source.List(ctx)
	if err != nil {
		o.log.Warn("initial container scan failed", "error", err, "component", "observer")
		return
	}
	for _, d := range descriptors {
		o.upsertFromDescriptor(d)
	}
}

// runEventLoop consumes the event stream until it ends or ctx is cancelled,
// returning the stream's terminal error (if any).
func (o *Observer) runEventLoop(ctx context.Context) error {
	events, errs := o.source.Events(ctx)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				// A source may close the event channel right after queuing
				// its terminal error; report that error so Run reconnects.
				select {
				case err := <-errs:
					return err
				default:
					return nil
				}
			}
			o.handleEvent(ctx, evt)
		case err := <-errs:
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

func (o *Observer) handleEvent(ctx context.Context, evt docker.Event) {
	switch evt.Action {
	case docker.ActionStart:
		// Settle before inspecting: containers may expose ports only after
		// their entrypoint finishes initialising (spec §4.4).
		select {
		case <-o.clk.After(settlingDelay):
		case <-ctx.Done():
			return
		}
		descriptor, err := o.source.Inspect(ctx, evt.ID)
		if err != nil {
			if errors.Is(err, docker.ErrNotFound) {
				return // container already gone by the time we settled.
			}
			o.log.Warn("inspect failed after start event", "container_id", shortID(evt.ID), "error", err, "component", "observer")
			return
		}
		o.upsertFromDescriptor(descriptor)
	case docker.ActionDie, docker.ActionStop, docker.ActionDestroy:
		o.table.Remove(evt.ID)
	}
}

// upsertFromDescriptor parses labels, derives the backend endpoint, and
// either upserts a Route or skips the container with a WARN log.
func (o *Observer) upsertFromDescriptor(d docker.ContainerDescriptor) {
	intent := docker.ParseLabels(d.Labels, o.labelPrefix)
	if !intent.Valid() {
		return
	}

	backend, ok := deriveEndpoint(d, intent, o.source.RunsInsideContainer())
	if !ok {
		o.log.Warn("no routable backend, skipping", "container_id", shortID(d.ID), "name", d.Name, "host", intent.Host, "component", "observer")
		return
	}

	o.table.Upsert(d.ID, Route{
		ContainerID:   d.ID,
		Name:          d.Name,
		Host:          intent.Host,
		Backend:       backend,
		TLS:           intent.TLS,
		AuthRequired:  intent.AuthRequired,
		RequiredRoles: intent.RequiredRoles,
	})
}

// deriveEndpoint implements spec §4.4's endpoint-derivation rules.
func deriveEndpoint(d docker.ContainerDescriptor, intent docker.RouteIntent, insideContainer bool) (BackendEndpoint, bool) {
	targetPort := intent.Port
	if targetPort == 0 {
		if len(d.ExposedPorts) == 0 {
			return BackendEndpoint{}, false
		}
		targetPort = d.ExposedPorts[0] // ascending order, per spec §9
	}

	if insideContainer {
		if len(d.Networks) == 0 {
			return BackendEndpoint{}, false
		}
		return BackendEndpoint{
			Host:    intent.Host,
			Scheme:  "http",
			Address: d.Networks[0].IP,
			Port:    targetPort,
		}, true
	}

	hostPort, ok := d.PortBindings[targetPort]
	if !ok {
		return BackendEndpoint{}, false
	}
	return BackendEndpoint{
		Host:    intent.Host,
		Scheme:  "http",
		Address: "127.0.0.1",
		Port:    hostPort,
	}, true
}
