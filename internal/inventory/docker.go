// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package inventory

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Loongel/docker-ipv6firewall/internal/errors"
	"github.com/Loongel/docker-ipv6firewall/internal/logging"
)

// wireContainer mirrors the subset of Docker's /containers/json payload
// this package cares about.
type wireContainer struct {
	ID     string            `json:"Id"`
	Names  []string          `json:"Names"`
	Labels map[string]string `json:"Labels"`
	Ports  []struct {
		PrivatePort int    `json:"PrivatePort"`
		PublicPort  int    `json:"PublicPort"`
		Type        string `json:"Type"`
	} `json:"Ports"`
	HostConfig struct {
		NetworkMode string `json:"NetworkMode"`
	} `json:"HostConfig"`
	NetworkSettings struct {
		Networks map[string]struct {
			NetworkID        string `json:"NetworkID"`
			GlobalIPv6Address string `json:"GlobalIPv6Address"`
		} `json:"Networks"`
	} `json:"NetworkSettings"`
}

type wireNetwork struct {
	ID     string `json:"Id"`
	Driver string `json:"Driver"`
}

type wireService struct {
	ID   string `json:"ID"`
	Spec struct {
		Name   string            `json:"Name"`
		Labels map[string]string `json:"Labels"`
		EndpointSpec struct {
			Ports []struct {
				Protocol      string `json:"Protocol"`
				TargetPort    int    `json:"TargetPort"`
				PublishedPort int    `json:"PublishedPort"`
				PublishMode   string `json:"PublishMode"`
			} `json:"Ports"`
		} `json:"EndpointSpec"`
	} `json:"Spec"`
}

type wireEvent struct {
	Type   string `json:"Type"`
	Action string `json:"Action"`
	Actor  struct {
		ID string `json:"ID"`
	} `json:"Actor"`
}

// DockerSource talks to the Docker daemon over its Unix socket using a
// plain http.Client, the same transport shape as the teacher's
// internal/runtime.DockerClient.
type DockerSource struct {
	client     *http.Client
	log        *logging.Logger
	reconnect  time.Duration

	driversMu sync.Mutex
	drivers   map[string]string // networkID -> driver, cached for process lifetime
}

// NewDockerSource builds a DockerSource connected to socketPath (e.g.
// "/var/run/docker.sock").
func NewDockerSource(socketPath string, log *logging.Logger) *DockerSource {
	return newDockerSource(func(_ context.Context, _, _ string) (net.Conn, error) {
		return net.Dial("unix", socketPath)
	}, log)
}

// newDockerSource builds a DockerSource over an arbitrary dialer, used
// directly by tests to point at an httptest server instead of a real
// Docker socket.
func newDockerSource(dial func(context.Context, string, string) (net.Conn, error), log *logging.Logger) *DockerSource {
	return &DockerSource{
		client: &http.Client{
			Transport: &http.Transport{DialContext: dial},
			Timeout:   10 * time.Second,
		},
		log:       log.With("component", "inventory.docker"),
		reconnect: 5 * time.Second,
		drivers:   make(map[string]string),
	}
}

func (d *DockerSource) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix"+path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInventoryUnavailable, "build request %s", path)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInventoryUnavailable, "docker socket request %s", path)
	}
	return resp, nil
}

// networkDriver resolves and caches the driver name of a network id.
// Real container payloads don't carry the driver name directly, so this
// issues a GET /networks/{id} the first time a given id is seen.
func (d *DockerSource) networkDriver(ctx context.Context, networkID string) (string, error) {
	d.driversMu.Lock()
	if driver, ok := d.drivers[networkID]; ok {
		d.driversMu.Unlock()
		return driver, nil
	}
	d.driversMu.Unlock()

	resp, err := d.get(ctx, "/networks/"+networkID)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf(errors.KindInventoryUnavailable, "unexpected status %d for network %s", resp.StatusCode, networkID)
	}

	var wn wireNetwork
	if err := json.NewDecoder(resp.Body).Decode(&wn); err != nil {
		return "", errors.Wrapf(err, errors.KindInventoryUnavailable, "decode network %s", networkID)
	}

	d.driversMu.Lock()
	d.drivers[networkID] = wn.Driver
	d.driversMu.Unlock()
	return wn.Driver, nil
}

// invalidateNetwork drops a cached driver lookup, called when a network
// event is observed so a recreated network with the same id is
// re-resolved.
func (d *DockerSource) invalidateNetwork(networkID string) {
	d.driversMu.Lock()
	delete(d.drivers, networkID)
	d.driversMu.Unlock()
}

// ListContainers returns every running container's network-relevant
// facts, resolving each attached network's driver name as needed.
func (d *DockerSource) ListContainers(ctx context.Context) ([]Container, error) {
	resp, err := d.get(ctx, "/containers/json?all=0")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf(errors.KindInventoryUnavailable, "unexpected status %d listing containers", resp.StatusCode)
	}

	var wire []wireContainer
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, errors.Wrap(err, errors.KindInventoryUnavailable, "decode container list")
	}

	out := make([]Container, 0, len(wire))
	for _, wc := range wire {
		c, err := d.toContainer(ctx, wc)
		if err != nil {
			d.log.Warn("skipping container with unresolvable network", "container_id", wc.ID, "error", err)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (d *DockerSource) toContainer(ctx context.Context, wc wireContainer) (Container, error) {
	name := wc.ID
	if len(wc.Names) > 0 {
		name = strings.TrimPrefix(wc.Names[0], "/")
	}

	c := Container{ID: wc.ID, Name: name, Labels: wc.Labels}

	for _, p := range wc.Ports {
		c.Ports = append(c.Ports, PortBinding{
			ContainerPort: p.PrivatePort,
			HostPort:      p.PublicPort,
			Proto:         strings.ToLower(p.Type),
		})
	}

	for _, n := range wc.NetworkSettings.Networks {
		driver, err := d.networkDriver(ctx, n.NetworkID)
		if err != nil {
			d.log.Warn("could not resolve network driver", "network_id", n.NetworkID, "error", err)
			continue
		}
		c.Networks = append(c.Networks, NetworkAttachment{
			NetworkID: n.NetworkID,
			Driver:    driver,
			IPv6Addr:  n.GlobalIPv6Address,
		})
	}

	return c, nil
}

// swarmServiceIDLabel is the label Docker stamps onto a task's container
// identifying the Swarm service that owns it. The manager-only /services
// endpoint reads the authoritative port spec from the cluster; when that
// call fails (no manager privileges, API unreachable) this label is the
// only way a worker node can still attribute a container to a service.
const swarmServiceIDLabel = "com.docker.swarm.service.id"

// swarmServiceNameLabel names the service a task's container belongs to.
const swarmServiceNameLabel = "com.docker.swarm.service.name"

// ListServices returns every cluster service along with the local
// containers belonging to it. Under a non-Swarm engine /services 404s;
// that is treated as "no services", not a failure. If the API call
// itself fails (a manager-only endpoint refused on a worker node, or the
// socket is otherwise unreachable), it falls back to synthesizing
// services from the service-id label on local containers so a read-only
// instance can still derive rules for services it is itself running.
func (d *DockerSource) ListServices(ctx context.Context) ([]Service, error) {
	resp, err := d.get(ctx, "/services")
	if err != nil {
		d.log.Warn("service list API unreachable, falling back to container labels", "error", err)
		return d.servicesFromContainerLabels(ctx)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		d.log.Warn("service list API failed, falling back to container labels", "status", resp.StatusCode)
		return d.servicesFromContainerLabels(ctx)
	}

	var wire []wireService
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		d.log.Warn("service list decode failed, falling back to container labels", "error", err)
		return d.servicesFromContainerLabels(ctx)
	}

	containers, err := d.ListContainers(ctx)
	if err != nil {
		d.log.Warn("listing containers for service attribution failed, services will have no local containers", "error", err)
	}

	out := make([]Service, 0, len(wire))
	for _, ws := range wire {
		svc := Service{ID: ws.ID, Name: ws.Spec.Name, Labels: ws.Spec.Labels}
		for _, p := range ws.Spec.EndpointSpec.Ports {
			svc.Ports = append(svc.Ports, ServicePort{
				PublishMode:   p.PublishMode,
				PublishedPort: p.PublishedPort,
				TargetPort:    p.TargetPort,
				Proto:         strings.ToLower(p.Protocol),
			})
		}
		for _, c := range containers {
			if c.Labels[swarmServiceIDLabel] == svc.ID || c.Labels[swarmServiceNameLabel] == svc.Name {
				svc.Containers = append(svc.Containers, c)
			}
		}
		out = append(out, svc)
	}
	return out, nil
}

// servicesFromContainerLabels reconstructs a minimal service view from
// local containers alone, grouping by swarmServiceIDLabel and reading
// each group's published ports from the custom-ports label (the only
// port declaration a worker node can see without the manager API). A
// container belonging to a service but carrying no custom-ports label
// adds no ports of its own but is still attributed to its service; a
// service none of whose containers carry the label is returned with no
// ports and so produces no rules.
func (d *DockerSource) servicesFromContainerLabels(ctx context.Context) ([]Service, error) {
	containers, err := d.ListContainers(ctx)
	if err != nil {
		return nil, err
	}

	byService := make(map[string]*Service)
	var order []string
	for _, c := range containers {
		id, ok := c.Labels[swarmServiceIDLabel]
		if !ok || id == "" {
			continue
		}
		svc, ok := byService[id]
		if !ok {
			svc = &Service{ID: id, Name: c.Labels[swarmServiceNameLabel]}
			byService[id] = svc
			order = append(order, id)
		}
		svc.Containers = append(svc.Containers, c)

		label, ok := c.Labels[CustomPortsLabel]
		if !ok {
			continue
		}
		parsed, err := ParseCustomPorts(label)
		if err != nil {
			d.log.Warn("malformed custom ports label on service-labeled container, applying the parseable entries", "container_id", c.ID, "error", err)
		}
		for _, p := range parsed {
			svc.Ports = append(svc.Ports, ServicePort{
				PublishMode:   "ingress",
				PublishedPort: p.ExternalPort,
				TargetPort:    p.InternalPort,
				Proto:         p.Proto,
			})
		}
	}

	out := make([]Service, 0, len(order))
	for _, id := range order {
		out = append(out, *byService[id])
	}
	return out, nil
}

// Events streams container/service/network lifecycle notifications from
// GET /events, reconnecting with a fixed backoff on stream failure. The
// returned channel is closed when ctx is canceled.
func (d *DockerSource) Events(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event)
	go d.runEvents(ctx, out)
	return out, nil
}

func (d *DockerSource) runEvents(ctx context.Context, out chan<- Event) {
	defer close(out)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := d.streamEvents(ctx, out); err != nil {
			d.log.Error("event stream failed, reconnecting", "error", err)
			select {
			case <-time.After(d.reconnect):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *DockerSource) streamEvents(ctx context.Context, out chan<- Event) error {
	path := `/events?filters=` + `{"type":["container","service","network"]}`
	resp, err := d.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf(errors.KindInventoryUnavailable, "unexpected status %d streaming events", resp.StatusCode)
	}

	dec := json.NewDecoder(bufio.NewReader(resp.Body))
	for {
		var we wireEvent
		if err := dec.Decode(&we); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, errors.KindInventoryUnavailable, "decode event")
		}

		ev, ok := translateEvent(we)
		if !ok {
			continue
		}
		if ev.Type == EventNetworkInvalidate {
			d.invalidateNetwork(ev.ID)
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

func translateEvent(we wireEvent) (Event, bool) {
	switch we.Type {
	case "container":
		switch we.Action {
		case "start":
			return Event{Type: EventContainerStart, ID: we.Actor.ID}, true
		case "stop", "die", "kill":
			return Event{Type: EventContainerStop, ID: we.Actor.ID}, true
		}
	case "service":
		switch we.Action {
		case "remove":
			return Event{Type: EventServiceRemove, ID: we.Actor.ID}, true
		case "update", "create":
			return Event{Type: EventServiceUpdate, ID: we.Actor.ID}, true
		}
	case "network":
		return Event{Type: EventNetworkInvalidate, ID: we.Actor.ID}, true
	}
	return Event{}, false
}
