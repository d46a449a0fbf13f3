// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package inventory is the daemon's view of the container runtime: the
// set of running containers and cluster services, their network
// attachments, and a stream of lifecycle events. It talks to Docker's
// HTTP API over a Unix socket; none of it touches the kernel filter
// tables.
package inventory

import "context"

// PortBinding is one exposed-port entry as seen on a container, paired
// with its host-side publication if any.
type PortBinding struct {
	ContainerPort int
	HostPort      int // 0 if not published
	Proto         string
}

// NetworkAttachment is one network a container or service endpoint is
// attached to.
type NetworkAttachment struct {
	NetworkID string
	Driver    string
	IPv6Addr  string
}

// Container is a running container's network-relevant facts.
type Container struct {
	ID       string
	Name     string
	Labels   map[string]string
	Ports    []PortBinding
	Networks []NetworkAttachment
}

// ServicePort is one published port of a cluster service.
type ServicePort struct {
	PublishMode  string
	PublishedPort int
	TargetPort   int
	Proto        string
}

// Service is a cluster-service descriptor together with the containers
// on this node that belong to it.
type Service struct {
	ID         string
	Name       string
	Labels     map[string]string
	Ports      []ServicePort
	Containers []Container
}

// EventType distinguishes the lifecycle events the Reconciler acts on.
type EventType string

const (
	EventContainerStart  EventType = "container_start"
	EventContainerStop   EventType = "container_stop"
	EventServiceUpdate   EventType = "service_update"
	EventServiceRemove   EventType = "service_remove"
	EventNetworkInvalidate EventType = "network_invalidate"
)

// Event is one lifecycle notification from the Inventory Source. ID is
// the container id or service id depending on Type.
type Event struct {
	Type EventType
	ID   string
}

// Source is the Inventory Source contract: container/service listing
// plus a lifecycle event stream. A DockerSource and a MockSource both
// implement it.
type Source interface {
	ListContainers(ctx context.Context) ([]Container, error)
	ListServices(ctx context.Context) ([]Service, error)
	Events(ctx context.Context) (<-chan Event, error)
}
