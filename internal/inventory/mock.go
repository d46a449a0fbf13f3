// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package inventory

import "context"

// MockSource is a static-fixture Source, grounded on the teacher's
// NewMockDockerClient: used by reconciler tests that don't want a real
// Docker socket.
type MockSource struct {
	Containers []Container
	Services   []Service
	EventCh    chan Event
}

// NewMockSource returns a MockSource with no fixtures and a ready event
// channel; callers populate Containers/Services and send on EventCh.
func NewMockSource() *MockSource {
	return &MockSource{EventCh: make(chan Event, 16)}
}

func (m *MockSource) ListContainers(ctx context.Context) ([]Container, error) {
	return m.Containers, nil
}

func (m *MockSource) ListServices(ctx context.Context) ([]Service, error) {
	return m.Services, nil
}

func (m *MockSource) Events(ctx context.Context) (<-chan Event, error) {
	return m.EventCh, nil
}
