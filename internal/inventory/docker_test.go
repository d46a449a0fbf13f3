// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package inventory

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Loongel/docker-ipv6firewall/internal/logging"
)

func testSource(t *testing.T, mux *http.ServeMux) *DockerSource {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	var d net.Dialer
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", srv.Listener.Addr().String())
	}

	cfg := logging.DefaultConfig()
	cfg.Output = &bytes.Buffer{}
	return newDockerSource(dial, logging.New(cfg))
}

func TestListContainersResolvesNetworkDriver(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/containers/json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{
			"Id": "c1",
			"Names": ["/web"],
			"Labels": {"docker-ipv6-firewall.ports": "8080:80"},
			"Ports": [{"PrivatePort": 80, "PublicPort": 0, "Type": "tcp"}],
			"NetworkSettings": {"Networks": {"macvlan0": {"NetworkID": "net1", "GlobalIPv6Address": "2001:db8::2"}}}
		}]`))
	})
	mux.HandleFunc("/networks/net1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Id": "net1", "Driver": "macvlan"}`))
	})

	src := testSource(t, mux)
	containers, err := src.ListContainers(context.Background())
	if err != nil {
		t.Fatalf("ListContainers: %v", err)
	}
	if len(containers) != 1 {
		t.Fatalf("expected 1 container, got %d", len(containers))
	}
	c := containers[0]
	if c.Name != "web" {
		t.Errorf("expected name web, got %q", c.Name)
	}
	if len(c.Networks) != 1 || c.Networks[0].Driver != "macvlan" {
		t.Errorf("expected resolved macvlan driver, got %+v", c.Networks)
	}
	if c.Networks[0].IPv6Addr != "2001:db8::2" {
		t.Errorf("expected ipv6 address carried through, got %q", c.Networks[0].IPv6Addr)
	}
}

func TestListContainersCachesNetworkDriver(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/containers/json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"Id":"c1","Names":["/a"],"NetworkSettings":{"Networks":{"n":{"NetworkID":"net1"}}}},
			{"Id":"c2","Names":["/b"],"NetworkSettings":{"Networks":{"n":{"NetworkID":"net1"}}}}
		]`))
	})
	mux.HandleFunc("/networks/net1", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"Id": "net1", "Driver": "bridge"}`))
	})

	src := testSource(t, mux)
	if _, err := src.ListContainers(context.Background()); err != nil {
		t.Fatalf("ListContainers: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected network driver lookup cached after first resolution, got %d calls", calls)
	}
}

func TestListServicesTreats404AsEmpty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/services", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/containers/json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})

	src := testSource(t, mux)
	services, err := src.ListServices(context.Background())
	if err != nil {
		t.Fatalf("expected 404 treated as empty, got error: %v", err)
	}
	if services != nil {
		t.Errorf("expected nil/empty services, got %+v", services)
	}
}

func TestListServicesAttributesLocalContainers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/services", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{
			"ID": "svc1",
			"Spec": {
				"Name": "web",
				"EndpointSpec": {"Ports": [{"Protocol":"tcp","TargetPort":80,"PublishedPort":8080,"PublishMode":"ingress"}]}
			}
		}]`))
	})
	mux.HandleFunc("/containers/json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{
			"Id": "c1", "Names": ["/web.1"],
			"Labels": {"com.docker.swarm.service.name": "web"},
			"NetworkSettings": {"Networks": {}}
		}]`))
	})

	src := testSource(t, mux)
	services, err := src.ListServices(context.Background())
	if err != nil {
		t.Fatalf("ListServices: %v", err)
	}
	if len(services) != 1 {
		t.Fatalf("expected 1 service, got %d", len(services))
	}
	if len(services[0].Containers) != 1 {
		t.Errorf("expected local container attributed to service, got %+v", services[0].Containers)
	}
	if len(services[0].Ports) != 1 || services[0].Ports[0].PublishedPort != 8080 {
		t.Errorf("expected published port 8080, got %+v", services[0].Ports)
	}
}

func TestListServicesFallsBackToContainerLabelsOnAPIFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/services", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/containers/json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{
			"Id": "c1", "Names": ["/web.1"],
			"Labels": {
				"com.docker.swarm.service.id": "svc1",
				"com.docker.swarm.service.name": "web",
				"docker-ipv6-firewall.ports": "8080:80/tcp"
			},
			"NetworkSettings": {"Networks": {}}
		}]`))
	})

	src := testSource(t, mux)
	services, err := src.ListServices(context.Background())
	if err != nil {
		t.Fatalf("expected fallback to succeed, got error: %v", err)
	}
	if len(services) != 1 {
		t.Fatalf("expected 1 service reconstructed from labels, got %d", len(services))
	}
	if services[0].ID != "svc1" || services[0].Name != "web" {
		t.Errorf("expected service svc1/web, got %+v", services[0])
	}
	if len(services[0].Containers) != 1 {
		t.Errorf("expected the labeled container attributed, got %+v", services[0].Containers)
	}
	if len(services[0].Ports) != 1 || services[0].Ports[0].PublishedPort != 8080 || services[0].Ports[0].TargetPort != 80 {
		t.Errorf("expected published port 8080->80 from the custom-ports label, got %+v", services[0].Ports)
	}
}
