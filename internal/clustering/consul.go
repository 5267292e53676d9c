// Package clustering registers a relay instance with Consul purely for
// discovery and health (spec §4.6's multi-instance delivery needs to know
// which instances exist; it does not need Consul for routing decisions,
// which flow through internal/directory's connection-owner keys instead).
package clustering

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/consul/api"
)

const serviceName = "ratchet-relay"

// Registry handles this relay instance's Consul service registration.
type Registry struct {
	client     *api.Client
	serviceID  string
	instanceID string
	port       int
}

// NewRegistry dials addr and prepares a registration for instanceID,
// listening on port.
func NewRegistry(addr, instanceID, port string) (*Registry, error) {
	config := api.DefaultConfig()
	config.Address = addr

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("clustering: dial consul: %w", err)
	}

	p, err := strconv.Atoi(port)
	if err != nil {
		log.Printf("WARN: failed to parse relay port %q, defaulting to 8080: %v", port, err)
		p = 8080
	}

	return &Registry{
		client:     client,
		serviceID:  instanceID,
		instanceID: instanceID,
		port:       p,
	}, nil
}

// Register advertises this instance under serviceName with an HTTP health
// check hitting /health.
func (r *Registry) Register() error {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("WARN: failed to resolve hostname, using localhost: %v", err)
		hostname = "localhost"
	}

	registration := &api.AgentServiceRegistration{
		ID:      r.serviceID,
		Name:    serviceName,
		Port:    r.port,
		Address: hostname,
		Tags:    []string{"relay", "websocket", "e2ee"},
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", hostname, r.port),
			Interval:                       "10s",
			Timeout:                        "3s",
			DeregisterCriticalServiceAfter: "30s",
		},
		Meta: map[string]string{
			"instance_id": r.instanceID,
		},
	}

	if err := r.client.Agent().ServiceRegister(registration); err != nil {
		return fmt.Errorf("clustering: register with consul: %w", err)
	}

	log.Printf("registered relay instance %s with consul", r.instanceID)
	return nil
}

// Deregister removes this instance's service entry, called on graceful
// shutdown.
func (r *Registry) Deregister() error {
	if err := r.client.Agent().ServiceDeregister(r.serviceID); err != nil {
		return fmt.Errorf("clustering: deregister from consul: %w", err)
	}
	log.Printf("deregistered relay instance %s from consul", r.instanceID)
	return nil
}

// HealthyInstances returns the instance IDs of every relay currently passing
// its health check, used for operational visibility (not for routing:
// cross-instance delivery resolves targets via internal/directory's
// connection-owner keys, not this list).
func (r *Registry) HealthyInstances() ([]string, error) {
	services, _, err := r.client.Health().Service(serviceName, "", true, nil)
	if err != nil {
		return nil, fmt.Errorf("clustering: query healthy instances: %w", err)
	}

	instances := make([]string, 0, len(services))
	for _, svc := range services {
		instances = append(instances, svc.Service.ID)
	}
	return instances, nil
}

// WatchInstances blocks, long-polling Consul for membership changes and
// invoking callback with the updated instance list each time. Intended to
// run in its own goroutine for the lifetime of the process.
func (r *Registry) WatchInstances(callback func([]string)) {
	var lastIndex uint64

	for {
		services, meta, err := r.client.Health().Service(serviceName, "", true, &api.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  5 * time.Minute,
		})
		if err != nil {
			log.Printf("WARN: consul watch failed: %v", err)
			time.Sleep(5 * time.Second)
			continue
		}

		if meta.LastIndex == lastIndex {
			continue
		}
		lastIndex = meta.LastIndex

		instances := make([]string, 0, len(services))
		for _, svc := range services {
			instances = append(instances, svc.Service.ID)
		}
		callback(instances)
	}
}
