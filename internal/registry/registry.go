package registry

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// HealthStatus represents the health status of an instance
type HealthStatus string

const (
	HealthPassing  HealthStatus = "passing"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// Well-known metadata keys read by instance selection.
const (
	MetaWeight      = "weight"
	MetaVersion     = "version"
	MetaConnections = "connections"
)

// Instance is one addressable replica of a service.
type Instance struct {
	ServiceID string            `json:"service_id"`
	ID        string            `json:"id"`
	Host      string            `json:"host"`
	Port      int               `json:"port"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Health    HealthStatus      `json:"health"`
}

// Address returns host:port.
func (i *Instance) Address() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// URL returns the base URL for the instance
func (i *Instance) URL() string {
	return fmt.Sprintf("http://%s", i.Address())
}

// Version returns the version metadata, empty when absent.
func (i *Instance) Version() string {
	return i.Metadata[MetaVersion]
}

// Registry defines the interface for service discovery
type Registry interface {
	// Register registers a service instance
	Register(ctx context.Context, inst *Instance) error

	// Deregister removes a service instance
	Deregister(ctx context.Context, instanceID string) error

	// Discover returns all healthy instances of a service
	Discover(ctx context.Context, serviceID string) ([]*Instance, error)

	// Watch streams the full healthy instance list whenever it changes.
	// The channel is closed when ctx is done.
	Watch(ctx context.Context, serviceID string) (<-chan []*Instance, error)

	// Close closes the registry connection
	Close() error
}

// Type represents the type of registry
type Type string

const (
	TypeConsul     Type = "consul"
	TypeEtcd       Type = "etcd"
	TypeKubernetes Type = "kubernetes"
	TypeMemory     Type = "memory"
	TypeDNS        Type = "dns"
)

// ErrServiceNotFound is returned when a service is not found
var ErrServiceNotFound = fmt.Errorf("service not found")

func cloneInstances(in []*Instance) []*Instance {
	if in == nil {
		return nil
	}
	out := make([]*Instance, len(in))
	copy(out, in)
	return out
}
