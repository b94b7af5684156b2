package client

import (
	"context"

	"github.com/juju/errors"

	"jsonrpc-ws/registry"
)

// DiscoverEndpoints lists the advertised endpoints of service, in the registry's order, for
// use as New's endpoint list.
func DiscoverEndpoints(ctx context.Context, reg registry.Registry, service string) ([]string, error) {
	instances, err := reg.Discover(ctx, service)
	if err != nil {
		return nil, errors.Annotatef(err, "discovering %s", service)
	}
	if len(instances) == 0 {
		return nil, errors.Annotatef(registry.ErrNoInstances, "service %s", service)
	}
	return addrs(instances), nil
}

// WaitForEndpoints is DiscoverEndpoints for a service that may not be advertised yet: it
// watches the registry until at least one instance shows up or ctx is done.
func WaitForEndpoints(ctx context.Context, reg registry.Registry, service string) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Watch before listing so that an instance registered in between is not missed.
	updates := reg.Watch(ctx, service)
	instances, err := reg.Discover(ctx, service)
	if err != nil {
		return nil, errors.Annotatef(err, "discovering %s", service)
	}
	for len(instances) == 0 {
		select {
		case <-ctx.Done():
			return nil, errors.Annotatef(registry.ErrNoInstances, "service %s: %v", service, ctx.Err())
		case list, ok := <-updates:
			if !ok {
				return nil, errors.Annotatef(registry.ErrNoInstances, "service %s: watch ended", service)
			}
			instances = list
		}
	}
	return addrs(instances), nil
}

func addrs(instances []registry.ServiceInstance) []string {
	endpoints := make([]string, 0, len(instances))
	for _, inst := range instances {
		endpoints = append(endpoints, inst.Addr)
	}
	return endpoints
}
