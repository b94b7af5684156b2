// Package registry lets servers advertise their WebSocket endpoints and lets clients find
// them.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/errors"
)

// ErrNoInstances is returned by lookups that found nothing to connect to.
const ErrNoInstances = errors.ConstError("no instances registered")

// ServiceInstance is one advertised endpoint. Addr is a ws:// or wss:// URL.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register advertises instance under service for ttl seconds, renewed until Deregister or Close.
	Register(ctx context.Context, service string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	// Discover returns the instances currently registered for service, ordered by Addr.
	Discover(ctx context.Context, service string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is done.
	Watch(ctx context.Context, service string) <-chan []ServiceInstance
	Close() error
}

// StaticRegistry keeps instances in memory. TTLs are ignored.
type StaticRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance
	watchers map[string][]chan []ServiceInstance
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		services: make(map[string]map[string]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

func (r *StaticRegistry) Register(_ context.Context, service string, instance ServiceInstance, _ int64) error {
	if instance.Addr == "" {
		return errors.NotValidf("empty instance address")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[service] == nil {
		r.services[service] = make(map[string]ServiceInstance)
	}
	r.services[service][instance.Addr] = instance
	r.notifyLocked(service)
	return nil
}

func (r *StaticRegistry) Deregister(_ context.Context, service string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[service], addr)
	r.notifyLocked(service)
	return nil
}

func (r *StaticRegistry) Discover(_ context.Context, service string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(service), nil
}

func (r *StaticRegistry) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		chans := r.watchers[service]
		for i, c := range chans {
			if c == ch {
				r.watchers[service] = append(chans[:i:i], chans[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch
}

// Close drops every instance and ends all watches.
func (r *StaticRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, chans := range r.watchers {
		for _, ch := range chans {
			close(ch)
		}
	}
	r.watchers = make(map[string][]chan []ServiceInstance)
	r.services = make(map[string]map[string]ServiceInstance)
	return nil
}

func (r *StaticRegistry) listLocked(service string) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(r.services[service]))
	for _, inst := range r.services[service] {
		instances = append(instances, inst)
	}
	sortInstances(instances)
	return instances
}

// notifyLocked replaces any update a slow watcher has not consumed yet.
func (r *StaticRegistry) notifyLocked(service string) {
	for _, ch := range r.watchers[service] {
		list := r.listLocked(service)
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}

func sortInstances(instances []ServiceInstance) {
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
}
