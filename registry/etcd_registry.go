package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix roots every key this package writes:
//
//	/jsonrpc-ws/{service}/{addr}  ->  JSON ServiceInstance
const KeyPrefix = "/jsonrpc-ws/"

// EtcdConfig configures an EtcdRegistry.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
	Logger      *zap.Logger
}

// EtcdRegistry stores instances in etcd v3 under TTL leases. A crashed server's entries
// expire with its lease.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]context.CancelFunc // keyed by etcd key, stops KeepAlive
}

func NewEtcdRegistry(cfg EtcdConfig) (*EtcdRegistry, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Logger:      cfg.Logger.Named("etcd"),
	})
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to etcd %v", cfg.Endpoints)
	}
	return &EtcdRegistry{
		client: c,
		logger: cfg.Logger,
		leases: make(map[string]context.CancelFunc),
	}, nil
}

func servicePrefix(service string) string {
	return KeyPrefix + service + "/"
}

func instanceKey(service, addr string) string {
	return servicePrefix(service) + addr
}

// Register grants a lease of ttl seconds, writes the instance under it and keeps the lease
// alive in the background. The lease ID stays local so one registry can serve many servers.
func (r *EtcdRegistry) Register(ctx context.Context, service string, instance ServiceInstance, ttl int64) error {
	if instance.Addr == "" {
		return errors.NotValidf("empty instance address")
	}
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Annotate(err, "granting lease")
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return errors.Trace(err)
	}

	key := instanceKey(service, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Annotatef(err, "writing %s", key)
	}

	// KeepAlive outlives the caller's ctx; it stops on Deregister or Close.
	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		cancel()
		return errors.Annotate(err, "keeping lease alive")
	}

	r.mu.Lock()
	if prev, ok := r.leases[key]; ok {
		prev()
	}
	r.leases[key] = cancel
	r.mu.Unlock()

	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	r.logger.Info("registered", zap.String("service", service), zap.String("addr", instance.Addr), zap.Int64("ttl", ttl))
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, service string, addr string) error {
	key := instanceKey(service, addr)
	r.mu.Lock()
	if cancel, ok := r.leases[key]; ok {
		cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Annotatef(err, "deleting %s", key)
	}
	r.logger.Info("deregistered", zap.String("service", service), zap.String("addr", addr))
	return nil
}

func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Annotatef(err, "listing %s", service)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	sortInstances(instances)
	return instances, nil
}

// Watch re-lists the service after every change under its prefix. The channel closes when
// ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, servicePrefix(service), clientv3.WithPrefix())
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.logger.Warn("watch error", zap.String("service", service), zap.Error(err))
				continue
			}
			instances, err := r.Discover(ctx, service)
			if err != nil {
				r.logger.Warn("relisting after change", zap.String("service", service), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close stops every KeepAlive and the etcd client. Entries expire with their leases.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, cancel := range r.leases {
		cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
