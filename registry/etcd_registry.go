// Package registry provides the etcd-based implementation of the Registry interface.
//
// etcd is used as a shared phonebook of channel hosts:
//
//	Key:   {prefix}{ChannelName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if a host crashes, the lease expires
// and the entry is removed, so callers never dial a dead host for long.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultPrefix is the etcd key prefix used when none is configured.
const DefaultPrefix = "/platform-channel/"

// EtcdConfig configures NewEtcdRegistry.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	Logger      *zap.Logger
}

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // Thread-safe, shared across goroutines
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, revoked on Deregister
}

// NewEtcdRegistry creates a new registry connected to the configured endpoints.
func NewEtcdRegistry(cfg EtcdConfig) (*EtcdRegistry, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd %v: %w", cfg.Endpoints, err)
	}
	return &EtcdRegistry{
		client: c,
		prefix: prefix,
		logger: logger,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func (r *EtcdRegistry) channelPrefix(channelName string) string {
	return r.prefix + url.PathEscape(channelName) + "/"
}

func (r *EtcdRegistry) key(channelName, addr string) string {
	return r.channelPrefix(channelName) + addr
}

// Register adds an instance to etcd under a TTL lease and keeps the lease alive
// until Deregister or Close.
//
// The lease ID lives in a map keyed by etcd key rather than on the struct, so
// several hosts can share one EtcdRegistry without racing.
func (r *EtcdRegistry) Register(ctx context.Context, channelName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := r.key(channelName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}

	// KeepAlive must outlive the caller's ctx; it stops when the lease is revoked.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keepalive %s: %w", key, err)
	}

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	// Drain KeepAlive responses so the channel never fills up
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	r.logger.Info("registered instance",
		zap.String("channel", channelName),
		zap.String("addr", instance.Addr),
		zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes an instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, channelName string, addr string) error {
	key := r.key(channelName, addr)

	r.mu.Lock()
	leaseID, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("registry: delete %s: %w", key, err)
	}
	if ok {
		if _, err := r.client.Revoke(ctx, leaseID); err != nil {
			return fmt.Errorf("registry: revoke lease for %s: %w", key, err)
		}
	}
	return nil
}

// Watch emits the instance list of a channel every time its keys change,
// until ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, channelName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := r.channelPrefix(channelName)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the full list instead of applying individual events
			instances, err := r.Discover(ctx, channelName)
			if err != nil {
				r.logger.Warn("discover after watch event failed", zap.String("channel", channelName), zap.Error(err))
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

// Discover returns all currently registered instances of a channel.
func (r *EtcdRegistry) Discover(ctx context.Context, channelName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.channelPrefix(channelName), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: discover %s: %w", channelName, err)
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

	return instances, nil
}

// Close revokes every lease still held and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	leases := r.leases
	r.leases = make(map[string]clientv3.LeaseID)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var errs error
	for key, id := range leases {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("revoke lease for %s: %w", key, err))
		}
	}
	return multierr.Append(errs, r.client.Close())
}
