package remote

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultPrefix is the etcd key prefix under which workers register.
const DefaultPrefix = "distfit/workers/"

const etcdDialTimeout = 10 * time.Second

// Registry tracks the worker fleet in etcd: workers register their
// advertised address under a unique key, the orchestrator lists the prefix
// to discover them.
type Registry struct {
	cli    *clientv3.Client
	prefix string
}

// NewRegistry connects to etcd.
func NewRegistry(endpoints []string, prefix string) (*Registry, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: etcdDialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "remote: connecting to etcd")
	}
	return &Registry{cli: cli, prefix: prefix}, nil
}

// Register announces a worker's address and returns the key to deregister
// with.
func (r *Registry) Register(ctx context.Context, addr string) (string, error) {
	key := r.prefix + uuid.NewString()
	if _, err := r.cli.Put(ctx, key, addr); err != nil {
		return "", errors.Wrapf(err, "remote: registering worker at %s", addr)
	}
	return key, nil
}

// Deregister removes a worker's registration.
func (r *Registry) Deregister(ctx context.Context, key string) error {
	_, err := r.cli.Delete(ctx, key)
	return errors.Wrapf(err, "remote: deregistering %s", key)
}

// Workers lists the registered worker addresses, sorted by key so the fleet
// enumerates in a stable order.
func (r *Registry) Workers(ctx context.Context) ([]string, error) {
	resp, err := r.cli.Get(ctx, r.prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		return nil, errors.Wrap(err, "remote: listing registered workers")
	}
	addrs := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		addrs = append(addrs, string(kv.Value))
	}
	return addrs, nil
}

// Close releases the etcd connection.
func (r *Registry) Close() error {
	return r.cli.Close()
}
