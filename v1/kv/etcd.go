package kv

import (
	"context"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"

	spikeerrors "github.com/FancyFong/redis-distributed-lock/v1/errors"
)

const defaultEtcdOpTimeout = 5 * time.Second

// EtcdStore implements Store on etcd. Conditional writes are transactions
// guarded on the key's create revision or current value.
type EtcdStore struct {
	kv      clientv3.KV
	timeout time.Duration
}

// NewEtcdStore returns an EtcdStore using kv, typically a *clientv3.Client.
func NewEtcdStore(kv clientv3.KV, timeout time.Duration) *EtcdStore {
	if timeout <= 0 {
		timeout = defaultEtcdOpTimeout
	}
	return &EtcdStore{kv: kv, timeout: timeout}
}

func etcdTranslate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return spikeerrors.Unavailable(spikeerrors.ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return spikeerrors.Unavailable(err)
}

func (s *EtcdStore) txn(ctx context.Context, cmp clientv3.Cmp, op clientv3.Op) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.kv.Txn(cctx).If(cmp).Then(op).Commit()
	if err != nil {
		return false, etcdTranslate(err)
	}
	return resp.Succeeded, nil
}

// SetNX implements Store.SetNX.
func (s *EtcdStore) SetNX(ctx context.Context, key, value string) (bool, error) {
	return s.txn(ctx, clientv3.Compare(clientv3.CreateRevision(key), "=", 0), clientv3.OpPut(key, value))
}

// Get implements Store.Get.
func (s *EtcdStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.kv.Get(cctx, key)
	if err != nil {
		return "", false, etcdTranslate(err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// GetSet implements Store.GetSet.
func (s *EtcdStore) GetSet(ctx context.Context, key, value string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.kv.Put(cctx, key, value, clientv3.WithPrevKV())
	if err != nil {
		return "", false, etcdTranslate(err)
	}
	if resp.PrevKv == nil {
		return "", false, nil
	}
	return string(resp.PrevKv.Value), true, nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *EtcdStore) CompareAndSwap(ctx context.Context, key, old, value string) (bool, error) {
	return s.txn(ctx, clientv3.Compare(clientv3.Value(key), "=", old), clientv3.OpPut(key, value))
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *EtcdStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	return s.txn(ctx, clientv3.Compare(clientv3.Value(key), "=", expected), clientv3.OpDelete(key))
}

// Delete implements Store.Delete.
func (s *EtcdStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.kv.Delete(cctx, key)
	return etcdTranslate(err)
}
