package kv

import (
	"context"

	nats "github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	spikeerrors "github.com/FancyFong/redis-distributed-lock/v1/errors"
)

// DefaultNATSBucket is the JetStream key-value bucket used when none is given.
const DefaultNATSBucket = "spike_locks"

// maxSwapAttempts bounds the optimistic retry loop of GetSet.
const maxSwapAttempts = 16

// NATSStore implements Store on a JetStream key-value bucket. Conditional
// writes are revision-guarded, so a concurrent writer makes them fail
// instead of being overwritten.
//
// Keys must be valid JetStream KV keys ([-/_=.a-zA-Z0-9]).
type NATSStore struct {
	kv nats.KeyValue
}

// NewNATSStore binds to bucket, creating it when it does not exist yet.
func NewNATSStore(js nats.JetStreamContext, bucket string) (*NATSStore, error) {
	if bucket == "" {
		bucket = DefaultNATSBucket
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	}
	if err != nil {
		return nil, natsTranslate(err)
	}
	return &NATSStore{kv: kv}, nil
}

func natsTranslate(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return spikeerrors.Unavailable(spikeerrors.ErrTimeout)
	case errors.Is(err, nats.ErrConnectionClosed):
		return spikeerrors.Unavailable(spikeerrors.ErrConnectionClosed)
	}
	return spikeerrors.Unavailable(err)
}

func (s *NATSStore) entry(key string) (nats.KeyValueEntry, bool, error) {
	e, err := s.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, natsTranslate(err)
	}
	return e, true, nil
}

// SetNX implements Store.SetNX.
func (s *NATSStore) SetNX(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := s.kv.Create(key, []byte(value))
	if errors.Is(err, nats.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, natsTranslate(err)
	}
	return true, nil
}

// Get implements Store.Get.
func (s *NATSStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	e, ok, err := s.entry(key)
	if err != nil || !ok {
		return "", false, err
	}
	return string(e.Value()), true, nil
}

// GetSet implements Store.GetSet. JetStream has no native swap, so the
// write is retried against the latest revision until it lands.
func (s *NATSStore) GetSet(ctx context.Context, key, value string) (string, bool, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		e, ok, err := s.entry(key)
		if err != nil {
			return "", false, err
		}
		if !ok {
			_, err = s.kv.Create(key, []byte(value))
			if err == nil {
				return "", false, nil
			}
		} else {
			_, err = s.kv.Update(key, []byte(value), e.Revision())
			if err == nil {
				return string(e.Value()), true, nil
			}
		}
		if !errors.Is(err, nats.ErrKeyExists) {
			return "", false, natsTranslate(err)
		}
	}
	return "", false, spikeerrors.Unavailable(errors.Errorf("swap on %q kept conflicting", key))
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *NATSStore) CompareAndSwap(ctx context.Context, key, old, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	e, ok, err := s.entry(key)
	if err != nil || !ok || string(e.Value()) != old {
		return false, err
	}
	_, err = s.kv.Update(key, []byte(value), e.Revision())
	if errors.Is(err, nats.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, natsTranslate(err)
	}
	return true, nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *NATSStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	e, ok, err := s.entry(key)
	if err != nil || !ok || string(e.Value()) != expected {
		return false, err
	}
	err = s.kv.Delete(key, nats.LastRevision(e.Revision()))
	if errors.Is(err, nats.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, natsTranslate(err)
	}
	return true, nil
}

// Delete implements Store.Delete.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return natsTranslate(s.kv.Delete(key))
}
