package store

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore implements Store on top of etcd. The TTL rides on a lease
// attached to the key; etcd only supports whole-second lease TTLs, so
// durations are rounded up.
type EtcdStore struct {
	client *clientv3.Client
}

// NewEtcdStore creates a Store backed by the given etcd client.
func NewEtcdStore(client *clientv3.Client) *EtcdStore {
	return &EtcdStore{client: client}
}

func leaseSeconds(ttl time.Duration) int64 {
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (s *EtcdStore) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	lease, err := s.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return false, err
	}
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, token, clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		return false, err
	}
	if !resp.Succeeded {
		_, _ = s.client.Revoke(ctx, lease.ID)
		return false, nil
	}
	return true, nil
}

func (s *EtcdStore) CompareAndExpire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	lease, err := s.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return false, err
	}
	// Rebinding the key to a fresh lease re-arms the TTL. The old lease is
	// left to expire on its own since it no longer carries the key.
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", token)).
		Then(clientv3.OpPut(key, token, clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		return false, err
	}
	if !resp.Succeeded {
		_, _ = s.client.Revoke(ctx, lease.ID)
		return false, nil
	}
	return true, nil
}

func (s *EtcdStore) CompareAndExtend(ctx context.Context, key, token string, add time.Duration) (bool, error) {
	getResp, err := s.client.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if len(getResp.Kvs) == 0 || string(getResp.Kvs[0].Value) != token {
		return false, nil
	}
	kv := getResp.Kvs[0]

	var remaining int64
	if kv.Lease != 0 {
		ttlResp, err := s.client.TimeToLive(ctx, clientv3.LeaseID(kv.Lease))
		if err != nil {
			return false, err
		}
		if ttlResp.TTL < 0 {
			return false, nil
		}
		remaining = ttlResp.TTL
	}

	lease, err := s.client.Grant(ctx, remaining+leaseSeconds(add))
	if err != nil {
		return false, err
	}
	// The ModRevision guard rejects the put if anyone touched the key
	// between the read and this txn.
	resp, err := s.client.Txn(ctx).
		If(
			clientv3.Compare(clientv3.Value(key), "=", token),
			clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision),
		).
		Then(clientv3.OpPut(key, token, clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		return false, err
	}
	if !resp.Succeeded {
		_, _ = s.client.Revoke(ctx, lease.ID)
		return false, nil
	}
	return true, nil
}

func (s *EtcdStore) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", token)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

func (s *EtcdStore) Get(ctx context.Context, key string) (string, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}
