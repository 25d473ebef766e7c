package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/containerd/log"
	bolt "go.etcd.io/bbolt"
)

// Bucket names mirror the §6 "Key-value store" namespaces: nodes,
// authentication, cluster_health. containers/namespace_mapping/
// container_clusters/url_to_cluster are analogous per spec §4.2 and are
// left for a future namespace without a current caller in SPEC_FULL.md.
var (
	bucketNodes         = []byte("nodes")
	bucketAuthentication = []byte("authentication")
	bucketClusterHealth = []byte("cluster_health")
)

// BoltRegistry is the bbolt-backed Registry implementation.
type BoltRegistry struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt file at path and ensures
// every bucket this registry uses exists.
func Open(path string) (*BoltRegistry, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening registry db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketNodes, bucketAuthentication, bucketClusterHealth} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing registry buckets: %w", err)
	}
	return &BoltRegistry{db: db}, nil
}

func (r *BoltRegistry) Close() error { return r.db.Close() }

func (r *BoltRegistry) PutNode(ctx context.Context, name string, rec NodeRecord) error {
	return r.putJSON(ctx, bucketNodes, name, rec)
}

func (r *BoltRegistry) GetNode(ctx context.Context, name string) (*NodeRecord, error) {
	var rec NodeRecord
	ok, err := r.getJSON(bucketNodes, name, &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

func (r *BoltRegistry) ListNodes(ctx context.Context) (map[string]NodeRecord, error) {
	out := make(map[string]NodeRecord)
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var rec NodeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding node %s: %w", k, err)
			}
			out[string(k)] = rec
			return nil
		})
	})
	return out, err
}

func (r *BoltRegistry) ListInstanceIDsInNamespace(ctx context.Context, namespace string) (map[string]struct{}, error) {
	nodes, err := r.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{})
	for _, rec := range nodes {
		if rec.Namespace == namespace {
			ids[rec.InstanceID] = struct{}{}
		}
	}
	return ids, nil
}

// DeleteNodesByInstanceIDs removes every node record whose instance id is
// in ids. Idempotent: deleting ids with no matching record is a no-op and
// still returns true, matching spec §4.2 / §8's terminate_namespace
// round-trip invariant.
func (r *BoltRegistry) DeleteNodesByInstanceIDs(ctx context.Context, ids map[string]struct{}) (bool, error) {
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		var toDelete [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec NodeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding node %s: %w", k, err)
			}
			if _, match := ids[rec.InstanceID]; match {
				// copy k: ForEach's byte slices are only valid during the call.
				key := append([]byte(nil), k...)
				toDelete = append(toDelete, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.G(ctx).WithError(err).Error("delete_nodes_by_instance_ids failed")
		return false, err
	}
	return true, nil
}

func (r *BoltRegistry) GetUserHash(ctx context.Context, user string) (*string, error) {
	v, err := r.getRaw(bucketAuthentication, user)
	if err != nil || v == nil {
		return nil, err
	}
	s := string(v)
	return &s, nil
}

func (r *BoltRegistry) PutUserHash(ctx context.Context, user, hash string) error {
	return r.putRaw(bucketAuthentication, user, []byte(hash))
}

func (r *BoltRegistry) PutClusterHealth(ctx context.Context, hostname string, h ClusterHealth) error {
	return r.putJSON(ctx, bucketClusterHealth, hostname, h)
}

func (r *BoltRegistry) GetClusterHealth(ctx context.Context, hostname string) (*ClusterHealth, error) {
	var h ClusterHealth
	ok, err := r.getJSON(bucketClusterHealth, hostname, &h)
	if err != nil || !ok {
		return nil, err
	}
	return &h, nil
}

func (r *BoltRegistry) ListClusterHealth(ctx context.Context) (map[string]ClusterHealth, error) {
	out := make(map[string]ClusterHealth)
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusterHealth).ForEach(func(k, v []byte) error {
			var h ClusterHealth
			if err := json.Unmarshal(v, &h); err != nil {
				return fmt.Errorf("decoding cluster health %s: %w", k, err)
			}
			out[string(k)] = h
			return nil
		})
	})
	return out, err
}

func (r *BoltRegistry) putJSON(_ context.Context, bucket []byte, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", bucket, key, err)
	}
	return r.putRaw(bucket, key, data)
}

func (r *BoltRegistry) putRaw(bucket []byte, key string, data []byte) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

// getJSON returns ok=false, no error, when the key is absent — the registry
// contract in spec §4.2: missing keys return None, never an error.
func (r *BoltRegistry) getJSON(bucket []byte, key string, out any) (bool, error) {
	data, err := r.getRaw(bucket, key)
	if err != nil || data == nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decoding %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (r *BoltRegistry) getRaw(bucket []byte, key string) ([]byte, error) {
	var out []byte
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

var _ Registry = (*BoltRegistry)(nil)
