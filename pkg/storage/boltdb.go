package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/tenantd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketNodes         = []byte("nodes")
	bucketNodeNames     = []byte("node_names")
	bucketDeployments   = []byte("deployments")
	bucketAttempts      = []byte("attempts")
	bucketSubscriptions = []byte("subscriptions")
	bucketMetrics       = []byte("metrics")
)

// metricKeyLayout is fixed-width so keys sort chronologically per node
const metricKeyLayout = "2006-01-02T15:04:05.000000000Z"

// boltOpenTimeout bounds the wait for the file lock held by another process
var boltOpenTimeout = 5 * time.Second

// LockedError is returned when another process holds the bolt file. Bolt
// takes an exclusive lock, so only one tenantd process can open a data dir.
type LockedError struct {
	Path string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s is locked by another tenantd process (is \"tenantd serve\" running?); "+
		"send the command to that process with --server or stop it first", e.Path)
}

func (e *LockedError) Unwrap() error { return errdefs.ErrUnavailable }

// BoltStore implements Store interface using BoltDB. Every write runs in a
// bolt.Update transaction, which bolt serializes, so conditional mutations
// such as ReserveSlot are atomic.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "tenantd.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: boltOpenTimeout})
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, &LockedError{Path: dbPath}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes,
			bucketNodeNames,
			bucketDeployments,
			bucketAttempts,
			bucketSubscriptions,
			bucketMetrics,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func getJSON(b *bolt.Bucket, key string, v any) (bool, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

// Node operations
func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketNodeNames)
		if names.Get([]byte(node.Name)) != nil {
			return alreadyExists("node", node.Name)
		}
		if tx.Bucket(bucketNodes).Get([]byte(node.ID)) != nil {
			return alreadyExists("node", node.ID)
		}
		if err := names.Put([]byte(node.Name), []byte(node.ID)); err != nil {
			return err
		}
		return putJSON(tx.Bucket(bucketNodes), node.ID, node)
	})
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(bucketNodes), id, &node)
		if err != nil {
			return err
		}
		if !found {
			return notFound("node", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) GetNodeByName(name string) (*types.Node, error) {
	var id []byte
	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketNodeNames).Get([]byte(name)); v != nil {
			id = append(id, v...)
		}
		return nil
	})
	if id == nil {
		return nil, notFound("node", name)
	}
	return s.GetNode(string(id))
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		var current types.Node
		found, err := getJSON(b, node.ID, &current)
		if err != nil {
			return err
		}
		if !found {
			return notFound("node", node.ID)
		}

		names := tx.Bucket(bucketNodeNames)
		if node.Name != current.Name {
			if names.Get([]byte(node.Name)) != nil {
				return alreadyExists("node", node.Name)
			}
			if err := names.Delete([]byte(current.Name)); err != nil {
				return err
			}
			if err := names.Put([]byte(node.Name), []byte(node.ID)); err != nil {
				return err
			}
		}

		updated := *node
		updated.Usage = current.Usage
		updated.Status = effectiveStatus(current.Status, current.Usage.TenantCount, node.Capacity.MaxSlots)
		updated.CreatedAt = current.CreatedAt
		updated.UpdatedAt = time.Now()
		return putJSON(b, node.ID, &updated)
	})
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		var node types.Node
		found, err := getJSON(b, id, &node)
		if err != nil || !found {
			return err
		}
		if node.Usage.TenantCount > 0 {
			return fmt.Errorf("node %s still holds %d tenants: %w", node.Name, node.Usage.TenantCount, errdefs.ErrFailedPrecondition)
		}
		if err := tx.Bucket(bucketNodeNames).Delete([]byte(node.Name)); err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

// mutateNode loads a node inside a write transaction, applies fn and stores
// the result. fn returning an error aborts the transaction.
func (s *BoltStore) mutateNode(id string, fn func(node *types.Node) error) (*types.Node, error) {
	var node types.Node
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		found, err := getJSON(b, id, &node)
		if err != nil {
			return err
		}
		if !found {
			return notFound("node", id)
		}
		if err := fn(&node); err != nil {
			return err
		}
		node.UpdatedAt = time.Now()
		return putJSON(b, id, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ReserveSlot(nodeID string) (*types.Node, error) {
	return s.mutateNode(nodeID, func(node *types.Node) error {
		if node.Status != types.NodeStatusOnline || node.Usage.TenantCount >= node.Capacity.MaxSlots {
			return noSlot(node)
		}
		node.Usage.TenantCount++
		node.Status = effectiveStatus(node.Status, node.Usage.TenantCount, node.Capacity.MaxSlots)
		return nil
	})
}

func (s *BoltStore) ReleaseSlot(nodeID string) (*types.Node, error) {
	return s.mutateNode(nodeID, func(node *types.Node) error {
		if node.Usage.TenantCount > 0 {
			node.Usage.TenantCount--
		}
		node.Status = effectiveStatus(node.Status, node.Usage.TenantCount, node.Capacity.MaxSlots)
		return nil
	})
}

func (s *BoltStore) UpdateNodeUsage(nodeID string, usage types.NodeUsage) error {
	_, err := s.mutateNode(nodeID, func(node *types.Node) error {
		node.Usage.CPUPercent = usage.CPUPercent
		node.Usage.RAMUsedMB = usage.RAMUsedMB
		node.Usage.StorageUsedGB = usage.StorageUsedGB
		node.Usage.ScannedAt = usage.ScannedAt
		return nil
	})
	return err
}

func (s *BoltStore) SetNodeStatus(nodeID string, status types.NodeStatus, from ...types.NodeStatus) (bool, error) {
	applied := false
	_, err := s.mutateNode(nodeID, func(node *types.Node) error {
		if !statusIn(node.Status, from) {
			return nil
		}
		node.Status = effectiveStatus(status, node.Usage.TenantCount, node.Capacity.MaxSlots)
		applied = true
		return nil
	})
	return applied, err
}

// Deployment operations
func (s *BoltStore) ReserveSubdomain(d *types.Deployment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		var existing types.Deployment
		found, err := getJSON(b, d.Subdomain, &existing)
		if err != nil {
			return err
		}
		if found && existing.Status != types.DeploymentRolledBack {
			return alreadyExists("deployment", d.Subdomain)
		}
		now := time.Now()
		d.CreatedAt = now
		d.UpdatedAt = now
		return putJSON(b, d.Subdomain, d)
	})
}

func (s *BoltStore) GetDeployment(subdomain string) (*types.Deployment, error) {
	var d types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(bucketDeployments), subdomain, &d)
		if err != nil {
			return err
		}
		if !found {
			return notFound("deployment", subdomain)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *BoltStore) ListDeployments() ([]*types.Deployment, error) {
	var deployments []*types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		return b.ForEach(func(k, v []byte) error {
			var d types.Deployment
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			deployments = append(deployments, &d)
			return nil
		})
	})
	return deployments, err
}

func (s *BoltStore) ListDeploymentsByNode(nodeID string) ([]*types.Deployment, error) {
	deployments, err := s.ListDeployments()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Deployment
	for _, d := range deployments {
		if d.NodeID == nodeID {
			filtered = append(filtered, d)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListDeploymentsByStatus(statuses ...types.DeploymentStatus) ([]*types.Deployment, error) {
	deployments, err := s.ListDeployments()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Deployment
	for _, d := range deployments {
		if deploymentStatusIn(d.Status, statuses) {
			filtered = append(filtered, d)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateDeployment(d *types.Deployment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		var existing types.Deployment
		found, err := getJSON(b, d.Subdomain, &existing)
		if err != nil {
			return err
		}
		if !found {
			return notFound("deployment", d.Subdomain)
		}
		d.CreatedAt = existing.CreatedAt
		d.UpdatedAt = time.Now()
		return putJSON(b, d.Subdomain, d)
	})
}

func (s *BoltStore) DeleteDeployment(subdomain string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).Delete([]byte(subdomain))
	})
}

// Attempt operations
func (s *BoltStore) SaveAttempt(a *types.Attempt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketAttempts), a.ID, a)
	})
}

func (s *BoltStore) GetAttempt(id string) (*types.Attempt, error) {
	var a types.Attempt
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(bucketAttempts), id, &a)
		if err != nil {
			return err
		}
		if !found {
			return notFound("attempt", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) ListAttempts(subdomain string) ([]*types.Attempt, error) {
	var attempts []*types.Attempt
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAttempts).ForEach(func(k, v []byte) error {
			var a types.Attempt
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if subdomain == "" || a.Subdomain == subdomain {
				attempts = append(attempts, &a)
			}
			return nil
		})
	})
	sort.Slice(attempts, func(i, j int) bool {
		return attempts[i].StartedAt.Before(attempts[j].StartedAt)
	})
	return attempts, err
}

// Subscription operations
func (s *BoltStore) SaveSubscription(sub *types.Subscription) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		var existing types.Subscription
		found, err := getJSON(b, sub.ID, &existing)
		if err != nil {
			return err
		}
		now := time.Now()
		sub.CreatedAt = now
		if found {
			sub.CreatedAt = existing.CreatedAt
		}
		sub.UpdatedAt = now
		return putJSON(b, sub.ID, sub)
	})
}

func (s *BoltStore) GetSubscription(id string) (*types.Subscription, error) {
	var sub types.Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(bucketSubscriptions), id, &sub)
		if err != nil {
			return err
		}
		if !found {
			return notFound("subscription", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *BoltStore) MarkSubscriptionProvisioned(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		var sub types.Subscription
		found, err := getJSON(b, id, &sub)
		if err != nil {
			return err
		}
		if !found {
			return notFound("subscription", id)
		}
		sub.TenantProvisioned = true
		sub.UpdatedAt = time.Now()
		return putJSON(b, id, &sub)
	})
}

func (s *BoltStore) DeleteSubscription(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).Delete([]byte(id))
	})
}

// Metric operations
func metricKey(nodeID string, at time.Time) []byte {
	return []byte(nodeID + "/" + at.UTC().Format(metricKeyLayout))
}

func (s *BoltStore) RecordMetric(m *types.ResourceMetric) error {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMetrics).Put(metricKey(m.NodeID, m.RecordedAt), data)
	})
}

func (s *BoltStore) ListMetrics(nodeID string, since time.Time) ([]*types.ResourceMetric, error) {
	var metrics []*types.ResourceMetric
	prefix := []byte(nodeID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMetrics).Cursor()
		for k, v := c.Seek(metricKey(nodeID, since)); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var m types.ResourceMetric
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			metrics = append(metrics, &m)
		}
		return nil
	})
	return metrics, err
}

func (s *BoltStore) PruneMetrics(before time.Time) (int, error) {
	cutoff := before.UTC().Format(metricKeyLayout)
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetrics)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			idx := strings.LastIndexByte(string(k), '/')
			if idx >= 0 && string(k[idx+1:]) < cutoff {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		pruned = len(stale)
		return nil
	})
	return pruned, err
}
