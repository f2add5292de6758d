package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/fnsched/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketResourceUnits = []byte("resourceunits")
	bucketInstances     = []byte("instances")
	bucketFunctionMetas = []byte("functionmetas")
	bucketRoutes        = []byte("routes")
	bucketProxies       = []byte("proxies")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed snapshot store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "fnsched.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketResourceUnits,
			bucketInstances,
			bucketFunctionMetas,
			bucketRoutes,
			bucketProxies,
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

// Resource units

func (s *BoltStore) SaveResourceUnit(unit *types.ResourceUnit) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(unit)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketResourceUnits).Put([]byte(unit.ID), data)
	})
}

func (s *BoltStore) GetResourceUnit(id string) (*types.ResourceUnit, error) {
	var unit types.ResourceUnit
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketResourceUnits).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("resource unit not found: %s", id)
		}
		return json.Unmarshal(data, &unit)
	})
	if err != nil {
		return nil, err
	}
	return &unit, nil
}

func (s *BoltStore) ListResourceUnits() ([]*types.ResourceUnit, error) {
	var units []*types.ResourceUnit
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResourceUnits).ForEach(func(k, v []byte) error {
			var unit types.ResourceUnit
			if err := json.Unmarshal(v, &unit); err != nil {
				return err
			}
			units = append(units, &unit)
			return nil
		})
	})
	return units, err
}

func (s *BoltStore) DeleteResourceUnit(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResourceUnits).Delete([]byte(id))
	})
}

// Instances

func (s *BoltStore) SaveInstance(inst *types.InstanceInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketInstances).Put([]byte(inst.InstanceID), data)
	})
}

func (s *BoltStore) GetInstance(id string) (*types.InstanceInfo, error) {
	var inst types.InstanceInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInstances).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("instance not found: %s", id)
		}
		return json.Unmarshal(data, &inst)
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *BoltStore) ListInstances() ([]*types.InstanceInfo, error) {
	var insts []*types.InstanceInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var inst types.InstanceInfo
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			insts = append(insts, &inst)
			return nil
		})
	})
	return insts, err
}

func (s *BoltStore) DeleteInstance(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).Delete([]byte(id))
	})
}

// Function metadata

func (s *BoltStore) SaveFunctionMeta(fm *types.FunctionMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(fm)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketFunctionMetas).Put([]byte(fm.Function.Key()), data)
	})
}

func (s *BoltStore) GetFunctionMeta(key string) (*types.FunctionMeta, error) {
	var fm types.FunctionMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFunctionMetas).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("function meta not found: %s", key)
		}
		return json.Unmarshal(data, &fm)
	})
	if err != nil {
		return nil, err
	}
	return &fm, nil
}

func (s *BoltStore) ListFunctionMetas() ([]*types.FunctionMeta, error) {
	var fms []*types.FunctionMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFunctionMetas).ForEach(func(k, v []byte) error {
			var fm types.FunctionMeta
			if err := json.Unmarshal(v, &fm); err != nil {
				return err
			}
			fms = append(fms, &fm)
			return nil
		})
	})
	return fms, err
}

// Routes

func (s *BoltStore) SaveRoute(r *types.RouteInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRoutes).Put([]byte(r.InstanceID), data)
	})
}

func (s *BoltStore) GetRoute(instanceID string) (*types.RouteInfo, error) {
	var r types.RouteInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRoutes).Get([]byte(instanceID))
		if data == nil {
			return fmt.Errorf("route not found: %s", instanceID)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) ListRoutes() ([]*types.RouteInfo, error) {
	var routes []*types.RouteInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoutes).ForEach(func(k, v []byte) error {
			var r types.RouteInfo
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			routes = append(routes, &r)
			return nil
		})
	})
	return routes, err
}

func (s *BoltStore) DeleteRoute(instanceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoutes).Delete([]byte(instanceID))
	})
}

// Proxies

func (s *BoltStore) SaveProxy(p *types.ProxyMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketProxies).Put([]byte(p.AID), data)
	})
}

func (s *BoltStore) ListProxies() ([]*types.ProxyMeta, error) {
	var proxies []*types.ProxyMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProxies).ForEach(func(k, v []byte) error {
			var p types.ProxyMeta
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			proxies = append(proxies, &p)
			return nil
		})
	})
	return proxies, err
}

func (s *BoltStore) DeleteProxy(aid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProxies).Delete([]byte(aid))
	})
}
