package storage

import (
	"github.com/cuemby/fnsched/pkg/types"
)

// Store persists the C1 resource-unit tree and the C2 observer caches so a
// restarted tier actor can warm up before its first meta-store resync.
// Meta-store itself remains the system of record; Store is a local,
// best-effort snapshot cache, not a replicated log.
type Store interface {
	// Resource units (C1)
	SaveResourceUnit(unit *types.ResourceUnit) error
	GetResourceUnit(id string) (*types.ResourceUnit, error)
	ListResourceUnits() ([]*types.ResourceUnit, error)
	DeleteResourceUnit(id string) error

	// Instances (C2)
	SaveInstance(inst *types.InstanceInfo) error
	GetInstance(id string) (*types.InstanceInfo, error)
	ListInstances() ([]*types.InstanceInfo, error)
	DeleteInstance(id string) error

	// Function metadata (C2)
	SaveFunctionMeta(fm *types.FunctionMeta) error
	GetFunctionMeta(key string) (*types.FunctionMeta, error)
	ListFunctionMetas() ([]*types.FunctionMeta, error)

	// Routes (C2)
	SaveRoute(r *types.RouteInfo) error
	GetRoute(instanceID string) (*types.RouteInfo, error)
	ListRoutes() ([]*types.RouteInfo, error)
	DeleteRoute(instanceID string) error

	// Proxies (C2)
	SaveProxy(p *types.ProxyMeta) error
	ListProxies() ([]*types.ProxyMeta, error)
	DeleteProxy(aid string) error

	Close() error
}
