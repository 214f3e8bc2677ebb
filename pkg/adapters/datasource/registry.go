package datasource

import (
	"sync"
)

// AdapterInfo describes a registered adapter for discovery endpoints.
type AdapterInfo struct {
	Type        string `json:"type"`         // "opcua", "postgres", "mssql", "modbus"
	DisplayName string `json:"display_name"` // "OPC UA", "PostgreSQL"
	Description string `json:"description"`
}

// AdapterRegistration contains info plus the adapter implementation.
type AdapterRegistration struct {
	Info    AdapterInfo
	Adapter Adapter
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]AdapterRegistration)
)

// Register is called by each adapter's init() function.
// Thread-safe for concurrent init() calls.
func Register(reg AdapterRegistration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Type] = reg
}

// GetAdapter returns the adapter for a datasource type.
// Returns nil if the type is not registered.
func GetAdapter(dsType string) Adapter {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if reg, ok := registry[dsType]; ok {
		return reg.Adapter
	}
	return nil
}

// RegisteredAdapters returns info for all registered adapters.
func RegisteredAdapters() []AdapterInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]AdapterInfo, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	return result
}

// IsRegistered checks if an adapter type is available.
func IsRegistered(dsType string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[dsType]
	return ok
}
