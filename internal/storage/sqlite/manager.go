package sqlite

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/relves/swarmgroups/internal/storage"
	"github.com/relves/swarmgroups/pkg/types"
)

// Ensure StoreManager implements Provider at compile time.
var _ storage.Provider = (*StoreManager)(nil)

// StoreManager manages multiple GroupStore instances with caching.
type StoreManager struct {
	basePath string
	stores   map[types.GroupID]*GroupStore
	mu       sync.RWMutex
}

// NewStoreManager creates a new StoreManager.
func NewStoreManager(basePath string) *StoreManager {
	return &StoreManager{
		basePath: basePath,
		stores:   make(map[types.GroupID]*GroupStore),
	}
}

// GetStore returns the GroupStore for a group. Stores are cached and reused.
func (m *StoreManager) GetStore(group types.GroupID) (*GroupStore, error) {
	m.mu.RLock()
	if store, ok := m.stores[group]; ok {
		m.mu.RUnlock()
		return store, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if store, ok := m.stores[group]; ok {
		return store, nil
	}

	store, err := OpenGroupStore(m.basePath, group)
	if err != nil {
		return nil, err
	}

	m.stores[group] = store
	return store, nil
}

// GetStateStore returns the store as a storage.StateStore.
func (m *StoreManager) GetStateStore(group types.GroupID) (storage.StateStore, error) {
	return m.GetStore(group)
}

// DeleteStore closes the group's store and removes its files.
func (m *StoreManager) DeleteStore(group types.GroupID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if store, ok := m.stores[group]; ok {
		if err := store.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(m.stores, group)
	}
	if err := os.RemoveAll(filepath.Join(m.basePath, "groups", string(group))); err != nil {
		errs = append(errs, fmt.Errorf("remove group directory: %w", err))
	}
	return errors.Join(errs...)
}

// ListGroups returns every group that has a store on disk.
func (m *StoreManager) ListGroups() ([]types.GroupID, error) {
	entries, err := os.ReadDir(filepath.Join(m.basePath, "groups"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []types.GroupID
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, types.GroupID(e.Name()))
		}
	}
	return out, nil
}

// CloseAll closes all cached stores.
func (m *StoreManager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, store := range m.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.stores = make(map[types.GroupID]*GroupStore)
	return errors.Join(errs...)
}

// BasePath returns the base path for group storage.
func (m *StoreManager) BasePath() string {
	return m.basePath
}
