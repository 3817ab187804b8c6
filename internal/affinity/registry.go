package affinity

import (
	"sync"

	"github.com/rs/zerolog"
)

// The process-wide registry hands out one affinity store per data directory,
// so every component sharing a data dir shares one snapshot cache.
var registry = struct {
	mu     sync.Mutex
	stores map[string]*Store
}{stores: make(map[string]*Store)}

// ForDataDir returns the shared store for dataDir, creating it on first use.
func ForDataDir(dataDir string, dirFor AffinityDirFunc, params Params, logger zerolog.Logger, opts ...Option) *Store {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if s, ok := registry.stores[dataDir]; ok {
		return s
	}
	s := NewStore(dirFor, params, logger, opts...)
	registry.stores[dataDir] = s
	return s
}
