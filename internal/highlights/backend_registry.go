package highlights

import (
	"strings"
	"sync"
)

type KVBackendFactory func(dsn string) (KVBackend, error)
type MirrorFactory func(dsn string, opts MirrorOptions) (Mirror, error)

var backendFactoryRegistry = struct {
	mu              sync.RWMutex
	kvFactories     map[string]KVBackendFactory
	mirrorFactories map[string]MirrorFactory
}{
	kvFactories:     map[string]KVBackendFactory{},
	mirrorFactories: map[string]MirrorFactory{},
}

func RegisterKVBackendFactory(scheme string, factory KVBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.kvFactories[scheme] = factory
}

func RegisterMirrorFactory(scheme string, factory MirrorFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.mirrorFactories[scheme] = factory
}

func lookupKVBackendFactory(scheme string) (KVBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.kvFactories[scheme]
	return factory, ok
}

func lookupMirrorFactory(scheme string) (MirrorFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.mirrorFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
