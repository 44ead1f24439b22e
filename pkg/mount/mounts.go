package mount

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harshabose/camserver/pkg/factory"
)

// Mounts maps URL paths to media factories.
type Mounts struct {
	factories map[string]*factory.Factory
	mux       sync.RWMutex
}

func New() *Mounts {
	return &Mounts{
		factories: make(map[string]*factory.Factory),
	}
}

func normalize(path string) string {
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}

func (m *Mounts) AddFactory(path string, f *factory.Factory) error {
	if f == nil {
		return ErrNilFactory
	}
	if !strings.HasPrefix(path, "/") || normalize(path) == "/" {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	path = normalize(path)

	m.mux.Lock()
	defer m.mux.Unlock()

	if _, exists := m.factories[path]; exists {
		return fmt.Errorf("%w: %s", ErrMountExists, path)
	}

	m.factories[path] = f
	return nil
}

func (m *Mounts) RemoveFactory(path string) *factory.Factory {
	path = normalize(path)

	m.mux.Lock()
	defer m.mux.Unlock()

	f, exists := m.factories[path]
	if !exists {
		return nil
	}

	delete(m.factories, path)
	return f
}

// Match finds the factory serving a request path. Exact matches win, otherwise
// the longest mount that is a parent of the path, so that control URLs such as
// /cam0/trackID=0 resolve to /cam0.
func (m *Mounts) Match(path string) (*factory.Factory, string, bool) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	path = normalize(path)

	m.mux.RLock()
	defer m.mux.RUnlock()

	for candidate := path; candidate != ""; {
		if f, exists := m.factories[candidate]; exists {
			return f, candidate, true
		}

		i := strings.LastIndexByte(candidate, '/')
		if i <= 0 {
			break
		}
		candidate = candidate[:i]
	}

	return nil, "", false
}

// Paths returns the mounted paths in lexical order.
func (m *Mounts) Paths() []string {
	m.mux.RLock()
	defer m.mux.RUnlock()

	paths := make([]string, 0, len(m.factories))
	for p := range m.factories {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	return paths
}

func (m *Mounts) Factories() map[string]*factory.Factory {
	m.mux.RLock()
	defer m.mux.RUnlock()

	result := make(map[string]*factory.Factory, len(m.factories))
	for p, f := range m.factories {
		result[p] = f
	}
	return result
}

// Close closes the media of every mounted factory.
func (m *Mounts) Close() {
	for _, f := range m.Factories() {
		f.Close()
	}
}
