package registry

import (
	"fmt"

	"github.com/tarsy-labs/funcrun/internal/types"
)

// StaticLoader resolves handlers from an in-memory map keyed by file path,
// the "embedded handler" path from SPEC_FULL.md §5 used by tests and
// in-process examples that don't need a compiled plugin on disk.
type StaticLoader struct {
	handlers map[string]types.Handler
}

// NewStaticLoader constructs a StaticLoader with no registered paths.
func NewStaticLoader() *StaticLoader {
	return &StaticLoader{handlers: make(map[string]types.Handler)}
}

// Register binds a handler to a source path scanned by the registry.
func (s *StaticLoader) Register(path string, h types.Handler) {
	s.handlers[path] = h
}

// Load resolves the handler previously registered for path.
func (s *StaticLoader) Load(path string) (types.Handler, error) {
	h, ok := s.handlers[path]
	if !ok {
		return nil, fmt.Errorf("no handler registered for %s", path)
	}
	return h, nil
}
