//go:build !windows

// Package registry's production Loader uses the standard library plugin
// package to host compiled handlers, the "registration API" path chosen in
// SPEC_FULL.md §5 over a process-per-handler or WASM/scripting host, since
// no example in the retrieval pack wires an actual scripting/WASM runtime.
package registry

import (
	"fmt"
	"plugin"

	"github.com/tarsy-labs/funcrun/internal/types"
)

// PluginLoader loads handlers from compiled Go plugins (.so files), each
// exposing a package-level `Handler` symbol implementing types.Handler.
type PluginLoader struct{}

// NewPluginLoader constructs the production Loader.
func NewPluginLoader() *PluginLoader { return &PluginLoader{} }

// Load opens the plugin at path and resolves its Handler symbol.
func (PluginLoader) Load(path string) (types.Handler, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin: %w", err)
	}
	sym, err := p.Lookup("Handler")
	if err != nil {
		return nil, fmt.Errorf("plugin does not export Handler: %w", err)
	}
	// Plugins may export either a types.Handler value directly or a pointer
	// to one, depending on how the handler author declared it.
	if h, ok := sym.(types.Handler); ok {
		return h, nil
	}
	if hp, ok := sym.(*types.Handler); ok && hp != nil {
		return *hp, nil
	}
	return nil, fmt.Errorf("exported Handler symbol does not implement types.Handler")
}
