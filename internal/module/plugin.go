package module

import (
	"fmt"
	"plugin"
)

// pluginConstructorSymbol is the exported symbol every module handler
// library must provide: a niladic function returning a fresh Handler.
// Go's plugin package can only resolve symbols by exact name and type,
// so the ABI is this one name rather than a C-style function table.
const pluginConstructorSymbol = "NewHandler"

// LoadPlugin opens a Go plugin at path and invokes its NewHandler
// constructor to obtain a Handler instance. The plugin must have been
// built with `go build -buildmode=plugin` against the same module
// package this binary links, since the stdlib plugin loader identifies
// types by package path and will refuse a mismatched build.
func LoadPlugin(path string) (Handler, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open module plugin %s: %w", path, err)
	}

	sym, err := p.Lookup(pluginConstructorSymbol)
	if err != nil {
		return nil, fmt.Errorf("module plugin %s missing %s: %w", path, pluginConstructorSymbol, err)
	}

	ctor, ok := sym.(func() Handler)
	if !ok {
		return nil, fmt.Errorf("module plugin %s: %s has wrong signature, want func() module.Handler", path, pluginConstructorSymbol)
	}

	return ctor(), nil
}
