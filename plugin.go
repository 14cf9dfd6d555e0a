package mcphost

import (
	"fmt"
	"plugin"
)

// Module plugins satisfy an explicit contract rather than registering through side
// effects: the shared object exports either
//
//	func Extension() (*Bundle, error)
//
// returning a ready-made bundle, or
//
//	func Register(config map[string]any) (*Bundle, error)
//
// a registration entry point receiving the source's config. Exactly the exported symbol
// is validated before anything reaches the registry.
const (
	pluginBundleSymbol   = "Extension"
	pluginRegisterSymbol = "Register"
)

// LoadModule opens a Go plugin and resolves its capability bundle through the plugin
// contract. config is only passed to the Register form.
func LoadModule(path string, config map[string]any) (*Bundle, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plugin %s: %w", path, err)
	}

	if sym, lookupErr := p.Lookup(pluginBundleSymbol); lookupErr == nil {
		fn, ok := sym.(func() (*Bundle, error))
		if !ok {
			return nil, fmt.Errorf("plugin %s: symbol %s has type %T, want func() (*Bundle, error)",
				path, pluginBundleSymbol, sym)
		}
		bundle, err := fn()
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %s failed: %w", path, pluginBundleSymbol, err)
		}
		return validatePluginBundle(path, bundle)
	}

	sym, err := p.Lookup(pluginRegisterSymbol)
	if err != nil {
		return nil, fmt.Errorf("plugin %s exports neither %s nor %s",
			path, pluginBundleSymbol, pluginRegisterSymbol)
	}
	fn, ok := sym.(func(map[string]any) (*Bundle, error))
	if !ok {
		return nil, fmt.Errorf("plugin %s: symbol %s has type %T, want func(map[string]any) (*Bundle, error)",
			path, pluginRegisterSymbol, sym)
	}
	bundle, err := fn(config)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %s failed: %w", path, pluginRegisterSymbol, err)
	}
	return validatePluginBundle(path, bundle)
}

// validatePluginBundle confirms the bundle is usable before registration: a nil bundle
// or a capability without a handler is a contract violation.
func validatePluginBundle(path string, bundle *Bundle) (*Bundle, error) {
	if bundle == nil {
		return nil, fmt.Errorf("plugin %s returned a nil bundle", path)
	}
	for _, def := range bundle.Tools {
		if def.Name == "" || def.Handler == nil {
			return nil, fmt.Errorf("plugin %s declares a tool without a name or handler", path)
		}
	}
	for _, def := range bundle.Resources {
		if def.Template == "" || def.Handler == nil {
			return nil, fmt.Errorf("plugin %s declares a resource without a template or handler", path)
		}
	}
	for _, def := range bundle.Prompts {
		if def.Name == "" || def.Handler == nil {
			return nil, fmt.Errorf("plugin %s declares a prompt without a name or handler", path)
		}
	}
	return bundle, nil
}
