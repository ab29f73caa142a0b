// Package datasource holds the data-source factory registry: the pluggable-
// backend mechanism design §9 calls for, where a configuration value of the
// shape {type: mock|cnc-mock|mqtt, config: {...}} is turned into a concrete
// types.DataSource. This mirrors the teacher's component registry
// (engine.RuleComponentRegistry) almost exactly, but keyed by data-source
// type name instead of node type name.
package datasource

import (
	"fmt"
	"sync"

	"github.com/bittoy/i3x/types"
	"github.com/bittoy/i3x/utils/maps"
)

// Factory builds a new types.DataSource from a raw configuration map (the
// "config" half of a {type, config} entry).
type Factory func(config map[string]any) (types.DataSource, error)

// Registry is the default, process-wide registry of data-source factories.
// Concrete backends register themselves from an init() in their own package,
// exactly as the teacher's components self-register into engine.Registry.
var Registry = &FactoryRegistry{factories: make(map[string]Factory)}

// FactoryRegistry is a thread-safe map of data-source type name to Factory.
type FactoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// Register adds a factory under typeName. Re-registering the same type name
// is an error, matching the teacher's "already exists" registration contract.
func (r *FactoryRegistry) Register(typeName string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[typeName]; ok {
		return fmt.Errorf("data source type already registered: %s", typeName)
	}
	r.factories[typeName] = factory
	return nil
}

// Build instantiates a named-type data source from its configuration map.
func (r *FactoryRegistry) Build(typeName string, config map[string]any) (types.DataSource, error) {
	r.mu.RLock()
	factory, ok := r.factories[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown data source type: %s", typeName)
	}
	return factory(config)
}

// SourceConfig is one entry of the {name -> {type, config}} map a server
// wiring the multi-source manager decodes from its own configuration value.
type SourceConfig struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config"`
}

// BuildAll instantiates every named source in sources using the default
// Registry, returning an error immediately if any single type name is
// unrecognized (construction fails fast; this is distinct from the
// per-child start isolation the multi-source manager itself provides once
// all sources have been built).
//
// defaults is merged underneath each source's own Config before it reaches
// the factory, so process-wide tunables (e.g. recordHistoryCapacity) can be
// set once instead of repeated in every SourceConfig entry; a key a source
// sets itself always wins over the default.
func BuildAll(sources map[string]SourceConfig, defaults map[string]any) (map[string]types.DataSource, error) {
	out := make(map[string]types.DataSource, len(sources))
	for name, cfg := range sources {
		merged := make(map[string]any, len(defaults)+len(cfg.Config))
		maps.Copy(merged, defaults)
		maps.Copy(merged, cfg.Config)
		ds, err := Registry.Build(cfg.Type, merged)
		if err != nil {
			return nil, fmt.Errorf("building data source %q: %w", name, err)
		}
		out[name] = ds
	}
	return out, nil
}
