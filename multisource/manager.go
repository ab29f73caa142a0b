// Package multisource implements the Multi-Source Manager (C4, design §4.4):
// a types.DataSource that composes N named concrete sources behind a routing
// table, trying the configured preferred source per operation and falling
// back to the rest in declaration order on any non-NotFound error.
package multisource

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bittoy/i3x/types"
)

// NamedSource pairs a data source with the name it is routed under. Slice
// order is the declaration order used for fallback when no preferred source
// is configured for an operation (design §4.4 Open Question resolution).
type NamedSource struct {
	Name   string
	Source types.DataSource
}

// RoutingTable maps an operation name to its preferred source name. The
// special key "primary" names the source tried first for any operation that
// has no more specific entry.
type RoutingTable map[string]string

const routingPrimaryKey = "primary"

// Manager composes multiple data sources into a single types.DataSource,
// fulfilling C4. The zero value is not usable; build with NewManager.
type Manager struct {
	logger  types.Logger
	sources []NamedSource
	byName  map[string]types.DataSource
	routing RoutingTable
	aspects []types.DataSourceAspect
}

// NewManager builds a Manager over sources (order is authoritative for
// unrouted fallback) and routing (may be nil, meaning every operation falls
// back through sources in declaration order with no preferred source).
// routingAspects, if any, validate routing once here, before any traffic
// flows; dataSourceAspects wrap every onUpdate delivery Start forwards to
// the subscription engine, ordered by Aspect.Order (design §4.2 AOP hooks,
// adapted from the teacher's aspect chain in engine/rule_engine.go).
func NewManager(logger types.Logger, sources []NamedSource, routing RoutingTable, routingAspects []types.RoutingAspect, dataSourceAspects []types.DataSourceAspect) (*Manager, error) {
	if logger == nil {
		logger = types.DefaultLogger()
	}
	byName := make(map[string]types.DataSource, len(sources))
	names := make([]string, 0, len(sources))
	for _, ns := range sources {
		byName[ns.Name] = ns.Source
		names = append(names, ns.Name)
	}
	for _, ra := range routingAspects {
		if err := ra.ValidateRouting(names, routing, routing[routingPrimaryKey]); err != nil {
			return nil, err
		}
	}
	aspects := append([]types.DataSourceAspect(nil), dataSourceAspects...)
	sort.Slice(aspects, func(i, j int) bool { return aspects[i].Order() < aspects[j].Order() })
	return &Manager{logger: logger, sources: sources, byName: byName, routing: routing, aspects: aspects}, nil
}

// order returns the sources to try for operation, preferred source (if any,
// from routing[operation] or routing["primary"]) first, then the remaining
// sources in declaration order.
func (m *Manager) order(operation string) []NamedSource {
	preferred := m.routing[operation]
	if preferred == "" {
		preferred = m.routing[routingPrimaryKey]
	}
	if preferred == "" {
		return m.sources
	}
	out := make([]NamedSource, 0, len(m.sources))
	if ds, ok := m.byName[preferred]; ok {
		out = append(out, NamedSource{Name: preferred, Source: ds})
	}
	for _, ns := range m.sources {
		if ns.Name != preferred {
			out = append(out, ns)
		}
	}
	return out
}

// tryEach calls fn against each source in operation's fallback order,
// returning the first success. A NotFound error stops the search
// immediately — absence from the configured source is authoritative (design
// §4.4). Any other error is logged and the next source tried; if every
// source fails, the last error is returned.
func tryEach[T any](m *Manager, operation string, fn func(types.DataSource) (T, error)) (T, error) {
	var zero T
	var lastErr error
	sources := m.order(operation)
	if len(sources) == 0 {
		return zero, types.NewError(types.KindNotFound, "no data sources configured")
	}
	for i, ns := range sources {
		result, err := fn(ns.Source)
		if err == nil {
			return result, nil
		}
		if types.KindOf(err) == types.KindNotFound {
			return zero, err
		}
		lastErr = err
		if i < len(sources)-1 {
			m.logger.Printf("multisource: %s: source %s failed (%v), falling back", operation, ns.Name, err)
		}
	}
	return zero, lastErr
}

// wrapOnUpdate runs every registered DataSourceAspect's BeforeUpdate ahead of
// onUpdate and AfterUpdate once it returns, in Order sequence. With no
// aspects configured this is onUpdate unchanged.
func (m *Manager) wrapOnUpdate(sourceName string, onUpdate types.UpdateFunc) types.UpdateFunc {
	if len(m.aspects) == 0 {
		return onUpdate
	}
	return func(instance types.ObjectInstance, record types.Record) {
		ctx := context.Background()
		for _, a := range m.aspects {
			a.BeforeUpdate(ctx, sourceName, instance, record)
		}
		onUpdate(instance, record)
		for _, a := range m.aspects {
			a.AfterUpdate(ctx, sourceName, instance, record, nil)
		}
	}
}

// Start forwards to every child with the same onUpdate callback, wrapped
// with the manager's DataSourceAspects. A failing child does not prevent the
// others from starting; failures are logged and joined into a single
// returned error, if any.
func (m *Manager) Start(ctx context.Context, onUpdate types.UpdateFunc) error {
	var mu sync.Mutex
	var errs []string
	var wg sync.WaitGroup
	for _, ns := range m.sources {
		ns := ns
		wrapped := m.wrapOnUpdate(ns.Name, onUpdate)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ns.Source.Start(ctx, wrapped); err != nil {
				m.logger.Printf("multisource: start failed for %s: %v", ns.Name, err)
				mu.Lock()
				errs = append(errs, fmt.Sprintf("%s: %v", ns.Name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(errs) > 0 {
		return types.NewError(types.KindConnect, fmt.Sprintf("one or more sources failed to start: %v", errs))
	}
	return nil
}

// Stop best-effort stops every child, logging individual failures without
// aborting the rest.
func (m *Manager) Stop(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, ns := range m.sources {
		ns := ns
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ns.Source.Stop(ctx); err != nil {
				m.logger.Printf("multisource: stop failed for %s: %v", ns.Name, err)
			}
		}()
	}
	wg.Wait()
	return nil
}

func (m *Manager) ListNamespaces(ctx context.Context) ([]types.Namespace, error) {
	seen := map[string]bool{}
	var out []types.Namespace
	for _, ns := range m.sources {
		list, err := ns.Source.ListNamespaces(ctx)
		if err != nil {
			m.logger.Printf("multisource: ListNamespaces: %s failed: %v", ns.Name, err)
			continue
		}
		for _, n := range list {
			if !seen[n.URI] {
				seen[n.URI] = true
				out = append(out, n)
			}
		}
	}
	return out, nil
}

func (m *Manager) ListObjectTypes(ctx context.Context, namespaceUri string) ([]types.ObjectType, error) {
	var out []types.ObjectType
	for _, ns := range m.sources {
		list, err := ns.Source.ListObjectTypes(ctx, namespaceUri)
		if err != nil {
			m.logger.Printf("multisource: ListObjectTypes: %s failed: %v", ns.Name, err)
			continue
		}
		out = append(out, list...)
	}
	return out, nil
}

func (m *Manager) GetObjectType(ctx context.Context, elementId string) (types.ObjectType, error) {
	return tryEach(m, "getObjectType", func(ds types.DataSource) (types.ObjectType, error) {
		return ds.GetObjectType(ctx, elementId)
	})
}

func (m *Manager) ListRelationshipTypes(ctx context.Context, namespaceUri string) ([]types.RelationshipType, error) {
	var out []types.RelationshipType
	for _, ns := range m.sources {
		list, err := ns.Source.ListRelationshipTypes(ctx, namespaceUri)
		if err != nil {
			m.logger.Printf("multisource: ListRelationshipTypes: %s failed: %v", ns.Name, err)
			continue
		}
		out = append(out, list...)
	}
	return out, nil
}

func (m *Manager) GetRelationshipType(ctx context.Context, elementId string) (types.RelationshipType, error) {
	return tryEach(m, "getRelationshipType", func(ds types.DataSource) (types.RelationshipType, error) {
		return ds.GetRelationshipType(ctx, elementId)
	})
}

func (m *Manager) ListInstances(ctx context.Context, typeId string) ([]types.ObjectInstance, error) {
	var out []types.ObjectInstance
	for _, ns := range m.sources {
		list, err := ns.Source.ListInstances(ctx, typeId)
		if err != nil {
			m.logger.Printf("multisource: ListInstances: %s failed: %v", ns.Name, err)
			continue
		}
		out = append(out, list...)
	}
	return out, nil
}

func (m *Manager) GetInstance(ctx context.Context, elementId string, withRecords bool) (types.ObjectInstance, error) {
	return tryEach(m, "getInstance", func(ds types.DataSource) (types.ObjectInstance, error) {
		return ds.GetInstance(ctx, elementId, withRecords)
	})
}

func (m *Manager) GetRelatedInstances(ctx context.Context, elementId string, relationshipType string) ([]types.ObjectInstance, error) {
	return tryEach(m, "getRelatedInstances", func(ds types.DataSource) ([]types.ObjectInstance, error) {
		return ds.GetRelatedInstances(ctx, elementId, relationshipType)
	})
}

func (m *Manager) GetValues(ctx context.Context, elementId string, start, end time.Time, maxDepth int, returnHistory bool) (any, error) {
	return tryEach(m, "getValues", func(ds types.DataSource) (any, error) {
		return ds.GetValues(ctx, elementId, start, end, maxDepth, returnHistory)
	})
}

func (m *Manager) UpdateValue(ctx context.Context, elementId string, newValue any) (types.WriteResult, error) {
	return tryEach(m, "updateValue", func(ds types.DataSource) (types.WriteResult, error) {
		return ds.UpdateValue(ctx, elementId, newValue)
	})
}

func (m *Manager) ListAllInstances(ctx context.Context) ([]types.ObjectInstance, error) {
	var out []types.ObjectInstance
	for _, ns := range m.sources {
		list, err := ns.Source.ListAllInstances(ctx)
		if err != nil {
			m.logger.Printf("multisource: ListAllInstances: %s failed: %v", ns.Name, err)
			continue
		}
		out = append(out, list...)
	}
	return out, nil
}

var _ types.DataSource = (*Manager)(nil)
