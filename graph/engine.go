// Package graph implements the Graph/Query engine (C5, design §4.5): the
// read side of the API. Lookups are a trivial pass-through to the
// multi-source manager (C4); the one piece of real logic owned here is
// instance-tree expansion, used by the subscription engine to turn a
// registered root id into the full set of monitored elementIds.
package graph

import (
	"context"
	"time"

	"github.com/bittoy/i3x/types"
	"github.com/bittoy/i3x/valuetree"
)

// Engine is the read-side query engine. It holds no state of its own beyond
// a reference to the composed data source (normally a *multisource.Manager,
// but any types.DataSource works, which keeps this package decoupled from
// multisource for testability).
type Engine struct {
	source types.DataSource
}

// New builds a graph Engine over source.
func New(source types.DataSource) *Engine {
	return &Engine{source: source}
}

func (e *Engine) ListNamespaces(ctx context.Context) ([]types.Namespace, error) {
	return e.source.ListNamespaces(ctx)
}

func (e *Engine) ListObjectTypes(ctx context.Context, namespaceUri string) ([]types.ObjectType, error) {
	return e.source.ListObjectTypes(ctx, namespaceUri)
}

func (e *Engine) GetObjectType(ctx context.Context, elementId string) (types.ObjectType, error) {
	return e.source.GetObjectType(ctx, elementId)
}

func (e *Engine) ListRelationshipTypes(ctx context.Context, namespaceUri string) ([]types.RelationshipType, error) {
	return e.source.ListRelationshipTypes(ctx, namespaceUri)
}

func (e *Engine) GetRelationshipType(ctx context.Context, elementId string) (types.RelationshipType, error) {
	return e.source.GetRelationshipType(ctx, elementId)
}

func (e *Engine) ListInstances(ctx context.Context, typeId string) ([]types.ObjectInstance, error) {
	return e.source.ListInstances(ctx, typeId)
}

func (e *Engine) GetInstance(ctx context.Context, elementId string, withRecords bool) (types.ObjectInstance, error) {
	return e.source.GetInstance(ctx, elementId, withRecords)
}

// GetRelatedInstances delegates to the source; result ordering follows the
// source's natural order (insertion order of the relationships map), per
// design §4.5.
func (e *Engine) GetRelatedInstances(ctx context.Context, elementId string, relationshipType string) ([]types.ObjectInstance, error) {
	return e.source.GetRelatedInstances(ctx, elementId, relationshipType)
}

// GetValues delegates the recursive value-retrieval algorithm to the
// backing source, which owns the instance graph and record store that
// valuetree.Compute needs.
func (e *Engine) GetValues(ctx context.Context, elementId string, start, end time.Time, maxDepth int, returnHistory bool) (any, error) {
	return e.source.GetValues(ctx, elementId, start, end, maxDepth, returnHistory)
}

// UpdateValue routes a write through the backing source (C4 writes, design
// §4.7). The graph engine has no read/write distinction of its own; this is
// exposed here purely so the HTTP boundary has one query-engine handle to
// talk to instead of two.
func (e *Engine) UpdateValue(ctx context.Context, elementId string, newValue any) (types.WriteResult, error) {
	return e.source.UpdateValue(ctx, elementId, newValue)
}

// InstanceTree computes the instance-tree expansion of rootId at maxDepth
// (design §4.5): the root plus, when it is a composition and depth allows,
// its HasComponent descendants. It is built from a fresh ListAllInstances
// snapshot each call, since the subscription engine that is this method's
// only caller needs this only at register/unregister time, not on a hot
// path.
func (e *Engine) InstanceTree(ctx context.Context, rootId string, maxDepth int) ([]string, error) {
	all, err := e.source.ListAllInstances(ctx)
	if err != nil {
		return nil, err
	}
	index := make(valuetree.Instances, len(all))
	for _, inst := range all {
		index[inst.ElementId] = inst
	}
	if _, ok := index[rootId]; !ok {
		return nil, types.NewError(types.KindNotFound, "no such instance: "+rootId)
	}
	return valuetree.InstanceTree(index, rootId, maxDepth), nil
}
