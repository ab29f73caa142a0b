package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bittoy/i3x/types"
)

// valueComputer is the minimal slice of graph.Engine this package depends
// on, kept as an interface so subscription doesn't import graph directly
// (graph has no reason to know about subscriptions, and this keeps the
// dependency arrow one-directional).
type valueComputer interface {
	GetValues(ctx context.Context, elementId string, start, end time.Time, maxDepth int, returnHistory bool) (any, error)
	InstanceTree(ctx context.Context, rootId string, maxDepth int) ([]string, error)
}

// Engine is the Subscription Engine (C6): owns the subscription registry
// and dispatches data-source updates to monitoring subscriptions per design
// §4.6.
type Engine struct {
	logger  types.Logger
	graph   valueComputer
	aspects []types.SubscriptionAspect

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// New builds a subscription Engine over graph (typically a *graph.Engine).
// aspects, if any, wrap every lifecycle operation (create, register,
// unregister, sync, delete) per design §4.2's AOP hooks, ordered by
// Aspect.Order; an aspect whose PointCut(operation) returns false is skipped
// for that operation.
func New(logger types.Logger, graph valueComputer, aspects ...types.SubscriptionAspect) *Engine {
	if logger == nil {
		logger = types.DefaultLogger()
	}
	sorted := append([]types.SubscriptionAspect(nil), aspects...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order() < sorted[j].Order() })
	return &Engine{logger: logger, graph: graph, aspects: sorted, subs: map[string]*Subscription{}}
}

// runAspects invokes Before on every aspect in scope for operation, failing
// fast on the first rejection, then calls fn, then runs After on the same
// aspects (in the same order) regardless of fn's outcome.
func (e *Engine) runAspects(ctx context.Context, operation string, args map[string]any, fn func() error) error {
	var inScope []types.SubscriptionAspect
	for _, a := range e.aspects {
		if a.PointCut(operation) {
			inScope = append(inScope, a)
		}
	}
	for _, a := range inScope {
		if err := a.Before(ctx, operation, args); err != nil {
			for _, a2 := range inScope {
				a2.After(ctx, operation, args, err)
			}
			return err
		}
	}
	err := fn()
	for _, a := range inScope {
		a.After(ctx, operation, args, err)
	}
	return err
}

// Create allocates a new subscription. Only QoS0 and QoS2 are accepted.
func (e *Engine) Create(qos QoS) (*Subscription, error) {
	if qos != QoS0 && qos != QoS2 {
		return nil, types.NewError(types.KindValidation, "qos must be QoS0 or QoS2")
	}
	var sub *Subscription
	err := e.runAspects(context.Background(), "create", map[string]any{"qos": string(qos)}, func() error {
		sub = newSubscription(qos)
		e.mu.Lock()
		e.subs[sub.Id] = sub
		e.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (e *Engine) get(id string) (*Subscription, error) {
	e.mu.RLock()
	sub, ok := e.subs[id]
	e.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.KindNotFound, "no such subscription: "+id)
	}
	return sub, nil
}

// Register expands each root id's instance tree at maxDepth and unions the
// result into the subscription's monitoredItems. Every root id must resolve
// or the whole call fails atomically (no partial registration) — resolution
// is checked for every root before any mutation.
func (e *Engine) Register(ctx context.Context, id string, rootIds []string, maxDepth int) (int, error) {
	sub, err := e.get(id)
	if err != nil {
		return 0, err
	}
	var count int
	err = e.runAspects(ctx, "register", map[string]any{"elementIds": rootIds, "maxDepth": maxDepth}, func() error {
		var all []string
		for _, rootId := range rootIds {
			tree, err := e.graph.InstanceTree(ctx, rootId, maxDepth)
			if err != nil {
				return err
			}
			all = append(all, tree...)
		}
		sub.register(all, maxDepth)
		count = len(all)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Unregister computes the instance tree for each existing root id (at
// maxDepth) and removes those ids from monitoredItems. Unknown ids are
// ignored rather than failing the call.
func (e *Engine) Unregister(ctx context.Context, id string, rootIds []string, maxDepth int) (int, error) {
	sub, err := e.get(id)
	if err != nil {
		return 0, err
	}
	var count int
	err = e.runAspects(ctx, "unregister", map[string]any{"elementIds": rootIds, "maxDepth": maxDepth}, func() error {
		var all []string
		for _, rootId := range rootIds {
			tree, err := e.graph.InstanceTree(ctx, rootId, maxDepth)
			if err != nil {
				if types.IsNotFound(err) {
					continue
				}
				return err
			}
			all = append(all, tree...)
		}
		sub.unregister(all)
		count = len(all)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// OpenStream attaches sink as the subscription's QoS0 delivery handle.
// Re-opening (sink already set) reuses the existing handle, per design
// §4.6 op 4.
func (e *Engine) OpenStream(id string, sink Sink) (Sink, error) {
	sub, err := e.get(id)
	if err != nil {
		return nil, err
	}
	if sub.QoS != QoS0 {
		return nil, types.NewError(types.KindUnsupported, "stream is only valid for QoS0 subscriptions")
	}
	return sub.openStream(sink), nil
}

// Sync atomically snapshots and clears a QoS2 subscription's pendingQueue.
func (e *Engine) Sync(id string) ([]Update, error) {
	sub, err := e.get(id)
	if err != nil {
		return nil, err
	}
	if sub.QoS != QoS2 {
		return nil, types.NewError(types.KindUnsupported, "sync is only valid for QoS2 subscriptions")
	}
	var updates []Update
	err = e.runAspects(context.Background(), "sync", map[string]any{"subscriptionId": id}, func() error {
		updates = sub.sync()
		return nil
	})
	return updates, err
}

// Delete removes the subscription, closing its delivery sink if any.
func (e *Engine) Delete(id string) error {
	sub, err := e.get(id)
	if err != nil {
		return err
	}
	return e.runAspects(context.Background(), "delete", map[string]any{"subscriptionId": id}, func() error {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
		sub.close()
		return nil
	})
}

// Dispatch is the onUpdate callback the multi-source manager is started
// with. For every live subscription monitoring instance.ElementId, it
// computes the delivery payload (recursive value retrieval at the
// subscription's stored maxDepth) and routes it to QoS0 (direct, dropped if
// no sink) or QoS2 (enqueued for Sync). Panics from a misbehaving sink are
// recovered so one bad subscription cannot starve the others (design §7).
func (e *Engine) Dispatch(instance types.ObjectInstance, record types.Record) {
	e.mu.RLock()
	subs := make([]*Subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		subs = append(subs, sub)
	}
	e.mu.RUnlock()

	for _, sub := range subs {
		monitoring, depth := sub.isMonitoring(instance.ElementId)
		if !monitoring {
			continue
		}
		e.dispatchOne(sub, instance, record, depth)
	}
}

func (e *Engine) dispatchOne(sub *Subscription, instance types.ObjectInstance, record types.Record, depth int) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("subscription: dispatch to %s panicked: %v", sub.Id, r)
		}
	}()
	value, err := e.graph.GetValues(context.Background(), instance.ElementId, time.Time{}, time.Time{}, depth, false)
	if err != nil {
		e.logger.Printf("subscription: dispatch value computation failed for %s: %v", instance.ElementId, err)
		return
	}
	update := Update{
		ElementId: instance.ElementId,
		Value:     value,
		Quality:   string(record.Quality),
		Timestamp: record.Timestamp,
	}
	switch sub.QoS {
	case QoS0:
		sub.deliverQoS0(update)
	case QoS2:
		sub.enqueueQoS2(update)
	}
}
