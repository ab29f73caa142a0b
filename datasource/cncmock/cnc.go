// Package cncmock implements the CNC machine simulator data source (design
// §4.3): same storage shape as the mock source, but the per-tick updater
// runs a small JavaScript physics heuristic through github.com/dop251/goja —
// one compiled program per simulated element, each in its own goja runtime,
// executed every tick (1Hz by default) — directly grounded in the teacher's jsFilter/jsSwitch
// goja usage (components/transform/js_filter_node.go).
package cncmock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/bittoy/i3x/datasource"
	"github.com/bittoy/i3x/store"
	"github.com/bittoy/i3x/types"
	"github.com/bittoy/i3x/utils/maps"
	"github.com/bittoy/i3x/valuetree"
)

func init() {
	datasource.Registry.Register("cnc-mock", func(config map[string]any) (types.DataSource, error) {
		var cfg Configuration
		if err := maps.Map2Struct(config, &cfg); err != nil {
			return nil, err
		}
		return New(cfg), nil
	})
}

// Configuration holds the simulator's tunables.
type Configuration struct {
	TickInterval time.Duration `json:"tickInterval"`
	// RecordHistoryCapacity bounds the per-element ring buffer kept by the
	// record store (design §4.1 Open Question). Zero selects the
	// types.WithRecordHistoryCapacity default of 256.
	RecordHistoryCapacity int `json:"recordHistoryCapacity"`
}

const namespaceUri = "urn:i3x:cnc"

// physics scripts: one per element id, each a JS function `update(state)`
// returning the next state. `state` is the current record value (a plain
// number for spindle/coolant, an object for the position tracker).
var physicsScripts = map[string]string{
	"cnc-01-spindle": `
		function update(state) {
			// random-walk drift of the spindle RPM, floored at 0.
			var drift = (Math.random() - 0.5) * 40;
			var next = state + drift;
			if (next < 0) { next = 0; }
			return next;
		}
	`,
	"cnc-01-position": `
		function update(state) {
			// partial convergence of actual toward commanded position.
			var commanded = state.commanded;
			var actual = state.actual;
			var delta = (commanded - actual) * 0.3;
			return {commanded: commanded, actual: actual + delta};
		}
	`,
	"cnc-01-coolant": `
		function update(state) {
			// slow decay, floor at 5 (percent).
			var next = state - 0.2;
			if (next < 5) { next = 5; }
			return next;
		}
	`,
}

// compiledScript holds one goja.Runtime per physics script, reused across
// ticks (compile-once/run-many) and guarded by a mutex, mirroring the teacher's jsEngine
// pooling in utils/js/js_engine.go.
type compiledScript struct {
	mu      sync.Mutex
	runtime *goja.Runtime
	update  goja.Callable
}

func newCompiledScript(src string) (*compiledScript, error) {
	rt := goja.New()
	if _, err := rt.RunString(src); err != nil {
		return nil, fmt.Errorf("compiling physics script: %w", err)
	}
	fnVal := rt.Get("update")
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, fmt.Errorf("physics script does not define update()")
	}
	return &compiledScript{runtime: rt, update: fn}, nil
}

func (c *compiledScript) Run(state any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, err := c.update(goja.Undefined(), c.runtime.ToValue(state))
	if err != nil {
		return nil, err
	}
	return result.Export(), nil
}

// Source is the CNC simulator data source.
type Source struct {
	logger  types.Logger
	scripts map[string]*compiledScript

	mu        sync.RWMutex
	instances valuetree.Instances
	store     *store.Store

	onUpdate types.UpdateFunc
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	tick     time.Duration
}

// New builds a CNC simulator with one compiled physics script per monitored
// leaf and a seed graph rooted at cnc-01.
func New(cfg Configuration) *Source {
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = time.Second
	}
	capacity := cfg.RecordHistoryCapacity
	if capacity <= 0 {
		capacity = 256
	}
	s := &Source{
		logger:  types.DefaultLogger(),
		scripts: map[string]*compiledScript{},
		store:   store.New(capacity),
		tick:    tick,
	}
	for id, src := range physicsScripts {
		cs, err := newCompiledScript(src)
		if err != nil {
			s.logger.Printf("cncmock: %s: %v", id, err)
			continue
		}
		s.scripts[id] = cs
	}
	s.instances = seedGraph(s.store)
	return s
}

func seedGraph(st *store.Store) valuetree.Instances {
	now := time.Now().UTC()
	instances := valuetree.Instances{
		"cnc-01": {
			ElementId: "cnc-01", DisplayName: "CNC Machine 01", NamespaceUri: namespaceUri,
			TypeId: "type-cnc", ParentId: types.RootElementId, IsComposition: true,
			Relationships: map[string]types.RelationList{
				types.RelHasComponent: types.NewRelationList("cnc-01-spindle", "cnc-01-position", "cnc-01-coolant"),
			},
		},
		"cnc-01-spindle": {
			ElementId: "cnc-01-spindle", DisplayName: "Spindle RPM", NamespaceUri: namespaceUri,
			TypeId: "type-spindle", ParentId: "cnc-01",
			Relationships: map[string]types.RelationList{types.RelComponentOf: types.NewRelationSingle("cnc-01")},
		},
		"cnc-01-position": {
			ElementId: "cnc-01-position", DisplayName: "Axis Position", NamespaceUri: namespaceUri,
			TypeId: "type-position", ParentId: "cnc-01",
			Relationships: map[string]types.RelationList{types.RelComponentOf: types.NewRelationSingle("cnc-01")},
		},
		"cnc-01-coolant": {
			ElementId: "cnc-01-coolant", DisplayName: "Coolant Level", NamespaceUri: namespaceUri,
			TypeId: "type-coolant", ParentId: "cnc-01",
			Relationships: map[string]types.RelationList{types.RelComponentOf: types.NewRelationSingle("cnc-01")},
		},
	}
	st.Append("cnc-01-spindle", types.Record{Value: 8000.0, Quality: types.QualityGood, Timestamp: now})
	st.Append("cnc-01-position", types.Record{
		Value:     map[string]any{"commanded": 120.0, "actual": 118.5},
		Quality:   types.QualityGood,
		Timestamp: now,
	})
	st.Append("cnc-01-coolant", types.Record{Value: 92.0, Quality: types.QualityGood, Timestamp: now})
	return instances
}

func (s *Source) Start(ctx context.Context, onUpdate types.UpdateFunc) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.onUpdate = onUpdate
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	return nil
}

func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Source) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tickOnce()
		}
	}
}

func (s *Source) tickOnce() {
	for id, script := range s.scripts {
		head, ok := s.store.Head(id)
		if !ok {
			continue
		}
		next, err := script.Run(head.Value)
		if err != nil {
			s.logger.Printf("cncmock: physics update failed for %s: %v", id, err)
			continue
		}
		rec := s.store.ReplaceHead(id, next, time.Now().UTC(), "")
		s.mu.RLock()
		inst := s.instances[id]
		cb := s.onUpdate
		s.mu.RUnlock()
		if cb != nil {
			safeDispatch(s.logger, cb, inst, rec)
		}
	}
}

func safeDispatch(logger types.Logger, cb types.UpdateFunc, inst types.ObjectInstance, rec types.Record) {
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("cncmock: onUpdate panic recovered: %v", r)
		}
	}()
	cb(inst, rec)
}

func (s *Source) ListNamespaces(ctx context.Context) ([]types.Namespace, error) {
	return []types.Namespace{{URI: namespaceUri, DisplayName: "CNC Simulation"}}, nil
}

var objectTypes = map[string]types.ObjectType{
	"type-cnc":      {ElementId: "type-cnc", DisplayName: "CNC Machine", NamespaceUri: namespaceUri, Schema: map[string]any{"__kind": "null"}},
	"type-spindle":  {ElementId: "type-spindle", DisplayName: "Spindle", NamespaceUri: namespaceUri, Schema: types.BuildSchema(8000.0)},
	"type-position": {ElementId: "type-position", DisplayName: "Axis Position", NamespaceUri: namespaceUri, Schema: types.BuildSchema(map[string]any{"commanded": 0.0, "actual": 0.0})},
	"type-coolant":  {ElementId: "type-coolant", DisplayName: "Coolant", NamespaceUri: namespaceUri, Schema: types.BuildSchema(92.0)},
}

func (s *Source) ListObjectTypes(ctx context.Context, namespaceUri string) ([]types.ObjectType, error) {
	out := make([]types.ObjectType, 0, len(objectTypes))
	for _, t := range objectTypes {
		if namespaceUri != "" && t.NamespaceUri != namespaceUri {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Source) GetObjectType(ctx context.Context, elementId string) (types.ObjectType, error) {
	t, ok := objectTypes[elementId]
	if !ok {
		return types.ObjectType{}, types.NewError(types.KindNotFound, "no such object type: "+elementId)
	}
	return t, nil
}

var relationshipTypes = map[string]types.RelationshipType{
	types.RelHasComponent: {ElementId: types.RelHasComponent, DisplayName: "Has Component", NamespaceUri: namespaceUri, ReverseOf: types.RelComponentOf},
	types.RelComponentOf:  {ElementId: types.RelComponentOf, DisplayName: "Component Of", NamespaceUri: namespaceUri, ReverseOf: types.RelHasComponent},
}

func (s *Source) ListRelationshipTypes(ctx context.Context, namespaceUri string) ([]types.RelationshipType, error) {
	out := make([]types.RelationshipType, 0, len(relationshipTypes))
	for _, r := range relationshipTypes {
		if namespaceUri != "" && r.NamespaceUri != namespaceUri {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Source) GetRelationshipType(ctx context.Context, elementId string) (types.RelationshipType, error) {
	r, ok := relationshipTypes[elementId]
	if !ok {
		return types.RelationshipType{}, types.NewError(types.KindNotFound, "no such relationship type: "+elementId)
	}
	return r, nil
}

func (s *Source) ListInstances(ctx context.Context, typeId string) ([]types.ObjectInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ObjectInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		if typeId != "" && inst.TypeId != typeId {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

func (s *Source) GetInstance(ctx context.Context, elementId string, withRecords bool) (types.ObjectInstance, error) {
	s.mu.RLock()
	inst, ok := s.instances[elementId]
	s.mu.RUnlock()
	if !ok {
		return types.ObjectInstance{}, types.NewError(types.KindNotFound, "no such instance: "+elementId)
	}
	if withRecords {
		inst.Records = s.store.Range(elementId, time.Time{}, time.Time{}, true)
	}
	return inst, nil
}

func (s *Source) GetRelatedInstances(ctx context.Context, elementId string, relationshipType string) ([]types.ObjectInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[elementId]
	if !ok {
		return nil, types.NewError(types.KindNotFound, "no such instance: "+elementId)
	}
	var ids []string
	for name, rel := range inst.Relationships {
		if relationshipType == "" || sameFold(name, relationshipType) {
			ids = append(ids, rel.Ids...)
		}
	}
	out := make([]types.ObjectInstance, 0, len(ids))
	for _, id := range ids {
		if related, ok := s.instances[id]; ok {
			out = append(out, related)
		}
	}
	return out, nil
}

func sameFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func (s *Source) GetValues(ctx context.Context, elementId string, start, end time.Time, maxDepth int, returnHistory bool) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return valuetree.Compute(s.instances, s.store, elementId, start, end, maxDepth, returnHistory)
}

func (s *Source) UpdateValue(ctx context.Context, elementId string, newValue any) (types.WriteResult, error) {
	s.mu.RLock()
	_, ok := s.instances[elementId]
	s.mu.RUnlock()
	if !ok {
		return types.WriteResult{ElementId: elementId, Success: false, Message: "not found"},
			types.NewError(types.KindNotFound, "no such instance: "+elementId)
	}
	head, hasHead := s.store.Head(elementId)
	if !hasHead {
		s.store.ReplaceHead(elementId, newValue, time.Now().UTC(), "")
		return types.WriteResult{ElementId: elementId, Success: true}, nil
	}
	coerced, err := types.ValidateAndCoerce(head.Value, newValue)
	if err != nil {
		return types.WriteResult{ElementId: elementId, Success: false, Message: err.Error()},
			types.NewError(types.KindValidation, fmt.Sprintf("shape mismatch: %v", err))
	}
	s.store.ReplaceHead(elementId, coerced, time.Now().UTC(), "")
	return types.WriteResult{ElementId: elementId, Success: true}, nil
}

func (s *Source) ListAllInstances(ctx context.Context) ([]types.ObjectInstance, error) {
	return s.ListInstances(ctx, "")
}
