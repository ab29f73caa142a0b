// Package mock implements the in-memory mock data source (design §4.3): a
// hard-coded object graph matching the worked scenarios of spec §8, with a
// background ticker that perturbs numeric leaves by a small, configurable
// jitter expression compiled once with github.com/expr-lang/expr, exactly
// mirroring the teacher's ExprFilterNode compile-once/run-many shape.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/fatih/structs"

	"github.com/bittoy/i3x/datasource"
	"github.com/bittoy/i3x/store"
	"github.com/bittoy/i3x/types"
	"github.com/bittoy/i3x/utils/maps"
	"github.com/bittoy/i3x/valuetree"
)

func init() {
	datasource.Registry.Register("mock", func(config map[string]any) (types.DataSource, error) {
		var cfg Configuration
		if err := maps.Map2Struct(config, &cfg); err != nil {
			return nil, err
		}
		return New(cfg), nil
	})
}

// Configuration holds the mock source's tunables, decoded from the generic
// {type: mock, config: {...}} entry (design §9 factory contract).
type Configuration struct {
	// TickInterval is how often the perturbation sweep runs. Zero selects a
	// 2-second default.
	TickInterval time.Duration `json:"tickInterval"`
	// JitterScript is the expr-lang program evaluated per numeric field on
	// each tick; it sees "value" (the current float64) and may call "rand()"
	// (uniform [0,1)). Defaults to a +/-10% jitter, matching spec §4.3.
	JitterScript string `json:"jitterScript"`
	// RecordHistoryCapacity bounds the per-element ring buffer kept by the
	// record store (design §4.1 Open Question). Zero selects the
	// types.WithRecordHistoryCapacity default of 256.
	RecordHistoryCapacity int `json:"recordHistoryCapacity"`
}

const defaultJitterScript = "value * (1 + (rand() - 0.5) * 0.2)"

// seedBearingHealth is a Go struct seed for one pump measurement leaf, flattened via
// fatih/structs into the record value map so hand-authored fixtures and
// wire-shaped values share one schema representation (types.BuildSchema).
type seedBearingHealth struct {
	Temperature int `structs:"temperature"`
}

// Source is the mock data source. It owns its own structural instance index
// and a store.Store for record history; GetValues delegates to valuetree.
type Source struct {
	logger types.Logger
	jitter *vm.Program

	mu        sync.RWMutex
	instances valuetree.Instances
	store     *store.Store

	onUpdate types.UpdateFunc
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool

	tick time.Duration
	rng  *rand.Rand
}

// New builds a mock source with the seed graph described in spec §8's
// worked scenarios. The jitter expression is compiled once here (Init-time
// compile, per-tick run, exactly the ExprFilterNode pattern).
func New(cfg Configuration) *Source {
	script := cfg.JitterScript
	if script == "" {
		script = defaultJitterScript
	}
	program, err := expr.Compile(script, expr.Env(map[string]any{
		"value": 0.0,
		"rand":  func() float64 { return 0 },
	}), expr.AsFloat64())
	if err != nil {
		// Fall back to a known-good program rather than failing
		// construction on a bad operator config; New has no error return
		// (mirrors the teacher's New() Node lifecycle, which cannot fail).
		program, _ = expr.Compile(defaultJitterScript, expr.Env(map[string]any{
			"value": 0.0,
			"rand":  func() float64 { return 0 },
		}), expr.AsFloat64())
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = 2 * time.Second
	}
	capacity := cfg.RecordHistoryCapacity
	if capacity <= 0 {
		capacity = 256
	}
	s := &Source{
		logger: types.DefaultLogger(),
		jitter: program,
		store:  store.New(capacity),
		tick:   tick,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.instances = seedGraph(s.store)
	return s
}

const namespaceUri = "urn:i3x:mock"

func seedGraph(st *store.Store) valuetree.Instances {
	now := time.Now().UTC()
	instances := valuetree.Instances{}

	mk := func(id, typeId, parent string, composition bool, rel map[string]types.RelationList) {
		instances[id] = types.ObjectInstance{
			ElementId:     id,
			DisplayName:   id,
			NamespaceUri:  namespaceUri,
			TypeId:        typeId,
			ParentId:      parent,
			IsComposition: composition,
			Relationships: rel,
		}
	}

	mk("pump-101", "type-equipment", types.RootElementId, true, map[string]types.RelationList{
		types.RelHasComponent: types.NewRelationList("pump-101-state", "pump-101-measurements"),
		"SuppliesTo":          types.NewRelationList("tank-201"),
	})
	mk("pump-101-state", "type-pump-state", "pump-101", false, map[string]types.RelationList{
		types.RelComponentOf: types.NewRelationSingle("pump-101"),
	})
	mk("pump-101-measurements", "type-measurements", "pump-101", true, map[string]types.RelationList{
		types.RelComponentOf:  types.NewRelationSingle("pump-101"),
		types.RelHasComponent: types.NewRelationList("pump-101-measurements-bearing-temperature-health"),
	})
	mk("pump-101-measurements-bearing-temperature-health", "type-bearing-health", "pump-101-measurements", false, map[string]types.RelationList{
		types.RelComponentOf: types.NewRelationSingle("pump-101-measurements"),
	})
	mk("sensor-001", "type-sensor", types.RootElementId, false, nil)
	mk("tank-201", "type-tank", types.RootElementId, false, map[string]types.RelationList{
		"SuppliedBy": types.NewRelationSingle("pump-101"),
	})

	st.Append("pump-101-state", types.Record{
		Value:   map[string]any{"running": true, "mode": "auto"},
		Quality: types.QualityGood,
		Timestamp: now,
	})
	st.Append("pump-101-measurements-bearing-temperature-health", types.Record{
		Value:     structs.Map(seedBearingHealth{Temperature: 12})["temperature"],
		Quality:   types.QualityGood,
		Timestamp: now,
	})

	t1 := time.Date(2025, 10, 26, 10, 15, 30, 0, time.UTC)
	t2 := time.Date(2025, 10, 27, 10, 15, 30, 0, time.UTC)
	t3 := time.Date(2025, 10, 28, 10, 15, 30, 0, time.UTC)
	st.Append("sensor-001", types.Record{Value: 71.2, Quality: types.QualityGood, Timestamp: t1})
	st.Append("sensor-001", types.Record{Value: 72.8, Quality: types.QualityGood, Timestamp: t2})
	st.Append("sensor-001", types.Record{Value: 73.5, Quality: types.QualityGood, Timestamp: t3})

	return instances
}

// Start begins the perturbation ticker. Idempotent.
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

// Stop quiesces the ticker, joining its goroutine before returning.
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
			s.perturb()
		}
	}
}

// perturbable element ids: leaves whose record value is numeric (int or
// float64), jittered each tick by the compiled expr program; the jittered
// value is stored back as a float64.
var perturbableIds = []string{"sensor-001", "pump-101-measurements-bearing-temperature-health"}

func (s *Source) perturb() {
	for _, id := range perturbableIds {
		head, ok := s.store.Head(id)
		if !ok {
			continue
		}
		f, ok := asFloat(head.Value)
		if !ok {
			continue
		}
		out, err := vm.Run(s.jitter, map[string]any{"value": f, "rand": s.rng.Float64})
		if err != nil {
			s.logger.Printf("mock: jitter eval failed for %s: %v", id, err)
			continue
		}
		newVal, ok := out.(float64)
		if !ok {
			continue
		}
		rec := s.store.ReplaceHead(id, newVal, time.Now().UTC(), "")
		s.mu.RLock()
		inst := s.instances[id]
		cb := s.onUpdate
		s.mu.RUnlock()
		if cb != nil {
			safeDispatch(s.logger, cb, inst, rec)
		}
	}
}

// safeDispatch recovers a panicking onUpdate handler so one misbehaving
// subscriber/callback cannot take down a data source's updater goroutine
// (design §7: onUpdate callbacks must never fail loudly).
func safeDispatch(logger types.Logger, cb types.UpdateFunc, inst types.ObjectInstance, rec types.Record) {
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("mock: onUpdate panic recovered: %v", r)
		}
	}()
	cb(inst, rec)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func (s *Source) ListNamespaces(ctx context.Context) ([]types.Namespace, error) {
	return []types.Namespace{{URI: namespaceUri, DisplayName: "Mock Industrial Data"}}, nil
}

var objectTypes = map[string]types.ObjectType{
	"type-equipment": {ElementId: "type-equipment", DisplayName: "Equipment", NamespaceUri: namespaceUri, Schema: map[string]any{"__kind": "null"}},
	"type-pump-state": {ElementId: "type-pump-state", DisplayName: "Pump State", NamespaceUri: namespaceUri, Schema: types.BuildSchema(map[string]any{"running": true, "mode": "auto"})},
	"type-measurements": {ElementId: "type-measurements", DisplayName: "Measurements", NamespaceUri: namespaceUri, Schema: map[string]any{"__kind": "null"}},
	"type-bearing-health": {ElementId: "type-bearing-health", DisplayName: "Bearing Temperature Health", NamespaceUri: namespaceUri, Schema: types.BuildSchema(12)},
	"type-sensor": {ElementId: "type-sensor", DisplayName: "Sensor", NamespaceUri: namespaceUri, Schema: types.BuildSchema(71.2)},
	"type-tank": {ElementId: "type-tank", DisplayName: "Tank", NamespaceUri: namespaceUri, Schema: map[string]any{"__kind": "null"}},
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
	"SuppliesTo":          {ElementId: "SuppliesTo", DisplayName: "Supplies To", NamespaceUri: namespaceUri, ReverseOf: "SuppliedBy"},
	"SuppliedBy":           {ElementId: "SuppliedBy", DisplayName: "Supplied By", NamespaceUri: namespaceUri, ReverseOf: "SuppliesTo"},
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
	inst, ok := s.instances[elementId]
	s.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.KindNotFound, "no such instance: "+elementId)
	}
	var ids []string
	if relationshipType == "" {
		seen := map[string]bool{}
		for _, rel := range inst.Relationships {
			for _, id := range rel.Ids {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
	} else {
		for name, rel := range inst.Relationships {
			if equalFold(name, relationshipType) {
				ids = append(ids, rel.Ids...)
			}
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ObjectInstance, 0, len(ids))
	for _, id := range ids {
		if related, ok := s.instances[id]; ok {
			out = append(out, related)
		}
	}
	return out, nil
}

func equalFold(a, b string) bool {
	return len(a) == len(b) && toLower(a) == toLower(b)
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
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
	if m, ok := coerced.(map[string]any); ok {
		now := time.Now().UTC().Format(time.RFC3339)
		if _, hasTs := m["timestamp"]; hasTs {
			m["timestamp"] = now
		}
		if _, hasTs := m["Timestamp"]; hasTs {
			m["Timestamp"] = now
		}
	}
	s.store.ReplaceHead(elementId, coerced, time.Now().UTC(), "")
	return types.WriteResult{ElementId: elementId, Success: true}, nil
}

func (s *Source) ListAllInstances(ctx context.Context) ([]types.ObjectInstance, error) {
	return s.ListInstances(ctx, "")
}
