package multisource

import (
	"context"
	"testing"
	"time"

	"github.com/bittoy/i3x/aspectimpl"
	"github.com/bittoy/i3x/types"
)

// stubSource is a minimal types.DataSource for exercising the manager's
// fallback logic without a real backend.
type stubSource struct {
	getInstance func(ctx context.Context, elementId string, withRecords bool) (types.ObjectInstance, error)
	start       func(ctx context.Context, onUpdate types.UpdateFunc) error
}

func (s *stubSource) Start(ctx context.Context, onUpdate types.UpdateFunc) error {
	if s.start != nil {
		return s.start(ctx, onUpdate)
	}
	return nil
}
func (s *stubSource) Stop(ctx context.Context) error                            { return nil }
func (s *stubSource) ListNamespaces(ctx context.Context) ([]types.Namespace, error) {
	return nil, nil
}
func (s *stubSource) ListObjectTypes(ctx context.Context, namespaceUri string) ([]types.ObjectType, error) {
	return nil, nil
}
func (s *stubSource) GetObjectType(ctx context.Context, elementId string) (types.ObjectType, error) {
	return types.ObjectType{}, types.NewError(types.KindNotFound, "nope")
}
func (s *stubSource) ListRelationshipTypes(ctx context.Context, namespaceUri string) ([]types.RelationshipType, error) {
	return nil, nil
}
func (s *stubSource) GetRelationshipType(ctx context.Context, elementId string) (types.RelationshipType, error) {
	return types.RelationshipType{}, types.NewError(types.KindNotFound, "nope")
}
func (s *stubSource) ListInstances(ctx context.Context, typeId string) ([]types.ObjectInstance, error) {
	return nil, nil
}
func (s *stubSource) GetInstance(ctx context.Context, elementId string, withRecords bool) (types.ObjectInstance, error) {
	return s.getInstance(ctx, elementId, withRecords)
}
func (s *stubSource) GetRelatedInstances(ctx context.Context, elementId string, relationshipType string) ([]types.ObjectInstance, error) {
	return nil, nil
}
func (s *stubSource) GetValues(ctx context.Context, elementId string, start, end time.Time, maxDepth int, returnHistory bool) (any, error) {
	return nil, nil
}
func (s *stubSource) UpdateValue(ctx context.Context, elementId string, newValue any) (types.WriteResult, error) {
	return types.WriteResult{}, nil
}
func (s *stubSource) ListAllInstances(ctx context.Context) ([]types.ObjectInstance, error) {
	return nil, nil
}

func TestMultiSourceFallbackScenario(t *testing.T) {
	mock := &stubSource{getInstance: func(ctx context.Context, elementId string, withRecords bool) (types.ObjectInstance, error) {
		return types.ObjectInstance{}, types.NewError(types.KindTransient, "mock is unreachable")
	}}
	mqtt := &stubSource{getInstance: func(ctx context.Context, elementId string, withRecords bool) (types.ObjectInstance, error) {
		return types.ObjectInstance{ElementId: elementId, NamespaceUri: "urn:i3x:mqtt"}, nil
	}}
	m, err := NewManager(nil, []NamedSource{{Name: "mock", Source: mock}, {Name: "mqtt", Source: mqtt}},
		RoutingTable{routingPrimaryKey: "mock"}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected NewManager error: %v", err)
	}

	inst, err := m.GetInstance(context.Background(), "x", false)
	if err != nil {
		t.Fatalf("expected fallback success, got error: %v", err)
	}
	if inst.NamespaceUri != "urn:i3x:mqtt" {
		t.Fatalf("expected fallback result from mqtt, got %+v", inst)
	}
}

func TestMultiSourceNotFoundIsNotRetried(t *testing.T) {
	calls := 0
	mock := &stubSource{getInstance: func(ctx context.Context, elementId string, withRecords bool) (types.ObjectInstance, error) {
		calls++
		return types.ObjectInstance{}, types.NewError(types.KindNotFound, "nope")
	}}
	mqtt := &stubSource{getInstance: func(ctx context.Context, elementId string, withRecords bool) (types.ObjectInstance, error) {
		calls++
		return types.ObjectInstance{}, types.NewError(types.KindNotFound, "nope")
	}}
	m, err := NewManager(nil, []NamedSource{{Name: "mock", Source: mock}, {Name: "mqtt", Source: mqtt}},
		RoutingTable{routingPrimaryKey: "mock"}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected NewManager error: %v", err)
	}

	_, err = m.GetInstance(context.Background(), "x", false)
	if types.KindOf(err) != types.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("NotFound must not be retried against remaining sources, got %d calls", calls)
	}
}

func TestDeclarationOrderFallbackWithNoPrimary(t *testing.T) {
	first := &stubSource{getInstance: func(ctx context.Context, elementId string, withRecords bool) (types.ObjectInstance, error) {
		return types.ObjectInstance{NamespaceUri: "first"}, nil
	}}
	second := &stubSource{getInstance: func(ctx context.Context, elementId string, withRecords bool) (types.ObjectInstance, error) {
		return types.ObjectInstance{NamespaceUri: "second"}, nil
	}}
	m, err := NewManager(nil, []NamedSource{{Name: "a", Source: first}, {Name: "b", Source: second}}, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected NewManager error: %v", err)
	}

	inst, err := m.GetInstance(context.Background(), "x", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.NamespaceUri != "first" {
		t.Fatalf("expected declaration-order source to win, got %s", inst.NamespaceUri)
	}
}

func TestNewManagerRejectsInvalidRoutingViaAspect(t *testing.T) {
	mock := &stubSource{}
	_, err := NewManager(nil, []NamedSource{{Name: "mock", Source: mock}},
		RoutingTable{"getInstance": "mqtt"}, []types.RoutingAspect{aspectimpl.NewRoutingValidator()}, nil)
	if types.KindOf(err) != types.KindValidation {
		t.Fatalf("expected ValidationError for routing referencing unknown source, got %v", err)
	}
}

func TestStartWrapsOnUpdateWithDataSourceAspects(t *testing.T) {
	src := &stubSource{}
	metrics := aspectimpl.NewMetrics("mock")
	m, err := NewManager(nil, []NamedSource{{Name: "mock", Source: src}}, nil, nil,
		[]types.DataSourceAspect{metrics})
	if err != nil {
		t.Fatalf("unexpected NewManager error: %v", err)
	}

	var got types.ObjectInstance
	src.start = func(ctx context.Context, onUpdate types.UpdateFunc) error {
		onUpdate(types.ObjectInstance{ElementId: "sensor-001"}, types.Record{Quality: types.QualityGood})
		return nil
	}
	if err := m.Start(context.Background(), func(inst types.ObjectInstance, rec types.Record) { got = inst }); err != nil {
		t.Fatalf("unexpected Start error: %v", err)
	}
	if got.ElementId != "sensor-001" {
		t.Fatalf("expected onUpdate to still reach the caller through the aspect wrapper, got %+v", got)
	}
}
