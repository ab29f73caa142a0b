package datasource

import (
	"context"
	"testing"
	"time"

	"github.com/bittoy/i3x/types"
)

// stubSource is a minimal types.DataSource stand-in, just enough to satisfy
// BuildAll/Registry.Build without pulling in a concrete backend package.
type stubSource struct{}

func (stubSource) Start(ctx context.Context, onUpdate types.UpdateFunc) error { return nil }
func (stubSource) Stop(ctx context.Context) error                            { return nil }
func (stubSource) ListNamespaces(ctx context.Context) ([]types.Namespace, error) {
	return nil, nil
}
func (stubSource) ListObjectTypes(ctx context.Context, namespaceUri string) ([]types.ObjectType, error) {
	return nil, nil
}
func (stubSource) GetObjectType(ctx context.Context, elementId string) (types.ObjectType, error) {
	return types.ObjectType{}, nil
}
func (stubSource) ListRelationshipTypes(ctx context.Context, namespaceUri string) ([]types.RelationshipType, error) {
	return nil, nil
}
func (stubSource) GetRelationshipType(ctx context.Context, elementId string) (types.RelationshipType, error) {
	return types.RelationshipType{}, nil
}
func (stubSource) ListInstances(ctx context.Context, typeId string) ([]types.ObjectInstance, error) {
	return nil, nil
}
func (stubSource) GetInstance(ctx context.Context, elementId string, withRecords bool) (types.ObjectInstance, error) {
	return types.ObjectInstance{}, nil
}
func (stubSource) GetRelatedInstances(ctx context.Context, elementId string, relationshipType string) ([]types.ObjectInstance, error) {
	return nil, nil
}
func (stubSource) GetValues(ctx context.Context, elementId string, start, end time.Time, maxDepth int, returnHistory bool) (any, error) {
	return nil, nil
}
func (stubSource) UpdateValue(ctx context.Context, elementId string, newValue any) (types.WriteResult, error) {
	return types.WriteResult{}, nil
}
func (stubSource) ListAllInstances(ctx context.Context) ([]types.ObjectInstance, error) {
	return nil, nil
}

// TestBuildAllMergesDefaultsUnderPerSourceConfig exercises maps.Copy's role in
// BuildAll: a shared default is visible to every source, but a source's own
// config always wins on key collision.
func TestBuildAllMergesDefaultsUnderPerSourceConfig(t *testing.T) {
	reg := &FactoryRegistry{factories: make(map[string]Factory)}
	var seen map[string]any
	if err := reg.Register("recorder", func(config map[string]any) (types.DataSource, error) {
		seen = config
		return stubSource{}, nil
	}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	prevRegistry := Registry
	Registry = reg
	defer func() { Registry = prevRegistry }()

	sources := map[string]SourceConfig{
		"a": {Type: "recorder", Config: map[string]any{"override": "source"}},
	}
	defaults := map[string]any{"shared": "default", "override": "default"}

	if _, err := BuildAll(sources, defaults); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen["shared"] != "default" {
		t.Fatalf("expected default key to be merged in, got %v", seen)
	}
	if seen["override"] != "source" {
		t.Fatalf("expected source config to win over default, got %v", seen["override"])
	}
}
