package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/bittoy/i3x/aspectimpl"
	"github.com/bittoy/i3x/types"
)

// fakeGraph is a minimal valueComputer stub so subscription tests don't need
// a real data source or graph.Engine.
type fakeGraph struct {
	tree   map[string][]string
	values map[string]any
}

func (g *fakeGraph) GetValues(ctx context.Context, elementId string, start, end time.Time, maxDepth int, returnHistory bool) (any, error) {
	return g.values[elementId], nil
}

func (g *fakeGraph) InstanceTree(ctx context.Context, rootId string, maxDepth int) ([]string, error) {
	tree, ok := g.tree[rootId]
	if !ok {
		return nil, types.NewError(types.KindNotFound, "no such root: "+rootId)
	}
	return tree, nil
}

func TestCreateRejectsUnknownQoS(t *testing.T) {
	e := New(nil, &fakeGraph{})
	if _, err := e.Create("QoS1"); types.KindOf(err) != types.KindValidation {
		t.Fatalf("expected ValidationError for unknown qos, got %v", err)
	}
}

func TestRegisterThenUnregisterLeavesMonitoredItemsUnchanged(t *testing.T) {
	g := &fakeGraph{tree: map[string][]string{"sensor-001": {"sensor-001"}}}
	e := New(nil, g)
	sub, _ := e.Create(QoS2)

	if _, err := e.Register(context.Background(), sub.Id, []string{"sensor-001"}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sub.MonitoredItems()) != 1 {
		t.Fatalf("expected one monitored item after register")
	}
	if _, err := e.Unregister(context.Background(), sub.Id, []string{"sensor-001"}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sub.MonitoredItems()) != 0 {
		t.Fatalf("expected monitored items empty after unregister")
	}
}

func TestQoS2SyncScenario(t *testing.T) {
	g := &fakeGraph{
		tree:   map[string][]string{"sensor-001": {"sensor-001"}},
		values: map[string]any{"sensor-001": 71.2},
	}
	e := New(nil, g)
	sub, _ := e.Create(QoS2)
	if _, err := e.Register(context.Background(), sub.Id, []string{"sensor-001"}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	inst := types.ObjectInstance{ElementId: "sensor-001"}
	for i := 0; i < 3; i++ {
		e.Dispatch(inst, types.Record{Value: 71.2, Quality: types.QualityGood, Timestamp: time.Now()})
	}

	updates, err := e.Sync(sub.Id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(updates) != 3 {
		t.Fatalf("expected 3 pending updates, got %d", len(updates))
	}

	second, err := e.Sync(sub.Id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected empty second sync, got %v", second)
	}
}

func TestQoS0DropsWhenNoSinkOpen(t *testing.T) {
	g := &fakeGraph{
		tree:   map[string][]string{"sensor-001": {"sensor-001"}},
		values: map[string]any{"sensor-001": 71.2},
	}
	e := New(nil, g)
	sub, _ := e.Create(QoS0)
	if _, err := e.Register(context.Background(), sub.Id, []string{"sensor-001"}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// No stream opened: dispatch must not panic or block.
	e.Dispatch(types.ObjectInstance{ElementId: "sensor-001"}, types.Record{Quality: types.QualityGood})
}

func TestSyncOnQoS0SubscriptionIsUnsupported(t *testing.T) {
	e := New(nil, &fakeGraph{})
	sub, _ := e.Create(QoS0)
	if _, err := e.Sync(sub.Id); types.KindOf(err) != types.KindUnsupported {
		t.Fatalf("expected UnsupportedOperation, got %v", err)
	}
}

func TestDeleteClosesSink(t *testing.T) {
	e := New(nil, &fakeGraph{})
	sub, _ := e.Create(QoS0)
	closed := false
	sink := &closeTrackingSink{onClose: func() { closed = true }}
	if _, err := e.OpenStream(sub.Id, sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.Delete(sub.Id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !closed {
		t.Fatalf("expected sink to be closed on delete")
	}
	if _, err := e.get(sub.Id); types.KindOf(err) != types.KindNotFound {
		t.Fatalf("expected subscription to be gone after delete")
	}
}

func TestRegisterRejectsEmptyElementIdsViaValidatorAspect(t *testing.T) {
	g := &fakeGraph{tree: map[string][]string{"sensor-001": {"sensor-001"}}}
	e := New(nil, g, aspectimpl.NewSubscriptionValidator(nil))
	sub, _ := e.Create(QoS2)

	if _, err := e.Register(context.Background(), sub.Id, []string{}, 1); types.KindOf(err) != types.KindValidation {
		t.Fatalf("expected ValidationError for empty elementIds, got %v", err)
	}
}

type closeTrackingSink struct {
	onClose func()
}

func (s *closeTrackingSink) Send(update Update) {}
func (s *closeTrackingSink) Close()             { s.onClose() }
