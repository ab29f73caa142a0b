package mock

import (
	"context"
	"testing"
	"time"

	"github.com/bittoy/i3x/types"
)

func TestCompositionRecursionScenario(t *testing.T) {
	s := New(Configuration{})
	val, err := s.GetValues(context.Background(), "pump-101", time.Time{}, time.Time{}, 0, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := val.(map[string]any)
	if !ok {
		t.Fatalf("expected map result, got %T", val)
	}
	if _, hasValue := m["_value"]; hasValue {
		t.Fatalf("pump-101 has no records of its own, _value should be absent")
	}
	if _, ok := m["pump-101-state"]; !ok {
		t.Fatalf("expected pump-101-state child key")
	}
	if _, ok := m["pump-101-measurements"]; !ok {
		t.Fatalf("expected pump-101-measurements child key")
	}
}

func TestHistoricalRangeFilterScenario(t *testing.T) {
	s := New(Configuration{})
	start := time.Date(2025, 10, 27, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 10, 27, 23, 59, 59, 0, time.UTC)
	val, err := s.GetValues(context.Background(), "sensor-001", start, end, 1, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	records, ok := val.([]map[string]any)
	if !ok || len(records) != 1 {
		t.Fatalf("expected exactly one record, got %v", val)
	}
}

func TestWriteCoercionScenario(t *testing.T) {
	s := New(Configuration{})
	result, err := s.UpdateValue(context.Background(), "pump-101-measurements-bearing-temperature-health", "13")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected successful coercion write, got %+v", result)
	}
	head, _ := s.store.Head("pump-101-measurements-bearing-temperature-health")
	if head.Value != float64(13) {
		t.Fatalf("expected coerced value 13, got %v (%T)", head.Value, head.Value)
	}
}

func TestInverseRelationshipsScenario(t *testing.T) {
	s := New(Configuration{})
	ctx := context.Background()
	suppliesTo, err := s.GetRelatedInstances(ctx, "pump-101", "SuppliesTo")
	if err != nil || len(suppliesTo) != 1 || suppliesTo[0].ElementId != "tank-201" {
		t.Fatalf("expected [tank-201], got %v (err=%v)", suppliesTo, err)
	}
	suppliedBy, err := s.GetRelatedInstances(ctx, "tank-201", "SuppliedBy")
	if err != nil || len(suppliedBy) != 1 || suppliedBy[0].ElementId != "pump-101" {
		t.Fatalf("expected [pump-101], got %v (err=%v)", suppliedBy, err)
	}
}

func TestWriteShapeMismatchDoesNotMutate(t *testing.T) {
	s := New(Configuration{})
	ctx := context.Background()
	before, _ := s.store.Head("pump-101-state")
	_, err := s.UpdateValue(ctx, "pump-101-state", []any{1, 2, 3})
	if err == nil {
		t.Fatalf("expected validation error for shape mismatch")
	}
	after, _ := s.store.Head("pump-101-state")
	if before.Value.(map[string]any)["mode"] != after.Value.(map[string]any)["mode"] {
		t.Fatalf("storage mutated despite shape mismatch")
	}
}

func TestRecordHistoryCapacityIsThreadedIntoStore(t *testing.T) {
	s := New(Configuration{RecordHistoryCapacity: 2})
	records := s.store.Range("sensor-001", time.Time{}, time.Time{}, true)
	if len(records) != 2 {
		t.Fatalf("expected seed history truncated to capacity 2, got %d records", len(records))
	}
}

func TestStartStopIsIdempotentAndJoinsGoroutine(t *testing.T) {
	s := New(Configuration{TickInterval: time.Millisecond})
	ctx := context.Background()
	if err := s.Start(ctx, func(inst types.ObjectInstance, rec types.Record) {}); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if err := s.Start(ctx, nil); err != nil {
		t.Fatalf("second start should be a no-op, got error: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
}
