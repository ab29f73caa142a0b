package graph

import (
	"context"
	"testing"

	"github.com/bittoy/i3x/datasource/mock"
)

func TestInstanceTreeUnboundedComposition(t *testing.T) {
	src := mock.New(mock.Configuration{})
	e := New(src)
	ids, err := e.InstanceTree(context.Background(), "pump-101", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]bool{
		"pump-101": true, "pump-101-state": true, "pump-101-measurements": true,
		"pump-101-measurements-bearing-temperature-health": true,
	}
	if len(ids) != len(want) {
		t.Fatalf("expected %d ids, got %v", len(want), ids)
	}
	for _, id := range ids {
		if !want[id] {
			t.Fatalf("unexpected id %s in tree", id)
		}
	}
}

func TestInstanceTreeDepthOneIsRootOnly(t *testing.T) {
	src := mock.New(mock.Configuration{})
	e := New(src)
	ids, err := e.InstanceTree(context.Background(), "pump-101", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "pump-101" {
		t.Fatalf("expected [pump-101], got %v", ids)
	}
}

func TestInstanceTreeUnknownRootIsNotFound(t *testing.T) {
	src := mock.New(mock.Configuration{})
	e := New(src)
	if _, err := e.InstanceTree(context.Background(), "does-not-exist", 0); err == nil {
		t.Fatalf("expected not-found error")
	}
}
