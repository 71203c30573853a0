package controller

import (
	"context"
	"testing"
)

func noopStart(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func TestTopoSortOrdersDependenciesFirst(t *testing.T) {
	entries := []Entry{
		{Name: "c", DependsOn: []string{"b"}, Start: noopStart},
		{Name: "a", Start: noopStart},
		{Name: "b", DependsOn: []string{"a"}, Start: noopStart},
	}
	ordered, err := topoSort(entries)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos := map[string]int{}
	for i, e := range ordered {
		pos[e.Name] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Fatalf("expected order a,b,c; got %+v", pos)
	}
}

func TestTopoSortRejectsUnknownDependency(t *testing.T) {
	_, err := topoSort([]Entry{{Name: "a", DependsOn: []string{"ghost"}, Start: noopStart}})
	if err == nil {
		t.Fatal("expected an error for a dependency on an unknown service")
	}
}

func TestTopoSortRejectsCycle(t *testing.T) {
	entries := []Entry{
		{Name: "a", DependsOn: []string{"b"}, Start: noopStart},
		{Name: "b", DependsOn: []string{"a"}, Start: noopStart},
	}
	_, err := topoSort(entries)
	if err == nil {
		t.Fatal("expected an error for a dependency cycle")
	}
}
