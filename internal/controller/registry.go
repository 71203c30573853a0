package controller

import (
	"context"
	"fmt"
)

// Entry describes one supervised service: its name, the other services it
// depends on (must start first), a group tag for operator filtering, the
// function that runs it to completion (blocking until ctx is cancelled or
// it fails), and an optional liveness probe URL.
type Entry struct {
	Name      string
	DependsOn []string
	Group     string
	Start     func(ctx context.Context) error
	HealthURL string
}

// topoSort orders entries so that every DependsOn name precedes its
// dependent, failing on a cycle or a reference to an unknown service.
func topoSort(entries []Entry) ([]Entry, error) {
	byName := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}
	for _, e := range entries {
		for _, dep := range e.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("service %q depends on unknown service %q", e.Name, dep)
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(entries))
	var order []Entry
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle at service %q", name)
		}
		state[name] = visiting
		e := byName[name]
		for _, dep := range e.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = visited
		order = append(order, e)
		return nil
	}

	for _, e := range entries {
		if err := visit(e.Name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
