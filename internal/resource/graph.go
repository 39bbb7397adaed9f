package resource

import (
	"fmt"
	"sort"
)

// Resource declares a single resource in the application graph.
type Resource struct {
	// Name uniquely identifies the resource within the graph.
	Name string
	// Parent optionally names a resource whose health gates this one.
	Parent string
	// WaitFor names resources that must be healthy before this one starts.
	WaitFor []string
	// HealthChecks lists the declared health-check ids for this resource.
	HealthChecks []string
}

// HasUpstream reports whether the resource depends on another resource
// becoming healthy before it may run.
func (r Resource) HasUpstream() bool {
	return r.Parent != "" || len(r.WaitFor) > 0
}

// Upstreams returns the deduplicated set of resources this resource waits on.
func (r Resource) Upstreams() []string {
	seen := make(map[string]struct{}, len(r.WaitFor)+1)
	upstreams := make([]string, 0, len(r.WaitFor)+1)
	if r.Parent != "" {
		seen[r.Parent] = struct{}{}
		upstreams = append(upstreams, r.Parent)
	}
	for _, name := range r.WaitFor {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		upstreams = append(upstreams, name)
	}
	return upstreams
}

// Graph is a validated, read-only collection of resource declarations.
type Graph struct {
	resources map[string]Resource
	names     []string
}

// NewGraph validates the declarations and builds a Graph.
func NewGraph(resources []Resource) (*Graph, error) {
	if len(resources) == 0 {
		return nil, fmt.Errorf("graph contains no resources")
	}

	byName := make(map[string]Resource, len(resources))
	for i, res := range resources {
		if res.Name == "" {
			return nil, fmt.Errorf("resource %d: name is required", i)
		}
		if _, ok := byName[res.Name]; ok {
			return nil, fmt.Errorf("resource %q: duplicate name", res.Name)
		}
		seenChecks := make(map[string]struct{}, len(res.HealthChecks))
		for _, check := range res.HealthChecks {
			if check == "" {
				return nil, fmt.Errorf("resource %q: empty health check id", res.Name)
			}
			if _, ok := seenChecks[check]; ok {
				return nil, fmt.Errorf("resource %q: duplicate health check %q", res.Name, check)
			}
			seenChecks[check] = struct{}{}
		}
		byName[res.Name] = res
	}

	for _, res := range resources {
		for _, upstream := range res.Upstreams() {
			if upstream == res.Name {
				return nil, fmt.Errorf("resource %q: depends on itself", res.Name)
			}
			if _, ok := byName[upstream]; !ok {
				return nil, fmt.Errorf("resource %q: unknown dependency %q", res.Name, upstream)
			}
		}
	}

	if err := detectCycles(byName); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	return &Graph{resources: byName, names: names}, nil
}

// Get returns the resource with the given name.
func (g *Graph) Get(name string) (Resource, bool) {
	res, ok := g.resources[name]
	return res, ok
}

// Names returns all resource names in deterministic order.
func (g *Graph) Names() []string {
	return append([]string(nil), g.names...)
}

// Len returns the number of resources in the graph.
func (g *Graph) Len() int {
	return len(g.resources)
}

// Roots returns the names of resources with no upstream dependencies.
func (g *Graph) Roots() []string {
	roots := make([]string, 0, len(g.names))
	for _, name := range g.names {
		if !g.resources[name].HasUpstream() {
			roots = append(roots, name)
		}
	}
	return roots
}

// Children returns the names of resources that declare the given resource as
// their parent.
func (g *Graph) Children(name string) []string {
	children := make([]string, 0)
	for _, candidate := range g.names {
		if g.resources[candidate].Parent == name {
			children = append(children, candidate)
		}
	}
	return children
}

func detectCycles(resources map[string]Resource) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	marks := make(map[string]int, len(resources))

	var visit func(name string) error
	visit = func(name string) error {
		switch marks[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("resource %q: dependency cycle", name)
		}
		marks[name] = visiting
		for _, upstream := range resources[name].Upstreams() {
			if err := visit(upstream); err != nil {
				return err
			}
		}
		marks[name] = done
		return nil
	}

	for name := range resources {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}
