package kernel

import (
	"fmt"
	"strings"
	"sync"
)

// DependencyGraph is the directed acyclic graph of module dependencies.
// It is immutable once built; transitive closures are memoized on first use.
type DependencyGraph struct {
	// order lists module names in declaration order
	order []string

	// descriptors maps module names to their descriptors
	descriptors map[string]Descriptor

	// dependencies maps module names to their direct dependencies
	dependencies map[string][]string

	// dependents maps module names to the modules that directly depend on them
	dependents map[string][]string

	// levels groups modules by dependency depth (Kahn's algorithm)
	levels [][]string

	mu          sync.Mutex
	startOrders map[string][]string
	stopOrders  map[string][]string
}

// BuildGraph constructs a dependency graph from module descriptors.
// It validates names and dependencies and rejects cycles.
func BuildGraph(descriptors []Descriptor) (*DependencyGraph, error) {
	g := &DependencyGraph{
		order:        make([]string, 0, len(descriptors)),
		descriptors:  make(map[string]Descriptor, len(descriptors)),
		dependencies: make(map[string][]string, len(descriptors)),
		dependents:   make(map[string][]string, len(descriptors)),
		startOrders:  make(map[string][]string),
		stopOrders:   make(map[string][]string),
	}

	// First pass: index all modules
	for _, d := range descriptors {
		d = d.withDefaults()
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, exists := g.descriptors[d.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate module %s", ErrInvalidDescriptor, d.Name)
		}
		g.order = append(g.order, d.Name)
		g.descriptors[d.Name] = d
		g.dependents[d.Name] = make([]string, 0)
	}

	// Second pass: build edges and validate dependency targets
	for _, name := range g.order {
		d := g.descriptors[name]
		deps := make([]string, 0, len(d.Dependencies))
		seen := make(map[string]bool, len(d.Dependencies))
		for _, dep := range d.Dependencies {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if _, exists := g.descriptors[dep]; !exists {
				return nil, &UnknownDependencyError{Module: name, Dependency: dep}
			}
			deps = append(deps, dep)
			g.dependents[dep] = append(g.dependents[dep], name)
		}
		g.dependencies[name] = deps
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}

	g.computeLevels()
	return g, nil
}

// findCycle uses depth-first search and returns the first cycle found, or nil.
func (g *DependencyGraph) findCycle() []string {
	visited := make(map[string]bool, len(g.order))
	onStack := make(map[string]bool, len(g.order))
	path := make([]string, 0)

	var visit func(name string) []string
	visit = func(name string) []string {
		visited[name] = true
		onStack[name] = true
		path = append(path, name)

		for _, dep := range g.dependencies[name] {
			if !visited[dep] {
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			} else if onStack[dep] {
				// Found a cycle - construct the cycle path
				for i, id := range path {
					if id == dep {
						cycle := append([]string{}, path[i:]...)
						return append(cycle, dep)
					}
				}
			}
		}

		onStack[name] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, name := range g.order {
		if !visited[name] {
			if cycle := visit(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// computeLevels assigns each module a level using Kahn's algorithm.
// Modules at the same level have no dependencies on each other.
func (g *DependencyGraph) computeLevels() {
	inDegree := make(map[string]int, len(g.order))
	for _, name := range g.order {
		inDegree[name] = len(g.dependencies[name])
	}

	current := make([]string, 0)
	for _, name := range g.order {
		if inDegree[name] == 0 {
			current = append(current, name)
		}
	}

	g.levels = make([][]string, 0)
	for len(current) > 0 {
		g.levels = append(g.levels, current)
		next := make([]string, 0)
		for _, name := range current {
			for _, dependent := range g.dependents[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}
}

// Has returns true if the graph contains the module.
func (g *DependencyGraph) Has(name string) bool {
	_, ok := g.descriptors[name]
	return ok
}

// Descriptor returns the descriptor of a module.
func (g *DependencyGraph) Descriptor(name string) (Descriptor, bool) {
	d, ok := g.descriptors[name]
	return d, ok
}

// AllModules returns every module name in declaration order.
func (g *DependencyGraph) AllModules() []string {
	return append([]string{}, g.order...)
}

// DirectDependencies returns the modules a module directly depends on.
func (g *DependencyGraph) DirectDependencies(name string) []string {
	return append([]string{}, g.dependencies[name]...)
}

// DirectDependents returns the modules that directly depend on a module.
func (g *DependencyGraph) DirectDependents(name string) []string {
	return append([]string{}, g.dependents[name]...)
}

// StartOrder returns the module and its transitive dependencies, dependencies first.
// Independent dependencies keep their declaration order.
func (g *DependencyGraph) StartOrder(name string) ([]string, error) {
	if !g.Has(name) {
		return nil, &UnknownModuleError{Module: name}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if order, ok := g.startOrders[name]; ok {
		return append([]string{}, order...), nil
	}

	visited := make(map[string]bool)
	order := make([]string, 0)
	g.postOrder(name, g.dependencies, visited, &order)
	g.startOrders[name] = order
	return append([]string{}, order...), nil
}

// StopOrder returns the module and its transitive dependents, dependents first.
func (g *DependencyGraph) StopOrder(name string) ([]string, error) {
	if !g.Has(name) {
		return nil, &UnknownModuleError{Module: name}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if order, ok := g.stopOrders[name]; ok {
		return append([]string{}, order...), nil
	}

	visited := make(map[string]bool)
	order := make([]string, 0)
	g.postOrder(name, g.dependents, visited, &order)
	g.stopOrders[name] = order
	return append([]string{}, order...), nil
}

// Dependents returns every transitive dependent of a module, dependents first.
func (g *DependencyGraph) Dependents(name string) ([]string, error) {
	order, err := g.StopOrder(name)
	if err != nil {
		return nil, err
	}
	return order[:len(order)-1], nil
}

// GlobalStartOrder returns every module, dependencies first, ties by declaration order.
func (g *DependencyGraph) GlobalStartOrder() []string {
	visited := make(map[string]bool, len(g.order))
	order := make([]string, 0, len(g.order))
	for _, name := range g.order {
		g.postOrder(name, g.dependencies, visited, &order)
	}
	return order
}

// GlobalStopOrder returns every module, dependents first.
func (g *DependencyGraph) GlobalStopOrder() []string {
	start := g.GlobalStartOrder()
	order := make([]string, len(start))
	for i, name := range start {
		order[len(start)-1-i] = name
	}
	return order
}

// postOrder appends name after every node reachable through edges.
// On an acyclic graph this is a topological order with edges pointing backwards.
func (g *DependencyGraph) postOrder(name string, edges map[string][]string, visited map[string]bool, order *[]string) {
	if visited[name] {
		return
	}
	visited[name] = true
	for _, next := range edges[name] {
		g.postOrder(next, edges, visited, order)
	}
	*order = append(*order, name)
}

// Levels returns modules grouped by dependency depth.
func (g *DependencyGraph) Levels() [][]string {
	levels := make([][]string, len(g.levels))
	for i, level := range g.levels {
		levels[i] = append([]string{}, level...)
	}
	return levels
}

// Snapshot returns a read-only copy of the graph. state may be nil.
func (g *DependencyGraph) Snapshot(state func(name string) HealthState) GraphSnapshot {
	snapshot := GraphSnapshot{
		Nodes:      make([]GraphNode, 0, len(g.order)),
		StartOrder: g.GlobalStartOrder(),
		StopOrder:  g.GlobalStopOrder(),
		Depth:      len(g.levels),
	}

	levelOf := make(map[string]int, len(g.order))
	for level, names := range g.levels {
		for _, name := range names {
			levelOf[name] = level
		}
	}

	for _, name := range g.order {
		d := g.descriptors[name]
		node := GraphNode{
			Name:         name,
			Level:        levelOf[name],
			Dependencies: g.DirectDependencies(name),
			Dependents:   g.DirectDependents(name),
			Start:        d.StartBehavior,
			Failure:      d.FailureBehavior,
		}
		if state != nil {
			node.State = state(name)
		}
		snapshot.Nodes = append(snapshot.Nodes, node)
	}

	return snapshot
}

// ToDOT generates a DOT format representation of the graph for visualization.
// Edges point from dependency to dependent. state may be nil.
func (g *DependencyGraph) ToDOT(state func(name string) HealthState) string {
	var sb strings.Builder

	sb.WriteString("digraph Modules {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range g.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, name := range names {
			d := g.descriptors[name]
			label := fmt.Sprintf("%s\\n%s", name, d.FailureBehavior)
			color := "white"
			if state != nil {
				s := state(name)
				label = fmt.Sprintf("%s\\n%s", label, s)
				color = getStateColor(s)
			}
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				name, label, color))
		}

		sb.WriteString("  }\n\n")
	}

	for _, name := range g.order {
		for _, dep := range g.dependencies[name] {
			style := "style=solid, color=black"
			if g.descriptors[dep].StartBehavior == StartManual {
				style = "style=dashed, color=gray"
			}
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n", dep, name, style))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// getStateColor returns a color for visualizing health states.
func getStateColor(s HealthState) string {
	switch s {
	case StateRunning:
		return "lightgreen"
	case StateWarning:
		return "khaki"
	case StateFailure:
		return "lightcoral"
	case StateStarting, StateStopping:
		return "lightblue"
	default:
		return "lightgray"
	}
}
