// Package inherit resolves the inheritance graph of packages into ordered
// chains.
//
// Packages declare ancestors in priority order. The resolver reverses those
// declarations into a map of direct dependants, linearizes it with Kahn's
// algorithm and reports cycles, duplicate declarations and edges a
// DirectionRule forbids as data errors.
package inherit

import (
	"fmt"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openfroyo/strata/pkg/fault"
)

var (
	// ErrCycle is returned when ancestor declarations form a cycle.
	ErrCycle = fault.Sentinel(fault.ClassData, fault.CodeCycle, "circular inheritance")

	// ErrDuplicate is returned when a package declares the same ancestor twice.
	ErrDuplicate = fault.Sentinel(fault.ClassData, fault.CodeDuplicate, "duplicate inheritance")

	// ErrIllegal is returned when a DirectionRule forbids a declared edge.
	ErrIllegal = fault.Sentinel(fault.ClassData, fault.CodeIllegalInheritance, "illegal inheritance")
)

// Declaration is one declared ancestor. Constraint is empty when no version
// constraint was given.
type Declaration struct {
	Name       string
	Constraint string
}

// Source supplies ancestor declarations.
type Source interface {
	// Declarations returns the ancestors declared by name, in priority order.
	Declarations(name string) ([]Declaration, error)

	// Names returns every known package.
	Names() ([]string, error)
}

// DirectionRule decides whether descendant may inherit from ancestor.
type DirectionRule interface {
	Allow(descendant, ancestor string) (bool, error)
}

// RuleFunc adapts a function to DirectionRule.
type RuleFunc func(descendant, ancestor string) (bool, error)

// Allow calls f.
func (f RuleFunc) Allow(descendant, ancestor string) (bool, error) {
	return f(descendant, ancestor)
}

// Rules allows an edge only when every rule does.
type Rules []DirectionRule

// Allow evaluates the rules in order and stops at the first refusal.
func (rs Rules) Allow(descendant, ancestor string) (bool, error) {
	for _, rule := range rs {
		if rule == nil {
			continue
		}
		ok, err := rule.Allow(descendant, ancestor)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Dependants maps each node to the nodes directly declaring it as an
// ancestor. Nodes keep their discovery order.
type Dependants struct {
	order   []string
	sources map[string][]string
}

func newDependants() *Dependants {
	return &Dependants{sources: make(map[string][]string)}
}

func (d *Dependants) add(name string) {
	if _, ok := d.sources[name]; !ok {
		d.sources[name] = nil
		d.order = append(d.order, name)
	}
}

func (d *Dependants) addEdge(ancestor, descendant string) {
	d.add(ancestor)
	for _, s := range d.sources[ancestor] {
		if s == descendant {
			return
		}
	}
	d.sources[ancestor] = append(d.sources[ancestor], descendant)
}

// Nodes returns the nodes in discovery order.
func (d *Dependants) Nodes() []string {
	return append([]string(nil), d.order...)
}

// Sources returns the nodes directly declaring name as an ancestor.
func (d *Dependants) Sources(name string) []string {
	return append([]string(nil), d.sources[name]...)
}

// Resolver computes inheritance chains. Results are memoized until Reset.
type Resolver struct {
	source Source
	rule   DirectionRule

	mu          sync.Mutex
	chains      map[string][]string
	descendants map[string][]string
}

// NewResolver creates a resolver over source. rule may be nil.
func NewResolver(source Source, rule DirectionRule) *Resolver {
	return &Resolver{
		source:      source,
		rule:        rule,
		chains:      make(map[string][]string),
		descendants: make(map[string][]string),
	}
}

// Reset drops memoized chains and descendants.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.chains)
	clear(r.descendants)
}

// declarations returns the ancestors declared by name, rejecting duplicates.
func (r *Resolver) declarations(name string) ([]Declaration, error) {
	decls, err := r.source.Declarations(name)
	if err != nil {
		return nil, err
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	for _, d := range decls {
		if seen.Contains(d.Name) {
			return nil, fault.From(ErrDuplicate,
				fmt.Sprintf("duplicate inheritance declared involving %s", d.Name), nil).
				WithSubject(name).
				WithDetail("ancestor", d.Name)
		}
		seen.Add(d.Name)
	}
	return decls, nil
}

// DirectDependants walks every package reachable from root through ancestor
// declarations and returns the reverse edge map. root has no sources unless
// it takes part in a cycle.
func (r *Resolver) DirectDependants(root string) (*Dependants, error) {
	deps := newDependants()
	deps.add(root)

	expanded := mapset.NewThreadUnsafeSet[string]()
	if err := r.collect(root, deps, expanded); err != nil {
		return nil, err
	}
	return deps, nil
}

func (r *Resolver) collect(name string, deps *Dependants, expanded mapset.Set[string]) error {
	if expanded.Contains(name) {
		return nil
	}
	expanded.Add(name)

	decls, err := r.declarations(name)
	if err != nil {
		return err
	}

	for _, d := range decls {
		if r.rule != nil {
			ok, err := r.rule.Allow(name, d.Name)
			if err != nil {
				return err
			}
			if !ok {
				return fault.From(ErrIllegal,
					fmt.Sprintf("illegal inheritance declared involving %s", d.Name), nil).
					WithSubject(name).
					WithDetail("ancestor", d.Name)
			}
		}

		deps.addEdge(d.Name, name)
		if err := r.collect(d.Name, deps, expanded); err != nil {
			return err
		}
	}
	return nil
}

// Linearize orders the nodes of deps so that every node precedes the nodes
// it declared as ancestors. Each pass removes every node without remaining
// sources, in discovery order; a pass removing nothing means a cycle.
func Linearize(deps *Dependants) ([]string, error) {
	remaining := make(map[string]mapset.Set[string], len(deps.order))
	for _, name := range deps.order {
		remaining[name] = mapset.NewThreadUnsafeSet(deps.sources[name]...)
	}

	order := make([]string, 0, len(deps.order))
	for len(remaining) > 0 {
		var ready []string
		for _, name := range deps.order {
			if sources, ok := remaining[name]; ok && sources.Cardinality() == 0 {
				ready = append(ready, name)
			}
		}

		if len(ready) == 0 {
			cycle := findCycle(deps, remaining)
			return nil, fault.From(ErrCycle,
				fmt.Sprintf("circular inheritance detected: %s", formatCycle(cycle)), nil).
				WithDetail("cycle", cycle)
		}

		for _, name := range ready {
			order = append(order, name)
			delete(remaining, name)
		}
		for _, sources := range remaining {
			for _, name := range ready {
				sources.Remove(name)
			}
		}
	}

	return order, nil
}

// findCycle returns one cycle among the remaining nodes using depth-first search.
func findCycle(deps *Dependants, remaining map[string]mapset.Set[string]) []string {
	visited := mapset.NewThreadUnsafeSet[string]()
	onPath := mapset.NewThreadUnsafeSet[string]()
	var path []string

	var visit func(name string) []string
	visit = func(name string) []string {
		visited.Add(name)
		onPath.Add(name)
		path = append(path, name)

		for _, next := range deps.sources[name] {
			if _, ok := remaining[next]; !ok {
				continue
			}
			if onPath.Contains(next) {
				for i, id := range path {
					if id == next {
						return append(append([]string(nil), path[i:]...), next)
					}
				}
			}
			if !visited.Contains(next) {
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}

		onPath.Remove(name)
		path = path[:len(path)-1]
		return nil
	}

	for _, name := range deps.order {
		if _, ok := remaining[name]; ok && !visited.Contains(name) {
			if cycle := visit(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// Chain returns root followed by its ancestors, closest first.
func (r *Resolver) Chain(root string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if chain, ok := r.chains[root]; ok {
		return append([]string(nil), chain...), nil
	}

	deps, err := r.DirectDependants(root)
	if err != nil {
		return nil, err
	}
	chain, err := Linearize(deps)
	if err != nil {
		return nil, fault.From(ErrCycle,
			fmt.Sprintf("circular inheritance declared involving %s", root), err).
			WithSubject(root)
	}

	r.chains[root] = chain
	return append([]string(nil), chain...), nil
}

// Ancestors returns the ancestors of root, closest first.
func (r *Resolver) Ancestors(root string) ([]string, error) {
	chain, err := r.Chain(root)
	if err != nil {
		return nil, err
	}
	return chain[1:], nil
}

// DeclaringAsAncestor returns the packages directly declaring name as an ancestor.
func (r *Resolver) DeclaringAsAncestor(name string) ([]string, error) {
	names, err := r.source.Names()
	if err != nil {
		return nil, err
	}

	var out []string
	for _, candidate := range names {
		decls, err := r.declarations(candidate)
		if err != nil {
			return nil, err
		}
		for _, d := range decls {
			if d.Name == name {
				out = append(out, candidate)
				break
			}
		}
	}
	return out, nil
}

// Descendants returns every package inheriting from root, directly or not.
// Each direct descendant is followed by its own descendants.
func (r *Resolver) Descendants(root string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.descendantsOf(root, nil)
}

func (r *Resolver) descendantsOf(name string, path []string) ([]string, error) {
	for _, p := range path {
		if p == name {
			cycle := append(append([]string(nil), path...), name)
			return nil, fault.From(ErrCycle,
				fmt.Sprintf("circular inheritance declared involving %s", name), nil).
				WithSubject(name).
				WithDetail("cycle", cycle)
		}
	}
	if cached, ok := r.descendants[name]; ok {
		return append([]string(nil), cached...), nil
	}

	path = append(path, name)

	direct, err := r.DeclaringAsAncestor(name)
	if err != nil {
		return nil, err
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	var out []string
	add := func(n string) {
		if !seen.Contains(n) {
			seen.Add(n)
			out = append(out, n)
		}
	}

	for _, child := range direct {
		add(child)
		nested, err := r.descendantsOf(child, path)
		if err != nil {
			return nil, err
		}
		for _, n := range nested {
			add(n)
		}
	}

	r.descendants[name] = out
	return append([]string(nil), out...), nil
}

// ToDOT renders the inheritance graph reachable from root in DOT format.
// Edges point from descendant to ancestor.
func (r *Resolver) ToDOT(root string) (string, error) {
	chain, err := r.Chain(root)
	if err != nil {
		return "", err
	}
	deps, err := r.DirectDependants(root)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("digraph Inheritance {\n")
	sb.WriteString("  rankdir=BT;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for position, name := range chain {
		color := "white"
		if position == 0 {
			color = "lightblue"
		}
		fmt.Fprintf(&sb, "  %q [label=\"%d: %s\", fillcolor=%q, style=\"filled,rounded\"];\n",
			name, position, name, color)
	}
	sb.WriteString("\n")

	for _, ancestor := range chain {
		for _, descendant := range deps.Sources(ancestor) {
			fmt.Fprintf(&sb, "  %q -> %q;\n", descendant, ancestor)
		}
	}

	sb.WriteString("}\n")
	return sb.String(), nil
}
