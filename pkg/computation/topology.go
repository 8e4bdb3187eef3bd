package computation

import (
	"fmt"
	"sort"
)

// node pairs a factory with its descriptor inside a topology.
type node struct {
	factory Factory
	desc    Descriptor
}

// Builder accumulates computations and produces an immutable Topology.
type Builder struct {
	nodes     []node
	terminals map[string]struct{}
}

// NewBuilder creates an empty topology builder.
func NewBuilder() *Builder {
	return &Builder{terminals: make(map[string]struct{})}
}

// Add registers a computation factory with its descriptor. The factory is
// invoked once per deployed instance.
func (b *Builder) Add(f Factory, d Descriptor) *Builder {
	b.nodes = append(b.nodes, node{factory: f, desc: d})
	return b
}

// Terminal marks streams as terminal sinks: outputs nobody in this topology
// consumes, read by external collaborators.
func (b *Builder) Terminal(streams ...string) *Builder {
	for _, s := range streams {
		b.terminals[s] = struct{}{}
	}
	return b
}

// Build validates the graph and returns an immutable topology. Cycles are
// permitted; dangling outputs and malformed descriptors are not.
func (b *Builder) Build() (*Topology, error) {
	if len(b.nodes) == 0 {
		return nil, fmt.Errorf("topology has no computations")
	}

	seen := make(map[string]struct{})
	consumed := make(map[string]struct{})
	for _, n := range b.nodes {
		if n.desc.Name == "" {
			return nil, fmt.Errorf("computation with empty name")
		}
		if n.factory == nil {
			return nil, fmt.Errorf("computation %q: nil factory", n.desc.Name)
		}
		if _, dup := seen[n.desc.Name]; dup {
			return nil, fmt.Errorf("duplicate computation name %q", n.desc.Name)
		}
		seen[n.desc.Name] = struct{}{}

		if len(n.desc.Inputs) == 0 {
			return nil, fmt.Errorf("computation %q has no input streams", n.desc.Name)
		}
		if err := checkBindings(n.desc.Name, "input", n.desc.Inputs); err != nil {
			return nil, err
		}
		if err := checkBindings(n.desc.Name, "output", n.desc.Outputs); err != nil {
			return nil, err
		}
		for _, in := range n.desc.Inputs {
			consumed[in.Stream] = struct{}{}
		}
	}

	for _, n := range b.nodes {
		for _, out := range n.desc.Outputs {
			if _, ok := consumed[out.Stream]; ok {
				continue
			}
			if _, ok := b.terminals[out.Stream]; ok {
				continue
			}
			return nil, fmt.Errorf("computation %q output %q is consumed by nothing and not marked terminal",
				n.desc.Name, out.Stream)
		}
	}

	nodes := make([]node, len(b.nodes))
	copy(nodes, b.nodes)
	return &Topology{nodes: nodes}, nil
}

// checkBindings validates that binding indexes are dense starting at zero
// and stream names are present.
func checkBindings(comp, kind string, bindings []Binding) error {
	indexes := make(map[int]struct{}, len(bindings))
	for _, bd := range bindings {
		if bd.Stream == "" {
			return fmt.Errorf("computation %q: %s binding %d has empty stream name", comp, kind, bd.Index)
		}
		if _, dup := indexes[bd.Index]; dup {
			return fmt.Errorf("computation %q: duplicate %s index %d", comp, kind, bd.Index)
		}
		indexes[bd.Index] = struct{}{}
	}
	for i := 0; i < len(bindings); i++ {
		if _, ok := indexes[i]; !ok {
			return fmt.Errorf("computation %q: %s indexes must be dense, missing %d", comp, kind, i)
		}
	}
	return nil
}

// Topology is an immutable directed graph of computations connected by
// named streams; the unit of deployment.
type Topology struct {
	nodes []node
}

// Streams returns every stream name referenced by the topology, sorted and
// de-duplicated.
func (t *Topology) Streams() []string {
	set := make(map[string]struct{})
	for _, n := range t.nodes {
		for _, in := range n.desc.Inputs {
			set[in.Stream] = struct{}{}
		}
		for _, out := range n.desc.Outputs {
			set[out.Stream] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for s := range set {
		names = append(names, s)
	}
	sort.Strings(names)
	return names
}
