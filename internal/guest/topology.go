package guest

import (
	"fmt"
	"strings"
)

// Role names with a default ordering: clients wait for servers.
const (
	RoleServer = "server"
	RoleClient = "client"
)

// Node is one guest as seen by the topology.
type Node struct {
	Name       string
	Role       string
	Connection string
	WaitFor    []string
}

// Topology answers reachability and ordering questions about a plan's
// guests.
type Topology struct {
	nodes []Node
}

func NewTopology(nodes ...Node) *Topology {
	return &Topology{nodes: nodes}
}

func (t *Topology) node(name string) (Node, bool) {
	for _, n := range t.nodes {
		if n.Name == name {
			return n, true
		}
	}
	return Node{}, false
}

func connection(n Node) string {
	if n.Connection == "" {
		return ConnectionSystem
	}
	return n.Connection
}

// Reachable reports whether guest a can reach guest b over the network.
// Guests on the system network see each other; a guest-network guest is
// isolated.
func (t *Topology) Reachable(a, b string) bool {
	na, ok := t.node(a)
	if !ok {
		return false
	}
	nb, ok := t.node(b)
	if !ok {
		return false
	}
	if a == b {
		return true
	}
	return connection(na) == ConnectionSystem && connection(nb) == ConnectionSystem
}

// Resolve expands a list of guest names and roles into guest names in plan
// order. Unknown entries are returned separately.
func (t *Topology) Resolve(refs []string) (names, unknown []string) {
	seen := map[string]bool{}
	for _, ref := range refs {
		found := false
		for _, n := range t.nodes {
			if n.Name == ref || n.Role == ref {
				found = true
				if !seen[n.Name] {
					seen[n.Name] = true
					names = append(names, n.Name)
				}
			}
		}
		if !found {
			unknown = append(unknown, ref)
		}
	}
	// restore plan order across refs
	ordered := names[:0:0]
	for _, n := range t.nodes {
		if seen[n.Name] {
			ordered = append(ordered, n.Name)
		}
	}
	return ordered, unknown
}

// Dependencies lists the guests that must be ready before name executes.
func (t *Topology) Dependencies(name string) []string {
	n, ok := t.node(name)
	if !ok {
		return nil
	}
	var deps []string
	if len(n.WaitFor) > 0 {
		deps, _ = t.Resolve(n.WaitFor)
	} else if n.Role == RoleClient {
		deps, _ = t.Resolve([]string{RoleServer})
	}
	out := deps[:0:0]
	for _, d := range deps {
		if d != name {
			out = append(out, d)
		}
	}
	return out
}

// Validate rejects wait-for entries naming no guest or role, and waits
// that can never be satisfied because they form a cycle.
func (t *Topology) Validate() error {
	for _, n := range t.nodes {
		if c := connection(n); c != ConnectionSystem && c != ConnectionGuest {
			return fmt.Errorf("guest %q: unknown connection %q", n.Name, n.Connection)
		}
		if _, unknown := t.Resolve(n.WaitFor); len(unknown) > 0 {
			return fmt.Errorf("guest %q waits for unknown guest or role %s", n.Name, strings.Join(unknown, ", "))
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := map[string]int{}
	var path []string
	var visit func(string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("guests wait for each other: %s -> %s", strings.Join(path, " -> "), name)
		case done:
			return nil
		}
		state[name] = visiting
		path = append(path, name)
		for _, dep := range t.Dependencies(name) {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		return nil
	}
	for _, n := range t.nodes {
		if err := visit(n.Name); err != nil {
			return err
		}
	}
	return nil
}
