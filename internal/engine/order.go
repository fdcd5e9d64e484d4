package engine

import (
	"github.com/rendis/nodeflow/pkg/schema"
)

// edge is a directed dependency from -> to. A self-loop marks an isolated
// node so that it takes part in the sort; it never counts toward in-degree.
type edge struct {
	from, to string
}

// Order returns the nodes in a deterministic topological order.
//
// With no connections the input order is returned unchanged. Otherwise nodes
// with no incident connection are added as self-loops, the edge set is sorted
// with Kahn's algorithm, and the resulting ids are mapped back to nodes.
// Ids with no matching node are dropped. Ties among independent nodes follow
// the node input order. A cycle yields a CYCLE_DETECTED error.
func Order(nodes []schema.Node, connections []schema.Connection) ([]schema.Node, error) {
	if len(connections) == 0 {
		out := make([]schema.Node, len(nodes))
		copy(out, nodes)
		return out, nil
	}

	vertices, edges := buildEdges(nodes, connections)
	ids, err := topoSort(vertices, edges)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]schema.Node, len(nodes))
	for _, n := range nodes {
		if _, dup := byID[n.ID]; !dup {
			byID[n.ID] = n
		}
	}

	ordered := make([]schema.Node, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if n, ok := byID[id]; ok {
			ordered = append(ordered, n)
		}
	}
	return ordered, nil
}

// buildEdges returns the vertex list (node order first, then unknown
// connection endpoints in order of appearance) and the edge set.
func buildEdges(nodes []schema.Node, connections []schema.Connection) ([]string, []edge) {
	incident := make(map[string]bool, len(connections)*2)
	for _, c := range connections {
		incident[c.From] = true
		incident[c.To] = true
	}

	edges := make([]edge, 0, len(connections)+len(nodes))
	vertices := make([]string, 0, len(nodes))
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if known[n.ID] {
			continue
		}
		known[n.ID] = true
		vertices = append(vertices, n.ID)
		if !incident[n.ID] {
			edges = append(edges, edge{n.ID, n.ID})
		}
	}
	for _, c := range connections {
		edges = append(edges, edge{c.From, c.To})
		for _, id := range []string{c.From, c.To} {
			if !known[id] {
				known[id] = true
				vertices = append(vertices, id)
			}
		}
	}
	return vertices, edges
}

// topoSort runs Kahn's algorithm over the edge set.
func topoSort(vertices []string, edges []edge) ([]string, error) {
	inDegree := make(map[string]int, len(vertices))
	dependents := make(map[string][]string, len(vertices))
	for _, e := range edges {
		if e.from == e.to {
			continue
		}
		inDegree[e.to]++
		dependents[e.from] = append(dependents[e.from], e.to)
	}

	queue := make([]string, 0, len(vertices))
	for _, id := range vertices {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	sorted := make([]string, 0, len(vertices))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(vertices) {
		var stuck []string
		for _, id := range vertices {
			if inDegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "workflow graph contains a cycle").
			WithDetails(map[string]any{"nodes": stuck})
	}
	return sorted, nil
}
