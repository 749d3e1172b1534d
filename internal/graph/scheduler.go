package graph

// schedule visits every node reachable from the inputs in dataflow order.
// Each node holds a counter of inbound edges still to complete; finishing
// a node decrements the counters of its successors and queues those that
// reach zero, so every node is visited exactly once, after all of its
// predecessors. It returns the number of nodes visited.
func (g *Graph) schedule(visit func(*node) error) (int, error) {
	remaining := make([]int, len(g.nodes))
	for _, n := range g.nodes {
		remaining[n.id] = len(n.inbound)
	}
	queue := make([]*node, 0, len(g.nodes))
	queue = append(queue, g.inputs...)
	done := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if err := visit(n); err != nil {
			return done, err
		}
		done++
		for _, s := range n.outbound {
			remaining[s.id]--
			if remaining[s.id] == 0 {
				queue = append(queue, s)
			}
		}
	}
	return done, nil
}
