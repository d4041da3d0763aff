package tasks

// graph is the task dependency graph as an arena of nodes addressed by
// index. A node without a task is a placeholder for a dependency that has
// not been submitted yet.
type graph struct {
	ids        []string
	index      map[string]int
	deps       [][]int
	dependents [][]int
	nodes      []*taskState
}

func newGraph() *graph {
	return &graph{index: make(map[string]int)}
}

// node returns the index for id, adding a placeholder if needed.
func (g *graph) node(id string) int {
	if n, ok := g.index[id]; ok {
		return n
	}
	n := len(g.ids)
	g.ids = append(g.ids, id)
	g.index[id] = n
	g.deps = append(g.deps, nil)
	g.dependents = append(g.dependents, nil)
	g.nodes = append(g.nodes, nil)
	return n
}

func (g *graph) link(from, to int) {
	for _, d := range g.deps[from] {
		if d == to {
			return
		}
	}
	g.deps[from] = append(g.deps[from], to)
	g.dependents[to] = append(g.dependents[to], from)
}

func (g *graph) get(id string) *taskState {
	n, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.nodes[n]
}

// Index implements conflict.Graph.
func (g *graph) Index(id string) (int, bool) {
	n, ok := g.index[id]
	return n, ok
}

// TaskID implements conflict.Graph.
func (g *graph) TaskID(n int) string { return g.ids[n] }

// Dependencies implements conflict.Graph.
func (g *graph) Dependencies(n int) []int { return g.deps[n] }
