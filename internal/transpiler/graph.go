// Package transpiler plans and compiles format-conversion pipelines. Formats
// are nodes in a directed multigraph; each edge is a one-step conversion
// function. The planner finds the shortest pipeline from a source format to
// any of a pilot's accepted formats, and Compile folds the edge functions
// into a single callable.
//
// The graph is populated once at start-up (RegisterBuiltins) and must not be
// mutated after workers begin.
package transpiler

import (
	"github.com/qontrol-dev/qontrol/internal/format"
	"github.com/qontrol-dev/qontrol/internal/qerr"
)

// ConvertFunc converts a circuit value one step. Inputs and outputs are
// whatever the adjacent edges exchange: source text for textual formats,
// *circuit.Circuit for native ones.
type ConvertFunc func(in any) (any, error)

// Step is one edge of a compiled plan.
type Step struct {
	Src format.Format
	Dst format.Format
	Fn  ConvertFunc
}

type Graph struct {
	// edges[src][dst] holds the registered conversion; duplicate
	// registration replaces.
	edges map[format.Format]map[format.Format]ConvertFunc
}

func NewGraph() *Graph {
	return &Graph{edges: map[format.Format]map[format.Format]ConvertFunc{}}
}

// Register installs the conversion for (src, dst), replacing any previous
// registration for the pair.
func (g *Graph) Register(src, dst format.Format, fn ConvertFunc) {
	if g.edges[src] == nil {
		g.edges[src] = map[format.Format]ConvertFunc{}
	}
	g.edges[src][dst] = fn
}

// Plan returns the shortest pipeline from src to any of the candidate
// targets. All edges weigh 1; ties between equally distant targets are
// broken by target order. A same-format target yields an empty plan.
func (g *Graph) Plan(src format.Format, targets []format.Format) ([]Step, error) {
	if len(targets) == 0 {
		return nil, qerr.New(qerr.KindNoPath, "no target formats given")
	}
	var best []Step
	found := false
	for _, dst := range targets {
		steps, ok := g.shortestPath(src, dst)
		if !ok {
			continue
		}
		// Strictly shorter wins; earlier targets win ties.
		if !found || len(steps) < len(best) {
			best = steps
			found = true
		}
	}
	if !found {
		return nil, qerr.New(qerr.KindNoPath,
			"no transpilation path from %s to any of %v", src, targets)
	}
	return best, nil
}

// shortestPath runs a BFS from src to dst (unit edge weights). Neighbor
// expansion follows the stable format order so plans are deterministic.
func (g *Graph) shortestPath(src, dst format.Format) ([]Step, bool) {
	if src == dst {
		return []Step{}, true
	}
	prev := map[format.Format]format.Format{src: src}
	queue := []format.Format{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range format.All() {
			if _, seen := prev[next]; seen {
				continue
			}
			if g.edges[cur][next] == nil {
				continue
			}
			prev[next] = cur
			if next == dst {
				return g.rebuild(prev, src, dst), true
			}
			queue = append(queue, next)
		}
	}
	return nil, false
}

func (g *Graph) rebuild(prev map[format.Format]format.Format, src, dst format.Format) []Step {
	var rev []Step
	for cur := dst; cur != src; cur = prev[cur] {
		p := prev[cur]
		rev = append(rev, Step{Src: p, Dst: cur, Fn: g.edges[p][cur]})
	}
	steps := make([]Step, 0, len(rev))
	for i := len(rev) - 1; i >= 0; i-- {
		steps = append(steps, rev[i])
	}
	return steps
}

// Compile folds a plan into one function. An empty plan compiles to the
// identity. A failing edge surfaces as a TranspileError naming the edge.
func Compile(steps []Step) func(in any) (any, error) {
	return func(in any) (any, error) {
		cur := in
		for _, step := range steps {
			next, err := step.Fn(cur)
			if err != nil {
				return nil, qerr.Wrap(qerr.KindTranspile, err, "edge %s->%s", step.Src, step.Dst)
			}
			cur = next
		}
		return cur, nil
	}
}
