package application

import (
	"github.com/davarch/relpipe/internal/domain"
)

// Graph is a validated set of stages together with its topological layering.
// Stages in one layer have no dependency on each other.
type Graph struct {
	stages []domain.StageSpec
	index  map[string]int
	layers [][]string
}

// BuildGraph validates specs and computes the layering. All configuration
// problems are reported here, before anything is executed.
func BuildGraph(specs []domain.StageSpec) (*Graph, error) {
	g := &Graph{
		stages: make([]domain.StageSpec, len(specs)),
		index:  make(map[string]int, len(specs)),
	}
	copy(g.stages, specs)

	for i, s := range g.stages {
		if s.Name == "" {
			return nil, &domain.InvalidStageError{Reason: "empty stage name"}
		}
		if _, ok := g.index[s.Name]; ok {
			return nil, &domain.DuplicateStageError{Stage: s.Name}
		}
		if !s.Publish && len(s.Steps) == 0 {
			return nil, &domain.InvalidStageError{Stage: s.Name, Reason: "no steps"}
		}
		if s.Publish {
			if err := checkPublish(s); err != nil {
				return nil, err
			}
		}
		if err := checkAxis(s); err != nil {
			return nil, err
		}
		g.index[s.Name] = i
	}

	for _, s := range g.stages {
		for _, dep := range s.Needs {
			if dep == s.Name {
				return nil, &domain.CycleError{Path: []string{s.Name, s.Name}}
			}
			if _, ok := g.index[dep]; !ok {
				return nil, &domain.UnknownDependencyError{Stage: s.Name, Dependency: dep}
			}
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	g.layers = g.layering()
	return g, nil
}

// detectCycles walks dependencies depth-first in declaration order and
// returns the first cycle found, including its path.
// checkPublish rejects settings the publish stage cannot honour. A retried
// publish would hit its own release and hide which uploads failed.
func checkPublish(s domain.StageSpec) error {
	reason := ""
	switch {
	case len(s.Matrix) > 0:
		reason = "publish stage cannot have a matrix"
	case s.Retries > 0:
		reason = "publish stage cannot be retried"
	case len(s.Steps) > 0:
		reason = "publish stage cannot have steps"
	case len(s.Outputs) > 0:
		reason = "publish stage cannot declare outputs"
	case len(s.Env) > 0:
		reason = "publish stage cannot set env"
	}
	if reason != "" {
		return &domain.InvalidStageError{Stage: s.Name, Reason: reason}
	}
	return nil
}

func (g *Graph) detectCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(g.stages))
	var stack []string

	var visit func(i int) error
	visit = func(i int) error {
		state[i] = visiting
		stack = append(stack, g.stages[i].Name)
		for _, dep := range g.stages[i].Needs {
			j := g.index[dep]
			switch state[j] {
			case visiting:
				return &domain.CycleError{Path: cyclePath(stack, dep)}
			case unvisited:
				if err := visit(j); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[i] = done
		return nil
	}

	for i := range g.stages {
		if state[i] == unvisited {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

func cyclePath(stack []string, back string) []string {
	for i, name := range stack {
		if name == back {
			path := append([]string{}, stack[i:]...)
			return append(path, back)
		}
	}
	return append(append([]string{}, stack...), back)
}

// layering assigns each stage the layer 1 + max(layer of its dependencies).
// Must only be called on an acyclic graph.
func (g *Graph) layering() [][]string {
	depth := make(map[string]int, len(g.stages))

	var level func(i int) int
	level = func(i int) int {
		name := g.stages[i].Name
		if d, ok := depth[name]; ok {
			return d
		}
		d := 0
		for _, dep := range g.stages[i].Needs {
			if l := level(g.index[dep]) + 1; l > d {
				d = l
			}
		}
		depth[name] = d
		return d
	}

	var layers [][]string
	for i, s := range g.stages {
		d := level(i)
		for len(layers) <= d {
			layers = append(layers, nil)
		}
		layers[d] = append(layers[d], s.Name)
	}
	return layers
}

// Layers returns stage names grouped by layer, in declaration order within
// each layer.
func (g *Graph) Layers() [][]string {
	out := make([][]string, len(g.layers))
	for i, l := range g.layers {
		out[i] = append([]string(nil), l...)
	}
	return out
}

func (g *Graph) Stage(name string) (domain.StageSpec, bool) {
	i, ok := g.index[name]
	if !ok {
		return domain.StageSpec{}, false
	}
	return g.stages[i], true
}

// Stages returns the specs in declaration order.
func (g *Graph) Stages() []domain.StageSpec {
	return append([]domain.StageSpec(nil), g.stages...)
}
