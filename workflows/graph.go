package workflows

import (
	"fmt"
	"sort"

	"github.com/surajsub/temporal-release-pipeline/models"
)

// Producer names the action that fills a slot.
type Producer struct {
	Stage   string
	Ordinal int
	Action  string
}

// Graph is a validated pipeline: stages in execution order and the producer
// of every slot.
type Graph struct {
	Stages    []models.Stage
	Producers map[string]Producer
}

// BuildGraph validates def and orders its stages. Ordinals must be unique,
// every slot must have exactly one producer, and an action may only consume
// slots produced by a stage with a strictly smaller ordinal. Stages are
// ordered topologically over their slot dependencies with ties broken by
// ordinal, which yields plain ordinal order for any valid definition.
func BuildGraph(def models.PipelineDefinition) (Graph, error) {
	if len(def.Stages) == 0 {
		return Graph{}, invalid("pipeline %s has no stages", def.Name)
	}

	g := Graph{Producers: make(map[string]Producer)}
	stageNames := make(map[string]bool)
	ordinals := make(map[int]string)
	actionNames := make(map[string]bool)

	for _, st := range def.Stages {
		if st.Name == "" {
			return Graph{}, invalid("stage with ordinal %d has no name", st.Ordinal)
		}
		if stageNames[st.Name] {
			return Graph{}, invalid("duplicate stage %s", st.Name)
		}
		stageNames[st.Name] = true
		if other, dup := ordinals[st.Ordinal]; dup {
			return Graph{}, invalid("stages %s and %s share ordinal %d", other, st.Name, st.Ordinal)
		}
		ordinals[st.Ordinal] = st.Name
		if len(st.Actions) == 0 {
			return Graph{}, invalid("stage %s has no actions", st.Name)
		}

		for _, a := range st.Actions {
			if err := validateAction(a); err != nil {
				return Graph{}, err
			}
			if actionNames[a.Name] {
				return Graph{}, invalid("duplicate action %s", a.Name)
			}
			actionNames[a.Name] = true
			for _, slot := range a.Outputs {
				if p, dup := g.Producers[slot]; dup {
					return Graph{}, invalid("slot %s produced by both %s and %s", slot, p.Action, a.Name)
				}
				g.Producers[slot] = Producer{Stage: st.Name, Ordinal: st.Ordinal, Action: a.Name}
			}
		}
	}

	// Edges run from the producing stage to the consuming stage.
	edges := make(map[string]map[string]bool)
	indegree := make(map[string]int)
	byName := make(map[string]models.Stage)
	for _, st := range def.Stages {
		byName[st.Name] = st
		indegree[st.Name] = 0
	}
	for _, st := range def.Stages {
		for _, a := range st.Actions {
			for _, slot := range a.Inputs {
				p, ok := g.Producers[slot]
				if !ok {
					return Graph{}, invalid("action %s consumes slot %s that no action produces", a.Name, slot)
				}
				if p.Ordinal >= st.Ordinal {
					return Graph{}, invalid("action %s in stage %s consumes slot %s from stage %s, which does not run earlier", a.Name, st.Name, slot, p.Stage)
				}
				if edges[p.Stage] == nil {
					edges[p.Stage] = make(map[string]bool)
				}
				if !edges[p.Stage][st.Name] {
					edges[p.Stage][st.Name] = true
					indegree[st.Name]++
				}
			}
		}
	}

	var ready []models.Stage
	for _, st := range def.Stages {
		if indegree[st.Name] == 0 {
			ready = append(ready, st)
		}
	}
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].Ordinal < ready[j].Ordinal })
		next := ready[0]
		ready = ready[1:]
		g.Stages = append(g.Stages, next)

		targets := make([]string, 0, len(edges[next.Name]))
		for name := range edges[next.Name] {
			targets = append(targets, name)
		}
		sort.Strings(targets)
		for _, name := range targets {
			indegree[name]--
			if indegree[name] == 0 {
				ready = append(ready, byName[name])
			}
		}
	}
	if len(g.Stages) != len(def.Stages) {
		return Graph{}, invalid("stage dependencies form a cycle")
	}
	return g, nil
}

func validateAction(a models.Action) error {
	if a.Name == "" {
		return invalid("action without a name")
	}
	switch a.Kind {
	case models.ActionSourceCheckout:
		if a.Source == nil {
			return invalid("source action %s has no source", a.Name)
		}
		if len(a.Inputs) > 0 {
			return invalid("source action %s cannot consume slots", a.Name)
		}
	case models.ActionBuildCommand:
		if a.Build == nil || len(a.Build.Commands) == 0 {
			return invalid("build action %s has no commands", a.Name)
		}
		if a.Build.Credential != nil && (a.Build.Credential.Domain == "" || a.Build.Credential.EnvVar == "") {
			return invalid("build action %s credential needs a domain and env_var", a.Name)
		}
	case models.ActionDeploy:
		if a.Deploy == nil || a.Deploy.Group == "" {
			return invalid("deploy action %s has no group", a.Name)
		}
		if len(a.Inputs) != 1 {
			return invalid("deploy action %s must consume exactly one slot", a.Name)
		}
		if len(a.Outputs) > 0 {
			return invalid("deploy action %s cannot produce slots", a.Name)
		}
	default:
		return invalid("action %s has unknown kind %q", a.Name, a.Kind)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", models.ErrInvalidDefinition, fmt.Sprintf(format, args...))
}
