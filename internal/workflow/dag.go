package workflow

import (
	"fmt"
	"sort"
)

// DAG is the validated task graph for one workflow submission. Built once,
// never mutated after validation.
type DAG struct {
	Name    string
	Tasks   map[string]*Task
	Forward map[string][]string // task -> dependents
	Reverse map[string][]string // task -> dependencies
	Order   []string            // one valid topological order
	Levels  map[string]int      // max depth from any root
}

// BuildDAG expands the definition and validates the graph: every dependency
// must resolve (after matrix expansion) and no cycle may exist. Validation
// runs Kahn's algorithm; a cycle fails the build before any scheduling.
func BuildDAG(def *Definition) (*DAG, error) {
	tasks, err := expand(def)
	if err != nil {
		return nil, err
	}

	d := &DAG{
		Name:    def.ID,
		Tasks:   make(map[string]*Task, len(tasks)),
		Forward: make(map[string][]string),
		Reverse: make(map[string][]string),
		Levels:  make(map[string]int),
	}
	for _, t := range tasks {
		if _, dup := d.Tasks[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		d.Tasks[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := d.Tasks[dep]; !ok {
				return nil, fmt.Errorf("task %s depends on unknown task %s", t.ID, dep)
			}
			d.Forward[dep] = append(d.Forward[dep], t.ID)
			d.Reverse[t.ID] = append(d.Reverse[t.ID], dep)
		}
	}

	// Kahn's algorithm, deterministic by insertion order.
	inDegree := make(map[string]int, len(tasks))
	for _, t := range tasks {
		inDegree[t.ID] = len(t.DependsOn)
	}
	var queue []string
	for _, t := range tasks {
		if inDegree[t.ID] == 0 {
			queue = append(queue, t.ID)
			d.Levels[t.ID] = 0
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		d.Order = append(d.Order, id)
		children := append([]string(nil), d.Forward[id]...)
		sort.SliceStable(children, func(i, j int) bool {
			return d.Tasks[children[i]].index < d.Tasks[children[j]].index
		})
		for _, child := range children {
			if lvl := d.Levels[id] + 1; lvl > d.Levels[child] {
				d.Levels[child] = lvl
			}
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	if len(d.Order) != len(tasks) {
		return nil, fmt.Errorf("workflow %s has a dependency cycle", def.ID)
	}
	return d, nil
}
