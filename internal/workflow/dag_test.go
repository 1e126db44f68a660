package workflow

import "testing"

func defFromTasks(tasks []TaskDef) *Definition {
	return &Definition{ID: "t", Tasks: tasks}
}

func TestBuildDAGOrderAndLevels(t *testing.T) {
	dag, err := BuildDAG(defFromTasks([]TaskDef{
		{ID: "a", Script: "./a.sh"},
		{ID: "b", Script: "./b.sh", DependsOn: []string{"a"}},
		{ID: "c", Script: "./c.sh", DependsOn: []string{"a"}},
		{ID: "d", Script: "./d.sh", DependsOn: []string{"b", "c"}},
	}))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if len(dag.Order) != 4 || dag.Order[0] != "a" || dag.Order[3] != "d" {
		t.Fatalf("order: %v", dag.Order)
	}
	if dag.Levels["a"] != 0 || dag.Levels["b"] != 1 || dag.Levels["d"] != 2 {
		t.Fatalf("levels: %v", dag.Levels)
	}
	if len(dag.Forward["a"]) != 2 || len(dag.Reverse["d"]) != 2 {
		t.Fatalf("edges: forward=%v reverse=%v", dag.Forward, dag.Reverse)
	}
}

func TestBuildDAGCycleRejected(t *testing.T) {
	_, err := BuildDAG(defFromTasks([]TaskDef{
		{ID: "a", Script: "./a.sh", DependsOn: []string{"b"}},
		{ID: "b", Script: "./b.sh", DependsOn: []string{"a"}},
	}))
	if err == nil {
		t.Fatal("cycle accepted")
	}
}

func TestBuildDAGSelfCycleRejected(t *testing.T) {
	_, err := BuildDAG(defFromTasks([]TaskDef{
		{ID: "a", Script: "./a.sh", DependsOn: []string{"a"}},
	}))
	if err == nil {
		t.Fatal("self dependency accepted")
	}
}

func TestBuildDAGUnknownDependency(t *testing.T) {
	_, err := BuildDAG(defFromTasks([]TaskDef{
		{ID: "a", Script: "./a.sh", DependsOn: []string{"ghost"}},
	}))
	if err == nil {
		t.Fatal("unknown dependency accepted")
	}
}

func TestBuildDAGDuplicateID(t *testing.T) {
	_, err := BuildDAG(defFromTasks([]TaskDef{
		{ID: "a", Script: "./a.sh"},
		{ID: "a", Script: "./other.sh"},
	}))
	if err == nil {
		t.Fatal("duplicate id accepted")
	}
}

func TestBuildDAGMatrixDependencies(t *testing.T) {
	dag, err := BuildDAG(defFromTasks([]TaskDef{
		{ID: "test", Script: "./t.sh ${v}", Matrix: Matrix{{Name: "v", Values: []string{"1", "2"}}}},
		{ID: "done", Script: "./d.sh", DependsOn: []string{"test"}},
	}))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if len(dag.Tasks) != 3 {
		t.Fatalf("tasks: %v", dag.Order)
	}
	if len(dag.Reverse["done"]) != 2 {
		t.Fatalf("fan-out deps: %v", dag.Reverse["done"])
	}
}
