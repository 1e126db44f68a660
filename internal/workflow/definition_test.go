package workflow

import (
	"testing"
	"time"
)

const basicYAML = `
id: demo
config:
  max_parallel: 2
env:
  REGION: eu
tasks:
  - id: fetch
    script: ./fetch.sh ${REGION}
  - id: report
    script: ./report.sh
    depends_on: [fetch]
    metadata:
      timeout: 2.5
      priority: high
      retry:
        strategy: fixed
        max_attempts: 3
        initial_delay: 0.5
        max_delay: 5
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(basicYAML))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if def.ID != "demo" || def.Config.MaxParallel != 2 || len(def.Tasks) != 2 {
		t.Fatalf("definition: %+v", def)
	}
}

func TestParseDefinitionErrors(t *testing.T) {
	if _, err := ParseDefinition([]byte("tasks:\n  - id: a\n    script: x\n")); err == nil {
		t.Error("missing workflow id accepted")
	}
	if _, err := ParseDefinition([]byte("id: empty\ntasks: []\n")); err == nil {
		t.Error("empty task list accepted")
	}
	if _, err := ParseDefinition([]byte(":::not yaml")); err == nil {
		t.Error("malformed document accepted")
	}
}

func TestExpandSubstitutionAndMetadata(t *testing.T) {
	def, err := ParseDefinition([]byte(basicYAML))
	if err != nil {
		t.Fatal(err)
	}
	tasks, err := expand(def)
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	fetch := tasks[0]
	if fetch.Command != "./fetch.sh eu" {
		t.Fatalf("substitution: %q", fetch.Command)
	}
	report := tasks[1]
	if report.Priority != 0 {
		t.Fatalf("priority rank: %d", report.Priority)
	}
	if report.Timeout != 2500*time.Millisecond {
		t.Fatalf("timeout: %v", report.Timeout)
	}
	if report.Retry.MaxAttempts != 3 || report.Retry.InitialDelay != 500*time.Millisecond {
		t.Fatalf("retry policy: %+v", report.Retry)
	}
	if fetch.Retry.MaxAttempts != 1 {
		t.Fatalf("default retry: %+v", fetch.Retry)
	}
}

const matrixYAML = `
id: matrix-demo
tasks:
  - id: test
    script: ./run.sh ${os} ${arch}
    matrix:
      os: [linux, darwin]
      arch: [amd64, arm64]
  - id: publish
    script: ./publish.sh
    depends_on: [test]
`

func TestMatrixExpansion(t *testing.T) {
	def, err := ParseDefinition([]byte(matrixYAML))
	if err != nil {
		t.Fatal(err)
	}
	tasks, err := expand(def)
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	if len(tasks) != 5 {
		t.Fatalf("want 4 matrix instances + publish, got %d", len(tasks))
	}

	byID := map[string]*Task{}
	for _, tk := range tasks {
		byID[tk.ID] = tk
	}
	inst, ok := byID["test[linux,amd64]"]
	if !ok {
		t.Fatalf("missing matrix instance, have %v", keys(byID))
	}
	if inst.Command != "./run.sh linux amd64" {
		t.Fatalf("matrix substitution: %q", inst.Command)
	}
	if inst.Env["os"] != "linux" || inst.Env["arch"] != "amd64" {
		t.Fatalf("matrix env: %v", inst.Env)
	}

	publish := byID["publish"]
	if len(publish.DependsOn) != 4 {
		t.Fatalf("dependency fan-out: %v", publish.DependsOn)
	}
}

// Instance ids must list matrix values in the order the variables were
// declared, with the first-declared variable varying slowest. The ids are
// addressable from depends_on and skip_if, so the order is contract.
func TestMatrixInstanceOrderFollowsDeclaration(t *testing.T) {
	const doc = `
id: order-demo
tasks:
  - id: t
    script: ./t.sh
    matrix:
      py: ["3.8", "3.9"]
      os: [linux, mac]
`
	def, err := ParseDefinition([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	tasks, err := expand(def)
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	want := []string{"t[3.8,linux]", "t[3.8,mac]", "t[3.9,linux]", "t[3.9,mac]"}
	if len(tasks) != len(want) {
		t.Fatalf("instances: %d", len(tasks))
	}
	for i, tk := range tasks {
		if tk.ID != want[i] {
			t.Fatalf("instance %d = %q, want %q", i, tk.ID, want[i])
		}
	}
}

func TestMatrixRejectsDuplicateVariable(t *testing.T) {
	const doc = `
id: dup
tasks:
  - id: t
    script: ./t.sh
    matrix: {os: [linux], os: [mac]}
`
	if _, err := ParseDefinition([]byte(doc)); err == nil {
		t.Fatal("duplicate matrix variable accepted")
	}
}

func keys(m map[string]*Task) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestSubstituteLeavesUnknownIntact(t *testing.T) {
	got := substitute("run ${known} ${unknown}", map[string]string{"known": "x"})
	if got != "run x ${unknown}" {
		t.Fatalf("substitute: %q", got)
	}
}

func TestSplitCommand(t *testing.T) {
	argv, err := splitCommand(`./run.sh --msg "hello world" 'single quoted'  spaced`)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	want := []string{"./run.sh", "--msg", "hello world", "single quoted", "spaced"}
	if len(argv) != len(want) {
		t.Fatalf("argv: %v", argv)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestSplitCommandUnterminatedQuote(t *testing.T) {
	if _, err := splitCommand(`./run.sh "oops`); err == nil {
		t.Fatal("unterminated quote accepted")
	}
}
