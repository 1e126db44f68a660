// Package workflow builds a DAG from task definitions, expands matrices,
// schedules tasks respecting dependencies and a parallelism ceiling, and
// records per-task results. Task execution is delegated to the retry driver
// and the execution controller.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/runforge/runforge/internal/retrier"
)

// Definition is the on-disk workflow document (YAML; JSON parses as a YAML
// subset).
type Definition struct {
	ID     string            `yaml:"id" json:"id"`
	Config DefConfig         `yaml:"config" json:"config"`
	Env    map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Tasks  []TaskDef         `yaml:"tasks" json:"tasks"`
}

type DefConfig struct {
	MaxParallel int `yaml:"max_parallel" json:"max_parallel"`
}

// TaskDef is one task as authored, before matrix expansion.
type TaskDef struct {
	ID        string            `yaml:"id" json:"id"`
	Script    string            `yaml:"script" json:"script"`
	DependsOn []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	SkipIf    string            `yaml:"skip_if,omitempty" json:"skip_if,omitempty"`
	RunAlways bool              `yaml:"run_always,omitempty" json:"run_always,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Inputs    map[string]string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs   []string          `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Matrix    Matrix            `yaml:"matrix,omitempty" json:"matrix,omitempty"`
	Metadata  Metadata          `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Matrix is the authored matrix block. Expanded instance ids embed the
// values in declaration order, so decoding must keep the document's key
// order rather than a map's.
type Matrix []MatrixAxis

type MatrixAxis struct {
	Name   string
	Values []string
}

func (m *Matrix) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("matrix must map variable names to value lists")
	}
	seen := make(map[string]bool, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var ax MatrixAxis
		if err := node.Content[i].Decode(&ax.Name); err != nil {
			return err
		}
		if err := node.Content[i+1].Decode(&ax.Values); err != nil {
			return fmt.Errorf("matrix variable %s: %w", ax.Name, err)
		}
		if seen[ax.Name] {
			return fmt.Errorf("matrix variable %s declared twice", ax.Name)
		}
		seen[ax.Name] = true
		*m = append(*m, ax)
	}
	return nil
}

type Metadata struct {
	Timeout  float64   `yaml:"timeout,omitempty" json:"timeout,omitempty"` // seconds
	Priority string    `yaml:"priority,omitempty" json:"priority,omitempty"`
	Retry    *RetryDef `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// RetryDef is the workflow-file spelling of a retry policy (delays in
// seconds).
type RetryDef struct {
	Strategy          string  `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	MaxAttempts       int     `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay      float64 `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay          float64 `yaml:"max_delay" json:"max_delay"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier,omitempty" json:"backoff_multiplier,omitempty"`
	RetryOnExitCodes  []int   `yaml:"retry_on_exit_codes,omitempty" json:"retry_on_exit_codes,omitempty"`
}

func (r *RetryDef) Policy() retrier.Policy {
	p := retrier.Policy{
		Strategy:         retrier.Strategy(r.Strategy),
		MaxAttempts:      r.MaxAttempts,
		InitialDelay:     time.Duration(r.InitialDelay * float64(time.Second)),
		MaxDelay:         time.Duration(r.MaxDelay * float64(time.Second)),
		RetryOnExitCodes: r.RetryOnExitCodes,
	}
	if p.Strategy == "" {
		p.Strategy = retrier.StrategyExponential
	}
	return p
}

// Task is one schedulable node after matrix expansion and substitution.
type Task struct {
	ID        string
	Command   string
	Argv      []string
	DependsOn []string
	SkipIf    string
	RunAlways bool
	Env       map[string]string
	Priority  int // 0 high, 1 normal, 2 low
	Timeout   time.Duration
	Retry     retrier.Policy

	index int // insertion order, breaks priority ties
}

// ParseDefinition decodes a workflow document.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if def.ID == "" {
		return nil, fmt.Errorf("workflow id is required")
	}
	if len(def.Tasks) == 0 {
		return nil, fmt.Errorf("workflow %s has no tasks", def.ID)
	}
	return &def, nil
}

func priorityRank(p string) int {
	switch strings.ToLower(p) {
	case "high":
		return 0
	case "low":
		return 2
	default:
		return 1
	}
}

// expand turns the authored tasks into schedulable nodes: matrix Cartesian
// product, ${var} substitution, argv splitting. A dependency on a matrix
// task's base id fans out to every expanded instance.
func expand(def *Definition) ([]*Task, error) {
	// Base ids that fan out, for dependency rewriting.
	expansions := make(map[string][]string)
	var tasks []*Task

	for _, td := range def.Tasks {
		if td.ID == "" {
			return nil, fmt.Errorf("task with empty id")
		}
		if td.Script == "" {
			return nil, fmt.Errorf("task %s has no script", td.ID)
		}
		combos := matrixCombos(td.Matrix)
		for _, combo := range combos {
			t, err := buildTask(def, td, combo)
			if err != nil {
				return nil, err
			}
			t.index = len(tasks)
			tasks = append(tasks, t)
			if len(td.Matrix) > 0 {
				expansions[td.ID] = append(expansions[td.ID], t.ID)
			}
		}
	}

	// Rewrite dependencies that name a matrix base id.
	for _, t := range tasks {
		var deps []string
		for _, d := range t.DependsOn {
			if fanned, ok := expansions[d]; ok {
				deps = append(deps, fanned...)
			} else {
				deps = append(deps, d)
			}
		}
		t.DependsOn = deps
	}
	return tasks, nil
}

// matrixCombos returns the Cartesian product of the matrix values. Axes keep
// declaration order with the first-declared variable varying slowest; an
// empty matrix yields one empty combo.
func matrixCombos(matrix Matrix) []map[string]string {
	if len(matrix) == 0 {
		return []map[string]string{nil}
	}
	combos := []map[string]string{{}}
	for _, ax := range matrix {
		var next []map[string]string
		for _, combo := range combos {
			for _, val := range ax.Values {
				c := make(map[string]string, len(combo)+1)
				for k, v := range combo {
					c[k] = v
				}
				c[ax.Name] = val
				next = append(next, c)
			}
		}
		combos = next
	}
	return combos
}

func buildTask(def *Definition, td TaskDef, combo map[string]string) (*Task, error) {
	id := td.ID
	if combo != nil {
		// Instance ids join values in the order the variables were declared.
		vals := make([]string, len(td.Matrix))
		for i, ax := range td.Matrix {
			vals[i] = combo[ax.Name]
		}
		id = fmt.Sprintf("%s[%s]", td.ID, strings.Join(vals, ","))
	}

	env := make(map[string]string)
	for k, v := range def.Env {
		env[k] = v
	}
	for k, v := range td.Env {
		env[k] = v
	}
	for k, v := range combo {
		env[k] = v
	}

	command := substitute(td.Script, env)
	argv, err := splitCommand(command)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("task %s: empty command", id)
	}

	t := &Task{
		ID:        id,
		Command:   command,
		Argv:      argv,
		DependsOn: append([]string(nil), td.DependsOn...),
		SkipIf:    td.SkipIf,
		RunAlways: td.RunAlways,
		Env:       env,
		Priority:  priorityRank(td.Metadata.Priority),
		Timeout:   time.Duration(td.Metadata.Timeout * float64(time.Second)),
	}
	if td.Metadata.Retry != nil {
		t.Retry = td.Metadata.Retry.Policy()
	} else {
		t.Retry = retrier.Policy{MaxAttempts: 1}
	}
	return t, nil
}

// substitute replaces ${var} references from env. Unknown variables are left
// intact for the child's own environment expansion.
func substitute(s string, env map[string]string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		if s[i] == '$' && i+1 < len(s) && s[i+1] == '{' {
			if end := strings.IndexByte(s[i+2:], '}'); end >= 0 {
				name := s[i+2 : i+2+end]
				if val, ok := env[name]; ok {
					b.WriteString(val)
					i += end + 3
					continue
				}
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

// splitCommand tokenises a command line honouring single and double quotes.
// The result is passed as an argv list, never through a shell.
func splitCommand(s string) ([]string, error) {
	var argv []string
	var cur strings.Builder
	var quote byte
	inToken := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inToken = true
		case c == ' ' || c == '\t':
			if inToken {
				argv = append(argv, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteByte(c)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in command %q", s)
	}
	if inToken {
		argv = append(argv, cur.String())
	}
	return argv, nil
}
