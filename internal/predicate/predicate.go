// Package predicate implements the restricted condition language shared by
// alert rules and workflow skip_if expressions:
//
//	<metric_name> <op> <number>
//	<task_id>.<attribute> <op> <number>   attribute: exit_code | status | duration
//
// Conditions parse into a typed AST and evaluate against a lookup context.
// Numeric comparison only; a condition over a missing name evaluates to
// "not ok" rather than erroring, so a bad rule never aborts a run.
package predicate

import (
	"fmt"
	"strconv"
	"strings"
)

type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

var opTokens = map[string]Op{
	"==": OpEq,
	"!=": OpNe,
	"<":  OpLt,
	"<=": OpLe,
	">":  OpGt,
	">=": OpGe,
}

func (o Op) String() string {
	for tok, op := range opTokens {
		if op == o {
			return tok
		}
	}
	return "?"
}

// Task attributes addressable from a condition.
const (
	AttrExitCode = "exit_code"
	AttrStatus   = "status"
	AttrDuration = "duration"
)

// Ref names the left-hand side of a comparison. Task == "" means Attr holds a
// bare metric name.
type Ref struct {
	Task string
	Attr string
}

// Condition is a single parsed comparison.
type Condition struct {
	Ref   Ref
	Op    Op
	Value float64
}

// Context resolves a Ref to a numeric value.
type Context interface {
	Lookup(ref Ref) (float64, bool)
}

// MetricMap adapts a plain metrics map to a Context.
type MetricMap map[string]float64

func (m MetricMap) Lookup(ref Ref) (float64, bool) {
	if ref.Task != "" {
		return 0, false
	}
	v, ok := m[ref.Attr]
	return v, ok
}

var taskAttrs = map[string]bool{
	AttrExitCode: true,
	AttrStatus:   true,
	AttrDuration: true,
}

// Parse compiles a condition string. The grammar is exactly three
// whitespace-separated tokens.
func Parse(s string) (Condition, error) {
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return Condition{}, fmt.Errorf("condition %q: want <name> <op> <number>", s)
	}
	op, ok := opTokens[fields[1]]
	if !ok {
		return Condition{}, fmt.Errorf("condition %q: unknown operator %q", s, fields[1])
	}
	val, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return Condition{}, fmt.Errorf("condition %q: bad numeric literal %q", s, fields[2])
	}
	return Condition{Ref: parseRef(fields[0]), Op: op, Value: val}, nil
}

func parseRef(tok string) Ref {
	if i := strings.LastIndex(tok, "."); i > 0 {
		attr := tok[i+1:]
		if taskAttrs[attr] {
			return Ref{Task: tok[:i], Attr: attr}
		}
	}
	return Ref{Attr: tok}
}

// Eval resolves the condition against ctx. The second return is false when
// the referenced value is unknown; callers treat that as "do not fire".
func (c Condition) Eval(ctx Context) (result, ok bool) {
	v, ok := ctx.Lookup(c.Ref)
	if !ok {
		return false, false
	}
	switch c.Op {
	case OpEq:
		return v == c.Value, true
	case OpNe:
		return v != c.Value, true
	case OpLt:
		return v < c.Value, true
	case OpLe:
		return v <= c.Value, true
	case OpGt:
		return v > c.Value, true
	case OpGe:
		return v >= c.Value, true
	}
	return false, false
}

func (c Condition) String() string {
	name := c.Ref.Attr
	if c.Ref.Task != "" {
		name = c.Ref.Task + "." + c.Ref.Attr
	}
	return fmt.Sprintf("%s %s %g", name, c.Op, c.Value)
}
