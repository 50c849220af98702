// Package checks compiles and evaluates task-authored automated checks.
//
// A check program is a set of HCL blocks:
//
//	check "file_created" {
//	  score = file_exists("out.txt") ? 1 : 0
//	}
//
// Expressions see the session transcript as variables and may read, but never
// write, the task workspace. There is no network or environment access.
package checks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/signalnine/pinchbench/internal/transcript"
)

var programSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{{Type: "check", LabelNames: []string{"name"}}},
}

var checkSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "when"},
		{Name: "score", Required: true},
	},
}

// Variables visible to check expressions.
var variableNames = map[string]bool{
	"transcript":     true,
	"tool_calls":     true,
	"assistant_text": true,
}

type check struct {
	name  string
	when  hcl.Expression
	score hcl.Expression
}

// Program is a compiled check set. It holds no per-evaluation state and may be
// evaluated concurrently.
type Program struct {
	filename string
	checks   []check
}

// Input is everything a check program may observe.
type Input struct {
	Events    []transcript.Event
	Workspace string
}

// Compile parses src and verifies that it only references known variables and
// functions.
func Compile(filename, src string) (*Program, error) {
	file, diags := hclsyntax.ParseConfig([]byte(src), filename, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, diags
	}
	content, diags := file.Body.Content(programSchema)
	if diags.HasErrors() {
		return nil, diags
	}
	if len(content.Blocks) == 0 {
		return nil, errors.New("no check blocks defined")
	}

	known := functionNames()
	p := &Program{filename: filename}
	seen := make(map[string]bool)
	for _, block := range content.Blocks {
		name := block.Labels[0]
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%s: check name must not be empty", block.DefRange)
		}
		if seen[name] {
			return nil, fmt.Errorf("%s: duplicate check %q", block.DefRange, name)
		}
		seen[name] = true

		attrs, diags := block.Body.Content(checkSchema)
		if diags.HasErrors() {
			return nil, diags
		}
		c := check{name: name, score: attrs.Attributes["score"].Expr}
		if when, ok := attrs.Attributes["when"]; ok {
			c.when = when.Expr
		}
		for _, expr := range []hcl.Expression{c.when, c.score} {
			if expr == nil {
				continue
			}
			if err := validateExpr(expr, known); err != nil {
				return nil, fmt.Errorf("check %q: %w", name, err)
			}
		}
		p.checks = append(p.checks, c)
	}
	return p, nil
}

func validateExpr(expr hcl.Expression, known map[string]bool) error {
	for _, traversal := range expr.Variables() {
		if root := traversal.RootName(); !variableNames[root] {
			return fmt.Errorf("%s: unknown variable %q", traversal.SourceRange(), root)
		}
	}
	syntaxExpr, ok := expr.(hclsyntax.Expression)
	if !ok {
		return nil
	}
	var unknown error
	hclsyntax.VisitAll(syntaxExpr, func(n hclsyntax.Node) hcl.Diagnostics {
		if call, ok := n.(*hclsyntax.FunctionCallExpr); ok && !known[call.Name] && unknown == nil {
			unknown = fmt.Errorf("%s: unknown function %q", call.NameRange, call.Name)
		}
		return nil
	})
	return unknown
}

// Names lists the criteria this program can produce, in declaration order.
func (p *Program) Names() []string {
	names := make([]string, len(p.checks))
	for i, c := range p.checks {
		names[i] = c.name
	}
	return names
}

// Evaluate runs every check against in. Checks whose when condition is false
// are omitted from the result. Scores are returned unclamped. A panic inside
// evaluation is returned as an error, as is ctx expiring first. After ctx
// expires the evaluation stops at the next check boundary; a single
// expression already running is not interrupted.
func (p *Program) Evaluate(ctx context.Context, in Input) (map[string]float64, error) {
	type outcome struct {
		scores map[string]float64
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("check evaluation panicked: %v", r)}
			}
		}()
		scores, err := p.evaluate(ctx, in)
		done <- outcome{scores: scores, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("evaluating checks: %w", ctx.Err())
	case o := <-done:
		return o.scores, o.err
	}
}

func (p *Program) evaluate(ctx context.Context, in Input) (map[string]float64, error) {
	root, err := os.OpenRoot(in.Workspace)
	if err != nil {
		return nil, fmt.Errorf("opening workspace: %w", err)
	}
	defer root.Close()

	evalCtx := &hcl.EvalContext{
		Variables: transcriptVariables(in.Events),
		Functions: functions(root, in.Events),
	}

	scores := make(map[string]float64, len(p.checks))
	for _, c := range p.checks {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("evaluating checks: %w", err)
		}
		if c.when != nil {
			v, diags := c.when.Value(evalCtx)
			if diags.HasErrors() {
				return nil, fmt.Errorf("check %q when: %w", c.name, diags)
			}
			include, err := asBool(v)
			if err != nil {
				return nil, fmt.Errorf("check %q when: %w", c.name, err)
			}
			if !include {
				continue
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("evaluating checks: %w", err)
		}
		v, diags := c.score.Value(evalCtx)
		if diags.HasErrors() {
			return nil, fmt.Errorf("check %q score: %w", c.name, diags)
		}
		score, err := asScore(v)
		if err != nil {
			return nil, fmt.Errorf("check %q score: %w", c.name, err)
		}
		scores[c.name] = score
	}
	return scores, nil
}

func asBool(v cty.Value) (bool, error) {
	if v.IsNull() || !v.IsKnown() {
		return false, errors.New("value is null")
	}
	if v.Type() != cty.Bool {
		return false, fmt.Errorf("must be bool, got %s", v.Type().FriendlyName())
	}
	return v.True(), nil
}

func asScore(v cty.Value) (float64, error) {
	if v.IsNull() || !v.IsKnown() {
		return 0, errors.New("value is null")
	}
	switch v.Type() {
	case cty.Bool:
		if v.True() {
			return 1, nil
		}
		return 0, nil
	case cty.Number:
		f, _ := v.AsBigFloat().Float64()
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return 0, fmt.Errorf("score %v is not finite", f)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("must be a number or bool, got %s", v.Type().FriendlyName())
	}
}

func functionNames() map[string]bool {
	names := make(map[string]bool)
	for name := range functions(nil, nil) {
		names[name] = true
	}
	return names
}

// FunctionNames lists the functions available to check expressions.
func FunctionNames() []string {
	var names []string
	for name := range functionNames() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
