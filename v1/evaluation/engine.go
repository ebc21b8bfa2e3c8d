package evaluation

import (
	"github.com/casbin/govaluate"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Engine compiles naming expressions.
type Engine interface {
	Compile(text string) (Program, error)
}

// Program is a compiled expression. Run may be called concurrently.
type Program interface {
	Run(env map[string]any) (any, error)
}

// ExprEngine runs expressions with github.com/expr-lang/expr, for example
// `'order:' + arg0.ID` or `'L:' + arg0 + evaluatedNames[0]`.
type ExprEngine struct{}

// Compile implements Engine.
func (ExprEngine) Compile(text string) (Program, error) {
	p, err := expr.Compile(text)
	if err != nil {
		return nil, err
	}
	return exprProgram{p}, nil
}

type exprProgram struct {
	p *vm.Program
}

func (p exprProgram) Run(env map[string]any) (any, error) {
	return expr.Run(p.p, env)
}

// GovaluateEngine runs expressions with github.com/casbin/govaluate. It has
// no indexing, so earlier names are reached as evaluatedName0, evaluatedName1...
type GovaluateEngine struct{}

// Compile implements Engine.
func (GovaluateEngine) Compile(text string) (Program, error) {
	e, err := govaluate.NewEvaluableExpression(text)
	if err != nil {
		return nil, err
	}
	return govaluateProgram{e}, nil
}

type govaluateProgram struct {
	e *govaluate.EvaluableExpression
}

func (p govaluateProgram) Run(env map[string]any) (any, error) {
	return p.e.Evaluate(env)
}
