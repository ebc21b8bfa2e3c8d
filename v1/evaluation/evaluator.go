package evaluation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/limbo-world/limbo-locker/v1/attribute"
	lockerrors "github.com/limbo-world/limbo-locker/v1/errors"
)

// NameEvaluator computes the lock name(s) of an invocation.
type NameEvaluator interface {
	Evaluate(ctx context.Context, ec *Context) (*Result, error)
}

// NameEvaluatorFunc adapts a function to NameEvaluator.
type NameEvaluatorFunc func(ctx context.Context, ec *Context) (*Result, error)

// Evaluate implements NameEvaluator.
func (f NameEvaluatorFunc) Evaluate(ctx context.Context, ec *Context) (*Result, error) {
	return f(ctx, ec)
}

type programKey struct {
	text string
	site string
}

// Evaluator is the NameEvaluator backed by an Engine. Compiled programs are
// kept per expression and call site for the life of the Evaluator.
type Evaluator struct {
	engine   Engine
	logger   *zap.Logger
	programs sync.Map // programKey -> Program
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithLogger sets the logger of the Evaluator.
func WithLogger(l *zap.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEvaluator returns an Evaluator running expressions with engine.
func NewEvaluator(engine Engine, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{engine: engine, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate implements NameEvaluator. A literal name, or a non-empty list of
// literal names, is returned verbatim without touching the engine. Multi
// expressions run in declared order and each result is visible to the
// expressions after it. The resulting order is never changed here.
func (e *Evaluator) Evaluate(ctx context.Context, ec *Context) (*Result, error) {
	attr := ec.Attribute
	if attr == nil {
		return nil, fmt.Errorf("%w: no attribute to evaluate", lockerrors.ErrInvalidAttribute)
	}
	switch attr.Kind() {
	case attribute.Single:
		if name := attr.Name(); name != "" {
			return &Result{Context: ec, Name: name}, nil
		}
		name, err := e.evaluate(ctx, ec, attr.Expression())
		if err != nil {
			return nil, err
		}
		return &Result{Context: ec, Name: name}, nil
	case attribute.Multi:
		if names := attr.Names(); len(names) > 0 {
			return &Result{Context: ec, Names: names}, nil
		}
		exprs := attr.Expressions()
		names := make([]string, 0, len(exprs))
		for _, text := range exprs {
			name, err := e.evaluate(ctx, ec, text)
			if err != nil {
				return nil, err
			}
			ec.addEvaluatedName(name)
			names = append(names, name)
		}
		return &Result{Context: ec, Names: names}, nil
	default:
		return nil, fmt.Errorf("%w: cannot evaluate %s attribute", lockerrors.ErrInvalidAttribute, attr.Kind())
	}
}

func (e *Evaluator) evaluate(ctx context.Context, ec *Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prog, err := e.program(ec, text)
	if err != nil {
		return "", err
	}
	v, err := prog.Run(ec.Env())
	if err != nil {
		return "", fmt.Errorf("evaluation: %q on %s: %w", text, ec.Method, err)
	}
	var name string
	if v != nil {
		name = fmt.Sprint(v)
	}
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: %q on %s", lockerrors.ErrEmptyName, text, ec.Method)
	}
	return name, nil
}

func (e *Evaluator) program(ec *Context, text string) (Program, error) {
	key := programKey{text: text, site: ec.callSite()}
	if p, ok := e.programs.Load(key); ok {
		return p.(Program), nil
	}
	p, err := e.engine.Compile(text)
	if err != nil {
		return nil, fmt.Errorf("%w: compile %q: %v", lockerrors.ErrInvalidAttribute, text, err)
	}
	actual, loaded := e.programs.LoadOrStore(key, p)
	if !loaded {
		e.logger.Debug("compiled lock name expression",
			zap.String("expression", text),
			zap.String("site", key.site))
	}
	return actual.(Program), nil
}
