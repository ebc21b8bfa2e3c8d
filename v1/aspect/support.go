// Package aspect runs intercepted operations under the locks their
// attributes declare. The interception itself belongs to the caller, which
// hands Support the operation identity, its arguments and a continuation.
package aspect

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/limbo-world/limbo-locker/v1/attribute"
	"github.com/limbo-world/limbo-locker/v1/evaluation"
	"github.com/limbo-world/limbo-locker/v1/lock"
	"github.com/limbo-world/limbo-locker/v1/template"
)

// Invocation identifies one intercepted call.
type Invocation struct {
	Method attribute.Method
	Target string
	Args   []any
}

// Proceed runs the intercepted operation.
type Proceed func(ctx context.Context) (any, error)

// FailureHandler decides the outcome of an invocation whose lock could not
// be obtained, err being an *errors.AcquireError, or whose operation failed.
// lockName is the comma separated list of evaluated names.
type FailureHandler func(ctx context.Context, inv Invocation, lockName string, err error) (any, error)

// Support orchestrates one intercepted call: resolve the attribute, evaluate
// the lock name(s), then run the continuation through the single or multi
// lock template. It is safe for concurrent use.
type Support struct {
	source   attribute.Source
	template *template.Template
	multi    *template.MultiTemplate

	evaluators    *evaluation.Registry
	evaluatorName string
	evaluator     evaluation.NameEvaluator
	onFailure     FailureHandler
	logger        *zap.Logger

	mu       sync.Mutex
	fallback evaluation.NameEvaluator
}

// Option configures a Support.
type Option func(*Support)

// WithEvaluatorRegistry sets the registry named evaluators are looked up in.
func WithEvaluatorRegistry(r *evaluation.Registry) Option {
	return func(s *Support) {
		if r != nil {
			s.evaluators = r
		}
	}
}

// WithEvaluatorName sets the registry name of the evaluator used when the
// attribute names none.
func WithEvaluatorName(name string) Option {
	return func(s *Support) { s.evaluatorName = strings.TrimSpace(name) }
}

// WithEvaluator sets the evaluator used when neither the attribute nor
// WithEvaluatorName selects a registered one.
func WithEvaluator(ev evaluation.NameEvaluator) Option {
	return func(s *Support) { s.evaluator = ev }
}

// WithFailureHandler replaces the default failure handler, which logs the
// failure and returns it.
func WithFailureHandler(h FailureHandler) Option {
	return func(s *Support) {
		if h != nil {
			s.onFailure = h
		}
	}
}

// WithLogger sets the logger of the Support.
func WithLogger(l *zap.Logger) Option {
	return func(s *Support) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a Support resolving attributes from source and locking
// through tpl. Without WithEvaluatorRegistry it uses
// evaluation.NewDefaultRegistry.
func New(source attribute.Source, tpl *template.Template, opts ...Option) *Support {
	s := &Support{
		source:   source,
		template: tpl,
		multi:    template.NewMulti(tpl),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.evaluators == nil {
		s.evaluators = evaluation.NewDefaultRegistry(s.logger)
	}
	if s.onFailure == nil {
		s.onFailure = LogAndReturn(s.logger)
	}
	return s
}

// Template returns the single lock template.
func (s *Support) Template() *template.Template { return s.template }

// Source returns the attribute source.
func (s *Support) Source() attribute.Source { return s.source }

// LogAndReturn is the default FailureHandler: it logs the failure and hands
// it back, so the guarded operation never runs unlocked by accident.
func LogAndReturn(logger *zap.Logger) FailureHandler {
	return func(_ context.Context, inv Invocation, lockName string, err error) (any, error) {
		logger.Error("distributed lock failed",
			zap.String("lock", lockName),
			zap.Stringer("method", inv.Method),
			zap.String("target", inv.Target),
			zap.Error(err))
		return nil, err
	}
}

// Invoke runs proceed under the locks configured for inv. Operations without
// an attribute run directly and never reach the lock service. Attribute and
// naming errors are returned as is; acquisition and operation failures go
// through the failure handler.
func (s *Support) Invoke(ctx context.Context, inv Invocation, proceed Proceed) (any, error) {
	attr, res, err := s.Resolve(ctx, inv)
	if err != nil {
		return nil, err
	}
	if attr == nil {
		return proceed(ctx)
	}

	p := paramsOf(attr)
	if attr.Kind() == attribute.Single {
		h := s.template.GetLock(res.Name)
		return s.template.Invoke(ctx, h, s.traced(proceed, res.Name), s.failure(inv, res.Name), p)
	}
	names := strings.Join(res.Names, ",")
	return s.multi.InvokeInMultiLock(ctx, res.Names, attr.AutoSortNames(), s.traced(proceed, names), s.failure(inv, names), p)
}

// Resolve returns the attribute guarding inv and the lock names it
// evaluates to, without touching the lock service. The attribute is nil
// for operations that run unguarded.
func (s *Support) Resolve(ctx context.Context, inv Invocation) (*attribute.Attribute, *evaluation.Result, error) {
	attr := s.attribute(inv)
	if attr == nil {
		return nil, nil, nil
	}
	ev, err := s.nameEvaluator(attr)
	if err != nil {
		return nil, nil, err
	}
	res, err := ev.Evaluate(ctx, evaluation.NewContext(inv.Method, inv.Target, inv.Args, attr))
	if err != nil {
		return nil, nil, err
	}
	return attr, res, nil
}

func (s *Support) attribute(inv Invocation) *attribute.Attribute {
	if s.source == nil {
		return nil
	}
	attr := s.source.Attribute(inv.Method, inv.Target)
	if attr == nil {
		return nil
	}
	if k := attr.Kind(); k != attribute.Single && k != attribute.Multi {
		s.logger.Warn("unknown lock attribute kind, running without lock",
			zap.Stringer("kind", k),
			zap.Stringer("method", inv.Method),
			zap.String("target", inv.Target))
		return nil
	}
	return attr
}

func (s *Support) traced(proceed Proceed, lockName string) template.Operation {
	return func(ctx context.Context) (any, error) {
		s.logger.Debug("running under lock", zap.String("lock", lockName))
		return proceed(ctx)
	}
}

func (s *Support) failure(inv Invocation, lockName string) template.FailureHandler {
	return func(ctx context.Context, _ lock.Handle, err error) (any, error) {
		return s.onFailure(ctx, inv, lockName, err)
	}
}

// nameEvaluator picks the evaluator for attr, first match wins: the one the
// attribute names, the one named by WithEvaluatorName, the one set with
// WithEvaluator, and finally the registry default, which is cached.
func (s *Support) nameEvaluator(attr *attribute.Attribute) (evaluation.NameEvaluator, error) {
	if name := attr.Evaluator(); name != "" {
		if ev, ok := s.evaluators.Lookup(name); ok {
			return ev, nil
		}
		s.logger.Debug("evaluator not registered, falling back", zap.String("evaluator", name))
	}
	if ev, ok := s.evaluators.Lookup(s.evaluatorName); ok {
		return ev, nil
	}
	if s.evaluator != nil {
		return s.evaluator, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallback == nil {
		ev, ok := s.evaluators.Default()
		if !ok {
			return nil, fmt.Errorf("aspect: no name evaluator available")
		}
		s.fallback = ev
	}
	return s.fallback, nil
}

func paramsOf(attr *attribute.Attribute) template.Params {
	return template.Params{
		Block:      attr.Block(),
		WaitTime:   attr.WaitTime(),
		HoldTime:   attr.HoldTime(),
		RetryTimes: attr.RetryTimes(),
	}
}

// Guard is the typed form of Support.Invoke.
func Guard[T any](ctx context.Context, s *Support, inv Invocation, proceed func(ctx context.Context) (T, error)) (T, error) {
	res, err := s.Invoke(ctx, inv, func(ctx context.Context) (any, error) {
		return proceed(ctx)
	})
	v, _ := res.(T)
	return v, err
}
