// Package attribute describes which operations run under a lock and how.
//
// An Attribute is built once per call site with NewSingle or NewMulti and is
// immutable afterwards. A Source maps an operation to its Attribute;
// CachingSource resolves through a Finder, such as Registry, and memoizes
// every answer, including "no lock", for the life of the process.
package attribute

import (
	"fmt"
	"strings"
	"time"

	lockerrors "github.com/limbo-world/limbo-locker/v1/errors"
)

// Kind tells single-lock and multi-lock attributes apart.
type Kind int

const (
	// Single guards an operation with one named lock.
	Single Kind = iota + 1
	// Multi guards an operation with an ordered set of locks taken as one.
	Multi
)

func (k Kind) String() string {
	switch k {
	case Single:
		return "single"
	case Multi:
		return "multi"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Defaults applied by NewSingle and NewMulti.
const (
	DefaultWaitTime   = -time.Millisecond
	DefaultHoldTime   = 10 * time.Second
	DefaultRetryTimes = 3
)

// Attribute is the locking configuration of one call site. Exactly one name
// source is active: literal name(s) or expression(s).
type Attribute struct {
	kind       Kind
	block      bool
	waitTime   time.Duration
	holdTime   time.Duration
	retryTimes int
	evaluator  string

	// Single
	name       string
	expression string

	// Multi
	names         []string
	expressions   []string
	autoSortNames bool
}

// Option configures an Attribute under construction.
type Option func(*Attribute) error

// WithBlock makes acquisition wait until the lock is obtained, ignoring the
// wait time and retry count.
func WithBlock(block bool) Option {
	return func(a *Attribute) error {
		a.block = block
		return nil
	}
}

// WithWaitTime sets how long one acquisition attempt may wait.
func WithWaitTime(d time.Duration) Option {
	return func(a *Attribute) error {
		a.waitTime = d
		return nil
	}
}

// WithHoldTime sets the lease after which the lock expires on its own. Zero
// or less keeps the lock until it is released.
func WithHoldTime(d time.Duration) Option {
	return func(a *Attribute) error {
		a.holdTime = d
		return nil
	}
}

// WithRetryTimes sets the number of acquisition attempts.
func WithRetryTimes(n int) Option {
	return func(a *Attribute) error {
		a.retryTimes = n
		return nil
	}
}

// WithEvaluator selects a named evaluator for this call site.
func WithEvaluator(name string) Option {
	return func(a *Attribute) error {
		a.evaluator = strings.TrimSpace(name)
		return nil
	}
}

// WithName sets the literal lock name of a single-lock attribute and clears
// any expression.
func WithName(name string) Option {
	return func(a *Attribute) error {
		if a.kind != Single {
			return fmt.Errorf("%w: name on %s attribute", lockerrors.ErrInvalidAttribute, a.kind)
		}
		a.name = strings.TrimSpace(name)
		if a.name != "" {
			a.expression = ""
		}
		return nil
	}
}

// WithExpression sets the naming expression of a single-lock attribute. It
// has no effect once a literal name is set.
func WithExpression(expr string) Option {
	return func(a *Attribute) error {
		if a.kind != Single {
			return fmt.Errorf("%w: expression on %s attribute", lockerrors.ErrInvalidAttribute, a.kind)
		}
		if a.name == "" {
			a.expression = strings.TrimSpace(expr)
		}
		return nil
	}
}

// WithNames sets the literal lock names of a multi-lock attribute. Blank
// names are dropped; a non-empty list clears the expressions.
func WithNames(names ...string) Option {
	return func(a *Attribute) error {
		if a.kind != Multi {
			return fmt.Errorf("%w: names on %s attribute", lockerrors.ErrInvalidAttribute, a.kind)
		}
		a.names = nonBlank(names)
		if len(a.names) > 0 {
			a.expressions = nil
		}
		return nil
	}
}

// WithExpressions sets the naming expressions of a multi-lock attribute,
// evaluated in order. It has no effect once literal names are set.
func WithExpressions(exprs ...string) Option {
	return func(a *Attribute) error {
		if a.kind != Multi {
			return fmt.Errorf("%w: expressions on %s attribute", lockerrors.ErrInvalidAttribute, a.kind)
		}
		if len(a.names) == 0 {
			a.expressions = nonBlank(exprs)
		}
		return nil
	}
}

// WithAutoSortNames sorts the names of a multi-lock attribute before the
// locks are built, so overlapping lock sets are always taken in one order.
func WithAutoSortNames(sort bool) Option {
	return func(a *Attribute) error {
		if a.kind != Multi {
			return fmt.Errorf("%w: auto sort on %s attribute", lockerrors.ErrInvalidAttribute, a.kind)
		}
		a.autoSortNames = sort
		return nil
	}
}

// NewSingle builds a single-lock attribute. Either a name or an expression
// is required.
func NewSingle(opts ...Option) (*Attribute, error) {
	a, err := build(Single, opts)
	if err != nil {
		return nil, err
	}
	if a.name == "" && a.expression == "" {
		return nil, fmt.Errorf("%w: neither name nor expression set", lockerrors.ErrInvalidAttribute)
	}
	return a, nil
}

// NewMulti builds a multi-lock attribute. Either names or expressions are
// required.
func NewMulti(opts ...Option) (*Attribute, error) {
	a, err := build(Multi, opts)
	if err != nil {
		return nil, err
	}
	if len(a.names) == 0 && len(a.expressions) == 0 {
		return nil, fmt.Errorf("%w: neither names nor expressions set", lockerrors.ErrInvalidAttribute)
	}
	return a, nil
}

func build(kind Kind, opts []Option) (*Attribute, error) {
	a := &Attribute{
		kind:       kind,
		waitTime:   DefaultWaitTime,
		holdTime:   DefaultHoldTime,
		retryTimes: DefaultRetryTimes,
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func nonBlank(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Kind reports whether a is a single or multi-lock attribute.
func (a *Attribute) Kind() Kind { return a.kind }
func (a *Attribute) Block() bool { return a.block }
func (a *Attribute) WaitTime() time.Duration { return a.waitTime }
func (a *Attribute) HoldTime() time.Duration { return a.holdTime }
func (a *Attribute) RetryTimes() int { return a.retryTimes }
func (a *Attribute) Evaluator() string { return a.evaluator }
func (a *Attribute) Name() string { return a.name }
func (a *Attribute) Expression() string { return a.expression }
func (a *Attribute) AutoSortNames() bool { return a.autoSortNames }
// Names returns a copy of the literal names of a multi-lock attribute.
func (a *Attribute) Names() []string { return append([]string(nil), a.names...) }
// Expressions returns a copy of the naming expressions of a multi-lock
// attribute.
func (a *Attribute) Expressions() []string { return append([]string(nil), a.expressions...) }

func (a *Attribute) String() string {
	var src string
	switch a.kind {
	case Single:
		if a.name != "" {
			src = "name=" + a.name
		} else {
			src = "expression=" + a.expression
		}
	case Multi:
		if len(a.names) > 0 {
			src = "names=" + strings.Join(a.names, ",")
		} else {
			src = "expressions=" + strings.Join(a.expressions, ",")
		}
	}
	return fmt.Sprintf("%s{%s block=%t wait=%s hold=%s retry=%d evaluator=%q sort=%t}",
		a.kind, src, a.block, a.waitTime, a.holdTime, a.retryTimes, a.evaluator, a.autoSortNames)
}
