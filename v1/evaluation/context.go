// Package evaluation turns lock attributes into concrete lock names.
//
// A literal name is used as is. Otherwise the attribute's expressions are
// run by a pluggable Engine against the bindings of one invocation:
//
//	operation        the operation name
//	method           the qualified operation, e.g. "Payer.Pay"
//	target           the implementation type
//	args             the argument vector
//	arg0 .. arg3     the first four arguments
//	evaluatedNames   names produced so far by earlier expressions (multi)
//	evaluatedName0.. the same names as scalars, for engines without indexing
package evaluation

import (
	"strconv"

	"github.com/limbo-world/limbo-locker/v1/attribute"
)

// argAliases is the number of positional arguments bound as arg0, arg1...
const argAliases = 4

// Context carries one invocation through name evaluation. It is owned by
// that invocation and must not be shared.
type Context struct {
	Method    attribute.Method
	Target    string
	Args      []any
	Attribute *attribute.Attribute

	evaluatedNames []string
	env            map[string]any
}

// NewContext returns a Context for one invocation of m on target.
func NewContext(m attribute.Method, target string, args []any, attr *attribute.Attribute) *Context {
	return &Context{Method: m, Target: target, Args: args, Attribute: attr}
}

// EvaluatedNames returns the names computed so far, in order.
func (c *Context) EvaluatedNames() []string {
	return append([]string(nil), c.evaluatedNames...)
}

func (c *Context) addEvaluatedName(name string) {
	c.evaluatedNames = append(c.evaluatedNames, name)
	if c.env != nil {
		c.env["evaluatedNames"] = c.EvaluatedNames()
		c.env["evaluatedName"+strconv.Itoa(len(c.evaluatedNames)-1)] = name
	}
}

// Env returns the binding environment of the invocation. It is built on
// first use and reused by every later expression of the same invocation.
func (c *Context) Env() map[string]any {
	if c.env != nil {
		return c.env
	}
	env := map[string]any{
		"operation":      c.Method.Name,
		"method":         c.Method.String(),
		"target":         c.Target,
		"args":           c.Args,
		"evaluatedNames": c.EvaluatedNames(),
	}
	for i := 0; i < len(c.Args) && i < argAliases; i++ {
		env["arg"+strconv.Itoa(i)] = c.Args[i]
	}
	for i, name := range c.evaluatedNames {
		env["evaluatedName"+strconv.Itoa(i)] = name
	}
	c.env = env
	return env
}

// callSite identifies where an expression is declared, so that compiled
// programs are shared by the invocations of one call site only.
func (c *Context) callSite() string {
	return c.Target + "|" + c.Method.String()
}

// Result is the outcome of evaluating one Context: Name for a single-lock
// attribute, Names for a multi-lock one.
type Result struct {
	Context *Context
	Name    string
	Names   []string
}
