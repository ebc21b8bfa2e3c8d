package evaluation

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Names of the evaluators registered by NewDefaultRegistry.
const (
	ExprEvaluator      = "expr"
	GovaluateEvaluator = "govaluate"
)

// Registry holds named evaluators and the name of the process default.
type Registry struct {
	mu          sync.RWMutex
	evaluators  map[string]NameEvaluator
	defaultName string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{evaluators: make(map[string]NameEvaluator)}
}

// NewDefaultRegistry returns a Registry holding an expr and a govaluate
// evaluator, with expr as the default.
func NewDefaultRegistry(logger *zap.Logger) *Registry {
	r := NewRegistry()
	r.evaluators[ExprEvaluator] = NewEvaluator(ExprEngine{}, WithLogger(logger))
	r.evaluators[GovaluateEvaluator] = NewEvaluator(GovaluateEngine{}, WithLogger(logger))
	r.defaultName = ExprEvaluator
	return r
}

// Register adds ev under name, replacing any previous one. The first
// evaluator registered becomes the default.
func (r *Registry) Register(name string, ev NameEvaluator) error {
	name = strings.TrimSpace(name)
	if name == "" || ev == nil {
		return fmt.Errorf("evaluation: register needs a name and an evaluator")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[name] = ev
	if r.defaultName == "" {
		r.defaultName = name
	}
	return nil
}

// SetDefault makes the evaluator registered under name the default.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.evaluators[name]; !ok {
		return fmt.Errorf("evaluation: no evaluator named %q", name)
	}
	r.defaultName = name
	return nil
}

// Lookup returns the evaluator registered under name.
func (r *Registry) Lookup(name string) (NameEvaluator, bool) {
	if name == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.evaluators[name]
	return ev, ok
}

// Default returns the default evaluator.
func (r *Registry) Default() (NameEvaluator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.evaluators[r.defaultName]
	return ev, ok
}

// DefaultName returns the name of the default evaluator.
func (r *Registry) DefaultName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}
