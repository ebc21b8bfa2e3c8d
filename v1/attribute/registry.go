package attribute

import (
	"fmt"
	"strings"
	"sync"

	lockerrors "github.com/limbo-world/limbo-locker/v1/errors"
)

// Registry is a Finder filled programmatically or from configuration.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]*Attribute
	types   map[string]*Attribute
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		methods: make(map[string]*Attribute),
		types:   make(map[string]*Attribute),
	}
}

// RegisterMethod guards method of typeName with attr.
func (r *Registry) RegisterMethod(typeName, method string, attr *Attribute) error {
	typeName, method = strings.TrimSpace(typeName), strings.TrimSpace(method)
	if typeName == "" || method == "" {
		return fmt.Errorf("%w: type and method are required", lockerrors.ErrInvalidAttribute)
	}
	if attr == nil {
		return fmt.Errorf("%w: nil attribute for %s.%s", lockerrors.ErrInvalidAttribute, typeName, method)
	}
	r.mu.Lock()
	r.methods[typeName+"."+method] = attr
	r.mu.Unlock()
	return nil
}

// RegisterType guards every method of typeName with attr.
func (r *Registry) RegisterType(typeName string, attr *Attribute) error {
	typeName = strings.TrimSpace(typeName)
	if typeName == "" {
		return fmt.Errorf("%w: type is required", lockerrors.ErrInvalidAttribute)
	}
	if attr == nil {
		return fmt.Errorf("%w: nil attribute for %s", lockerrors.ErrInvalidAttribute, typeName)
	}
	r.mu.Lock()
	r.types[typeName] = attr
	r.mu.Unlock()
	return nil
}

// FindMethod implements Finder.
func (r *Registry) FindMethod(typeName, method string) *Attribute {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.methods[typeName+"."+method]
}

// FindType implements Finder.
func (r *Registry) FindType(typeName string) *Attribute {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[typeName]
}
