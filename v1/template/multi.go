package template

import (
	"context"
	"fmt"
	"slices"
	"strings"

	lockerrors "github.com/limbo-world/limbo-locker/v1/errors"
	"github.com/limbo-world/limbo-locker/v1/lock"
)

// Unknown is the display name of a handle its service does not recognise.
const Unknown = "UNKNOWN"

// DisplayName names h for logs and errors. Composite handles render as
// "[a,b]", recursively; a handle svc does not recognise renders as Unknown.
func DisplayName(svc lock.Service, h lock.Handle) string {
	if h == nil {
		return Unknown
	}
	if c, ok := h.(lock.Composite); ok {
		children := c.Children()
		names := make([]string, len(children))
		for i, child := range children {
			names[i] = DisplayName(svc, child)
		}
		return lock.FormatNames(names)
	}
	if name := svc.DisplayName(h); name != "" {
		return name
	}
	return Unknown
}

// MultiTemplate runs operations under a set of locks acquired as one
// composite handle. Callers contending for overlapping sets must use one
// global name order, which autoSort provides, or they can deadlock.
type MultiTemplate struct {
	*Template
}

// NewMulti returns a MultiTemplate sharing t's service and settings.
func NewMulti(t *Template) *MultiTemplate {
	return &MultiTemplate{Template: t}
}

// GetMultiLock builds the composite handle of names, in the given order or
// sorted when autoSort is set. names itself is never modified.
func (m *MultiTemplate) GetMultiLock(names []string, autoSort bool) (lock.Handle, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no lock names", lockerrors.ErrEmptyName)
	}
	ordered := slices.Clone(names)
	if autoSort {
		slices.Sort(ordered)
	}
	children := make([]lock.Handle, len(ordered))
	for i, name := range ordered {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: lock name %d is blank", lockerrors.ErrEmptyName, i)
		}
		children[i] = m.service.GetLock(name)
	}
	return m.service.GetCompositeLock(children...), nil
}

// InvokeInMultiLock runs op under the composite lock of names. An invalid
// name list goes to onFailure with a nil handle.
func (m *MultiTemplate) InvokeInMultiLock(ctx context.Context, names []string, autoSort bool, op Operation, onFailure FailureHandler, p Params) (any, error) {
	h, err := m.GetMultiLock(names, autoSort)
	if err != nil {
		if onFailure == nil {
			return nil, err
		}
		return onFailure(ctx, nil, err)
	}
	return m.Invoke(ctx, h, op, onFailure, p)
}

// DoInMultiLock is InvokeInMultiLock for operations without a result.
func (m *MultiTemplate) DoInMultiLock(ctx context.Context, names []string, autoSort bool, op func(ctx context.Context) error, onFailure func(ctx context.Context, h lock.Handle, err error), p Params) bool {
	h, err := m.GetMultiLock(names, autoSort)
	if err != nil {
		if onFailure != nil {
			onFailure(ctx, nil, err)
		}
		return false
	}
	return m.Do(ctx, h, op, onFailure, p)
}
