package attribute

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/limbo-world/limbo-locker/v1/metrics"
)

// Method identifies an intercepted operation.
type Method struct {
	// Name is the operation name, for example "Transfer".
	Name string
	// DeclaringType is the interface or base type the call went through. It
	// is empty when the operation was called on the implementation directly.
	DeclaringType string
	// Interfaces lists further interfaces declaring the operation, most
	// specific first.
	Interfaces []string
	// Synthetic marks generated or framework-level operations, which never
	// inherit a type-level configuration.
	Synthetic bool
}

func (m Method) String() string {
	if m.DeclaringType == "" {
		return m.Name
	}
	return m.DeclaringType + "." + m.Name
}

// Source resolves the attribute guarding m when invoked on target. A nil
// result means the operation runs without a lock.
type Source interface {
	Attribute(m Method, target string) *Attribute
}

// Finder looks up configuration without any fallback.
type Finder interface {
	FindMethod(typeName, method string) *Attribute
	FindType(typeName string) *Attribute
}

// entry is a cached resolution. A nil attr records that no lock applies.
type entry struct {
	attr *Attribute
}

var absent = &entry{}

// SourceOption configures a CachingSource.
type SourceOption func(*CachingSource)

// WithLogger sets the logger used to trace new cache entries.
func WithLogger(l *zap.Logger) SourceOption {
	return func(s *CachingSource) {
		if l != nil {
			s.logger = l
		}
	}
}

// CachingSource resolves attributes through a Finder and keeps every answer,
// "no lock" included, for the life of the source. The first lookups of one
// key compute once; entries are never replaced.
//
// Resolution order, first match wins:
//  1. the operation on the target type
//  2. the target type, unless the method is synthetic
//  3. the operation on DeclaringType, then on each of Interfaces
//  4. DeclaringType, then each of Interfaces, unless the method is synthetic
type CachingSource struct {
	finder Finder
	logger *zap.Logger

	cache sync.Map // string -> *entry
	group singleflight.Group
}

// NewCachingSource returns a CachingSource backed by finder.
func NewCachingSource(finder Finder, opts ...SourceOption) *CachingSource {
	s := &CachingSource{finder: finder, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attribute implements Source.
func (s *CachingSource) Attribute(m Method, target string) *Attribute {
	key := cacheKey(m, target)
	if v, ok := s.cache.Load(key); ok {
		return v.(*entry).attr
	}
	v, _, _ := s.group.Do(key, func() (any, error) {
		if v, ok := s.cache.Load(key); ok {
			return v, nil
		}
		e := absent
		if attr := s.resolve(m, target); attr != nil {
			e = &entry{attr: attr}
		}
		actual, loaded := s.cache.LoadOrStore(key, e)
		if !loaded {
			s.record(m, target, e)
		}
		return actual, nil
	})
	return v.(*entry).attr
}

func (s *CachingSource) record(m Method, target string, e *entry) {
	if e == absent {
		metrics.AttributeResolutions.WithLabelValues(metrics.AttributeAbsent).Inc()
		s.logger.Debug("no lock attribute", zap.String("target", target), zap.Stringer("method", m))
		return
	}
	metrics.AttributeResolutions.WithLabelValues(metrics.AttributePresent).Inc()
	s.logger.Debug("adding locked method",
		zap.String("target", target),
		zap.Stringer("method", m),
		zap.Stringer("attribute", e.attr))
}

func (s *CachingSource) resolve(m Method, target string) *Attribute {
	if attr := s.finder.FindMethod(target, m.Name); attr != nil {
		return attr
	}
	if !m.Synthetic {
		if attr := s.finder.FindType(target); attr != nil {
			return attr
		}
	}
	bases := s.bases(m, target)
	for _, base := range bases {
		if attr := s.finder.FindMethod(base, m.Name); attr != nil {
			return attr
		}
	}
	if m.Synthetic {
		return nil
	}
	for _, base := range bases {
		if attr := s.finder.FindType(base); attr != nil {
			return attr
		}
	}
	return nil
}

// bases lists the interface and base types of m other than target.
func (s *CachingSource) bases(m Method, target string) []string {
	var out []string
	if m.DeclaringType != "" && m.DeclaringType != target {
		out = append(out, m.DeclaringType)
	}
	for _, iface := range m.Interfaces {
		if iface != "" && iface != target && iface != m.DeclaringType {
			out = append(out, iface)
		}
	}
	return out
}

func cacheKey(m Method, target string) string {
	var b strings.Builder
	b.WriteString(target)
	b.WriteByte('|')
	b.WriteString(m.DeclaringType)
	b.WriteByte('|')
	b.WriteString(m.Name)
	for _, iface := range m.Interfaces {
		b.WriteByte('|')
		b.WriteString(iface)
	}
	if m.Synthetic {
		b.WriteString("|synthetic")
	}
	return b.String()
}
