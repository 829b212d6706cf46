package types

import (
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/dbvirt/go-dbvirt/driver/internal/assert"
	"golang.org/x/text/language"
)

// Conversion errors.
var (
	ErrIntegerOutOfRange = errors.New("integer out of range")
	ErrFloatOutOfRange   = errors.New("float out of range")
	ErrInvalidFormat     = errors.New("invalid format")
	ErrInvalidArrayValue = errors.New("invalid array value")
)

// maxErrorValueLen is the maximum length of a value representation in a TransformationError.
const maxErrorValueLen = 100

// A TransformationError is returned if a value cannot be converted into a target type.
type TransformationError struct {
	Source, Target Type
	Value          string // truncated representation of the value.
	Err            error  // nil if no conversion exists.
}

func newTransformationError(v any, src, tgt Type, err error) *TransformationError {
	s := fmt.Sprintf("%v", v)
	if utf8.RuneCountInString(s) > maxErrorValueLen {
		s = string([]rune(s)[:maxErrorValueLen]) + "..."
	}
	return &TransformationError{Source: src, Target: tgt, Value: s, Err: err}
}

func (e *TransformationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("no conversion from %s to %s: %s", e.Source, e.Target, e.Value)
	}
	return fmt.Sprintf("conversion from %s to %s failed: %s - %s", e.Source, e.Target, e.Value, e.Err)
}

// Unwrap returns the nested error.
func (e *TransformationError) Unwrap() error { return e.Err }

// A Transform converts values of a source type into values of a target type.
type Transform struct {
	src, tgt Type
	explicit bool
	fn       func(v any) (any, error)
}

// Source returns the source type.
func (t *Transform) Source() Type { return t.src }

// Target returns the target type.
func (t *Transform) Target() Type { return t.tgt }

// IsExplicit returns true if the conversion needs to be requested explicitly (i.e. might lose information).
func (t *Transform) IsExplicit() bool { return t.explicit }

func (t *Transform) String() string {
	kind := "implicit"
	if t.explicit {
		kind = "explicit"
	}
	return fmt.Sprintf("%s -> %s (%s)", t.src, t.tgt, kind)
}

// Transform converts v. Nil values are returned unchanged.
func (t *Transform) Transform(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	out, err := t.fn(v)
	if err != nil {
		var tErr *TransformationError
		if errors.As(err, &tErr) {
			return nil, err
		}
		return nil, newTransformationError(v, t.src, t.tgt, err)
	}
	return out, nil
}

type transformKey struct{ src, tgt DataType }

// Options are the registry options.
type Options struct {
	// ValueCache enables canonicalization of transformed values.
	ValueCache bool
	// CacheBuckets is the number of value cache buckets (rounded up to a power of two).
	CacheBuckets int
	// CacheWindow is the number of consecutive buckets scanned on a cache lookup.
	CacheWindow int
	// CollationLocale is the locale used for string comparisons (BCP 47). Empty for binary comparison.
	CollationLocale string
	// PadSpace enables comparison semantics ignoring trailing blanks.
	PadSpace bool
}

/*
Registry is the canonical type registry holding all conversions between canonical types.

A registry is immutable after construction and safe for concurrent use.
*/
type Registry struct {
	opts       Options
	locale     language.Tag
	transforms map[transformKey]*Transform
	identity   map[Type]*Transform
	toObject   map[Type]*Transform
	fromNull   map[Type]*Transform
	fromObject map[Type]*Transform
	// array covariance
	toObjectArray   [numDataType]*Transform
	fromObjectArray [numDataType]*Transform
	cache           *valueCache
}

// NewRegistry returns a registry configured by opts.
func NewRegistry(opts Options) (*Registry, error) {
	r := &Registry{
		opts:       opts,
		transforms: make(map[transformKey]*Transform),
		identity:   make(map[Type]*Transform),
		toObject:   make(map[Type]*Transform),
		fromNull:   make(map[Type]*Transform),
		fromObject: make(map[Type]*Transform),
	}
	if opts.CollationLocale != "" {
		tag, err := language.Parse(opts.CollationLocale)
		if err != nil {
			return nil, fmt.Errorf("invalid collation locale %s: %w", opts.CollationLocale, err)
		}
		r.locale = tag
	}
	if opts.ValueCache {
		r.cache = newValueCache(opts.CacheBuckets, opts.CacheWindow)
	}

	for _, e := range transformTable() {
		key := transformKey{src: e.src, tgt: e.tgt}
		r.transforms[key] = &Transform{src: Scalar(e.src), tgt: Scalar(e.tgt), explicit: e.explicit, fn: e.fn}
	}

	object := Scalar(DtObject)
	null := Scalar(DtNull)
	for _, dt := range DataTypes() {
		for _, t := range []Type{Scalar(dt), ArrayOf(dt)} {
			r.identity[t] = &Transform{src: t, tgt: t, fn: identity}
			r.toObject[t] = &Transform{src: t, tgt: object, fn: identity}
			r.fromNull[t] = &Transform{src: null, tgt: t, fn: identity}
			r.fromObject[t] = &Transform{src: object, tgt: t, explicit: true, fn: r.objectTo(t)}
		}
		r.toObjectArray[dt] = &Transform{src: ArrayOf(dt), tgt: ArrayOf(DtObject), fn: toObjectArray}
		r.fromObjectArray[dt] = &Transform{src: ArrayOf(DtObject), tgt: ArrayOf(dt), explicit: true, fn: r.objectArrayTo(dt)}
	}
	return r, nil
}

var defaultRegistry = sync.OnceValue(func() *Registry {
	r, err := NewRegistry(Options{})
	assert.NoError("default registry", err)
	return r
})

// Default returns the registry with default options. It is built once.
func Default() *Registry { return defaultRegistry() }

// Options returns the registry options.
func (r *Registry) Options() Options { return r.opts }

// Locale returns the collation locale (language.Und if not set).
func (r *Registry) Locale() language.Tag { return r.locale }

func identity(v any) (any, error) { return v, nil }

/*
GetTransform returns the conversion from src to tgt or nil if no conversion exists.

Lookup order:
  - registered conversion
  - identity
  - any type to object (implicit)
  - null to any type (implicit)
  - object to any type (explicit, dispatched on the runtime type of the value)
  - arrays: object[] to T[] (explicit) and T[] to object[] (implicit)
*/
func (r *Registry) GetTransform(src, tgt Type) *Transform {
	if !src.Array && !tgt.Array {
		if t, ok := r.transforms[transformKey{src: src.Base, tgt: tgt.Base}]; ok {
			return t
		}
	}
	switch {
	case src == tgt:
		return r.identity[src]
	case tgt == Scalar(DtObject):
		return r.toObject[src]
	case src == Scalar(DtNull):
		return r.fromNull[tgt]
	case src == Scalar(DtObject):
		return r.fromObject[tgt]
	case src.Array && tgt.Array:
		switch {
		case src.Base == DtObject:
			return r.fromObjectArray[tgt.Base]
		case tgt.Base == DtObject:
			return r.toObjectArray[src.Base]
		}
	}
	return nil
}

// IsImplicit returns true if a value of type src can be converted to tgt without explicit request.
func (r *Registry) IsImplicit(src, tgt Type) bool {
	t := r.GetTransform(src, tgt)
	return t != nil && !t.explicit
}

// TransformValue converts v into the target type. The result is canonicalized if the value cache is enabled.
func (r *Registry) TransformValue(v any, tgt Type) (any, error) {
	v = Normalize(v)
	src := DataTypeOf(v)
	t := r.GetTransform(src, tgt)
	if t == nil {
		return nil, newTransformationError(v, src, tgt, nil)
	}
	out, err := t.Transform(v)
	if err != nil {
		return nil, err
	}
	return r.Canonical(out), nil
}

// Canonical returns the cached value equal to v if the value cache is enabled, else v.
func (r *Registry) Canonical(v any) any {
	if r.cache == nil {
		return v
	}
	return r.cache.canonical(v)
}

func (r *Registry) objectTo(tgt Type) func(v any) (any, error) {
	return func(v any) (any, error) {
		src := DataTypeOf(v)
		if src == tgt {
			return v, nil
		}
		if src == Scalar(DtObject) {
			return nil, newTransformationError(v, src, tgt, nil)
		}
		t := r.GetTransform(src, tgt)
		if t == nil {
			return nil, newTransformationError(v, src, tgt, nil)
		}
		return t.Transform(v)
	}
}

func toObjectArray(v any) (any, error) {
	a, ok := v.(*Array)
	if !ok {
		return nil, ErrInvalidArrayValue
	}
	values := make([]any, len(a.Values))
	copy(values, a.Values)
	return &Array{Base: DtObject, Values: values}, nil
}

func (r *Registry) objectArrayTo(dt DataType) func(v any) (any, error) {
	elem := r.fromObject[Scalar(dt)]
	return func(v any) (any, error) {
		a, ok := v.(*Array)
		if !ok {
			return nil, ErrInvalidArrayValue
		}
		values := make([]any, len(a.Values))
		for i, ev := range a.Values {
			out, err := elem.Transform(Normalize(ev))
			if err != nil {
				return nil, err
			}
			values[i] = out
		}
		return &Array{Base: dt, Values: values}, nil
	}
}

/*
IsHashable returns true if values of type dt may be compared by hash equality.

object, bigdecimal and blob values are never hashable. Character values are not hashable
if a collation locale or pad space comparison is configured.
*/
func (r *Registry) IsHashable(t Type) bool {
	switch t.Base {
	case DtObject, DtBigDecimal, DtBlob:
		return false
	case DtString, DtChar, DtClob:
		return r.opts.CollationLocale == "" && !r.opts.PadSpace
	default:
		return true
	}
}
