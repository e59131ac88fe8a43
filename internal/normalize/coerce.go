package normalize

import (
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/truth-pipeline/internal/validation"
)

// Coercer converts a raw value into a typed value.
type Coercer[V any] func(raw any) (V, error)

// Field maps one raw key onto the canonical type C.
type Field[C any] struct {
	// Name is the canonical field name validation rules are registered under.
	Name string
	// Source is the raw key; empty means Name.
	Source string

	apply func(dst *C, raw any) error
}

// SourceKey returns the raw key the field reads.
func (f Field[C]) SourceKey() string {
	if f.Source != "" {
		return f.Source
	}
	return f.Name
}

// Set builds a field that coerces the raw value and assigns it with set.
// Blank raw values are skipped so the canonical keeps its zero value;
// presence rules decide whether that is acceptable.
func Set[C, V any](name string, coerce Coercer[V], set func(dst *C, v V)) Field[C] {
	return Field[C]{
		Name: name,
		apply: func(dst *C, raw any) error {
			if validation.IsBlank(raw) {
				return nil
			}
			v, err := coerce(raw)
			if err != nil {
				return err
			}
			set(dst, v)
			return nil
		},
	}
}

// From returns a copy of the field reading a different raw key.
func (f Field[C]) From(source string) Field[C] {
	f.Source = source
	return f
}

// String coerces to trimmed text.
func String() Coercer[string] {
	return func(raw any) (string, error) {
		return strings.TrimSpace(validation.AsString(raw)), nil
	}
}

// Float coerces numbers and formatted numeric strings.
func Float() Coercer[float64] {
	return func(raw any) (float64, error) {
		f, ok := validation.AsFloat(raw)
		if !ok {
			return 0, eris.Errorf("cannot read %v as a number", raw)
		}
		return f, nil
	}
}

// Int coerces integral numbers. Fractional values are rejected.
func Int() Coercer[int64] {
	return func(raw any) (int64, error) {
		f, ok := validation.AsFloat(raw)
		if !ok {
			return 0, eris.Errorf("cannot read %v as an integer", raw)
		}
		if f != math.Trunc(f) {
			return 0, eris.Errorf("%v is not a whole number", raw)
		}
		return int64(f), nil
	}
}

// Bool coerces true/false, yes/no and 1/0.
func Bool() Coercer[bool] {
	return func(raw any) (bool, error) {
		b, ok := validation.AsBool(raw)
		if !ok {
			return false, eris.Errorf("cannot read %v as a boolean", raw)
		}
		return b, nil
	}
}

// Date coerces text with the first layout that parses. Values that already
// are time.Time pass through.
func Date(layouts ...string) Coercer[time.Time] {
	return func(raw any) (time.Time, error) {
		if t, ok := raw.(time.Time); ok {
			return t, nil
		}
		s := strings.TrimSpace(validation.AsString(raw))
		for _, layout := range layouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, eris.Errorf("cannot read %q as a date (%s)", s, strings.Join(layouts, ", "))
	}
}

// Lower coerces to trimmed lower-case text.
func Lower() Coercer[string] {
	return func(raw any) (string, error) {
		return strings.ToLower(strings.TrimSpace(validation.AsString(raw))), nil
	}
}
