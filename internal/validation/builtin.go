package validation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ValueKind names the primitive type a Type rule expects.
type ValueKind string

const (
	KindString ValueKind = "string"
	KindNumber ValueKind = "number"
	KindBool   ValueKind = "bool"
)

// Present fails when the value is missing or blank.
func Present() Evaluator {
	return EvaluatorFunc(func(_ context.Context, value any, _ Record) (Outcome, error) {
		if IsBlank(value) {
			return Fail("value is required but missing"), nil
		}
		return Pass(), nil
	})
}

// Type checks that the value can be read as kind. Blank values are not
// applicable; pair with Present to require them.
func Type(kind ValueKind) Evaluator {
	return EvaluatorFunc(func(_ context.Context, value any, _ Record) (Outcome, error) {
		if IsBlank(value) {
			return NotApplicable(), nil
		}
		switch kind {
		case KindString:
			if _, ok := value.(string); ok {
				return Pass(), nil
			}
			return PassWith(SignalFuzzy, fmt.Sprintf("non-text value %v read as text", value)), nil
		case KindNumber:
			if _, ok := AsFloat(value); ok {
				if s, isStr := value.(string); isStr && cleanNumber(s) != strings.TrimSpace(s) {
					return PassWith(SignalFuzzy, fmt.Sprintf("number %q read after stripping formatting", s)), nil
				}
				return Pass(), nil
			}
			return Fail(fmt.Sprintf("%v is not a number", value)), nil
		case KindBool:
			if _, ok := AsBool(value); ok {
				return Pass(), nil
			}
			return Fail(fmt.Sprintf("%v is not a boolean (use true/false, yes/no or 1/0)", value)), nil
		}
		return Outcome{}, fmt.Errorf("unknown value kind %q", kind)
	})
}

// Range checks min <= value <= max. Either bound may be nil. Non-numeric
// values are not applicable; the type rule reports them.
func Range(minV, maxV *float64) Evaluator {
	return EvaluatorFunc(func(_ context.Context, value any, _ Record) (Outcome, error) {
		f, ok := AsFloat(value)
		if !ok {
			return NotApplicable(), nil
		}
		if minV != nil && f < *minV {
			return FailWithSuggestion(fmt.Sprintf("%v is below the minimum %v", f, *minV), formatFloat(*minV)), nil
		}
		if maxV != nil && f > *maxV {
			return FailWithSuggestion(fmt.Sprintf("%v is above the maximum %v", f, *maxV), formatFloat(*maxV)), nil
		}
		return Pass(), nil
	})
}

// Pattern checks the textual value against re.
func Pattern(re *regexp.Regexp, label string) Evaluator {
	if label == "" {
		label = re.String()
	}
	return EvaluatorFunc(func(_ context.Context, value any, _ Record) (Outcome, error) {
		if IsBlank(value) {
			return NotApplicable(), nil
		}
		s := AsString(value)
		if re.MatchString(s) {
			return Pass(), nil
		}
		trimmed := strings.TrimSpace(s)
		if trimmed != s && re.MatchString(trimmed) {
			return PassWith(SignalFuzzy, fmt.Sprintf("%q matched %s after trimming whitespace", s, label)), nil
		}
		return Fail(fmt.Sprintf("%q does not match %s", s, label)), nil
	})
}

// DateFormat checks that the value parses with the Go time layout. label is
// the human form of the layout, e.g. "MM/DD/YYYY". When the value parses with
// day and month swapped, that reading is offered as a suggestion.
func DateFormat(layout, label string) Evaluator {
	if label == "" {
		label = layout
	}
	swapped := swapDayMonth(layout)
	return EvaluatorFunc(func(_ context.Context, value any, _ Record) (Outcome, error) {
		if IsBlank(value) {
			return NotApplicable(), nil
		}
		if t, ok := value.(time.Time); ok && !t.IsZero() {
			return Pass(), nil
		}
		s := strings.TrimSpace(AsString(value))
		_, err := time.Parse(layout, s)
		if err == nil {
			return Pass(), nil
		}

		msg := fmt.Sprintf("%q is not a valid %s date: %s", s, label, parseReason(err))
		if swapped != layout {
			if t, swapErr := time.Parse(swapped, s); swapErr == nil {
				return FailWithSuggestion(msg, t.Format(layout)), nil
			}
		}
		return Fail(msg), nil
	})
}

// OneOf accepts values from a closed set. A case-insensitive match passes
// with a fuzzy signal and suggests the canonical spelling.
func OneOf(values ...string) Evaluator {
	return EvaluatorFunc(func(_ context.Context, value any, _ Record) (Outcome, error) {
		if IsBlank(value) {
			return NotApplicable(), nil
		}
		s := strings.TrimSpace(AsString(value))
		for _, v := range values {
			if s == v {
				return Pass(), nil
			}
		}
		for _, v := range values {
			if strings.EqualFold(s, v) {
				out := PassWith(SignalFuzzy, fmt.Sprintf("%q matched %q ignoring case", s, v))
				out.Suggestion = v
				return out, nil
			}
		}
		return Fail(fmt.Sprintf("%q is not one of %s", s, strings.Join(values, ", "))), nil
	})
}

// PositiveWhen requires a positive numeric value whenever otherField equals
// otherValue (case-insensitive). If otherField is absent from the record, the
// rule does not apply.
func PositiveWhen(otherField, otherValue string) Evaluator {
	return CrossField(otherField, func(value, other any) Outcome {
		if !strings.EqualFold(strings.TrimSpace(AsString(other)), otherValue) {
			return NotApplicable()
		}
		f, ok := AsFloat(value)
		if !ok {
			return NotApplicable()
		}
		if f <= 0 {
			return FailWithSuggestion(
				fmt.Sprintf("%s %q requires a positive amount, got %v", otherField, otherValue, f),
				formatFloat(-f),
			)
		}
		return Pass()
	})
}

// CrossField builds an evaluator that needs another field from the record.
// An absent other field makes the rule not applicable.
func CrossField(otherField string, check func(value, other any) Outcome) Evaluator {
	return EvaluatorFunc(func(_ context.Context, value any, record Record) (Outcome, error) {
		other, ok := record.Lookup(otherField)
		if !ok {
			return NotApplicable(), nil
		}
		return check(value, other), nil
	})
}

// Custom adapts a plain check over the value and record. Blank values are
// not applicable.
func Custom(check func(value any, record Record) Outcome) Evaluator {
	return EvaluatorFunc(func(_ context.Context, value any, record Record) (Outcome, error) {
		if IsBlank(value) {
			return NotApplicable(), nil
		}
		return check(value, record), nil
	})
}

// AsString renders a raw value as text.
func AsString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return formatFloat(t)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// AsFloat reads a raw value as a finite number. Strings may carry thousands
// separators, a leading currency sign and surrounding whitespace. NaN and
// infinities are not numbers here.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return finite(n)
	case float32:
		return finite(float64(n))
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		cleaned := cleanNumber(n)
		if cleaned == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0, false
		}
		return finite(f)
	default:
		return 0, false
	}
}

func finite(f float64) (float64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// AsBool reads a raw value as a boolean.
func AsBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes", "y", "1":
			return true, true
		case "false", "no", "n", "0":
			return false, true
		}
		return false, false
	case float64:
		return b != 0, true
	case int:
		return b != 0, true
	default:
		return false, false
	}
}

func cleanNumber(s string) string {
	cleaned := strings.TrimSpace(s)
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	neg := strings.HasPrefix(cleaned, "-")
	cleaned = strings.TrimPrefix(cleaned, "-")
	cleaned = strings.TrimPrefix(cleaned, "$")
	if neg {
		cleaned = "-" + cleaned
	}
	return cleaned
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// swapDayMonth exchanges the day and month elements of a Go layout.
func swapDayMonth(layout string) string {
	const placeholder = "\x00"
	out := strings.Replace(layout, "01", placeholder, 1)
	out = strings.Replace(out, "02", "01", 1)
	return strings.Replace(out, placeholder, "02", 1)
}

func parseReason(err error) string {
	var pe *time.ParseError
	if errors.As(err, &pe) && pe.Message != "" {
		return strings.TrimPrefix(pe.Message, ": ")
	}
	return "does not match the expected layout"
}
