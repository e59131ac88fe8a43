package validation

import (
	"os"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// RuleFile is the YAML document of declarative rules.
type RuleFile struct {
	Rules []RuleDef `yaml:"rules"`
}

// RuleDef declares one built-in rule.
//
//	rules:
//	  - id: transaction.date.format
//	    entity: transaction
//	    field: date
//	    kind: date_format
//	    required: true
//	    params: {layout: "01/02/2006", label: MM/DD/YYYY}
type RuleDef struct {
	ID          string         `yaml:"id"`
	Entity      string         `yaml:"entity"`
	Field       string         `yaml:"field"`
	Kind        string         `yaml:"kind"`
	Priority    *int           `yaml:"priority"`
	Required    bool           `yaml:"required"`
	Description string         `yaml:"description"`
	Params      map[string]any `yaml:"params"`
}

// LoadRuleFile reads and builds the rules declared in a YAML file.
func LoadRuleFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "validation: read rule file %s", path)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, eris.Wrapf(err, "validation: rule file %s", path)
	}
	return rules, nil
}

// ParseRules builds the rules declared in a YAML document.
func ParseRules(data []byte) ([]Rule, error) {
	var f RuleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "validation: parse rules")
	}

	rules := make([]Rule, 0, len(f.Rules))
	for i, def := range f.Rules {
		rule, err := BuildRule(def)
		if err != nil {
			return nil, eris.Wrapf(err, "validation: rule #%d", i+1)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// BuildRule turns a declaration into a Rule. Priorities default to the
// conventional layer of the rule kind.
func BuildRule(def RuleDef) (Rule, error) {
	if def.ID == "" || def.Entity == "" || def.Field == "" {
		return Rule{}, eris.New("id, entity and field are required")
	}

	var (
		eval     Evaluator
		priority int
		err      error
	)
	switch strings.ToLower(def.Kind) {
	case "present":
		eval, priority = Present(), PriorityPresence
	case "type":
		kind := ValueKind(paramString(def.Params, "type"))
		switch kind {
		case KindString, KindNumber, KindBool:
		default:
			return Rule{}, eris.Errorf("rule %s: unknown type %q", def.ID, kind)
		}
		eval, priority = Type(kind), PriorityType
	case "range":
		minV, minErr := paramFloat(def.Params, "min")
		maxV, maxErr := paramFloat(def.Params, "max")
		if minErr != nil || maxErr != nil {
			return Rule{}, eris.Errorf("rule %s: min and max must be numbers", def.ID)
		}
		if minV == nil && maxV == nil {
			return Rule{}, eris.Errorf("rule %s: range needs min or max", def.ID)
		}
		eval, priority = Range(minV, maxV), PriorityRange
	case "pattern":
		var re *regexp.Regexp
		re, err = regexp.Compile(paramString(def.Params, "regex"))
		if err != nil {
			return Rule{}, eris.Wrapf(err, "rule %s: compile regex", def.ID)
		}
		eval, priority = Pattern(re, paramString(def.Params, "label")), PriorityFormat
	case "date_format":
		layout := paramString(def.Params, "layout")
		if layout == "" {
			return Rule{}, eris.Errorf("rule %s: date_format needs a layout", def.ID)
		}
		eval, priority = DateFormat(layout, paramString(def.Params, "label")), PriorityFormat
	case "one_of":
		values := paramStrings(def.Params, "values")
		if len(values) == 0 {
			return Rule{}, eris.Errorf("rule %s: one_of needs values", def.ID)
		}
		eval, priority = OneOf(values...), PriorityFormat
	case "positive_when":
		field, equals := paramString(def.Params, "field"), paramString(def.Params, "equals")
		if field == "" || equals == "" {
			return Rule{}, eris.Errorf("rule %s: positive_when needs field and equals", def.ID)
		}
		eval, priority = PositiveWhen(field, equals), PriorityBusiness
	default:
		return Rule{}, eris.Errorf("rule %s: unknown kind %q", def.ID, def.Kind)
	}

	if def.Priority != nil {
		priority = *def.Priority
	}
	return Rule{
		ID:          def.ID,
		EntityType:  def.Entity,
		Field:       def.Field,
		Priority:    priority,
		Required:    def.Required,
		Description: def.Description,
		Evaluator:   eval,
	}, nil
}

func paramString(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	return AsString(v)
}

func paramFloat(params map[string]any, key string) (*float64, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, nil
	}
	f, ok := AsFloat(v)
	if !ok {
		return nil, eris.Errorf("%s: %v is not a number", key, v)
	}
	return &f, nil
}

func paramStrings(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, AsString(v))
	}
	return out
}
