package validation

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
)

type ruleKey struct {
	entity string
	field  string
}

// RuleSet is an immutable snapshot of the registry. Evaluations that hold a
// RuleSet are unaffected by later registrations.
type RuleSet struct {
	byKey map[ruleKey][]Rule
	byID  map[string]ruleKey
}

func emptyRuleSet() *RuleSet {
	return &RuleSet{
		byKey: make(map[ruleKey][]Rule),
		byID:  make(map[string]ruleKey),
	}
}

// Len returns the number of rules in the snapshot.
func (s *RuleSet) Len() int {
	return len(s.byID)
}

// For returns the rules that apply to entity.field: the field's own rules
// merged with the entity's wildcard rules, highest priority first.
// Registration order breaks priority ties.
func (s *RuleSet) For(entity, field string) []Rule {
	own := s.byKey[ruleKey{entity, field}]
	var wild []Rule
	if field != Wildcard {
		wild = s.byKey[ruleKey{entity, Wildcard}]
	}
	if len(wild) == 0 {
		return own
	}

	merged := make([]Rule, 0, len(own)+len(wild))
	merged = append(merged, own...)
	merged = append(merged, wild...)
	sortRules(merged)
	return merged
}

// Fields returns the non-wildcard field names with rules for entity, sorted.
func (s *RuleSet) Fields(entity string) []string {
	var out []string
	for k := range s.byKey {
		if k.entity == entity && k.field != Wildcard {
			out = append(out, k.field)
		}
	}
	sort.Strings(out)
	return out
}

// All returns every rule in the snapshot ordered by entity, field, then priority.
func (s *RuleSet) All() []Rule {
	keys := make([]ruleKey, 0, len(s.byKey))
	for k := range s.byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].entity != keys[j].entity {
			return keys[i].entity < keys[j].entity
		}
		return keys[i].field < keys[j].field
	})

	var out []Rule
	for _, k := range keys {
		out = append(out, s.byKey[k]...)
	}
	return out
}

// Registry holds validation rules. Reads take a lock-free snapshot; writers
// serialize on a mutex and publish a new snapshot (copy-on-write).
type Registry struct {
	mu   sync.Mutex
	seq  uint64
	snap atomic.Pointer[RuleSet]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(emptyRuleSet())
	return r
}

// Snapshot returns the current immutable rule set.
func (r *Registry) Snapshot() *RuleSet {
	return r.snap.Load()
}

// Register adds a rule. Rule ids must be unique across the registry.
func (r *Registry) Register(rule Rule) error {
	if strings.TrimSpace(rule.ID) == "" {
		return eris.New("validation: rule id is required")
	}
	if rule.EntityType == "" || rule.Field == "" {
		return eris.Errorf("validation: rule %s: entity type and field are required", rule.ID)
	}
	if rule.Evaluator == nil {
		return eris.Errorf("validation: rule %s: evaluator is required", rule.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, exists := cur.byID[rule.ID]; exists {
		return eris.Errorf("validation: rule %s already registered", rule.ID)
	}

	r.seq++
	rule.seq = r.seq
	key := ruleKey{rule.EntityType, rule.Field}

	next := cur.clone()
	list := make([]Rule, 0, len(cur.byKey[key])+1)
	list = append(list, cur.byKey[key]...)
	list = append(list, rule)
	sortRules(list)
	next.byKey[key] = list
	next.byID[rule.ID] = key

	r.snap.Store(next)
	return nil
}

// RegisterAll registers rules in order, stopping at the first error.
func (r *Registry) RegisterAll(rules []Rule) error {
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			return err
		}
	}
	return nil
}

// Unregister removes a rule by id and reports whether it existed.
func (r *Registry) Unregister(ruleID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	key, ok := cur.byID[ruleID]
	if !ok {
		return false
	}

	next := cur.clone()
	delete(next.byID, ruleID)
	var list []Rule
	for _, rule := range cur.byKey[key] {
		if rule.ID != ruleID {
			list = append(list, rule)
		}
	}
	if len(list) == 0 {
		delete(next.byKey, key)
	} else {
		next.byKey[key] = list
	}

	r.snap.Store(next)
	return true
}

// clone copies the maps. Rule slices are shared; writers replace, never
// mutate, the slice for the key they change.
func (s *RuleSet) clone() *RuleSet {
	next := &RuleSet{
		byKey: make(map[ruleKey][]Rule, len(s.byKey)+1),
		byID:  make(map[string]ruleKey, len(s.byID)+1),
	}
	for k, v := range s.byKey {
		next.byKey[k] = v
	}
	for k, v := range s.byID {
		next.byID[k] = v
	}
	return next
}

func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].seq < rules[j].seq
	})
}
