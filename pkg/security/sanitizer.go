// Package security implements the Sanitizer (SAN): a policy-driven,
// depth- and cycle-bounded recursive transformer that redacts PII from
// arbitrary in-memory values before they leave the process.
//
// The traversal dispatches on reflect.Kind the way the teacher stack
// dispatches on concrete types elsewhere in this module (a tagged
// union over value shapes, not a type-switch per caller) — new
// container shapes become new cases here, not new exported types.
package security

import (
	"fmt"
	"reflect"
	"regexp"
	"sync/atomic"
	"time"

	"obscore/pkg/obserrors"
	"obscore/pkg/types"
)

// Sanitizer holds a MaskingPolicy behind an atomic pointer: in-flight
// traversals snapshot the policy at entry (spec.md §9 "never mutate a
// rule in place; replace the whole policy atomically").
type Sanitizer struct {
	policy atomic.Pointer[types.MaskingPolicy]
}

// NewSanitizer creates a Sanitizer with the given policy, or the
// built-in production default when policy is nil.
func NewSanitizer(policy *types.MaskingPolicy) *Sanitizer {
	if policy == nil {
		policy = NewDefaultPolicy(types.ModeProduction)
	}
	s := &Sanitizer{}
	s.policy.Store(policy)
	return s
}

// Policy returns the currently active policy snapshot.
func (s *Sanitizer) Policy() *types.MaskingPolicy {
	return s.policy.Load()
}

// SetPolicy atomically swaps the active policy after linting it.
func (s *Sanitizer) SetPolicy(p *types.MaskingPolicy) error {
	if p == nil {
		return obserrors.InvalidInput("set_policy", "policy must not be nil")
	}
	if err := LintPolicy(p); err != nil {
		return err
	}
	s.policy.Store(p)
	return nil
}

// SetMaxDepth updates the traversal depth guard on a cloned policy.
func (s *Sanitizer) SetMaxDepth(depth int) {
	p := *s.policy.Load()
	p.MaxDepth = depth
	s.policy.Store(&p)
}

// AddRule appends a custom rule after linting the resulting policy.
func (s *Sanitizer) AddRule(rule types.MaskingRule) error {
	prev := s.policy.Load()
	p := *prev
	p.CustomRules = append(append([]types.MaskingRule{}, prev.CustomRules...), rule)
	if err := LintPolicy(&p); err != nil {
		return err
	}
	s.policy.Store(&p)
	return nil
}

// RemoveRule drops a rule (built-in or custom) by name. Unknown names
// are a no-op.
func (s *Sanitizer) RemoveRule(name string) {
	prev := s.policy.Load()
	p := *prev
	p.Rules = withoutRule(prev.Rules, name)
	p.CustomRules = withoutRule(prev.CustomRules, name)
	s.policy.Store(&p)
}

// ToggleRule enables or disables a rule by name, returning whether a
// rule with that name was found.
func (s *Sanitizer) ToggleRule(name string, enabled bool) bool {
	prev := s.policy.Load()
	p := *prev
	rules, found := toggled(prev.Rules, name, enabled)
	custom, foundCustom := toggled(prev.CustomRules, name, enabled)
	if !found && !foundCustom {
		return false
	}
	p.Rules, p.CustomRules = rules, custom
	s.policy.Store(&p)
	return true
}

func withoutRule(rules []types.MaskingRule, name string) []types.MaskingRule {
	out := make([]types.MaskingRule, 0, len(rules))
	for _, r := range rules {
		if r.Name != name {
			out = append(out, r)
		}
	}
	return out
}

func toggled(rules []types.MaskingRule, name string, enabled bool) ([]types.MaskingRule, bool) {
	out := make([]types.MaskingRule, len(rules))
	found := false
	for i, r := range rules {
		if r.Name == name {
			r.Enabled = enabled
			found = true
		}
		out[i] = r
	}
	return out, found
}

// NewCustomRegexRule compiles a custom regex rule for AddRule.
func NewCustomRegexRule(name, pattern, replacement string) (types.MaskingRule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return types.MaskingRule{}, obserrors.InvalidInput("add_rule", "invalid pattern: "+err.Error())
	}
	return types.MaskingRule{Name: name, Pattern: re, Replacement: replacement, Enabled: true}, nil
}

// NewCustomLiteralRule builds a custom case-insensitive literal rule for
// AddRule.
func NewCustomLiteralRule(name, literal, replacement string) types.MaskingRule {
	return newLiteralRule(name, literal, replacement, "")
}

// Sanitize produces a value structurally identical to input except that
// sensitive substrings and sensitive-field values have been replaced.
// It never panics and never blocks.
func (s *Sanitizer) Sanitize(value interface{}) interface{} {
	p := s.policy.Load()
	if !p.Enabled || p.Mode == types.ModeDevelopment {
		return value
	}
	return sanitizeValue(reflect.ValueOf(value), p, map[uintptr]bool{}, 0)
}

// ContainsPII reports whether value would be changed by Sanitize: an
// enabled rule matches a reached string, or a reached key is sensitive.
func (s *Sanitizer) ContainsPII(value interface{}) bool {
	p := s.policy.Load()
	if !p.Enabled || p.Mode == types.ModeDevelopment {
		return false
	}
	return containsPII(reflect.ValueOf(value), p, map[uintptr]bool{}, 0)
}

func sanitizeValue(v reflect.Value, p *types.MaskingPolicy, visited map[uintptr]bool, depth int) interface{} {
	if !v.IsValid() {
		return nil
	}
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		return sanitizeValue(v.Elem(), p, visited, depth)
	}
	if v.CanInterface() {
		if errVal, ok := v.Interface().(error); ok {
			return sanitizeError(errVal, p, depth)
		}
	}

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if visited[ptr] {
			return "[CIRCULAR]"
		}
		visited[ptr] = true
		defer delete(visited, ptr)
		return sanitizeValue(v.Elem(), p, visited, depth)

	case reflect.String:
		return sanitizeString(v.String(), p)

	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return v.Interface()

	case reflect.Func:
		return "[Function]"

	case reflect.Chan:
		return "[Channel]"

	case reflect.Struct:
		return sanitizeStruct(v, p, visited, depth)

	case reflect.Map:
		return sanitizeMap(v, p, visited, depth)

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return "[Binary Data]"
		}
		return sanitizeSequence(v, p, visited, depth)

	case reflect.Array:
		return sanitizeSequence(v, p, visited, depth)

	default:
		if v.CanInterface() {
			return v.Interface()
		}
		return nil
	}
}

func asSpecialStruct(v reflect.Value) (interface{}, bool) {
	if !v.CanInterface() {
		return nil, false
	}
	switch tv := v.Interface().(type) {
	case time.Time:
		return tv, true
	case regexp.Regexp:
		return tv, true
	}
	return nil, false
}

func sanitizeStruct(v reflect.Value, p *types.MaskingPolicy, visited map[uintptr]bool, depth int) interface{} {
	if special, ok := asSpecialStruct(v); ok {
		return special
	}
	if depth >= p.MaxDepth {
		return "[MAX_DEPTH_EXCEEDED]"
	}

	t := v.Type()
	result := make(map[string]interface{}, t.NumField()+1)
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue // unexported, not "own enumerable"
		}
		result[field.Name] = sanitizeKeyedValue(field.Name, v.Field(i), p, visited, depth+1)
	}
	typeName := t.Name()
	if typeName == "" {
		typeName = t.String()
	}
	result["__type"] = typeName
	return result
}

func sanitizeMap(v reflect.Value, p *types.MaskingPolicy, visited map[uintptr]bool, depth int) interface{} {
	if v.IsNil() {
		return nil
	}
	ptr := v.Pointer()
	if visited[ptr] {
		return "[CIRCULAR]"
	}
	if depth >= p.MaxDepth {
		return "[MAX_DEPTH_EXCEEDED]"
	}
	visited[ptr] = true
	defer delete(visited, ptr)

	if isSetShape(v.Type()) {
		return sanitizeSet(v, p, visited, depth)
	}

	result := make(map[string]interface{}, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		key := stringifyMapKey(iter.Key())
		result[key] = sanitizeKeyedValue(key, iter.Value(), p, visited, depth+1)
	}
	return result
}

// isSetShape recognizes Go's conventional map[T]struct{} representation
// of an unordered set.
func isSetShape(t reflect.Type) bool {
	elem := t.Elem()
	return elem.Kind() == reflect.Struct && elem.NumField() == 0
}

func sanitizeSet(v reflect.Value, p *types.MaskingPolicy, visited map[uintptr]bool, depth int) interface{} {
	seen := make(map[string]bool, v.Len())
	out := make([]interface{}, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		sanitized := sanitizeValue(iter.Key(), p, visited, depth+1)
		key := fmt.Sprint(sanitized)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, sanitized)
	}
	return out
}

func sanitizeSequence(v reflect.Value, p *types.MaskingPolicy, visited map[uintptr]bool, depth int) interface{} {
	if v.Kind() == reflect.Slice {
		ptr := v.Pointer()
		if visited[ptr] {
			return "[CIRCULAR]"
		}
		visited[ptr] = true
		defer delete(visited, ptr)
	}
	if depth >= p.MaxDepth {
		return "[MAX_DEPTH_EXCEEDED]"
	}
	out := make([]interface{}, v.Len())
	for i := 0; i < v.Len(); i++ {
		out[i] = sanitizeValue(v.Index(i), p, visited, depth+1)
	}
	return out
}

// sanitizeKeyedValue applies the sensitive-field-name gate and converts
// any panic from reading fv into a per-key error marker, so one
// unreadable property never aborts the whole traversal.
func sanitizeKeyedValue(key string, fv reflect.Value, p *types.MaskingPolicy, visited map[uintptr]bool, depth int) (result interface{}) {
	defer func() {
		if recover() != nil {
			result = "[Error accessing property]"
		}
	}()
	if p.IsSensitiveFieldName(key) {
		var raw interface{}
		if fv.IsValid() && fv.CanInterface() {
			raw = fv.Interface()
		}
		return maskFieldValue(raw)
	}
	return sanitizeValue(fv, p, visited, depth)
}

func stringifyMapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	return fmt.Sprint(k.Interface())
}

func sanitizeError(err error, p *types.MaskingPolicy, depth int) interface{} {
	if depth >= p.MaxDepth {
		return "[MAX_DEPTH_EXCEEDED]"
	}
	stack := ""
	if oe, ok := err.(*obserrors.Error); ok {
		stack = sanitizeString(oe.Component+":"+oe.Operation, p)
	}
	return map[string]interface{}{
		"name":    fmt.Sprintf("%T", err),
		"message": sanitizeString(err.Error(), p),
		"stack":   stack,
	}
}

func sanitizeString(s string, p *types.MaskingPolicy) string {
	for _, r := range p.AllRules() {
		if !r.Enabled {
			continue
		}
		s = r.Pattern.ReplaceAllString(s, r.Replacement)
	}
	return s
}

func containsPII(v reflect.Value, p *types.MaskingPolicy, visited map[uintptr]bool, depth int) bool {
	if !v.IsValid() {
		return false
	}
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return false
		}
		return containsPII(v.Elem(), p, visited, depth)
	}
	if v.CanInterface() {
		if errVal, ok := v.Interface().(error); ok {
			return stringHasPII(errVal.Error(), p)
		}
	}

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return false
		}
		ptr := v.Pointer()
		if visited[ptr] {
			return false
		}
		visited[ptr] = true
		defer delete(visited, ptr)
		return containsPII(v.Elem(), p, visited, depth)

	case reflect.String:
		return stringHasPII(v.String(), p)

	case reflect.Struct:
		if _, ok := asSpecialStruct(v); ok {
			return false
		}
		if depth >= p.MaxDepth {
			return false
		}
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if field.PkgPath != "" {
				continue
			}
			if p.IsSensitiveFieldName(field.Name) {
				return true
			}
			if containsPII(v.Field(i), p, visited, depth+1) {
				return true
			}
		}
		return false

	case reflect.Map:
		if v.IsNil() {
			return false
		}
		ptr := v.Pointer()
		if visited[ptr] {
			return false
		}
		if depth >= p.MaxDepth {
			return false
		}
		visited[ptr] = true
		defer delete(visited, ptr)
		iter := v.MapRange()
		for iter.Next() {
			if p.IsSensitiveFieldName(stringifyMapKey(iter.Key())) {
				return true
			}
			if containsPII(iter.Value(), p, visited, depth+1) {
				return true
			}
		}
		return false

	case reflect.Slice:
		if v.IsNil() {
			return false
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return false
		}
		ptr := v.Pointer()
		if visited[ptr] {
			return false
		}
		if depth >= p.MaxDepth {
			return false
		}
		visited[ptr] = true
		defer delete(visited, ptr)
		for i := 0; i < v.Len(); i++ {
			if containsPII(v.Index(i), p, visited, depth+1) {
				return true
			}
		}
		return false

	case reflect.Array:
		if depth >= p.MaxDepth {
			return false
		}
		for i := 0; i < v.Len(); i++ {
			if containsPII(v.Index(i), p, visited, depth+1) {
				return true
			}
		}
		return false

	default:
		return false
	}
}

func stringHasPII(s string, p *types.MaskingPolicy) bool {
	for _, r := range p.AllRules() {
		if r.Enabled && r.Pattern.MatchString(s) {
			return true
		}
	}
	return false
}
