package es

import (
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/fjogeleit/event-store/core/cache"
)

type FieldType string

const (
	FieldMetadata        FieldType = "metadata"
	FieldMessageProperty FieldType = "message_property"
)

type Operator string

const (
	OpEquals            Operator = "="
	OpNotEquals         Operator = "!="
	OpGreaterThan       Operator = ">"
	OpGreaterThanEquals Operator = ">="
	OpLowerThan         Operator = "<"
	OpLowerThanEquals   Operator = "<="
	OpIn                Operator = "in"
	OpNotIn             Operator = "nin"
	OpRegex             Operator = "regex"
)

// ParseOperator accepts the operator symbols plus "not in" as alias of nin.
func ParseOperator(s string) (Operator, error) {
	op := Operator(strings.ToLower(strings.TrimSpace(s)))
	if op == "not in" {
		return OpNotIn, nil
	}
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpGreaterThanEquals,
		OpLowerThan, OpLowerThanEquals, OpIn, OpNotIn, OpRegex:
		return op, nil
	}
	return "", fmt.Errorf("%w: unknown operator %q", ErrInvalidMatcher, s)
}

// Message properties addressable with FieldMessageProperty.
const (
	PropCreatedAt = "createdAt"
	PropEventName = "event_name"
	PropUUID      = "uuid"
)

type Match struct {
	Field     string
	FieldType FieldType
	Operator  Operator
	Value     any
}

// MetadataMatcher is an ordered list of predicates which are ANDed. A nil
// matcher passes every event.
type MetadataMatcher []Match

func NewMatcher() MetadataMatcher { return nil }

func (m MetadataMatcher) WithMetadataMatch(field string, op Operator, value any) MetadataMatcher {
	return append(slices.Clip(m), Match{Field: field, FieldType: FieldMetadata, Operator: op, Value: value})
}

func (m MetadataMatcher) WithPropertyMatch(property string, op Operator, value any) MetadataMatcher {
	return append(slices.Clip(m), Match{Field: property, FieldType: FieldMessageProperty, Operator: op, Value: value})
}

func (m MetadataMatcher) Validate() error {
	for i, match := range m {
		if match.Field == "" {
			return fmt.Errorf("%w: predicate %d has no field", ErrInvalidMatcher, i)
		}
		if match.FieldType != FieldMetadata && match.FieldType != FieldMessageProperty {
			return fmt.Errorf("%w: predicate %d has unknown field type %q", ErrInvalidMatcher, i, match.FieldType)
		}
		if _, err := ParseOperator(string(match.Operator)); err != nil {
			return fmt.Errorf("predicate %d: %w", i, err)
		}
		switch match.Operator {
		case OpRegex:
			if _, err := compileRegex(fmt.Sprint(match.Value)); err != nil {
				return fmt.Errorf("%w: predicate %d: %w", ErrInvalidMatcher, i, err)
			}
		case OpIn, OpNotIn:
			if !isList(match.Value) {
				return fmt.Errorf("%w: predicate %d: %s expects a list value", ErrInvalidMatcher, i, match.Operator)
			}
		}
	}
	return nil
}

func (m MetadataMatcher) Matches(ev Event) bool {
	for _, match := range m {
		if !match.matches(ev) {
			return false
		}
	}
	return true
}

// Pushable returns the predicates a backend may evaluate in storage: exact
// matches of a metadata field against a non-numeric string. Such a
// predicate can only hold for a stored string, so filtering on it early
// never drops an event the full matcher accepts. Backends still apply the
// full matcher to what they return.
func (m MetadataMatcher) Pushable() []Match {
	var out []Match
	for _, match := range m {
		if match.FieldType != FieldMetadata || match.Operator != OpEquals {
			continue
		}
		s, ok := match.Value.(string)
		if !ok || strings.ContainsAny(match.Field, `"'\`) {
			continue
		}
		if _, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			continue
		}
		if _, isTime := toTime(s); isTime {
			continue
		}
		out = append(out, match)
	}
	return out
}

func (m Match) matches(ev Event) bool {
	actual, ok := m.lookup(ev)
	if !ok {
		return false
	}
	return matchValue(actual, m.Operator, m.Value)
}

func (m Match) lookup(ev Event) (any, bool) {
	if m.FieldType == FieldMetadata {
		return ev.MetadataValue(m.Field)
	}
	switch m.Field {
	case PropCreatedAt, "created_at":
		return ev.CreatedAt(), true
	case PropEventName, "name":
		return ev.Name(), true
	case PropUUID:
		return ev.UUID(), true
	}
	return nil, false
}

func matchValue(actual any, op Operator, expected any) bool {
	if op == "not in" {
		op = OpNotIn
	}
	switch op {
	case OpIn:
		return listContains(expected, actual)
	case OpNotIn:
		return !listContains(expected, actual)
	case OpRegex:
		re, err := compileRegex(fmt.Sprint(expected))
		if err != nil {
			return false
		}
		s, ok := toString(actual)
		return ok && re.MatchString(s)
	case OpNotEquals:
		c, ok := compareValues(actual, expected)
		return !ok || c != 0
	}

	c, ok := compareValues(actual, expected)
	if !ok {
		return false
	}
	switch op {
	case OpEquals:
		return c == 0
	case OpGreaterThan:
		return c > 0
	case OpGreaterThanEquals:
		return c >= 0
	case OpLowerThan:
		return c < 0
	case OpLowerThanEquals:
		return c <= 0
	}
	return false
}

// compareValues orders a against b. ok is false when the values have no
// common ordering (e.g. a bool against a time).
func compareValues(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, a == nil && b == nil
	}
	if ta, isTime := a.(time.Time); isTime {
		tb, ok := toTime(b)
		return ta.Compare(tb), ok
	}
	if tb, isTime := b.(time.Time); isTime {
		ta, ok := toTime(a)
		return ta.Compare(tb), ok
	}

	if isNumeric(a) || isNumeric(b) {
		if isInteger(a) && isInteger(b) {
			ia, _ := toInt64(a)
			ib, _ := toInt64(b)
			return cmpOrdered(ia, ib), true
		}
		fa, okA := numericOf(a)
		fb, okB := numericOf(b)
		if okA && okB {
			return cmpOrdered(fa, fb), true
		}
		return 0, false
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return strings.Compare(av, bv), ok
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		if av {
			return 1, true
		}
		return -1, true
	}

	if reflect.TypeOf(a) == reflect.TypeOf(b) && reflect.TypeOf(a).Comparable() && a == b {
		return 0, true
	}
	return 0, false
}

// numericOf also accepts numeric strings so "3" and 3 compare equal.
func numericOf(v any) (float64, bool) {
	if f, ok := toFloat64(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999", time.DateOnly} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

func listContains(list any, v any) bool {
	if !isList(list) {
		return false
	}
	rv := reflect.ValueOf(list)
	for i := range rv.Len() {
		if c, ok := compareValues(v, rv.Index(i).Interface()); ok && c == 0 {
			return true
		}
	}
	return false
}

var regexCache = cache.NewLRU[*regexp.Regexp](cache.LRUOpts{Size: 256})

func compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Put(pattern, re)
	return re, nil
}
