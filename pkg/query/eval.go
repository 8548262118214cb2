package query

import (
	"regexp"
	"strings"

	"relayd/pkg/document"
)

// Matches reports whether doc satisfies node, the evaluator the document
// store uses: an embedded store has no query engine of its own, so relayd
// evaluates the same predicate tree directly over the decoded document.
func Matches(node Node, doc document.Doc) bool {
	switch n := node.(type) {
	case Bool:
		switch n.Op {
		case OpOr:
			for _, c := range n.Children {
				if Matches(c, doc) {
					return true
				}
			}
			return len(n.Children) == 0
		default: // OpAnd
			for _, c := range n.Children {
				if !Matches(c, doc) {
					return false
				}
			}
			return true
		}
	case Predicate:
		return matchPredicate(n, doc)
	default:
		return false
	}
}

func matchPredicate(p Predicate, doc document.Doc) bool {
	actual, present := doc.Get(p.Field)

	switch p.Op {
	case OpExists:
		want, _ := p.Value.(bool)
		return present == want
	case OpEq:
		return present && equalValues(actual, p.Value)
	case OpNe:
		return !present || !equalValues(actual, p.Value)
	case OpGt:
		return present && compareValues(actual, p.Value) > 0
	case OpGte:
		return present && compareValues(actual, p.Value) >= 0
	case OpLt:
		return present && compareValues(actual, p.Value) < 0
	case OpLte:
		return present && compareValues(actual, p.Value) <= 0
	case OpIn:
		list, _ := p.Value.([]interface{})
		for _, v := range list {
			if present && equalValues(actual, v) {
				return true
			}
		}
		return false
	case OpNin:
		list, _ := p.Value.([]interface{})
		for _, v := range list {
			if present && equalValues(actual, v) {
				return false
			}
		}
		return true
	case OpRegex:
		pattern, _ := p.Value.(string)
		s, ok := actual.(string)
		if !present || !ok {
			return false
		}
		return matchRegex(pattern, s)
	default:
		return false
	}
}

// matchRegex applies the anchoring-only dialect: "^p" is a prefix match,
// "p$" a suffix match, anything else is tried as a real regular expression
// and falls back to a literal substring match, never rejected as an error.
func matchRegex(pattern, s string) bool {
	prefix := strings.HasPrefix(pattern, "^")
	suffix := strings.HasSuffix(pattern, "$")
	core := strings.TrimSuffix(strings.TrimPrefix(pattern, "^"), "$")

	switch {
	case prefix && suffix:
		return s == core
	case prefix:
		return strings.HasPrefix(s, core)
	case suffix:
		return strings.HasSuffix(s, core)
	default:
		if re, err := regexp.Compile(pattern); err == nil {
			return re.MatchString(s)
		}
		return strings.Contains(s, pattern)
	}
}

func equalValues(a, b interface{}) bool {
	return compareComparable(a, b, func(x, y float64) bool { return x == y }, func(x, y string) bool { return x == y })
}

// compareValues returns <0, 0, >0 for numeric or lexicographic string
// comparisons; string comparisons are lexicographic.
func compareValues(a, b interface{}) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	return 0
}

func compareComparable(a, b interface{}, numEq func(float64, float64) bool, strEq func(string, string) bool) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return numEq(af, bf)
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strEq(as, bs)
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
