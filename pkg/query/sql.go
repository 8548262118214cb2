package query

import (
	"fmt"
	"strings"
)

// ColumnResolver reports, for a field, the SQL expression to use in place
// of the field name: a native column reference when the collection
// promoted that field to a typed column, or a json_extract expression over
// the `data` column otherwise (the hybrid column+JSON layout).
type ColumnResolver func(field string) (expr string, isColumn bool)

// CompileSQL renders node as a parameterized WHERE tree. Returned args
// are positional, to be passed alongside the `?`
// placeholders SQLite expects.
func CompileSQL(node Node, resolve ColumnResolver) (string, []interface{}, error) {
	var args []interface{}
	clause, err := compileNode(node, resolve, &args)
	if err != nil {
		return "", nil, err
	}
	if clause == "" {
		return "1=1", nil, nil
	}
	return clause, args, nil
}

func compileNode(node Node, resolve ColumnResolver, args *[]interface{}) (string, error) {
	switch n := node.(type) {
	case Bool:
		if len(n.Children) == 0 {
			return "", nil
		}
		var parts []string
		for _, c := range n.Children {
			clause, err := compileNode(c, resolve, args)
			if err != nil {
				return "", err
			}
			parts = append(parts, clause)
		}
		joiner := " AND "
		if n.Op == OpOr {
			joiner = " OR "
		}
		return "(" + strings.Join(parts, joiner) + ")", nil
	case Predicate:
		return compilePredicate(n, resolve, args)
	default:
		return "", fmt.Errorf("query: unknown node type %T", node)
	}
}

func compilePredicate(p Predicate, resolve ColumnResolver, args *[]interface{}) (string, error) {
	expr, _ := resolve(p.Field)

	switch p.Op {
	case OpEq:
		if p.Value == nil {
			return fmt.Sprintf("%s IS NULL", expr), nil
		}
		*args = append(*args, p.Value)
		return fmt.Sprintf("%s = ?", expr), nil
	case OpNe:
		if p.Value == nil {
			return fmt.Sprintf("%s IS NOT NULL", expr), nil
		}
		*args = append(*args, p.Value)
		return fmt.Sprintf("%s != ?", expr), nil
	case OpGt, OpGte, OpLt, OpLte:
		op := map[Op]string{OpGt: ">", OpGte: ">=", OpLt: "<", OpLte: "<="}[p.Op]
		*args = append(*args, p.Value)
		return fmt.Sprintf("%s %s ?", expr, op), nil
	case OpIn, OpNin:
		list, ok := p.Value.([]interface{})
		if !ok {
			return "", fmt.Errorf("query: %s requires an array value", p.Op)
		}
		if len(list) == 0 {
			// IN () is invalid SQL; an empty set matches nothing/everything.
			if p.Op == OpIn {
				return "1=0", nil
			}
			return "1=1", nil
		}
		placeholders := make([]string, len(list))
		for i, v := range list {
			placeholders[i] = "?"
			*args = append(*args, v)
		}
		kw := "IN"
		if p.Op == OpNin {
			kw = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", expr, kw, strings.Join(placeholders, ", ")), nil
	case OpExists:
		want, _ := p.Value.(bool)
		if want {
			return fmt.Sprintf("%s IS NOT NULL", expr), nil
		}
		return fmt.Sprintf("%s IS NULL", expr), nil
	case OpRegex:
		pattern, _ := p.Value.(string)
		likePattern, ok := regexToLike(pattern)
		if !ok {
			return "", fmt.Errorf("query: unsupported $regex pattern for SQL backend: %q", pattern)
		}
		*args = append(*args, likePattern)
		return fmt.Sprintf("%s LIKE ?", expr), nil
	default:
		return "", fmt.Errorf("query: unsupported operator %q for SQL backend", p.Op)
	}
}

// regexToLike implements anchoring-only translation: "^p" -> "p%",
// "p$" -> "%p", else "%p%". Any pattern is accepted, never an error:
// unrecognized metacharacters are matched literally as part of the LIKE
// substring.
func regexToLike(pattern string) (string, bool) {
	prefix := strings.HasPrefix(pattern, "^")
	suffix := strings.HasSuffix(pattern, "$")
	core := strings.TrimSuffix(strings.TrimPrefix(pattern, "^"), "$")
	core = strings.NewReplacer("%", "\\%", "_", "\\_").Replace(core)

	switch {
	case prefix && suffix:
		return core, true
	case prefix:
		return core + "%", true
	case suffix:
		return "%" + core, true
	default:
		return "%" + core + "%", true
	}
}
