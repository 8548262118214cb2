// Package query implements the MongoDB-style query translator: it parses
// the wire query object into a backend-agnostic predicate
// tree, which the document store evaluates directly and the hybrid SQL
// store compiles to a parameterized WHERE clause.
package query

import (
	"fmt"
	"sort"
)

// Op is one of the supported leaf/boolean operators.
type Op string

const (
	OpEq     Op = "$eq"
	OpNe     Op = "$ne"
	OpGt     Op = "$gt"
	OpGte    Op = "$gte"
	OpLt     Op = "$lt"
	OpLte    Op = "$lte"
	OpIn     Op = "$in"
	OpNin    Op = "$nin"
	OpExists Op = "$exists"
	OpRegex  Op = "$regex"
	OpAnd    Op = "$and"
	OpOr     Op = "$or"
)

// Node is one node of the predicate tree.
type Node interface{ isNode() }

// Predicate is a leaf: field OP value.
type Predicate struct {
	Field string
	Op    Op
	Value interface{}
}

func (Predicate) isNode() {}

// Bool is an $and/$or of child nodes.
type Bool struct {
	Op       Op
	Children []Node
}

func (Bool) isNode() {}

// Options carries the non-predicate parts of a request: sort, limit,
// skip, and the fields projection.
type Options struct {
	Sort  []SortField
	Limit int
	Skip  int

	// Fields is a projection: all true (inclusion) or all false (exclusion).
	// Mixing inclusion and exclusion is an error, checked by ParseOptions.
	Fields map[string]bool

	// ForceMongo is the $forceMongo bypass flag: a no-op on the
	// document backend, an UnsupportedOperation on the SQL backend.
	ForceMongo bool

	// SkipEvents is the $skipEvents flag, resolved by the router and never
	// observed by the script host.
	SkipEvents bool
}

// SortField is one entry of an ordered sort mapping field -> {+1,-1}.
type SortField struct {
	Field string
	Desc  bool
}

var leafOps = map[string]Op{
	"$eq": OpEq, "$ne": OpNe, "$gt": OpGt, "$gte": OpGte,
	"$lt": OpLt, "$lte": OpLte, "$in": OpIn, "$nin": OpNin,
	"$exists": OpExists, "$regex": OpRegex,
}

// Parse builds a predicate tree from a wire query object. An implicit
// conjunction applies across sibling field predicates; a bare value
// (not an operator object) is treated as $eq.
func Parse(raw map[string]interface{}) (Node, error) {
	return parseObject(raw)
}

func parseObject(raw map[string]interface{}) (Node, error) {
	var children []Node

	// Deterministic order keeps SQL compilation and tests reproducible.
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, field := range keys {
		value := raw[field]

		switch field {
		case "$and", "$or":
			list, ok := value.([]interface{})
			if !ok {
				return nil, fmt.Errorf("query: %s requires an array", field)
			}
			var kids []Node
			for _, item := range list {
				obj, ok := item.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("query: %s entries must be objects", field)
				}
				node, err := parseObject(obj)
				if err != nil {
					return nil, err
				}
				kids = append(kids, node)
			}
			children = append(children, Bool{Op: Op(field), Children: kids})
			continue
		}

		node, err := parseField(field, value)
		if err != nil {
			return nil, err
		}
		children = append(children, node)
	}

	if len(children) == 1 {
		return children[0], nil
	}
	return Bool{Op: OpAnd, Children: children}, nil
}

// parseField parses one field's predicate, which is either a bare value
// (implicit $eq) or an operator object such as {"$gte": 3}. An operator
// object with more than one key is itself an implicit conjunction of that
// field's predicates.
func parseField(field string, value interface{}) (Node, error) {
	obj, ok := value.(map[string]interface{})
	if !ok {
		return Predicate{Field: field, Op: OpEq, Value: value}, nil
	}

	// A map that isn't operator-shaped (no leading $ keys) is a literal
	// object value compared with $eq.
	isOperatorObject := false
	for k := range obj {
		if len(k) > 0 && k[0] == '$' {
			isOperatorObject = true
			break
		}
	}
	if !isOperatorObject {
		return Predicate{Field: field, Op: OpEq, Value: value}, nil
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var preds []Node
	for _, opKey := range keys {
		op, ok := leafOps[opKey]
		if !ok {
			return nil, fmt.Errorf("query: unsupported operator %q", opKey)
		}
		preds = append(preds, Predicate{Field: field, Op: op, Value: obj[opKey]})
	}
	if len(preds) == 1 {
		return preds[0], nil
	}
	return Bool{Op: OpAnd, Children: preds}, nil
}
