package query

import "strings"

// Split separates a wire query object into its field predicates and its
// reserved $-prefixed options ($sort, $limit, $skip, $fields, $skipEvents,
// $forceMongo). $and/$or stay with the predicates; unknown $-keys are
// rejected downstream by Parse.
func Split(raw map[string]interface{}) (map[string]interface{}, Options, error) {
	predicates := make(map[string]interface{}, len(raw))
	reserved := make(map[string]interface{})

	for k, v := range raw {
		if strings.HasPrefix(k, "$") && k != "$and" && k != "$or" {
			reserved[k] = v
			continue
		}
		predicates[k] = v
	}

	opts, err := ParseOptions(reserved)
	return predicates, opts, err
}
