package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit_SeparatesReservedOptions(t *testing.T) {
	predicates, opts, err := Split(map[string]interface{}{
		"priority":    map[string]interface{}{"$gte": float64(3)},
		"done":        false,
		"$sort":       map[string]interface{}{"priority": float64(-1)},
		"$limit":      float64(2),
		"$skip":       float64(1),
		"$skipEvents": true,
		"$forceMongo": true,
	})
	require.NoError(t, err)

	assert.Len(t, predicates, 2)
	assert.Contains(t, predicates, "priority")
	assert.Contains(t, predicates, "done")

	assert.Equal(t, []SortField{{Field: "priority", Desc: true}}, opts.Sort)
	assert.Equal(t, 2, opts.Limit)
	assert.Equal(t, 1, opts.Skip)
	assert.True(t, opts.SkipEvents)
	assert.True(t, opts.ForceMongo)
}

func TestSplit_KeepsBooleanOperatorsWithPredicates(t *testing.T) {
	predicates, _, err := Split(map[string]interface{}{
		"$or": []interface{}{
			map[string]interface{}{"a": float64(1)},
			map[string]interface{}{"b": float64(2)},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, predicates, "$or")

	node, err := Parse(predicates)
	require.NoError(t, err)
	b, ok := node.(Bool)
	require.True(t, ok)
	assert.Equal(t, OpOr, b.Op)
}
