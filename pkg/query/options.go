package query

import (
	"fmt"
	"sort"

	"relayd/pkg/document"
)

// ParseOptions builds Options from the wire-level `options` object of
// POST /{c}/query or the $sort/$limit/$skip/$fields URL parameters.
func ParseOptions(raw map[string]interface{}) (Options, error) {
	var opts Options

	if v, ok := raw["$sort"]; ok {
		sortMap, ok := v.(map[string]interface{})
		if !ok {
			return opts, fmt.Errorf("query: $sort must be an object")
		}
		keys := make([]string, 0, len(sortMap))
		for k := range sortMap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			dir, _ := toFloat(sortMap[k])
			opts.Sort = append(opts.Sort, SortField{Field: k, Desc: dir < 0})
		}
	}

	if v, ok := raw["$limit"]; ok {
		n, _ := toFloat(v)
		opts.Limit = int(n)
	}
	if v, ok := raw["$skip"]; ok {
		n, _ := toFloat(v)
		opts.Skip = int(n)
	}
	if v, ok := raw["$forceMongo"]; ok {
		b, _ := v.(bool)
		opts.ForceMongo = b
	}
	if v, ok := raw["$skipEvents"]; ok {
		b, _ := v.(bool)
		opts.SkipEvents = b
	}

	if v, ok := raw["$fields"]; ok {
		fieldsMap, ok := v.(map[string]interface{})
		if !ok {
			return opts, fmt.Errorf("query: $fields must be an object")
		}
		opts.Fields = make(map[string]bool, len(fieldsMap))
		sawInclude, sawExclude := false, false
		for k, raw := range fieldsMap {
			b, _ := toFloat(raw)
			include := b != 0
			opts.Fields[k] = include
			if include {
				sawInclude = true
			} else {
				sawExclude = true
			}
		}
		if sawInclude && sawExclude {
			return opts, fmt.Errorf("query: $fields cannot mix inclusion and exclusion")
		}
	}

	return opts, nil
}

// Sort orders docs in place according to opts.Sort.
func Sort(docs []document.Doc, opts Options) {
	if len(opts.Sort) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, s := range opts.Sort {
			av, _ := docs[i].Get(s.Field)
			bv, _ := docs[j].Get(s.Field)
			c := compareValues(av, bv)
			if c == 0 {
				continue
			}
			if s.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// Paginate applies skip/limit to an already-sorted slice.
func Paginate(docs []document.Doc, opts Options) []document.Doc {
	if opts.Skip > 0 {
		if opts.Skip >= len(docs) {
			return nil
		}
		docs = docs[opts.Skip:]
	}
	if opts.Limit > 0 && opts.Limit < len(docs) {
		docs = docs[:opts.Limit]
	}
	return docs
}

// Project applies an inclusion or exclusion projection. An inclusion
// projection always keeps id; an exclusion projection removes every listed
// field, id included.
func Project(d document.Doc, opts Options) document.Doc {
	if len(opts.Fields) == 0 {
		return d
	}
	inclusion := false
	for _, v := range opts.Fields {
		if v {
			inclusion = true
			break
		}
	}

	out := document.New()
	if inclusion {
		out[document.FieldID] = d[document.FieldID]
		for field, include := range opts.Fields {
			if include {
				if v, ok := d.Get(field); ok {
					out[field] = v
				}
			}
		}
		return out
	}

	out = document.Clone(d)
	for field, include := range opts.Fields {
		if !include {
			out.Delete(field)
		}
	}
	return out
}
