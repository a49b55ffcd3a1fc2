// Package aggregate merges per-page extraction results into one document record.
package aggregate

import "reflect"

// Merge combines results in order. For each key the first non-empty value
// wins, except that two lists are unioned in first-seen order without
// duplicates. It is deliberately shallow: nested objects are never merged.
//
// Empty means absent, nil, "", false, numeric zero or an empty object; an
// empty value is replaced by whatever a later result holds for the key.
func Merge(results []map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{})
	for _, result := range results {
		for key, incoming := range result {
			existing, ok := merged[key]
			if !ok || isEmpty(existing) {
				merged[key] = incoming
				continue
			}
			a, aList := existing.([]interface{})
			b, bList := incoming.([]interface{})
			if aList && bList {
				merged[key] = union(a, b)
			}
		}
	}
	return merged
}

func union(a, b []interface{}) []interface{} {
	out := make([]interface{}, 0, len(a)+len(b))
	for _, list := range [][]interface{}{a, b} {
		for _, v := range list {
			if !contains(out, v) {
				out = append(out, v)
			}
		}
	}
	return out
}

func contains(list []interface{}, v interface{}) bool {
	for _, item := range list {
		if reflect.DeepEqual(item, v) {
			return true
		}
	}
	return false
}

func isEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case float64:
		return t == 0
	case float32:
		return t == 0
	case int:
		return t == 0
	case int64:
		return t == 0
	case map[string]interface{}:
		return len(t) == 0
	default:
		return false
	}
}
