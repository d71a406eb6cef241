package domain

import "gorm.io/datatypes"

// CloneJSONMap deep-copies the nested maps and slices JSON decoding produces.
func CloneJSONMap(m datatypes.JSONMap) datatypes.JSONMap {
	if m == nil {
		return nil
	}
	out := make(datatypes.JSONMap, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = cloneValue(vv)
		}
		return out
	case datatypes.JSONMap:
		return CloneJSONMap(x)
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = cloneValue(vv)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(x))
		for i, vv := range x {
			out[i] = cloneValue(vv).(map[string]any)
		}
		return out
	default:
		return v
	}
}
