package proto

import "encoding/json"

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

func fromJSON(s string) any {
	if s == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

// ValuesToMap converts a wire meta/input map into plain Go values.
func ValuesToMap(m map[string]Value) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.ToAny()
	}
	return out
}

// MapToValues converts a plain Go map into the wire Value union map.
func MapToValues(m map[string]any) map[string]Value {
	out := make(map[string]Value, len(m))
	for k, v := range m {
		out[k] = NewValue(v)
	}
	return out
}

// StringMapToValues converts a plain string map into the wire Value union
// map, used for metadata that is already string-typed.
func StringMapToValues(m map[string]string) map[string]Value {
	out := make(map[string]Value, len(m))
	for k, v := range m {
		out[k] = NewValue(v)
	}
	return out
}
