package provider

import (
	"encoding/json"
	"strconv"
	"strings"
)

// looseFields is a JSON object with case-insensitive key lookup. Provider
// webhook schemas have drifted between PascalCase and camelCase over the
// years; events of either vintage must parse.
type looseFields map[string]any

func decodeLooseJSON(raw json.RawMessage) (looseFields, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return looseFields(fields), nil
}

func (f looseFields) lookup(key string) (any, bool) {
	if v, ok := f[key]; ok {
		return v, true
	}
	for k, v := range f {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func (f looseFields) str(key string) string {
	v, ok := f.lookup(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (f looseFields) num(key string) float64 {
	v, ok := f.lookup(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

func (f looseFields) child(key string) (looseFields, bool) {
	v, ok := f.lookup(key)
	if !ok {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return looseFields(obj), true
}
