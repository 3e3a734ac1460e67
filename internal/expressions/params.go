package expressions

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ResolveParams resolves node parameters against vars. Literals pass through,
// sentinel-prefixed strings are evaluated, nested maps and slices are resolved
// recursively. Expressions that produce no value are omitted and their dotted
// path is reported in missing (sorted).
func (ev *Evaluator) ResolveParams(params map[string]any, vars map[string]any) (resolved map[string]any, missing []string) {
	resolved = make(map[string]any, len(params))
	for k, v := range params {
		out, ok := ev.resolveValue(k, v, vars, &missing)
		if ok {
			resolved[k] = out
		}
	}
	sort.Strings(missing)
	return resolved, missing
}

func (ev *Evaluator) resolveValue(path string, v any, vars map[string]any, missing *[]string) (any, bool) {
	switch val := v.(type) {
	case string:
		if !IsExpression(val) {
			return val, true
		}
		out, ok := ev.Eval(val, vars)
		if !ok {
			*missing = append(*missing, path)
			return nil, false
		}
		return out, true
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, ok := ev.resolveValue(path+"."+k, item, vars, missing)
			if ok {
				out[k] = r
			}
		}
		return out, true
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, _ := ev.resolveValue(path+"["+strconv.Itoa(i)+"]", item, vars, missing)
			out[i] = r
		}
		return out, true
	default:
		return v, true
	}
}

// ToKey coerces a SWITCH `on` value into the string used to look up cases.
// Integral numbers drop their fractional part so 7 and 7.0 both map to "7".
func ToKey(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int8, int16, int32, int64:
		return strconv.FormatInt(toInt64(val), 10)
	case uint, uint8, uint16, uint32, uint64:
		return strconv.FormatUint(toUint64(val), 10)
	case float32:
		return formatFloat(float64(val))
	case float64:
		return formatFloat(val)
	case json.Number:
		return val.String()
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(raw))
	}
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	}
	return 0
}

func toUint64(v any) uint64 {
	switch n := v.(type) {
	case uint:
		return uint64(n)
	case uint8:
		return uint64(n)
	case uint16:
		return uint64(n)
	case uint32:
		return uint64(n)
	case uint64:
		return n
	}
	return 0
}
