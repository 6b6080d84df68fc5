package codec

import (
	"math"
	"reflect"
)

// Normalize maps v into the native domain: nil, bool, int64, float64,
// string, []byte, []any and map[string]any. It reports false if v, or any
// leaf inside it, has no native representation.
func Normalize(v any) (any, bool) {
	switch x := v.(type) {
	case nil:
		return nil, true
	case bool, string, int64, float64:
		return x, true
	case []byte:
		return x, true
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, false
		}
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return nil, false
		}
		return int64(x), true
	case float32:
		return float64(x), true
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			n, ok := Normalize(e)
			if !ok {
				return nil, false
			}
			out[i] = n
		}
		return out, true
	case []string:
		return sliceOf(x), true
	case []int:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = int64(e)
		}
		return out, true
	case []int64:
		return sliceOf(x), true
	case []float64:
		return sliceOf(x), true
	case []bool:
		return sliceOf(x), true
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			n, ok := Normalize(e)
			if !ok {
				return nil, false
			}
			out[k] = n
		}
		return out, true
	case map[string]string:
		return mapOf(x), true
	case map[string]int64:
		return mapOf(x), true
	case map[string]float64:
		return mapOf(x), true
	case map[string]bool:
		return mapOf(x), true
	case map[string]int:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = int64(e)
		}
		return out, true
	default:
		return nil, false
	}
}

func sliceOf[E any](in []E) []any {
	out := make([]any, len(in))
	for i, e := range in {
		out[i] = e
	}
	return out
}

func mapOf[E any](in map[string]E) map[string]any {
	out := make(map[string]any, len(in))
	for k, e := range in {
		out[k] = e
	}
	return out
}

const estimateDepth = 6

// estimateJSONSize approximates the encoded length of v without encoding it.
func estimateJSONSize(v any) int {
	return estimateValue(reflect.ValueOf(v), estimateDepth)
}

func estimateValue(v reflect.Value, depth int) int {
	if !v.IsValid() {
		return 4
	}
	if depth == 0 {
		return 8
	}
	switch v.Kind() {
	case reflect.String:
		return v.Len() + 2
	case reflect.Bool:
		return 5
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return 8
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return 4
		}
		return estimateValue(v.Elem(), depth-1)
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Len()*4/3 + 2
		}
		size := 2
		for i := 0; i < v.Len(); i++ {
			size += estimateValue(v.Index(i), depth-1) + 1
		}
		return size
	case reflect.Map:
		size := 2
		iter := v.MapRange()
		for iter.Next() {
			size += estimateValue(iter.Key(), depth-1) + estimateValue(iter.Value(), depth-1) + 2
		}
		return size
	case reflect.Struct:
		size := 2
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			size += len(t.Field(i).Name) + 4 + estimateValue(v.Field(i), depth-1)
		}
		return size
	default:
		return 8
	}
}
