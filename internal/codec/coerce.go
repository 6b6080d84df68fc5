package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// TypeMismatchError reports a stored value that cannot become the
// requested type.
type TypeMismatchError struct {
	Requested string
	Actual    string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("codec: cannot convert %s to %s", e.Actual, e.Requested)
}

// Coerce converts a decoded native value to T. Values that already are a T
// pass through. Closed target kinds (int, int64, float64, string, bool,
// []byte, []any, map[string]any, any) follow fixed conversion rules; every
// other target is filled through a JSON bridge.
func Coerce[T any](v any) (T, error) {
	var zero T
	if t, ok := v.(T); ok {
		return t, nil
	}

	switch p := any(&zero).(type) {
	case *any:
		*p = v
		return zero, nil
	case *int:
		n, ok := toInt(v)
		if !ok || n < math.MinInt || n > math.MaxInt {
			return zero, mismatch[T](v)
		}
		*p = int(n)
	case *int64:
		n, ok := toInt(v)
		if !ok {
			return zero, mismatch[T](v)
		}
		*p = n
	case *float64:
		f, ok := toFloat(v)
		if !ok {
			return zero, mismatch[T](v)
		}
		*p = f
	case *string:
		s, ok := toString(v)
		if !ok {
			return zero, mismatch[T](v)
		}
		*p = s
	case *bool:
		return zero, mismatch[T](v)
	case *[]byte:
		switch x := v.(type) {
		case nil:
		case string:
			b, err := base64.StdEncoding.DecodeString(x)
			if err != nil {
				return zero, mismatch[T](v)
			}
			*p = b
		default:
			return zero, mismatch[T](v)
		}
	case *[]any:
		if v == nil {
			return zero, nil
		}
		n, ok := Normalize(v)
		list, isList := n.([]any)
		if !ok || !isList {
			return zero, mismatch[T](v)
		}
		*p = list
	case *map[string]any:
		if v == nil {
			return zero, nil
		}
		m, ok := rekey(v)
		if !ok {
			return zero, mismatch[T](v)
		}
		*p = m
	default:
		if v == nil {
			return zero, nil
		}
		return bridge[T](v)
	}
	return zero, nil
}

// closedKind reports whether T is handled by Coerce without the JSON bridge.
func closedKind[T any]() bool {
	var zero T
	switch any(&zero).(type) {
	case *any, *int, *int64, *float64, *string, *bool, *[]byte, *[]any, *map[string]any:
		return true
	default:
		return false
	}
}

func bridge[T any](v any) (T, error) {
	var out T
	text, err := json.Marshal(v)
	if err != nil {
		return out, mismatch[T](v)
	}
	if err := json.Unmarshal(text, &out); err != nil {
		var zero T
		return zero, mismatch[T](v)
	}
	return out, nil
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int16:
		return int64(x), true
	case int8:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case float32:
		return truncate(float64(x))
	case float64:
		return truncate(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, true
		}
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		return truncate(f)
	default:
		return 0, false
	}
}

func truncate(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	if n, ok := toInt(v); ok {
		return float64(n), true
	}
	return 0, false
}

func toString(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case json.Number:
		return x.String(), true
	case []byte:
		return base64.StdEncoding.EncodeToString(x), true
	case []any, map[string]any:
		text, err := json.Marshal(x)
		if err != nil {
			return "", false
		}
		return string(text), true
	}
	if n, ok := toInt(v); ok {
		return strconv.FormatInt(n, 10), true
	}
	return fmt.Sprint(v), true
}

// rekey converts any map into a string-keyed map, stringifying keys.
func rekey(v any) (map[string]any, bool) {
	if n, ok := Normalize(v); ok {
		if m, isMap := n.(map[string]any); isMap {
			return m, true
		}
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		key, ok := toString(iter.Key().Interface())
		if !ok {
			return nil, false
		}
		val := iter.Value().Interface()
		if n, ok := Normalize(val); ok {
			val = n
		}
		out[key] = val
	}
	return out, true
}

func mismatch[T any](v any) error {
	return &TypeMismatchError{Requested: requestedName[T](), Actual: actualName(v)}
}

func requestedName[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}

func actualName(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
