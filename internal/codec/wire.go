package codec

import (
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Record layout:
//
//	record:  1 = value (bare, legacy shapes) | 2 = stored (typed)
//	stored:  1 = strategy (varint), 2 = payload (value)
//	value:   1 null | 2 bool | 3 int (zigzag) | 4 double | 5 string |
//	         6 bytes | 7 list | 8 map
//	list:    1 = item (value), repeated
//	map:     1 = entry, repeated; entry: 1 = key, 2 = value
const (
	recordValue  protowire.Number = 1
	recordStored protowire.Number = 2

	storedStrategy protowire.Number = 1
	storedPayload  protowire.Number = 2

	valueNull   protowire.Number = 1
	valueBool   protowire.Number = 2
	valueInt    protowire.Number = 3
	valueDouble protowire.Number = 4
	valueString protowire.Number = 5
	valueBytes  protowire.Number = 6
	valueList   protowire.Number = 7
	valueMap    protowire.Number = 8

	listItem   protowire.Number = 1
	mapEntry   protowire.Number = 1
	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2
)

// MarshalRecord writes sv as a typed record.
func MarshalRecord(sv StoredValue) ([]byte, error) {
	if !sv.Strategy.valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, sv.Strategy)
	}
	payload, err := appendValue(nil, sv.Payload)
	if err != nil {
		return nil, err
	}
	var inner []byte
	inner = protowire.AppendTag(inner, storedStrategy, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(sv.Strategy))
	inner = protowire.AppendTag(inner, storedPayload, protowire.BytesType)
	inner = protowire.AppendBytes(inner, payload)

	out := protowire.AppendTag(nil, recordStored, protowire.BytesType)
	return protowire.AppendBytes(out, inner), nil
}

// MarshalLegacyString writes the oldest shape: a bare JSON string.
func MarshalLegacyString(jsonText string) []byte {
	b, _ := marshalBare(jsonText)
	return b
}

// MarshalLegacyWrapper writes sv as a bare two-key map.
func MarshalLegacyWrapper(sv StoredValue) ([]byte, error) {
	return marshalBare(map[string]any{
		WrapperStrategyKey: int64(sv.Strategy),
		WrapperValueKey:    sv.Payload,
	})
}

// MarshalBare writes a native value without a strategy tag.
func MarshalBare(v any) ([]byte, error) {
	n, ok := Normalize(v)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not native", ErrUnsupported, v)
	}
	return marshalBare(n)
}

func marshalBare(v any) ([]byte, error) {
	value, err := appendValue(nil, v)
	if err != nil {
		return nil, err
	}
	out := protowire.AppendTag(nil, recordValue, protowire.BytesType)
	return protowire.AppendBytes(out, value), nil
}

func appendValue(b []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		b = protowire.AppendTag(b, valueNull, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	case bool:
		b = protowire.AppendTag(b, valueBool, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(x))
	case int64:
		b = protowire.AppendTag(b, valueInt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(x))
	case float64:
		b = protowire.AppendTag(b, valueDouble, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(x))
	case string:
		b = protowire.AppendTag(b, valueString, protowire.BytesType)
		b = protowire.AppendString(b, x)
	case []byte:
		b = protowire.AppendTag(b, valueBytes, protowire.BytesType)
		b = protowire.AppendBytes(b, x)
	case []any:
		var list []byte
		for _, e := range x {
			item, err := appendValue(nil, e)
			if err != nil {
				return nil, err
			}
			list = protowire.AppendTag(list, listItem, protowire.BytesType)
			list = protowire.AppendBytes(list, item)
		}
		b = protowire.AppendTag(b, valueList, protowire.BytesType)
		b = protowire.AppendBytes(b, list)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var m []byte
		for _, k := range keys {
			val, err := appendValue(nil, x[k])
			if err != nil {
				return nil, err
			}
			var entry []byte
			entry = protowire.AppendTag(entry, entryKey, protowire.BytesType)
			entry = protowire.AppendString(entry, k)
			entry = protowire.AppendTag(entry, entryValue, protowire.BytesType)
			entry = protowire.AppendBytes(entry, val)

			m = protowire.AppendTag(m, mapEntry, protowire.BytesType)
			m = protowire.AppendBytes(m, entry)
		}
		b = protowire.AppendTag(b, valueMap, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	default:
		return nil, fmt.Errorf("%w: %T is not native", ErrUnsupported, v)
	}
	return b, nil
}

// parseRecord splits a record into its bare value or its typed StoredValue.
func parseRecord(raw []byte) (bare any, stored *StoredValue, err error) {
	if len(raw) == 0 {
		return nil, nil, fmt.Errorf("%w: empty record", ErrMalformed)
	}
	seen := false
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return nil, nil, malformed(n)
		}
		raw = raw[n:]

		if typ != protowire.BytesType || (num != recordValue && num != recordStored) {
			n = protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return nil, nil, malformed(n)
			}
			raw = raw[n:]
			continue
		}

		body, n := protowire.ConsumeBytes(raw)
		if n < 0 {
			return nil, nil, malformed(n)
		}
		raw = raw[n:]

		if num == recordStored {
			sv, err := parseStored(body)
			if err != nil {
				return nil, nil, err
			}
			stored = &sv
		} else {
			bare, err = parseValue(body)
			if err != nil {
				return nil, nil, err
			}
		}
		seen = true
	}
	if !seen {
		return nil, nil, fmt.Errorf("%w: no value field", ErrMalformed)
	}
	return bare, stored, nil
}

func parseStored(b []byte) (StoredValue, error) {
	var sv StoredValue
	hasPayload := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return sv, malformed(n)
		}
		b = b[n:]

		switch {
		case num == storedStrategy && typ == protowire.VarintType:
			var s uint64
			s, n = protowire.ConsumeVarint(b)
			if n >= 0 {
				sv.Strategy = Strategy(s)
			}
		case num == storedPayload && typ == protowire.BytesType:
			var body []byte
			body, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				var err error
				if sv.Payload, err = parseValue(body); err != nil {
					return sv, err
				}
				hasPayload = true
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return sv, malformed(n)
		}
		b = b[n:]
	}
	if !hasPayload || !sv.Strategy.valid() {
		return sv, fmt.Errorf("%w: incomplete typed record", ErrMalformed)
	}
	return sv, nil
}

func parseValue(b []byte) (any, error) {
	var out any
	seen := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed(n)
		}
		b = b[n:]

		known := true
		switch {
		case num == valueNull && typ == protowire.VarintType:
			_, n = protowire.ConsumeVarint(b)
			out = nil
		case num == valueBool && typ == protowire.VarintType:
			var u uint64
			u, n = protowire.ConsumeVarint(b)
			out = protowire.DecodeBool(u)
		case num == valueInt && typ == protowire.VarintType:
			var u uint64
			u, n = protowire.ConsumeVarint(b)
			out = protowire.DecodeZigZag(u)
		case num == valueDouble && typ == protowire.Fixed64Type:
			var u uint64
			u, n = protowire.ConsumeFixed64(b)
			out = math.Float64frombits(u)
		case num == valueString && typ == protowire.BytesType:
			var s string
			s, n = protowire.ConsumeString(b)
			out = s
		case num == valueBytes && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			out = append([]byte{}, v...)
		case num == valueList && typ == protowire.BytesType:
			var body []byte
			body, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				list, err := parseList(body)
				if err != nil {
					return nil, err
				}
				out = list
			}
		case num == valueMap && typ == protowire.BytesType:
			var body []byte
			body, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				m, err := parseMap(body)
				if err != nil {
					return nil, err
				}
				out = m
			}
		default:
			known = false
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, malformed(n)
		}
		b = b[n:]
		seen = seen || known
	}
	if !seen {
		return nil, fmt.Errorf("%w: empty value", ErrMalformed)
	}
	return out, nil
}

func parseList(b []byte) ([]any, error) {
	out := []any{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed(n)
		}
		b = b[n:]
		if num != listItem || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed(n)
			}
			b = b[n:]
			continue
		}
		body, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, malformed(n)
		}
		b = b[n:]
		item, err := parseValue(body)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func parseMap(b []byte) (map[string]any, error) {
	out := map[string]any{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed(n)
		}
		b = b[n:]
		if num != mapEntry || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed(n)
			}
			b = b[n:]
			continue
		}
		body, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, malformed(n)
		}
		b = b[n:]
		key, val, err := parseEntry(body)
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}

func parseEntry(b []byte) (string, any, error) {
	var (
		key    string
		val    any
		hasVal bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, malformed(n)
		}
		b = b[n:]
		switch {
		case num == entryKey && typ == protowire.BytesType:
			key, n = protowire.ConsumeString(b)
		case num == entryValue && typ == protowire.BytesType:
			var body []byte
			body, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				var err error
				if val, err = parseValue(body); err != nil {
					return "", nil, err
				}
				hasVal = true
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return "", nil, malformed(n)
		}
		b = b[n:]
	}
	if !hasVal {
		return "", nil, fmt.Errorf("%w: map entry %q without value", ErrMalformed, key)
	}
	return key, val, nil
}

func malformed(n int) error {
	return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
}
