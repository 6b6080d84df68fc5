package codec

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type profile struct {
	Name  string            `json:"name"`
	Age   int               `json:"age"`
	Tags  []string          `json:"tags"`
	Attrs map[string]string `json:"attrs"`
}

func roundTrip[T any](t *testing.T, v T) T {
	t.Helper()
	raw, err := EncodeRecord(v, nil)
	require.NoError(t, err)
	out, err := Decode[T](raw, nil)
	require.NoError(t, err)
	return out
}

func TestEncode_Strategy(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  Strategy
	}{
		{"int", 42, Native},
		{"float", 1.5, Native},
		{"string", "hello", Native},
		{"bool", true, Native},
		{"bytes", []byte{1, 2, 3}, Native},
		{"string slice", []string{"a", "b"}, Native},
		{"nested map", map[string]any{"a": []any{int64(1), "x"}}, Native},
		{"struct", profile{Name: "ada"}, JSON},
		{"map with struct leaf", map[string]any{"p": profile{}}, JSON},
		{"huge uint", uint64(1 << 63), JSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sv, err := Encode(tt.value, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sv.Strategy)
		})
	}
}

func TestRoundTrip_Kinds(t *testing.T) {
	assert.Equal(t, 42, roundTrip(t, 42))
	assert.Equal(t, int64(-7), roundTrip(t, int64(-7)))
	assert.Equal(t, 3.25, roundTrip(t, 3.25))
	assert.Equal(t, "héllo", roundTrip(t, "héllo"))
	assert.Equal(t, "", roundTrip(t, ""))
	assert.Equal(t, true, roundTrip(t, true))
	assert.Equal(t, []byte{0, 1, 255}, roundTrip(t, []byte{0, 1, 255}))
	assert.Equal(t, []string{"a", "b"}, roundTrip(t, []string{"a", "b"}))
	assert.Equal(t, []any{int64(1), "two", 3.5, nil}, roundTrip(t, []any{1, "two", 3.5, nil}))
	assert.Equal(t, map[string]any{"k": "v", "n": int64(2)}, roundTrip(t, map[string]any{"k": "v", "n": 2}))
	assert.Equal(t, map[string]int{"a": 1}, roundTrip(t, map[string]int{"a": 1}))

	p := profile{Name: "ada", Age: 36, Tags: []string{"math"}, Attrs: map[string]string{"k": "v"}}
	assert.Equal(t, p, roundTrip(t, p))
	assert.Equal(t, &p, roundTrip(t, &p))
}

func TestRoundTrip_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.String().Draw(t, "s")
		n := rapid.Int64().Draw(t, "n")
		list := rapid.SliceOf(rapid.String()).Draw(t, "list")

		for _, v := range []any{s, n, list} {
			raw, err := EncodeRecord(v, nil)
			if err != nil {
				t.Fatalf("encode %T: %v", v, err)
			}
			got, err := Decode[any](raw, nil)
			if err != nil {
				t.Fatalf("decode %T: %v", v, err)
			}
			want, _ := Normalize(v)
			if _, isList := want.([]any); isList {
				gotList, ok := got.([]any)
				if !ok || len(gotList) != len(list) {
					t.Fatalf("list mismatch: %v vs %v", got, want)
				}
				for i, elem := range gotList {
					if elem != list[i] {
						t.Fatalf("element %d: got %v want %q", i, elem, list[i])
					}
				}
				typed, err := Decode[[]string](raw, nil)
				if err != nil {
					t.Fatalf("decode []string: %v", err)
				}
				if len(typed) != len(list) {
					t.Fatalf("typed list length %d want %d", len(typed), len(list))
				}
				for i := range list {
					if typed[i] != list[i] {
						t.Fatalf("typed element %d: got %q want %q", i, typed[i], list[i])
					}
				}
				continue
			}
			if got != want {
				t.Fatalf("got %v want %v", got, want)
			}
		}
	})
}

func TestLegacyShapes_DecodeToSameValue(t *testing.T) {
	p := profile{Name: "grace", Age: 85, Tags: []string{"cobol"}}
	text, err := json.Marshal(p)
	require.NoError(t, err)

	v2 := MarshalLegacyString(string(text))
	v3, err := MarshalLegacyWrapper(StoredValue{Payload: string(text), Strategy: JSON})
	require.NoError(t, err)
	v4, err := EncodeRecord(p, nil)
	require.NoError(t, err)

	for name, raw := range map[string][]byte{"v2": v2, "v3": v3, "v4": v4} {
		got, err := Decode[profile](raw, nil)
		require.NoError(t, err, name)
		assert.Equal(t, p, got, name)
	}
}

func TestLegacyShapes_NativePayload(t *testing.T) {
	v2 := MarshalLegacyString("[1,2,3]")
	v3, err := MarshalLegacyWrapper(StoredValue{Payload: []any{int64(1), int64(2), int64(3)}, Strategy: Native})
	require.NoError(t, err)
	v4, err := EncodeRecord([]int{1, 2, 3}, nil)
	require.NoError(t, err)

	for name, raw := range map[string][]byte{"v2": v2, "v3": v3, "v4": v4} {
		got, err := Decode[[]int](raw, nil)
		require.NoError(t, err, name)
		assert.Equal(t, []int{1, 2, 3}, got, name)
	}
}

func TestClassify(t *testing.T) {
	typed, err := EncodeRecord("x", nil)
	require.NoError(t, err)
	wrapper, err := MarshalLegacyWrapper(StoredValue{Payload: "x", Strategy: Native})
	require.NoError(t, err)
	userMap, err := MarshalBare(map[string]any{
		WrapperStrategyKey: int64(0),
		WrapperValueKey:    "x",
		"owner":            "me",
	})
	require.NoError(t, err)
	badStrategy, err := MarshalBare(map[string]any{
		WrapperStrategyKey: "native",
		WrapperValueKey:    "x",
	})
	require.NoError(t, err)
	number, err := MarshalBare(12)
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  []byte
		want Shape
	}{
		{"typed", typed, TypedRecord{}},
		{"wrapper", wrapper, WrapperMap{}},
		{"string", MarshalLegacyString(`{"a":1}`), RawString{}},
		{"wrapper keys plus extra key", userMap, OpaqueMap{}},
		{"wrapper keys with bad strategy", badStrategy, OpaqueMap{}},
		{"number", number, RawValue{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Classify(tt.raw)
			require.NoError(t, err)
			assert.IsType(t, tt.want, got)
		})
	}
}

func TestDecode_OpaqueMapStaysUserData(t *testing.T) {
	m := map[string]any{WrapperStrategyKey: int64(1), WrapperValueKey: "{}", "extra": true}
	raw, err := MarshalBare(m)
	require.NoError(t, err)

	got, err := Decode[map[string]any](raw, nil)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestDecode_StringIsNotReparsedAsMap(t *testing.T) {
	// A v2 string holding a serialized wrapper map decodes to the map, not to
	// the wrapped payload.
	raw := MarshalLegacyString(`{"__strategy":0,"__value":"inner"}`)
	got, err := Decode[map[string]any](raw, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{WrapperStrategyKey: int64(0), WrapperValueKey: "inner"}, got)
}

func TestDecode_NonJSONLegacyString(t *testing.T) {
	got, err := Decode[string](MarshalLegacyString("plain words"), nil)
	require.NoError(t, err)
	assert.Equal(t, "plain words", got)
}

func TestCoercion(t *testing.T) {
	floatRaw, err := EncodeRecord(42.0, nil)
	require.NoError(t, err)
	intRaw, err := EncodeRecord(42, nil)
	require.NoError(t, err)
	textRaw, err := EncodeRecord("not a number", nil)
	require.NoError(t, err)

	i, err := Decode[int](floatRaw, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, i)

	f, err := Decode[float64](intRaw, nil)
	require.NoError(t, err)
	assert.Equal(t, 42.0, f)

	s, err := Decode[string](intRaw, nil)
	require.NoError(t, err)
	assert.Equal(t, "42", s)

	_, err = Decode[int](textRaw, nil)
	var mismatchErr *TypeMismatchError
	require.ErrorAs(t, err, &mismatchErr)
	assert.Equal(t, "int", mismatchErr.Requested)
	assert.Equal(t, "string", mismatchErr.Actual)
}

func TestCoerce_Rules(t *testing.T) {
	n, err := Coerce[int](41.9)
	require.NoError(t, err)
	assert.Equal(t, 41, n)

	s, err := Coerce[string](true)
	require.NoError(t, err)
	assert.Equal(t, "true", s)

	s, err = Coerce[string](2.5)
	require.NoError(t, err)
	assert.Equal(t, "2.5", s)

	_, err = Coerce[string](nil)
	assert.Error(t, err)

	_, err = Coerce[bool](int64(1))
	assert.Error(t, err)

	m, err := Coerce[map[string]any](map[int]string{1: "a", 2: "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"1": "a", "2": "b"}, m)

	m, err = Coerce[map[string]any](map[any]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": int64(1)}, m)

	_, err = Coerce[map[string]any]("nope")
	assert.Error(t, err)

	b, err := Coerce[[]byte]("aGk=")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), b)

	_, err = Coerce[profile]([]any{"not", "a", "profile"})
	var mismatchErr *TypeMismatchError
	assert.ErrorAs(t, err, &mismatchErr)
}

func TestDecode_StructMismatch(t *testing.T) {
	raw, err := EncodeRecord(map[string]any{"name": 7}, nil)
	require.NoError(t, err)
	_, err = Decode[profile](raw, nil)
	var mismatchErr *TypeMismatchError
	assert.ErrorAs(t, err, &mismatchErr)
}

func TestDecode_Malformed(t *testing.T) {
	for name, raw := range map[string][]byte{
		"empty":     nil,
		"truncated": {0x12, 0x05, 0x01},
		"garbage":   {0xff, 0xff, 0xff},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode[any](raw, nil)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestRunner_ReceivesJSONWork(t *testing.T) {
	var sizes []int
	run := Runner(func(size int, fn func() error) error {
		sizes = append(sizes, size)
		return fn()
	})

	p := profile{Name: "x", Tags: []string{"a"}}
	raw, err := EncodeRecord(p, run)
	require.NoError(t, err)
	got, err := Decode[profile](raw, run)
	require.NoError(t, err)
	assert.Equal(t, p, got)
	require.Len(t, sizes, 2)
	assert.Greater(t, sizes[0], 0)

	sizes = nil
	raw, err = EncodeRecord(7, run)
	require.NoError(t, err)
	_, err = Decode[int](raw, run)
	require.NoError(t, err)
	assert.Empty(t, sizes, "native values never touch the runner")
}
