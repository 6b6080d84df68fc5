// Package codec turns caller values into box records and back.
//
// A value is stored with one of two strategies. Native values (scalars,
// sequences and string-keyed maps of native leaves) are written in the
// record format directly; everything else is JSON encoded and written as a
// string payload. Reading accepts the current typed record as well as the two
// older shapes (bare JSON string, two-key wrapper map), see Classify.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Strategy is the representation chosen for a stored value.
type Strategy uint8

const (
	Native Strategy = 0
	JSON   Strategy = 1
)

func (s Strategy) String() string {
	switch s {
	case Native:
		return "native"
	case JSON:
		return "json"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

func (s Strategy) valid() bool {
	return s == Native || s == JSON
}

// StoredValue is a payload tagged with its strategy. For JSON the payload is
// the encoded text as a string.
type StoredValue struct {
	Payload  any
	Strategy Strategy
}

var (
	ErrMalformed   = errors.New("codec: malformed record")
	ErrUnsupported = errors.New("codec: value cannot be encoded")
)

// Runner executes fn, possibly on a background worker. size is the
// approximate number of characters fn will process. A nil Runner runs inline.
type Runner func(size int, fn func() error) error

func (r Runner) run(size int, fn func() error) error {
	if r == nil {
		return fn()
	}
	return r(size, fn)
}

// Encode classifies v and returns its stored form.
func Encode(v any, run Runner) (StoredValue, error) {
	if n, ok := Normalize(v); ok {
		return StoredValue{Payload: n, Strategy: Native}, nil
	}

	var text []byte
	err := run.run(estimateJSONSize(v), func() error {
		var err error
		text, err = json.Marshal(v)
		return err
	})
	if err != nil {
		return StoredValue{}, fmt.Errorf("%w: %T: %v", ErrUnsupported, v, err)
	}
	return StoredValue{Payload: string(text), Strategy: JSON}, nil
}

// EncodeRecord encodes v and serializes it as a typed record.
func EncodeRecord(v any, run Runner) ([]byte, error) {
	sv, err := Encode(v, run)
	if err != nil {
		return nil, err
	}
	return MarshalRecord(sv)
}

// Decode reads a record in any supported shape and coerces it to T.
func Decode[T any](raw []byte, run Runner) (T, error) {
	var zero T
	shape, err := Classify(raw)
	if err != nil {
		return zero, err
	}

	switch s := shape.(type) {
	case TypedRecord:
		return DecodeStored[T](s.Stored, run)
	case WrapperMap:
		return DecodeStored[T](s.Stored, run)
	case RawString:
		// A bare string that is not JSON predates even the JSON-string
		// format and is taken literally.
		if !json.Valid([]byte(s.Text)) {
			return Coerce[T](s.Text)
		}
		return fromJSON[T](s.Text, run)
	case OpaqueMap:
		return Coerce[T](s.Map)
	case RawValue:
		return Coerce[T](s.Value)
	default:
		return zero, fmt.Errorf("%w: unknown shape %T", ErrMalformed, shape)
	}
}

// DecodeStored converts an already unwrapped StoredValue to T.
func DecodeStored[T any](sv StoredValue, run Runner) (T, error) {
	var zero T
	switch sv.Strategy {
	case Native:
		return Coerce[T](sv.Payload)
	case JSON:
		text, ok := sv.Payload.(string)
		if !ok {
			return zero, fmt.Errorf("%w: json payload is %T", ErrMalformed, sv.Payload)
		}
		return fromJSON[T](text, run)
	default:
		return zero, fmt.Errorf("%w: %s", ErrMalformed, sv.Strategy)
	}
}

func fromJSON[T any](text string, run Runner) (T, error) {
	var zero T
	if !closedKind[T]() {
		var out T
		err := run.run(len(text), func() error {
			return json.Unmarshal([]byte(text), &out)
		})
		if err != nil {
			return zero, jsonMismatch[T](err)
		}
		return out, nil
	}

	var raw any
	err := run.run(len(text), func() error {
		dec := json.NewDecoder(bytes.NewReader([]byte(text)))
		dec.UseNumber()
		return dec.Decode(&raw)
	})
	if err != nil {
		return zero, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Coerce[T](fromJSONValue(raw))
}

func jsonMismatch[T any](err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &TypeMismatchError{Requested: requestedName[T](), Actual: "json " + typeErr.Value}
	}
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

// fromJSONValue replaces json.Number leaves with int64 or float64.
func fromJSONValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = fromJSONValue(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = fromJSONValue(x[k])
		}
		return x
	default:
		return v
	}
}
