package codec

// Reserved keys of the two-key wrapper map written by older versions.
const (
	WrapperStrategyKey = "__strategy"
	WrapperValueKey    = "__value"
)

// Shape is the result of classifying a raw record. Exactly one of
// TypedRecord, WrapperMap, RawString, OpaqueMap or RawValue.
type Shape interface {
	shape()
}

// TypedRecord is the current format: a StoredValue with an explicit strategy.
type TypedRecord struct{ Stored StoredValue }

// WrapperMap is a map holding exactly the two reserved keys.
type WrapperMap struct{ Stored StoredValue }

// RawString is a bare string, written as JSON text by the oldest format.
type RawString struct{ Text string }

// OpaqueMap is a map that is user data, even if it carries the reserved keys.
type OpaqueMap struct{ Map map[string]any }

// RawValue is any other bare native value.
type RawValue struct{ Value any }

func (TypedRecord) shape() {}
func (WrapperMap) shape()  {}
func (RawString) shape()   {}
func (OpaqueMap) shape()   {}
func (RawValue) shape()    {}

// Classify decides the shape of raw in a single pass. The order is fixed:
// typed record, wrapper map (exact key set), string, then raw fallback.
// Strings are never re-parsed into maps here.
func Classify(raw []byte) (Shape, error) {
	bare, stored, err := parseRecord(raw)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return TypedRecord{Stored: *stored}, nil
	}

	switch x := bare.(type) {
	case map[string]any:
		if sv, ok := unwrap(x); ok {
			return WrapperMap{Stored: sv}, nil
		}
		return OpaqueMap{Map: x}, nil
	case string:
		return RawString{Text: x}, nil
	default:
		return RawValue{Value: x}, nil
	}
}

func unwrap(m map[string]any) (StoredValue, bool) {
	if len(m) != 2 {
		return StoredValue{}, false
	}
	rawStrategy, ok := m[WrapperStrategyKey]
	if !ok {
		return StoredValue{}, false
	}
	payload, ok := m[WrapperValueKey]
	if !ok {
		return StoredValue{}, false
	}

	idx, ok := rawStrategy.(int64)
	if !ok || idx < 0 || idx > int64(JSON) {
		return StoredValue{}, false
	}
	strategy := Strategy(idx)
	if _, isText := payload.(string); strategy == JSON && !isText {
		return StoredValue{}, false
	}
	return StoredValue{Payload: payload, Strategy: strategy}, true
}
