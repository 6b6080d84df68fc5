package vault

import (
	"errors"
	"strings"
)

// Trust selects between the two reserved trust levels.
type Trust uint8

const (
	TrustAny Trust = iota
	TrustNormal
	TrustSecure
)

// Scope narrows an operation to one box or one trust level. The zero Scope
// searches every box and fails on ambiguity.
type Scope struct {
	Box   string
	Trust Trust
}

// Custom boxes hold values and files side by side; file records carry this
// prefix there.
const filePrefix = "__file__/"

var errEmptyKey = errors.New("key is empty")

func checkKey(key string) error {
	if key == "" {
		return errEmptyKey
	}
	if strings.HasPrefix(key, filePrefix) {
		return errors.New("key uses the reserved file prefix")
	}
	return nil
}

func isFileBox(name string) bool {
	return name == BoxNormalFiles || name == BoxSecureFiles
}

func isValueBox(name string) bool {
	return name == BoxNormal || name == BoxSecure
}

func (e *Engine) valueCandidates(op string, scope Scope) ([]string, error) {
	if scope.Box != "" {
		if isFileBox(scope.Box) {
			return nil, opError(ErrBoxNotFound, op, scope.Box, "box %q holds files, not values", scope.Box)
		}
		return []string{scope.Box}, nil
	}
	switch scope.Trust {
	case TrustNormal:
		return []string{BoxNormal}, nil
	case TrustSecure:
		return []string{BoxSecure}, nil
	}
	return append([]string{BoxNormal, BoxSecure}, e.customNames()...), nil
}

func (e *Engine) fileCandidates(op string, scope Scope) ([]string, error) {
	if scope.Box != "" {
		if isValueBox(scope.Box) {
			return nil, opError(ErrBoxNotFound, op, scope.Box, "box %q holds values, not files", scope.Box)
		}
		return []string{scope.Box}, nil
	}
	switch scope.Trust {
	case TrustNormal:
		return []string{BoxNormalFiles}, nil
	case TrustSecure:
		return []string{BoxSecureFiles}, nil
	}
	return append([]string{BoxNormalFiles, BoxSecureFiles}, e.customNames()...), nil
}

// fileKey is the key a file record is stored under in the named box.
func fileKey(box, key string) string {
	if isFileBox(box) {
		return key
	}
	return filePrefix + key
}

type hit struct {
	name string
	box  boxStore
	key  string
	raw  []byte
}

// locate reads key from every candidate box and keeps the boxes that hold
// it. storedKey maps the caller's key to the key used inside a given box.
func (e *Engine) locate(op string, names []string, storedKey func(box string) string) ([]hit, error) {
	var hits []hit
	for _, name := range names {
		box, _, err := e.boxFor(op, name)
		if err != nil {
			return nil, err
		}
		k := storedKey(name)
		raw, found, err := box.Get(k)
		if err != nil {
			return nil, wrap(ErrRead, op, name, err)
		}
		if found {
			hits = append(hits, hit{name: name, box: box, key: k, raw: raw})
		}
	}
	return hits, nil
}

// single reduces hits to at most one, failing when the key is ambiguous.
func single(key string, hits []hit) (*hit, error) {
	switch len(hits) {
	case 0:
		return nil, nil
	case 1:
		return &hits[0], nil
	}
	names := make([]string, len(hits))
	for i, h := range hits {
		names[i] = h.name
	}
	return nil, &AmbiguousKeyError{Key: key, FoundInBoxes: names}
}
