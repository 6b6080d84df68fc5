package vault

import (
	"context"
	"sort"
	"strings"

	"github.com/i5heu/ouroboros-vault/internal/codec"
)

// Save stores value under key. With an explicit box the value is written
// there under that box's encryption policy; with TrustSecure it behaves like
// SaveSecure; otherwise it goes to the normal box.
func (e *Engine) Save(ctx context.Context, key string, value any, scope Scope) (err error) {
	const op = "save"
	defer func() { e.metrics.observe(op, err) }()

	if scope.Box == "" && scope.Trust == TrustSecure {
		return e.saveSecure(ctx, op, key, value)
	}
	target := BoxNormal
	if scope.Box != "" {
		target = scope.Box
		if isFileBox(target) {
			return opError(ErrBoxNotFound, op, target, "box %q holds files, not values", target)
		}
	}
	return e.put(ctx, op, target, key, value)
}

// SaveSecure stores value in the secure box and removes key from the normal
// box, so a key never lives in both reserved value boxes.
func (e *Engine) SaveSecure(ctx context.Context, key string, value any) (err error) {
	const op = "saveSecure"
	defer func() { e.metrics.observe(op, err) }()
	return e.saveSecure(ctx, op, key, value)
}

func (e *Engine) saveSecure(ctx context.Context, op, key string, value any) error {
	if err := e.put(ctx, op, BoxSecure, key, value); err != nil {
		return err
	}
	normal, _, err := e.boxFor(op, BoxNormal)
	if err != nil {
		return err
	}
	if err := normal.Delete(key); err != nil {
		return wrap(ErrWrite, op, BoxNormal, err)
	}
	return nil
}

func (e *Engine) put(ctx context.Context, op, boxName, key string, value any) error {
	s, err := e.begin(ctx, ErrWrite, op)
	if err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return wrap(ErrWrite, op, boxName, err)
	}
	box, _, err := e.boxFor(op, boxName)
	if err != nil {
		return err
	}

	raw, err := codec.EncodeRecord(value, s.jsonRunner())
	if err != nil {
		return wrap(ErrSerialization, op, boxName, err)
	}
	if err := box.Put(key, raw); err != nil {
		return wrap(ErrWrite, op, boxName, err)
	}
	return nil
}

// Get looks key up within scope and decodes it to T. found is false when no
// box holds the key. A key present in several boxes of a zero Scope fails
// with *AmbiguousKeyError. A stored value that cannot be represented as T
// fails with ErrRead wrapping *codec.TypeMismatchError.
func Get[T any](ctx context.Context, e *Engine, key string, scope Scope) (value T, found bool, err error) {
	const op = "get"
	defer func() { e.metrics.observe(op, err) }()

	h, s, err := e.lookupValue(ctx, op, key, scope)
	if err != nil || h == nil {
		return value, false, err
	}
	value, err = codec.Decode[T](h.raw, s.jsonRunner())
	if err != nil {
		return value, false, wrap(ErrRead, op, h.name, err)
	}
	return value, true, nil
}

func (e *Engine) lookupValue(ctx context.Context, op, key string, scope Scope) (*hit, session, error) {
	s, err := e.begin(ctx, ErrRead, op)
	if err != nil {
		return nil, s, err
	}
	if err := checkKey(key); err != nil {
		return nil, s, wrap(ErrRead, op, scope.Box, err)
	}
	names, err := e.valueCandidates(op, scope)
	if err != nil {
		return nil, s, err
	}
	hits, err := e.locate(op, names, func(string) string { return key })
	if err != nil {
		return nil, s, err
	}
	h, err := single(key, hits)
	return h, s, err
}

// Delete removes key within scope. A missing key is not an error; an
// ambiguous one fails before anything is deleted.
func (e *Engine) Delete(ctx context.Context, key string, scope Scope) (err error) {
	const op = "delete"
	defer func() { e.metrics.observe(op, err) }()

	h, _, err := e.lookupValue(ctx, op, key, scope)
	if err != nil {
		return asKind(ErrDelete, err)
	}
	if h == nil {
		return nil
	}
	if err := h.box.Delete(h.key); err != nil {
		return wrap(ErrDelete, op, h.name, err)
	}
	return nil
}

// Contains reports whether any box within scope holds key. It does not fail
// on ambiguity.
func (e *Engine) Contains(ctx context.Context, key string, scope Scope) (ok bool, err error) {
	const op = "contains"
	defer func() { e.metrics.observe(op, err) }()

	if _, err := e.begin(ctx, ErrRead, op); err != nil {
		return false, err
	}
	if err := checkKey(key); err != nil {
		return false, wrap(ErrRead, op, scope.Box, err)
	}
	names, err := e.valueCandidates(op, scope)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		box, _, err := e.boxFor(op, name)
		if err != nil {
			return false, err
		}
		has, err := box.Has(key)
		if err != nil {
			return false, wrap(ErrRead, op, name, err)
		}
		if has {
			return true, nil
		}
	}
	return false, nil
}

// Keys lists the value keys within scope, sorted and without duplicates.
func (e *Engine) Keys(ctx context.Context, scope Scope) (keys []string, err error) {
	const op = "keys"
	defer func() { e.metrics.observe(op, err) }()

	if _, err := e.begin(ctx, ErrRead, op); err != nil {
		return nil, err
	}
	names, err := e.valueCandidates(op, scope)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for _, name := range names {
		box, _, err := e.boxFor(op, name)
		if err != nil {
			return nil, err
		}
		all, err := box.Keys("")
		if err != nil {
			return nil, wrap(ErrRead, op, name, err)
		}
		for _, k := range all {
			if !strings.HasPrefix(k, filePrefix) {
				seen[k] = true
			}
		}
	}

	return sortedKeys(seen), nil
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
