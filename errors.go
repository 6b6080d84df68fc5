package vault

import (
	"errors"
	"fmt"
	"strings"

	"github.com/i5heu/ouroboros-vault/internal/keyValStore"
	workerpool "github.com/i5heu/ouroboros-vault/internal/workerPool"
)

// Error kinds. Every error returned by an Engine operation matches exactly one
// of them with errors.Is, except *AmbiguousKeyError which is its own type.
var (
	ErrInitialization  = errors.New("initialization error")
	ErrRead            = errors.New("read error")
	ErrWrite           = errors.New("write error")
	ErrDelete          = errors.New("delete error")
	ErrDisposal        = errors.New("disposal error")
	ErrSerialization   = errors.New("serialization error")
	ErrBoxNotFound     = errors.New("box not found")
	ErrFileNotFound    = errors.New("file not found")
	ErrKeyNotFound     = errors.New("key not found in vault")
	ErrInvalidMetadata = errors.New("invalid file metadata")
)

// OpError records the operation and box that failed together with the cause.
type OpError struct {
	Kind error
	Op   string
	Box  string
	Err  error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString("vault: ")
	b.WriteString(e.Op)
	if e.Box != "" {
		b.WriteString(" [")
		b.WriteString(e.Box)
		b.WriteString("]")
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *OpError) Unwrap() error { return e.Err }

func (e *OpError) Is(target error) bool { return target == e.Kind }

// AmbiguousKeyError is returned when a lookup without an explicit box or trust
// level finds the key in more than one box.
type AmbiguousKeyError struct {
	Key          string
	FoundInBoxes []string
}

func (e *AmbiguousKeyError) Error() string {
	return fmt.Sprintf("vault: key %q found in several boxes (%s), name a box or trust level",
		e.Key, strings.Join(e.FoundInBoxes, ", "))
}

// wrap attaches kind, op and box to err. Errors already produced by this
// package are returned as they are. A closed box means the engine was
// disposed underneath the call and is reported as an initialization error,
// as is a worker pool closed by that disposal.
func wrap(kind error, op, box string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *OpError
	var ambiguous *AmbiguousKeyError
	if errors.As(err, &opErr) || errors.As(err, &ambiguous) {
		return err
	}
	if errors.Is(err, keyValStore.ErrClosed) || errors.Is(err, workerpool.ErrPoolClosed) {
		kind = ErrInitialization
	}
	return &OpError{Kind: kind, Op: op, Box: box, Err: err}
}

func opError(kind error, op, box, format string, args ...any) error {
	return &OpError{Kind: kind, Op: op, Box: box, Err: fmt.Errorf(format, args...)}
}

// asKind relabels read failures of a lookup done on behalf of another
// operation, e.g. the search before a delete.
func asKind(kind, err error) error {
	var opErr *OpError
	if errors.As(err, &opErr) && opErr.Kind == ErrRead {
		relabeled := *opErr
		relabeled.Kind = kind
		return &relabeled
	}
	return err
}
