package workerpool

import "fmt"

// Kind names the sort of work a closure does.
type Kind uint8

const (
	KindJSON   Kind = iota // JSON encode or decode, sized in characters
	KindBase64             // base64 encode or decode, sized in bytes
	KindCrypto             // file encryption or decryption, sized in plaintext bytes
)

func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindBase64:
		return "base64"
	case KindCrypto:
		return "crypto"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Policy holds the size thresholds at or above which work leaves the caller's
// goroutine.
type Policy struct {
	JSONChars      int
	Base64Bytes    int
	StreamingBytes int
}

// ShouldOffload reports whether work of kind over size units runs in the
// background. Unknown kinds always run inline.
func (p Policy) ShouldOffload(kind Kind, size int) bool {
	var threshold int
	switch kind {
	case KindJSON:
		threshold = p.JSONChars
	case KindBase64:
		threshold = p.Base64Bytes
	case KindCrypto:
		threshold = p.StreamingBytes
	default:
		return false
	}
	return threshold > 0 && size >= threshold
}

// Scheduler applies a Policy, running work inline or on a pool.
type Scheduler struct {
	pool   *WorkerPool
	policy Policy

	// OnOffload, when set, is called for every closure sent to the pool.
	OnOffload func(Kind)
}

func NewScheduler(pool *WorkerPool, policy Policy) *Scheduler {
	return &Scheduler{pool: pool, policy: policy}
}

// Run executes fn and returns its error. With a nil scheduler or pool, or
// below the threshold, fn runs on the calling goroutine.
func (s *Scheduler) Run(kind Kind, size int, fn func() error) error {
	if s == nil || s.pool == nil || !s.policy.ShouldOffload(kind, size) {
		return fn()
	}
	if s.OnOffload != nil {
		s.OnOffload(kind)
	}

	room := s.pool.CreateRoom(1)
	if err := room.NewTaskWaitForFreeSlot(func() interface{} { return fn() }); err != nil {
		return err
	}
	for _, result := range room.Collect() {
		if err, ok := result.(error); ok {
			return err
		}
	}
	return nil
}

// Do is Run for closures that produce a value.
func Do[T any](s *Scheduler, kind Kind, size int, fn func() (T, error)) (T, error) {
	var out T
	err := s.Run(kind, size, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}
