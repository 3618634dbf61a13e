package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrBatchTooLarge is returned before anything runs when a batch holds
	// more tokens than the context batch size.
	ErrBatchTooLarge = errors.New("engine: batch exceeds batch size")
	// ErrDecodeFailed fails a decode. The cache is rolled back and the
	// context stays usable.
	ErrDecodeFailed = errors.New("engine: decode failed")
	// ErrCacheSlotExhausted is a decode failure caused by a full cache.
	ErrCacheSlotExhausted = fmt.Errorf("%w: no free kv cache slots", ErrDecodeFailed)
	// ErrCacheCorruption is returned by every call after a cache invariant
	// was violated.
	ErrCacheCorruption = errors.New("engine: kv cache corrupted")
	// ErrEmbeddingUnavailable is returned when neither a sequence nor an
	// output row embedding exists.
	ErrEmbeddingUnavailable = errors.New("engine: embedding unavailable")
	// ErrNoLogitsAvailable is returned when sampling before any decode
	// produced logits.
	ErrNoLogitsAvailable = errors.New("engine: no logits available")
	// ErrInvalidSequence rejects a sequence id outside the context without
	// touching the cache.
	ErrInvalidSequence = errors.New("engine: invalid sequence")
	ErrContextDisposed   = errors.New("engine: context disposed")
)

// decodeError keeps the batch row that failed next to the cause.
type decodeError struct {
	row int
	err error
}

func (e *decodeError) Error() string {
	if e.row < 0 {
		return e.err.Error()
	}
	return fmt.Sprintf("batch row %d: %v", e.row, e.err)
}

func (e *decodeError) Unwrap() error { return e.err }
