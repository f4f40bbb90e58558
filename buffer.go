// Package ferry moves strings across a foreign function boundary. Buffer is
// the fixed-size, NUL-terminated byte buffer a foreign routine writes into;
// the boundary package adapts a Go processor to callers that pass and receive
// NUL-terminated strings.
package ferry

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
	"unsafe"
)

// MaxBufferSize is the largest buffer that can be handed to a foreign routine
// taking a signed 32-bit length (e.g. fgets, or a Wasm i32 parameter).
const MaxBufferSize = math.MaxInt32

var (
	// ErrBufferTooLarge is returned by NewBuffer when the requested size can
	// not be described by a signed 32-bit length.
	ErrBufferTooLarge = errors.New("buffer size exceeds signed 32-bit length")
	// ErrInvalidUTF8 is wrapped by EncodingError.
	ErrInvalidUTF8 = errors.New("invalid UTF-8")
)

// EncodingError is returned when the bytes preceding the terminator are not
// valid UTF-8.
type EncodingError struct {
	// Offset of the first byte that does not start a valid UTF-8 sequence.
	Offset int
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("invalid UTF-8 sequence at offset %d", e.Offset)
}

func (e *EncodingError) Unwrap() error { return ErrInvalidUTF8 }

// Buffer is a fixed-size, zero-initialized byte buffer meant to be filled in
// place by a foreign routine. The logical content is the prefix preceding the
// first zero byte, or the whole buffer if there is none.
//
// A Buffer is never resized. The foreign writer is expected to write at most
// Size()-1 content bytes followed by a terminating zero.
type Buffer []byte

// NewBuffer allocates a zeroed buffer of the given size. Sizes that can not be
// passed as a signed 32-bit length are rejected before anything is allocated.
func NewBuffer(size int) (*Buffer, error) {
	if size < 0 || int64(size) > MaxBufferSize {
		return nil, fmt.Errorf("new buffer of size %d: %w", size, ErrBufferTooLarge)
	}
	b := make(Buffer, size)
	return &b, nil
}

// MustNewBuffer is like NewBuffer but panics if the size is invalid. Use it
// only with sizes known at compile time.
func MustNewBuffer(size int) *Buffer {
	b, err := NewBuffer(size)
	if err != nil {
		panic(err)
	}
	return b
}

// Pointer returns a pointer to the buffer's data.
// Includes a safety check for zero-length slices to prevent panics.
func (b *Buffer) Pointer() unsafe.Pointer {
	if len(*b) == 0 {
		return nil
	}
	return unsafe.Pointer(&(*b)[0])
}

// PointerAndSize returns the pointer and size in a single uint64.
// The higher 32 bits are the pointer, and the lower 32 bits are the size.
func (b *Buffer) PointerAndSize() uint64 {
	return (uint64(uintptr(b.Pointer())) << 32) | uint64(len(*b))
}

// Bytes exposes the whole buffer. Writes through the returned slice
// invalidate strings previously returned by Borrow.
func (b *Buffer) Bytes() []byte { return *b }

// Size returns the fixed size of the buffer in bytes.
func (b *Buffer) Size() int { return len(*b) }

// Size32 returns the size as a signed 32-bit length. NewBuffer guarantees the
// conversion is lossless.
func (b *Buffer) Size32() int32 { return int32(len(*b)) }

// Len returns the logical length of the content: the offset of the first zero
// byte, or Size() if there is none. It is recomputed on every call because the
// foreign writer may have changed the buffer in between.
func (b *Buffer) Len() int { return Terminated(*b) }

// Copy returns the content as a newly allocated string. The buffer can be
// reused afterwards.
func (b *Buffer) Copy() (string, error) {
	content := (*b)[:b.Len()]
	if err := validUTF8(content); err != nil {
		return "", err
	}
	return string(content), nil
}

// Borrow returns the content as a string that shares memory with the buffer.
// The string is only valid until the next write into the buffer; callers must
// not hold on to it across another foreign write.
func (b *Buffer) Borrow() (string, error) {
	content := (*b)[:b.Len()]
	if err := validUTF8(content); err != nil {
		return "", err
	}
	return unsafe.String(unsafe.SliceData(content), len(content)), nil
}

// Consume returns the content as a string backed by the buffer's allocation
// and empties the buffer. Slices obtained from Bytes must not be written to
// again, the storage now belongs to the returned string.
//
// On an encoding error the buffer is left untouched.
func (b *Buffer) Consume() (string, error) {
	content := (*b)[:b.Len()]
	if err := validUTF8(content); err != nil {
		return "", err
	}
	*b = nil
	return unsafe.String(unsafe.SliceData(content), len(content)), nil
}

// Terminated returns the offset of the first zero byte in b, or len(b) if b
// contains none.
func Terminated(b []byte) int {
	if n := bytes.IndexByte(b, 0); n >= 0 {
		return n
	}
	return len(b)
}

func validUTF8(b []byte) error {
	if utf8.Valid(b) {
		return nil
	}
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size <= 1 {
			return &EncodingError{Offset: i}
		}
		i += size
	}
	return &EncodingError{Offset: len(b)}
}
