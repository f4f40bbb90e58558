package boundary

import (
	"runtime"
	"sync"

	"github.com/lovromazgon/ferry"
)

// Table keeps buffers that were handed to a foreign caller alive and in place
// until the caller gives them back. A pinned buffer is owned by the foreign
// side; the table only holds the reference needed to reclaim it.
type Table struct {
	mu     sync.Mutex // guards pinned
	pinned map[uintptr]*pinnedBuffer
}

type pinnedBuffer struct {
	buf    *ferry.Buffer
	pinner runtime.Pinner
}

func NewTable() *Table {
	return &Table{pinned: make(map[uintptr]*pinnedBuffer)}
}

// Pin registers the buffer and returns the address of its first byte. Empty
// buffers have no address and are not pinned, Pin returns 0 for them.
func (t *Table) Pin(b *ferry.Buffer) uintptr {
	if b.Size() == 0 {
		return 0
	}

	p := &pinnedBuffer{buf: b}
	p.pinner.Pin(&b.Bytes()[0])
	ptr := uintptr(b.Pointer())

	t.mu.Lock()
	defer t.mu.Unlock()
	t.pinned[ptr] = p
	return ptr
}

// Unpin removes the buffer starting at ptr from the table and returns it. The
// second return value is false if ptr is not the address of a pinned buffer.
func (t *Table) Unpin(ptr uintptr) (*ferry.Buffer, bool) {
	t.mu.Lock()
	p, ok := t.pinned[ptr]
	if ok {
		delete(t.pinned, ptr)
	}
	t.mu.Unlock()

	if !ok {
		return nil, false
	}
	p.pinner.Unpin()
	return p.buf, true
}

// Lookup returns the pinned buffer starting at ptr without unpinning it.
func (t *Table) Lookup(ptr uintptr) (*ferry.Buffer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pinned[ptr]
	if !ok {
		return nil, false
	}
	return p.buf, true
}

// Len returns the number of buffers currently owned by the foreign side.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pinned)
}
