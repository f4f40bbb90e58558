//go:build wasm

package wasm

import (
	"unsafe"
)

// The host can not allocate in the plugin's memory, so it asks the plugin for
// a zeroed buffer to write the NUL-terminated request into. Both the request
// buffer and the response are given back through ferry-v1-release.

//go:wasmexport ferry-v1-malloc
func malloc(size uint32) uint32 {
	ptr, err := handler.Alloc(int(size))
	if err != nil {
		return 0
	}
	return uint32(uintptr(ptr))
}

//go:wasmexport ferry-v1-handle
func handle(ptr uint32) uint32 {
	out := handler.HandleRequest(unsafe.Pointer(uintptr(ptr)))
	return uint32(uintptr(out))
}

//go:wasmexport ferry-v1-release
func release(ptr uint32) {
	handler.Release(unsafe.Pointer(uintptr(ptr)))
}
