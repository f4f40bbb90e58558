// Command libferry builds the plugh example as a C shared library:
//
//	go build -buildmode=c-shared -o libferry.so ./cmd/libferry
//
// Callers pass a NUL-terminated JSON request to ferry_handle_request and get a
// NUL-terminated JSON envelope back, allocated with malloc. Every non-NULL
// result must be released exactly once with ferry_free_string.
package main

/*
#include <stdlib.h>
#include <string.h>
*/
import "C"

import (
	"context"
	"log/slog"
	"os"
	"unsafe"

	"github.com/lovromazgon/ferry/boundary"
	"github.com/lovromazgon/ferry/examples/plugh"
)

var handler = boundary.NewHandler(
	boundary.ProcessorFunc(plugh.Process),
	boundary.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))),
)

func main() {}

//export ferry_handle_request
func ferry_handle_request(raw *C.char) *C.char {
	if raw == nil {
		return nil
	}

	// Copy the caller-owned input before doing anything else.
	req := C.GoBytes(unsafe.Pointer(raw), C.int(C.strlen(raw)))

	resp := handler.Handle(context.Background(), req)

	// The envelope never contains a zero byte, so C.CString does not truncate
	// it. Ownership of the malloc'd copy passes to the caller.
	return C.CString(string(resp))
}

//export ferry_free_string
func ferry_free_string(raw *C.char) {
	C.free(unsafe.Pointer(raw))
}
