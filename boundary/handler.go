package boundary

import (
	"bytes"
	"context"
	"fmt"
	"unsafe"

	"github.com/lovromazgon/ferry"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Processor is the domain logic behind the boundary. It receives the decoded
// request and returns either a result or an error. The error message is sent
// to the caller in an Err envelope; if the error is a gRPC status, its message
// is used.
type Processor interface {
	Process(ctx context.Context, req *structpb.Value) (*structpb.Value, error)
}

// ProcessorFunc is a function type that implements the Processor interface.
type ProcessorFunc func(ctx context.Context, req *structpb.Value) (*structpb.Value, error)

func (f ProcessorFunc) Process(ctx context.Context, req *structpb.Value) (*structpb.Value, error) {
	return f(ctx, req)
}

// Handler adapts a Processor to a foreign caller. Every request is answered
// with a JSON envelope, either {"Ok": <result>} or {"Err": <message>}.
//
// Handler keeps no state between requests apart from the table of responses
// not yet released by the caller, so it can serve concurrent requests as long
// as they use distinct buffers.
type Handler struct {
	opts      options
	processor Processor
	table     *Table
}

func NewHandler(p Processor, opt ...Option) *Handler {
	opts := defaultOptions
	for _, o := range opt {
		o.apply(&opts)
	}

	return &Handler{
		opts:      opts,
		processor: p,
		table:     NewTable(),
	}
}

// Handle processes a request owned by the Go side and returns the encoded
// envelope. The request is treated like a C string, anything after the first
// zero byte is ignored. The returned envelope is always valid JSON.
func (h *Handler) Handle(ctx context.Context, req []byte) []byte {
	buf := ferry.Buffer(req)
	return h.handle(ctx, &buf)
}

// HandleRequest is the raw pointer variant of Handle. The input is a
// NUL-terminated string owned by the caller; it is copied before anything
// else happens and not referenced afterwards.
//
// A nil input yields nil and nothing needs to be released. Any other input
// yields a NUL-terminated envelope owned by the caller, who must pass it to
// Release exactly once.
func (h *Handler) HandleRequest(input unsafe.Pointer) unsafe.Pointer {
	if input == nil {
		return nil
	}

	// Start a new context for each request.
	ctx := context.Background()

	var out []byte
	n := strlen(input)
	req, err := ferry.NewBuffer(n)
	if err != nil {
		out = h.encodeError(ctx, status.Errorf(codes.InvalidArgument, "Request error: %v", err))
	} else {
		copy(req.Bytes(), unsafe.Slice((*byte)(input), n))
		out = h.handle(ctx, req)
	}

	return h.export(ctx, out)
}

// Alloc hands out a zeroed buffer of the given size to a foreign caller that
// can not allocate in our address space, e.g. a Wasm host that needs to write
// a request. The buffer must be given back with Release.
func (h *Handler) Alloc(size int) (unsafe.Pointer, error) {
	buf, err := ferry.NewBuffer(size)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate buffer: %w", err)
	}
	h.table.Pin(buf)
	return buf.Pointer(), nil
}

// Release reclaims a buffer previously returned by HandleRequest or Alloc.
// Releasing any other pointer, or releasing twice, is a caller bug; it is
// logged and otherwise ignored.
func (h *Handler) Release(p unsafe.Pointer) {
	if _, ok := h.table.Unpin(uintptr(p)); !ok {
		h.opts.logger.Warn("boundary: release of unknown pointer", "ptr", uintptr(p))
	}
}

// Outstanding returns the number of buffers owned by the foreign caller.
func (h *Handler) Outstanding() int {
	return h.table.Len()
}

func (h *Handler) handle(ctx context.Context, req *ferry.Buffer) []byte {
	resp, err := h.process(ctx, req)
	if err != nil {
		return h.encodeError(ctx, err)
	}

	out, err := EncodeOk(resp)
	if err != nil {
		h.opts.logger.ErrorContext(ctx, "boundary: failed to encode response envelope", "error", err)
		return bytes.Clone(FallbackEnvelope)
	}
	return out
}

func (h *Handler) process(ctx context.Context, req *ferry.Buffer) (resp *structpb.Value, err error) {
	text, err := req.Borrow()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "Encoding error: %v", err)
	}

	v, err := Decode(req.Bytes()[:len(text)])
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "JSON Parse error: %v", err)
	}

	defer func() {
		// A panic must not unwind into the foreign caller.
		if r := recover(); r != nil {
			resp = nil
			err = status.Errorf(codes.Internal, "Processor panic: %v", r)
		}
	}()

	return h.processor.Process(ctx, v)
}

func (h *Handler) encodeError(ctx context.Context, err error) []byte {
	st := status.Convert(err)
	h.opts.logger.DebugContext(ctx, "boundary: request failed", "code", st.Code(), "error", st.Message())

	out, err := EncodeErr(st.Message())
	if err != nil {
		h.opts.logger.ErrorContext(ctx, "boundary: failed to encode error envelope", "error", err)
		return bytes.Clone(FallbackEnvelope)
	}
	return out
}

// export copies the envelope into a NUL-terminated buffer and transfers its
// ownership to the caller.
func (h *Handler) export(ctx context.Context, envelope []byte) unsafe.Pointer {
	buf, err := ferry.NewBuffer(len(envelope) + 1)
	if err != nil {
		h.opts.logger.ErrorContext(ctx, "boundary: response envelope too large", "size", len(envelope), "error", err)
		envelope = FallbackEnvelope
		buf = ferry.MustNewBuffer(len(envelope) + 1)
	}
	copy(buf.Bytes(), envelope)

	ptr := h.table.Pin(buf)
	h.opts.logger.DebugContext(ctx, "boundary: response handed to caller", "ptr", ptr, "size", buf.Size())
	return buf.Pointer()
}

// strlen returns the number of bytes preceding the terminating zero byte.
func strlen(p unsafe.Pointer) int {
	n := 0
	for *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	return n
}
