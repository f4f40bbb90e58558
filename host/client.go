package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/lovromazgon/ferry"
	"github.com/lovromazgon/ferry/boundary"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	// ErrRequestTooLarge is returned for requests above the configured
	// maximum request size.
	ErrRequestTooLarge = errors.New("request too large")
	// ErrInvalidRequest is returned for requests that can not be sent as a
	// NUL-terminated string.
	ErrInvalidRequest = errors.New("request contains a zero byte")
)

// Client sends requests to a plugin exporting the ferry boundary functions and
// takes care of releasing every buffer the plugin hands out.
type Client struct {
	opts   clientOptions
	module api.Module

	// m serializes calls, the plugin is single-threaded.
	m         sync.Mutex
	mallocFn  api.Function
	handleFn  api.Function
	releaseFn api.Function
}

func InstantiateModuleAndClient(
	ctx context.Context,
	runtime wazero.Runtime,
	source []byte,
	opt ...ClientOption,
) (api.Module, *Client, error) {
	// Configure the module to initialize the reactor.
	config := wazero.NewModuleConfig().
		WithStdout(os.Stdout).
		WithStderr(os.Stderr).
		WithStartFunctions("_initialize")

	// Instantiate the module.
	wasmModule, err := runtime.InstantiateWithConfig(ctx, source, config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to instantiate Wasm module: %w", err)
	}

	// Instantiate client.
	client, err := NewClient(wasmModule, opt...)
	if err != nil {
		_ = wasmModule.Close(ctx)
		return nil, nil, fmt.Errorf("failed to instantiate client: %w", err)
	}

	return wasmModule, client, nil
}

func NewClient(module api.Module, opt ...ClientOption) (*Client, error) {
	opts := defaultClientOptions
	for _, o := range opt {
		o.applyClient(&opts)
	}

	if module.Memory() == nil {
		return nil, errors.New("module does not define a memory")
	}

	mallocFn, err := getExportedFunction(module, mallocFunctionDefinition)
	if err != nil {
		return nil, fmt.Errorf("failed to get malloc function: %w", err)
	}
	handleFn, err := getExportedFunction(module, handleFunctionDefinition)
	if err != nil {
		return nil, fmt.Errorf("failed to get handle function: %w", err)
	}
	releaseFn, err := getExportedFunction(module, releaseFunctionDefinition)
	if err != nil {
		return nil, fmt.Errorf("failed to get release function: %w", err)
	}

	return &Client{
		opts:      opts,
		module:    module,
		mallocFn:  mallocFn,
		handleFn:  handleFn,
		releaseFn: releaseFn,
	}, nil
}

// Call encodes the request as JSON, sends it to the plugin and unwraps the
// response envelope. An Err envelope is returned as a gRPC status error with
// code Unknown.
func (c *Client) Call(ctx context.Context, req *structpb.Value) (*structpb.Value, error) {
	reqBytes, err := boundary.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := c.CallRaw(ctx, string(reqBytes))
	if err != nil {
		return nil, err
	}

	return boundary.DecodeEnvelope([]byte(resp))
}

// CallRaw sends the request text to the plugin and returns the response
// envelope as is.
func (c *Client) CallRaw(ctx context.Context, req string) (string, error) {
	if len(req) > c.opts.maxRequestSize {
		return "", fmt.Errorf("%w: %d bytes exceeds limit of %d bytes", ErrRequestTooLarge, len(req), c.opts.maxRequestSize)
	}
	if n := strings.IndexByte(req, 0); n >= 0 {
		return "", fmt.Errorf("%w at offset %d", ErrInvalidRequest, n)
	}
	if c.module.IsClosed() {
		return "", errors.New("module is closed")
	}

	c.m.Lock()
	defer c.m.Unlock()

	logger := c.opts.logger.With("size", len(req))

	// Step 1: Allocate a zeroed request buffer in the Wasm module, one byte
	// larger than the request so it stays NUL-terminated.
	reqPtr, err := c.call(ctx, c.mallocFn, api.EncodeU32(uint32(len(req)+1)))
	if err != nil {
		logger.ErrorContext(ctx, "failed to allocate request buffer", "error", err)
		return "", err
	}
	if reqPtr == 0 {
		logger.ErrorContext(ctx, "Wasm module refused to allocate request buffer")
		return "", fmt.Errorf("failed to allocate %d bytes in Wasm module", len(req)+1)
	}
	defer c.release(ctx, reqPtr)

	// Step 2: Write the request to the Wasm module's memory.
	if !c.module.Memory().WriteString(reqPtr, req) {
		logger.ErrorContext(ctx, "failed to write to Wasm module memory", "ptr", reqPtr)
		return "", fmt.Errorf("failed to write to Wasm module memory at pointer %d with size %d", reqPtr, len(req))
	}

	// Step 3: Let the module handle the request.
	respPtr, err := c.call(ctx, c.handleFn, api.EncodeU32(reqPtr))
	if err != nil {
		logger.ErrorContext(ctx, "failed to handle request", "error", err)
		return "", err
	}
	if respPtr == 0 {
		logger.ErrorContext(ctx, "Wasm module returned no response", "ptr", reqPtr)
		return "", errors.New("Wasm module returned no response")
	}
	defer c.release(ctx, respPtr)

	// Step 4: Copy the NUL-terminated response out of the module's memory.
	resp, err := c.readString(respPtr)
	if err != nil {
		logger.ErrorContext(ctx, "failed to read response", "ptr", respPtr, "error", err)
		return "", err
	}

	return resp, nil
}

func (c *Client) call(ctx context.Context, fn api.Function, params ...uint64) (uint32, error) {
	results, err := fn.Call(ctx, params...)
	if err != nil {
		return 0, fmt.Errorf("failed to call Wasm function %q: %w", fn.Definition().Name(), err)
	}
	return api.DecodeU32(results[0]), nil
}

// release gives a buffer back to the module. Failing to do so leaks memory in
// the module but does not affect the result of the call.
func (c *Client) release(ctx context.Context, ptr uint32) {
	if _, err := c.releaseFn.Call(ctx, api.EncodeU32(ptr)); err != nil {
		c.opts.logger.WarnContext(ctx, "failed to release Wasm module buffer", "ptr", ptr, "error", err)
	}
}

// readString copies the NUL-terminated string at ptr out of the module's
// memory. The response is expected to be valid UTF-8.
func (c *Client) readString(ptr uint32) (string, error) {
	mem := c.module.Memory()
	if ptr >= mem.Size() {
		return "", fmt.Errorf("response pointer %d outside of Wasm module memory of size %d", ptr, mem.Size())
	}

	view, ok := mem.Read(ptr, mem.Size()-ptr)
	if !ok {
		return "", fmt.Errorf("failed to read from Wasm module memory at pointer %d", ptr)
	}

	buf := ferry.Buffer(view)
	if buf.Len() == buf.Size() {
		return "", fmt.Errorf("response at pointer %d is not NUL-terminated", ptr)
	}

	// The view aliases the module's memory, which is reused once the buffer
	// is released, so the response has to be copied.
	resp, err := buf.Copy()
	if err != nil {
		return "", fmt.Errorf("invalid response at pointer %d: %w", ptr, err)
	}
	return resp, nil
}
