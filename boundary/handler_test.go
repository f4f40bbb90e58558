package boundary

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"unsafe"

	"github.com/lovromazgon/ferry/examples/plugh"
	"github.com/matryer/is"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func newTestHandler(p Processor) *Handler {
	return NewHandler(p, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

// cString returns a NUL-terminated copy of s, as a C caller would pass it.
func cString(s string) unsafe.Pointer {
	b := append([]byte(s), 0)
	return unsafe.Pointer(&b[0])
}

// goBytes copies the NUL-terminated string at p.
func goBytes(p unsafe.Pointer) []byte {
	return append([]byte(nil), unsafe.Slice((*byte)(p), strlen(p))...)
}

// call sends req through the raw pointer interface, releases the response and
// returns a copy of it.
func call(t *testing.T, h *Handler, req string) []byte {
	t.Helper()
	out := h.HandleRequest(cString(req))
	if out == nil {
		t.Fatal("expected a response, got nil")
	}
	defer h.Release(out)

	resp := goBytes(out)
	if _, err := Decode(resp); err != nil {
		t.Fatalf("response %q is not valid JSON: %v", resp, err)
	}
	return resp
}

func errMessage(t *testing.T, resp []byte) string {
	t.Helper()
	_, err := DecodeEnvelope(resp)
	if err == nil {
		t.Fatalf("expected an Err envelope, got %s", resp)
	}
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("expected a status error, got %v", err)
	}
	return st.Message()
}

func TestHandler_HandleRequest(t *testing.T) {
	h := newTestHandler(ProcessorFunc(plugh.Process))

	t.Run("should return nil for nil input", func(t *testing.T) {
		is := is.New(t)
		is.True(h.HandleRequest(nil) == nil)
		is.Equal(h.Outstanding(), 0) // nothing to release
	})

	t.Run("should wrap the result in an Ok envelope", func(t *testing.T) {
		is := is.New(t)
		resp := call(t, h, `{"plugh":"xyzzy"}`)

		v, err := DecodeEnvelope(resp)
		is.NoErr(err)
		is.Equal(v.GetStringValue(), "plugh has length 5")
	})

	t.Run("should wrap a domain error in an Err envelope", func(t *testing.T) {
		is := is.New(t)
		resp := call(t, h, `{"nope":1}`)
		is.Equal(errMessage(t, resp), "plugh not present or not valid")
	})

	t.Run("should report malformed JSON as a parse error", func(t *testing.T) {
		is := is.New(t)
		resp := call(t, h, `{not json`)
		is.True(strings.HasPrefix(errMessage(t, resp), "JSON Parse error: "))
	})

	t.Run("should report invalid UTF-8 as an encoding error", func(t *testing.T) {
		is := is.New(t)
		resp := call(t, h, "\xe7")
		is.True(strings.HasPrefix(errMessage(t, resp), "Encoding error: "))
	})

	t.Run("should not reference the input after returning", func(t *testing.T) {
		is := is.New(t)
		in := []byte(`{"plugh":"abc"}` + "\x00")
		out := h.HandleRequest(unsafe.Pointer(&in[0]))
		defer h.Release(out)

		for i := range in {
			in[i] = 'x'
		}
		v, err := DecodeEnvelope(goBytes(out))
		is.NoErr(err)
		is.Equal(v.GetStringValue(), "plugh has length 3")
	})

	t.Run("should track responses until released", func(t *testing.T) {
		is := is.New(t)
		a := h.HandleRequest(cString(`{"plugh":""}`))
		b := h.HandleRequest(cString(`{}`))
		is.Equal(h.Outstanding(), 2)
		is.True(a != b)

		h.Release(a)
		is.Equal(h.Outstanding(), 1)
		h.Release(b)
		is.Equal(h.Outstanding(), 0)
	})

	t.Run("should ignore release of unknown pointers", func(t *testing.T) {
		is := is.New(t)
		out := h.HandleRequest(cString(`{}`))
		h.Release(out)
		h.Release(out) // second release is a caller bug, but must not crash
		h.Release(cString("not ours"))
		is.Equal(h.Outstanding(), 0)
	})
}

func TestHandler_ProcessorResults(t *testing.T) {
	testCases := []struct {
		name      string
		processor ProcessorFunc
		wantOk    *structpb.Value
		wantErr   string
	}{{
		name: "should encode a nil result as null",
		processor: func(context.Context, *structpb.Value) (*structpb.Value, error) {
			return nil, nil
		},
		wantOk: structpb.NewNullValue(),
	}, {
		name: "should pass structured results through",
		processor: func(_ context.Context, req *structpb.Value) (*structpb.Value, error) {
			return req, nil
		},
		wantOk: structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"a": structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{
				structpb.NewNumberValue(1),
				structpb.NewBoolValue(true),
				structpb.NewNullValue(),
			}}),
		}}),
	}, {
		name: "should use the message of a status error",
		processor: func(context.Context, *structpb.Value) (*structpb.Value, error) {
			return nil, status.Error(codes.InvalidArgument, "bad request")
		},
		wantErr: "bad request",
	}, {
		name: "should use the message of a plain error",
		processor: func(context.Context, *structpb.Value) (*structpb.Value, error) {
			return nil, errors.New("something broke")
		},
		wantErr: "something broke",
	}, {
		name: "should turn a panic into an error",
		processor: func(context.Context, *structpb.Value) (*structpb.Value, error) {
			panic("boom")
		},
		wantErr: "Processor panic: boom",
	}, {
		name: "should fall back if the result can not be encoded",
		processor: func(context.Context, *structpb.Value) (*structpb.Value, error) {
			return structpb.NewNumberValue(math.NaN()), nil
		},
		wantErr: "JSON encode error",
	}, {
		name: "should fall back if the error message can not be encoded",
		processor: func(context.Context, *structpb.Value) (*structpb.Value, error) {
			return nil, errors.New("invalid \xff message")
		},
		wantErr: "JSON encode error",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			is := is.New(t)
			h := newTestHandler(tc.processor)
			resp := call(t, h, `{"a":[1,true,null]}`)

			if tc.wantErr != "" {
				is.Equal(errMessage(t, resp), tc.wantErr)
				return
			}
			v, err := DecodeEnvelope(resp)
			is.NoErr(err)
			want, err := Encode(tc.wantOk)
			is.NoErr(err)
			got, err := Encode(v)
			is.NoErr(err)
			is.Equal(compact(got), compact(want))
			is.Equal(h.Outstanding(), 0)
		})
	}
}

func TestHandler_Handle(t *testing.T) {
	h := newTestHandler(ProcessorFunc(plugh.Process))

	t.Run("should ignore anything after a zero byte", func(t *testing.T) {
		is := is.New(t)
		resp := h.Handle(context.Background(), []byte(`{"plugh":"a"}`+"\x00garbage"))
		v, err := DecodeEnvelope(resp)
		is.NoErr(err)
		is.Equal(v.GetStringValue(), "plugh has length 1")
	})

	t.Run("should report an empty request as a parse error", func(t *testing.T) {
		is := is.New(t)
		resp := h.Handle(context.Background(), nil)
		is.True(strings.HasPrefix(errMessage(t, resp), "JSON Parse error: "))
	})
}

func TestHandler_Alloc(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(ProcessorFunc(plugh.Process))

	req := `{"plugh":"hello"}`
	in, err := h.Alloc(len(req) + 1)
	is.NoErr(err)
	is.Equal(h.Outstanding(), 1)

	mem := unsafe.Slice((*byte)(in), len(req)+1)
	is.Equal(mem[len(req)], byte(0))
	copy(mem, req)

	out := h.HandleRequest(in)
	v, err := DecodeEnvelope(goBytes(out))
	is.NoErr(err)
	is.Equal(v.GetStringValue(), "plugh has length 5")

	h.Release(out)
	h.Release(in)
	is.Equal(h.Outstanding(), 0)

	_, err = h.Alloc(-1)
	is.True(err != nil)
}

func TestHandler_Concurrent(t *testing.T) {
	is := is.New(t)
	h := newTestHandler(ProcessorFunc(plugh.Process))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				out := h.HandleRequest(cString(`{"plugh":"xyzzy"}`))
				v, err := DecodeEnvelope(goBytes(out))
				h.Release(out)
				if err != nil || v.GetStringValue() != "plugh has length 5" {
					t.Errorf("unexpected response: %v, %v", v, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	is.Equal(h.Outstanding(), 0)
}

// compact strips the insignificant whitespace protojson may emit.
func compact(b []byte) string {
	return strings.Join(strings.Fields(string(b)), "")
}
