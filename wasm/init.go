//go:build wasm

package wasm

import (
	"context"
	"errors"

	"github.com/lovromazgon/ferry/boundary"
	"google.golang.org/protobuf/types/known/structpb"
)

var handler = boundary.NewHandler(boundary.ProcessorFunc(func(context.Context, *structpb.Value) (*structpb.Value, error) {
	return nil, errors.New("no processor set, call wasm.Init() in the plugin code to set a processor")
}))

// Init needs to be called in an init function in the wasm plugin to set the
// processor that answers host requests.
func Init(p boundary.Processor, opt ...boundary.Option) {
	handler = boundary.NewHandler(p, opt...)
}
