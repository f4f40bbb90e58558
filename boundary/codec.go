package boundary

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	okKey  = "Ok"
	errKey = "Err"
)

// FallbackEnvelope is sent instead of a response envelope that could not be
// encoded. It does not carry the encoding error so that it is always valid
// JSON.
var FallbackEnvelope = []byte(`{"Err":"JSON encode error"}`)

// ErrMalformedEnvelope is returned by DecodeEnvelope when the data is valid
// JSON but neither an Ok nor an Err envelope.
var ErrMalformedEnvelope = errors.New("malformed response envelope")

// Decode parses JSON text into a structured value.
func Decode(data []byte) (*structpb.Value, error) {
	v := new(structpb.Value)
	if err := protojson.Unmarshal(data, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Encode formats a structured value as JSON text. A nil value is encoded as
// null.
func Encode(v *structpb.Value) ([]byte, error) {
	if v == nil {
		v = structpb.NewNullValue()
	}
	return protojson.Marshal(v)
}

// EncodeOk wraps a successful result as {"Ok": v}.
func EncodeOk(v *structpb.Value) ([]byte, error) {
	if v == nil {
		v = structpb.NewNullValue()
	}
	return encodeEnvelope(okKey, v)
}

// EncodeErr wraps an error message as {"Err": msg}.
func EncodeErr(msg string) ([]byte, error) {
	return encodeEnvelope(errKey, structpb.NewStringValue(msg))
}

func encodeEnvelope(key string, v *structpb.Value) ([]byte, error) {
	env := &structpb.Struct{Fields: map[string]*structpb.Value{key: v}}
	out, err := protojson.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %q envelope: %w", key, err)
	}
	return out, nil
}

// DecodeEnvelope unwraps a response envelope. An Ok envelope yields its value,
// an Err envelope yields a status error with code Unknown carrying the
// message.
func DecodeEnvelope(data []byte) (*structpb.Value, error) {
	env := new(structpb.Struct)
	if err := protojson.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("failed to decode response envelope: %w", err)
	}
	if len(env.GetFields()) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one field, got %d", ErrMalformedEnvelope, len(env.GetFields()))
	}
	if v, ok := env.GetFields()[okKey]; ok {
		return v, nil
	}
	if v, ok := env.GetFields()[errKey]; ok {
		msg, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not a string", ErrMalformedEnvelope, errKey)
		}
		return nil, status.Error(codes.Unknown, msg.StringValue)
	}
	return nil, fmt.Errorf("%w: missing %q or %q", ErrMalformedEnvelope, okKey, errKey)
}
