package grpcproxy

import (
	"encoding/json"

	"github.com/spirit-labs/chanrpc/errors"
	"github.com/tidwall/gjson"
	"google.golang.org/grpc/codes"
)

// Codec carries messages as JSON bytes. *json.RawMessage values pass through unchanged, other values are marshalled
// with encoding/json.
type Codec struct{}

func (Codec) Name() string {
	return "json"
}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case *json.RawMessage:
		return checkJSON(*m)
	case json.RawMessage:
		return checkJSON(m)
	default:
		return json.Marshal(v)
	}
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	if m, ok := v.(*json.RawMessage); ok {
		if _, err := checkJSON(data); err != nil {
			return err
		}
		*m = append((*m)[:0], data...)
		return nil
	}
	return json.Unmarshal(data, v)
}

func checkJSON(data []byte) ([]byte, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.NewError(codes.InvalidArgument, "message is not valid JSON")
	}
	return data, nil
}
