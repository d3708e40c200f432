package portstream

import (
	"encoding/json"

	"github.com/spirit-labs/chanrpc/errors"
	"github.com/tidwall/gjson"
	"google.golang.org/grpc/codes"
)

type Kind int

const (
	KindValue Kind = iota + 1
	KindEnd
	KindAbort
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindEnd:
		return "end"
	case KindAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Message is one item of a stream carried over a channel. Exactly one End or Abort terminates a stream.
type Message struct {
	Kind  Kind
	Value json.RawMessage
	Err   errors.ChanError
}

type valueMessage struct {
	Value json.RawMessage `json:"value"`
}

type abortMessage struct {
	Abort json.RawMessage `json:"abort"`
}

var endMessage = []byte(`{"done":true}`)

func EncodeValue(value json.RawMessage) ([]byte, error) {
	if !gjson.ValidBytes(value) {
		return nil, errors.NewError(codes.InvalidArgument, "stream value is not valid JSON")
	}
	b, err := json.Marshal(valueMessage{Value: value})
	if err != nil {
		return nil, errors.NewErrorf(codes.InvalidArgument, "failed to encode stream value: %v", err)
	}
	return b, nil
}

func EncodeEnd() []byte {
	return endMessage
}

func EncodeAbort(reason error) []byte {
	b, err := json.Marshal(abortMessage{Abort: errors.Encode(reason)})
	if err != nil {
		// the encoded error is always valid JSON
		panic(err)
	}
	return b
}

// DecodeMessage classifies a message received on a stream channel. Anything other than the three stream shapes is
// an InvalidArgument error.
func DecodeMessage(raw []byte) (Message, error) {
	if !gjson.ValidBytes(raw) {
		return Message{}, errors.NewError(codes.InvalidArgument, "unexpected item in stream: not JSON")
	}
	item := gjson.ParseBytes(raw)
	if !item.IsObject() {
		return Message{}, errors.NewError(codes.InvalidArgument, "unexpected item in stream: not an object")
	}
	if v := item.Get("value"); v.Exists() {
		return Message{Kind: KindValue, Value: json.RawMessage(v.Raw)}, nil
	}
	if d := item.Get("done"); d.Type == gjson.True {
		return Message{Kind: KindEnd}, nil
	}
	if a := item.Get("abort"); a.Exists() {
		return Message{Kind: KindAbort, Err: errors.Decode([]byte(a.Raw))}, nil
	}
	return Message{}, errors.NewError(codes.InvalidArgument, "unexpected item in stream")
}
