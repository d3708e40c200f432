package connmgr

import (
	"encoding/json"

	"github.com/spirit-labs/chanrpc/errors"
	"github.com/tidwall/gjson"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
)

// envelope is a message on a session channel. Requests carry a method and either a single message or the name of
// a stream channel. Responses carry a message, a stream channel name, or an error. An error with no request id
// fails the whole session.
type envelope struct {
	RequestID string          `json:"requestId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Header    metadata.MD     `json:"header,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Abort     bool            `json:"abort,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

func (e *envelope) encode() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		// every field is either a string, a header map or already validated JSON
		panic(err)
	}
	return b
}

var envelopeFields = []string{"requestId", "method", "header", "message", "channel", "abort", "error"}

// decodeEnvelope parses a session message received from the other side. Unknown fields are ignored, fields of the
// wrong type are an error.
func decodeEnvelope(raw []byte) (envelope, error) {
	if !gjson.ValidBytes(raw) {
		return envelope{}, errors.NewError(codes.InvalidArgument, "session message is not JSON")
	}
	if !gjson.ParseBytes(raw).IsObject() {
		return envelope{}, errors.NewError(codes.InvalidArgument, "session message is not an object")
	}
	fields := gjson.GetManyBytes(raw, envelopeFields...)
	var env envelope
	var err error
	if env.RequestID, err = stringField(fields[0], "requestId"); err != nil {
		return envelope{}, err
	}
	if env.Method, err = stringField(fields[1], "method"); err != nil {
		return envelope{}, err
	}
	if env.Header, err = headerField(fields[2]); err != nil {
		return envelope{}, err
	}
	if fields[3].Exists() {
		env.Message = json.RawMessage(fields[3].Raw)
	}
	if env.Channel, err = stringField(fields[4], "channel"); err != nil {
		return envelope{}, err
	}
	env.Abort = fields[5].Type == gjson.True
	if fields[6].Exists() {
		env.Error = json.RawMessage(fields[6].Raw)
	}
	return env, nil
}

func stringField(r gjson.Result, name string) (string, error) {
	if !r.Exists() {
		return "", nil
	}
	if r.Type != gjson.String {
		return "", errors.NewErrorf(codes.InvalidArgument, "session message field %q must be a string", name)
	}
	return r.Str, nil
}

func headerField(r gjson.Result) (metadata.MD, error) {
	if !r.Exists() || r.Type == gjson.Null {
		return nil, nil
	}
	if !r.IsObject() {
		return nil, errors.NewError(codes.InvalidArgument, "session message header must be an object")
	}
	md := metadata.MD{}
	var err error
	r.ForEach(func(key, value gjson.Result) bool {
		switch {
		case value.Type == gjson.String:
			md.Append(key.Str, value.Str)
		case value.IsArray():
			for _, v := range value.Array() {
				if v.Type != gjson.String {
					err = errors.NewErrorf(codes.InvalidArgument, "header %q must only contain strings", key.Str)
					return false
				}
				md.Append(key.Str, v.Str)
			}
		default:
			err = errors.NewErrorf(codes.InvalidArgument, "header %q must be a string or list of strings", key.Str)
			return false
		}
		return true
	})
	return md, err
}
