package rpc

import (
	"fmt"
	"strings"

	"github.com/spirit-labs/chanrpc/errors"
	"google.golang.org/grpc/codes"
)

// Kind is the streaming shape of a method.
type Kind int

const (
	Unary Kind = iota + 1
	ClientStreaming
	ServerStreaming
	BidiStreaming
)

var kindNames = map[Kind]string{
	Unary:           "unary",
	ClientStreaming: "client-stream",
	ServerStreaming: "server-stream",
	BidiStreaming:   "bidi-stream",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ClientStreams is true when the caller sends a sequence of requests rather than exactly one.
func (k Kind) ClientStreams() bool {
	return k == ClientStreaming || k == BidiStreaming
}

// ServerStreams is true when the handler sends a sequence of responses rather than exactly one.
func (k Kind) ServerStreams() bool {
	return k == ServerStreaming || k == BidiStreaming
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return 0, errors.NewErrorf(codes.InvalidArgument, "unknown method kind %q", s)
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, errors.NewErrorf(codes.InvalidArgument, "invalid method kind %d", int(k))
	}
	return []byte(k.String()), nil
}
