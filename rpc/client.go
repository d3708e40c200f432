package rpc

import (
	"context"
	"encoding/json"
)

// Client invokes methods by their full name. Headers travel as outgoing gRPC metadata on ctx.
type Client interface {
	Invoke(ctx context.Context, method string, req json.RawMessage) (json.RawMessage, error)
	NewStream(ctx context.Context, method string, kind Kind) (Stream, error)
}

// Stream is the caller side of one call of any Kind. For kinds that take a single request, Send must be called once
// before CloseSend. Recv returns io.EOF after the last response. Close abandons the call if it has not finished.
type Stream interface {
	Sender
	Receiver
	CloseSend() error
	Close() error
}
