package main

import (
	"context"
	"encoding/json"

	"github.com/spirit-labs/chanrpc/errors"
	"github.com/spirit-labs/chanrpc/rpc"
	"google.golang.org/grpc/codes"
)

const adminServiceName = "chanrpc.Admin"

var adminDesc = rpc.MustServiceDesc(adminServiceName,
	rpc.MethodDesc{Name: "Ping", Kind: rpc.Unary},
	rpc.MethodDesc{Name: "Services", Kind: rpc.Unary},
	rpc.MethodDesc{Name: "Stats", Kind: rpc.Unary},
	rpc.MethodDesc{Name: "KillSender", Kind: rpc.Unary},
)

type methodInfo struct {
	Name string   `json:"name"`
	Kind rpc.Kind `json:"kind"`
}

type serviceInfo struct {
	Name    string       `json:"name"`
	Methods []methodInfo `json:"methods"`
}

type stats struct {
	Sessions    int `json:"sessions"`
	Streams     int `json:"streams"`
	ActiveCalls int `json:"activeCalls"`
}

// newAdminService describes and inspects the daemon it runs in. Ping echoes its request.
func newAdminService(r *runner) *rpc.Service {
	svc := rpc.NewService(adminDesc)
	svc.MustHandle("Ping", rpc.UnaryFunc(func(_ context.Context, req json.RawMessage) (json.RawMessage, error) {
		return req, nil
	}).Handler())
	svc.MustHandle("Services", rpc.UnaryFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		var infos []serviceInfo
		for _, name := range r.router.Services() {
			s, ok := r.router.Service(name)
			if !ok {
				continue
			}
			info := serviceInfo{Name: name}
			for _, m := range s.Desc().Methods() {
				info.Methods = append(info.Methods, methodInfo{Name: m.Name, Kind: m.Kind})
			}
			infos = append(infos, info)
		}
		return json.Marshal(infos)
	}).Handler())
	svc.MustHandle("Stats", rpc.UnaryFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		host := r.getHost()
		if host == nil {
			return nil, errors.NewUnavailableError("host is not running")
		}
		return json.Marshal(stats{
			Sessions:    host.SessionCount(),
			Streams:     host.StreamCount(),
			ActiveCalls: host.ActiveCalls(),
		})
	}).Handler())
	svc.MustHandle("KillSender", rpc.UnaryFunc(func(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
		var peer string
		if err := json.Unmarshal(req, &peer); err != nil || peer == "" {
			return nil, errors.NewError(codes.InvalidArgument, "request must be the sender as a string")
		}
		if info, ok := rpc.CallInfoFromContext(ctx); ok && info.Peer == peer {
			return nil, errors.NewError(codes.FailedPrecondition, "a sender cannot kill itself")
		}
		host := r.getHost()
		if host == nil {
			return nil, errors.NewUnavailableError("host is not running")
		}
		return json.Marshal(host.KillSender(peer))
	}).Handler())
	return svc
}
