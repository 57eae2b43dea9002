package subprocess

import (
	"context"
	"fmt"
	"time"

	"github.com/fernlab-dev/agentgateway/acp"
)

// ForwardRawRPC implements gwsession.RawRPCForwarder: it relays a
// client-supplied JSON-RPC line to the child verbatim and, for requests,
// waits for the child's correlated response. Because a raw client picks
// its own ids, collisions with the reserved handshake ids (1, 2) or with
// the session's own outbound counter are possible in principle; in
// practice real ACP clients namespace their ids away from small integers,
// and a collision only risks misdelivering one reply to the wrong waiter,
// not corrupting session state.
func (s *Session) ForwardRawRPC(ctx context.Context, line []byte) ([]byte, error) {
	kind, env, err := acp.ParseMessage(line)
	if err != nil {
		return nil, err
	}

	switch kind {
	case acp.KindNotification:
		if err := s.writeLine(terminated(line)); err != nil {
			return nil, err
		}
		return nil, nil

	case acp.KindRequest:
		ch := s.pending.Register(string(env.ID))
		if err := s.writeLine(terminated(line)); err != nil {
			s.pending.Cancel(string(env.ID))
			return nil, err
		}
		select {
		case respEnv := <-ch:
			if respEnv == nil {
				return nil, fmt.Errorf("subprocess: raw rpc request terminated")
			}
			resp := respEnv.AsResponse()
			return acp.SerializeResponse(resp.ID, resp.Result, resp.Error, s.opts.MaxMessageBytes)
		case <-time.After(s.opts.RequestTimeout):
			s.pending.Cancel(string(env.ID))
			return nil, fmt.Errorf("subprocess: raw rpc request timeout")
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	default:
		return nil, fmt.Errorf("subprocess: raw rpc frame is neither request nor notification")
	}
}

// terminated returns a newline-terminated copy of line, never mutating the
// caller's slice (line may alias a websocket read buffer or HTTP body with
// spare capacity beyond its length).
func terminated(line []byte) []byte {
	out := make([]byte, len(line)+1)
	copy(out, line)
	out[len(line)] = '\n'
	return out
}
