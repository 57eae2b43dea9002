package subprocess

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fernlab-dev/agentgateway/acp"
	gwsession "github.com/fernlab-dev/agentgateway/session"
)

// handleAgentRequest services one backend-originated request. Every branch
// must eventually reply with a response bearing the original id — the
// session never drops an id silently, per spec.md §4.2.
func (s *Session) handleAgentRequest(req acp.Request) {
	switch req.Method {
	case acp.MethodRequestPermission:
		s.handleRequestPermission(req)
	case acp.MethodFSReadTextFile:
		s.handleFSRead(req)
	case acp.MethodFSWriteTextFile:
		s.handleFSWrite(req)
	case acp.MethodTerminalCreate:
		s.handleTerminalCreate(req)
	case acp.MethodTerminalOutput:
		s.handleTerminalOutput(req)
	case acp.MethodTerminalKill:
		s.handleTerminalKill(req)
	case acp.MethodTerminalWaitExit:
		s.handleTerminalWait(req)
	case acp.MethodTerminalRelease:
		s.handleTerminalRelease(req)
	default:
		s.replyError(req.ID, acp.CodeMethodNotFound, "Method not found")
	}
}

func (s *Session) handleAgentNotification(n acp.Notification) {
	if n.Method != acp.MethodSessionUpdate {
		return
	}
	var params acp.SessionUpdateParams
	_ = json.Unmarshal(n.Params, &params)
	s.bcast.Publish(gwsession.Event{Type: gwsession.EventSessionUpdate, SessionID: s.id, Payload: params, At: time.Now()})
}

func (s *Session) reply(id json.RawMessage, result any) {
	line, err := acp.SerializeResponse(id, result, nil, s.opts.MaxMessageBytes)
	if err != nil {
		s.recordEvent(gwsession.EventError, map[string]string{"error": err.Error()})
		return
	}
	_ = s.writeLine(line)
}

func (s *Session) replyError(id json.RawMessage, code int, message string) {
	line, err := acp.SerializeResponse(id, nil, acp.NewError(code, message), s.opts.MaxMessageBytes)
	if err != nil {
		return
	}
	_ = s.writeLine(line)
}

// --- session/request_permission -------------------------------------------------

func (s *Session) handleRequestPermission(req acp.Request) {
	var params acp.RequestPermissionParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.replyError(req.ID, acp.CodeInvalidParams, "invalid params")
		return
	}

	s.permReqMu.Lock()
	s.permReqID[params.ToolCall.ToolCallID] = req.ID
	s.permReqMu.Unlock()

	s.permissions.Register(gwsession.PermissionRecord{
		ToolCallID: params.ToolCall.ToolCallID,
		ToolName:   params.ToolCall.ToolName,
		Options:    params.Options,
	})
	// Do not respond until the client decides: see ResolvePermission/CancelPermission.
	s.bcast.PublishCritical(gwsession.Event{Type: gwsession.EventPermissionRequest, SessionID: s.id, Payload: params, At: time.Now()})
}

// --- fs/* -------------------------------------------------------------------

func (s *Session) handleFSRead(req acp.Request) {
	var params acp.FSReadTextFileParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.replyError(req.ID, acp.CodeInvalidParams, "invalid params")
		return
	}
	content, err := readTextFile(params.Path, params.Line, params.Limit)
	if err != nil {
		s.replyError(req.ID, acp.CodeInternalError, err.Error())
		return
	}
	s.reply(req.ID, acp.FSReadTextFileResult{Content: content})
}

func readTextFile(path string, line, limit *int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if line == nil && limit == nil {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxScannerBuffer)
	var out strings.Builder
	n := 0
	start := 0
	if line != nil {
		start = *line
	}
	taken := 0
	for sc.Scan() {
		if n >= start {
			if limit != nil && taken >= *limit {
				break
			}
			out.WriteString(sc.Text())
			out.WriteByte('\n')
			taken++
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return out.String(), nil
}

func (s *Session) handleFSWrite(req acp.Request) {
	var params acp.FSWriteTextFileParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.replyError(req.ID, acp.CodeInvalidParams, "invalid params")
		return
	}
	if s.opts.CreateParentDirs {
		if err := os.MkdirAll(filepath.Dir(params.Path), 0o755); err != nil {
			s.replyError(req.ID, acp.CodeInternalError, err.Error())
			return
		}
	}
	if err := os.WriteFile(params.Path, []byte(params.Content), 0o644); err != nil {
		s.replyError(req.ID, acp.CodeInternalError, err.Error())
		return
	}
	s.reply(req.ID, acp.FSWriteTextFileResult{})
}

// --- terminal/* ---------------------------------------------------------------

func (s *Session) handleTerminalCreate(req acp.Request) {
	var params acp.TerminalCreateParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.replyError(req.ID, acp.CodeInvalidParams, "invalid params")
		return
	}
	limit := 0
	if params.OutputByteLimit != nil {
		limit = *params.OutputByteLimit
	}
	id, err := s.terminals.Create(params.Command, params.Args, params.Cwd, params.Env, limit)
	if err != nil {
		s.replyError(req.ID, acp.CodeInternalError, err.Error())
		return
	}
	s.reply(req.ID, acp.TerminalCreateResult{TerminalID: id})
}

func (s *Session) handleTerminalOutput(req acp.Request) {
	var params acp.TerminalIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.replyError(req.ID, acp.CodeInvalidParams, "invalid params")
		return
	}
	output, truncated, exitStatus, err := s.terminals.Output(params.TerminalID)
	if err != nil {
		s.replyError(req.ID, acp.CodeInvalidParams, "Terminal not found")
		return
	}
	s.reply(req.ID, acp.TerminalOutputResult{Output: output, Truncated: truncated, ExitStatus: exitStatus})
}

func (s *Session) handleTerminalKill(req acp.Request) {
	var params acp.TerminalIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.replyError(req.ID, acp.CodeInvalidParams, "invalid params")
		return
	}
	if err := s.terminals.Kill(params.TerminalID); err != nil {
		s.replyError(req.ID, acp.CodeInvalidParams, "Terminal not found")
		return
	}
	s.reply(req.ID, struct{}{})
}

func (s *Session) handleTerminalWait(req acp.Request) {
	var params acp.TerminalIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.replyError(req.ID, acp.CodeInvalidParams, "invalid params")
		return
	}
	status, err := s.terminals.WaitForExit(context.Background(), params.TerminalID)
	if err != nil {
		s.replyError(req.ID, acp.CodeInvalidParams, "Terminal not found")
		return
	}
	s.reply(req.ID, acp.TerminalWaitForExitResult{ExitStatus: status})
}

func (s *Session) handleTerminalRelease(req acp.Request) {
	var params acp.TerminalIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.replyError(req.ID, acp.CodeInvalidParams, "invalid params")
		return
	}
	if err := s.terminals.Release(params.TerminalID); err != nil {
		s.replyError(req.ID, acp.CodeInvalidParams, "Terminal not found")
		return
	}
	s.reply(req.ID, struct{}{})
}
