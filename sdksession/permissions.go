package sdksession

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fernlab-dev/agentgateway/acp"
	"github.com/fernlab-dev/agentgateway/agentsdk"
	gwsession "github.com/fernlab-dev/agentgateway/session"
)

// buildCanUseTool constructs the permission callback handed to the SDK at
// query start, spec.md §4.3 point 2: register the pending decision, publish
// a permission_request event carrying a client-facing option list, block
// until the table resolves it or the query's context is cancelled.
func (s *Session) buildCanUseTool() agentsdk.CanUseToolFunc {
	return func(ctx context.Context, toolName string, input json.RawMessage, permCtx agentsdk.ToolPermissionContext) (agentsdk.PermissionResult, error) {
		options := optionsFromSuggestions(permCtx.Suggestions)
		ch := s.permissions.Register(gwsession.PermissionRecord{
			ToolCallID: permCtx.ToolUseID,
			ToolName:   toolName,
			Options:    options,
		})

		s.bcast.PublishCritical(gwsession.Event{
			Type:      gwsession.EventPermissionRequest,
			SessionID: s.id,
			Payload: acp.RequestPermissionParams{
				SessionID: s.id,
				ToolCall:  acp.ToolCall{ToolCallID: permCtx.ToolUseID, ToolName: toolName, Input: input},
				Options:   options,
			},
			At: time.Now(),
		})

		select {
		case decision := <-ch:
			return decisionToResult(permCtx.ToolUseID, decision), nil
		case <-ctx.Done():
			_ = s.permissions.Cancel(permCtx.ToolUseID)
			return agentsdk.PermissionResult{Behavior: agentsdk.PermissionDeny, ToolUseID: permCtx.ToolUseID, Interrupt: true}, ctx.Err()
		}
	}
}

// optionsFromSuggestions translates SDK-supplied suggestions into the
// client-facing option list, prepending the three defaults every request
// always offers: allow once, always allow, deny, spec.md §4.3 point 2.
func optionsFromSuggestions(suggestions []agentsdk.PermissionSuggestion) []acp.PermissionOption {
	opts := []acp.PermissionOption{
		{OptionID: "allow_once", Name: "Allow", Kind: acp.OptionAllowOnce},
		{OptionID: "allow_always", Name: "Always Allow", Kind: acp.OptionAllowAlways},
		{OptionID: "reject_once", Name: "Deny", Kind: acp.OptionRejectOnce},
	}
	for i, sg := range suggestions {
		opts = append(opts, acp.PermissionOption{
			OptionID: "suggested_" + itoa(i),
			Name:     sg.Destination,
			Kind:     acp.OptionAllowOnce,
		})
	}
	return opts
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func decisionToResult(toolUseID string, d gwsession.PermissionDecision) agentsdk.PermissionResult {
	if d.Interrupted || d.OptionID == nil {
		return agentsdk.PermissionResult{Behavior: agentsdk.PermissionDeny, ToolUseID: toolUseID, Interrupt: d.Interrupted}
	}
	return agentsdk.PermissionResult{Behavior: agentsdk.PermissionAllow, ToolUseID: toolUseID, UpdatedInput: d.Answers}
}

// ResolvePermission answers a pending permission callback, auto-resolving
// sibling pending requests for the same tool when the client chose
// "always allow", per spec.md §4.3 point 2 / §4.7.
func (s *Session) ResolvePermission(ctx context.Context, toolCallID string, optionID *string, answers json.RawMessage) error {
	rec, _ := s.permissions.Record(toolCallID)
	if err := s.permissions.Resolve(toolCallID, optionID, answers); err != nil {
		return err
	}
	if optionID != nil && *optionID == "allow_always" {
		for _, id := range s.permissions.PendingToolCallIDsForTool(rec.ToolName, toolCallID) {
			_ = s.permissions.Resolve(id, optionID, answers)
		}
	}
	return nil
}

func (s *Session) CancelPermission(toolCallID string) error {
	return s.permissions.Cancel(toolCallID)
}
