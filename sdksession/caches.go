package sdksession

import (
	"context"
	"fmt"

	"github.com/fernlab-dev/agentgateway/agentsdk"
)

// prePopulateCaches fires the four info-cache queries in the background as
// soon as a query starts, spec.md §4.3 point 5, so a client asking for
// supportedModels shortly after sending a prompt doesn't have to wait on
// the whole turn to complete.
func (s *Session) prePopulateCaches(ctx context.Context, q agentsdk.Query) {
	go func() {
		if models, err := q.SupportedModels(ctx); err == nil {
			s.cacheMu.Lock()
			s.supportedModels = models
			s.cacheMu.Unlock()
		}
	}()
	go func() {
		if info, err := q.AccountInfo(ctx); err == nil {
			s.cacheMu.Lock()
			s.accountInfo = info
			s.cacheMu.Unlock()
		}
	}()
	go func() {
		if status, err := q.MCPServerStatus(ctx); err == nil {
			s.cacheMu.Lock()
			s.mcpServerStatus = status
			s.cacheMu.Unlock()
		}
	}()
	go func() {
		if cmds, err := q.SupportedCommands(ctx); err == nil {
			s.cacheMu.Lock()
			s.supportedCommands = cmds
			s.cacheMu.Unlock()
		}
	}()
}

var errNoActiveQuery = fmt.Errorf("sdksession: no active query")

func (s *Session) SupportedModels() ([]string, error) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.supportedModels == nil {
		return nil, errNoActiveQuery
	}
	return s.supportedModels, nil
}

func (s *Session) AccountInfo() (map[string]any, error) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.accountInfo == nil {
		return nil, errNoActiveQuery
	}
	return s.accountInfo, nil
}

func (s *Session) MCPServerStatus() (map[string]any, error) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.mcpServerStatus == nil {
		return nil, errNoActiveQuery
	}
	return s.mcpServerStatus, nil
}

func (s *Session) SupportedCommands() ([]string, error) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.supportedCommands == nil {
		return nil, errNoActiveQuery
	}
	return s.supportedCommands, nil
}
