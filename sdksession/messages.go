package sdksession

import (
	"time"

	"github.com/fernlab-dev/agentgateway/agentsdk"
	gwsession "github.com/fernlab-dev/agentgateway/session"
)

// translateMessage converts one async-iterator message into a subscriber
// event, spec.md §4.3's system/assistant/stream_event/user/result table.
// "result" additionally ends processing and is delivered critically since
// it is the prompt's completion signal.
func (s *Session) translateMessage(msg agentsdk.Message) {
	if msg.SessionID != "" {
		s.noteBackendID(msg.SessionID)
	}

	ev := gwsession.Event{SessionID: s.id, Payload: msg.Raw, At: time.Now()}
	switch msg.Type {
	case "system":
		ev.Type = gwsession.EventSessionUpdate
		s.bcast.Publish(ev)
	case "assistant", "user":
		ev.Type = gwsession.EventMessage
		s.bcast.Publish(ev)
	case "stream_event":
		ev.Type = gwsession.EventMessage
		s.bcast.Publish(ev)
	case "result":
		ev.Type = gwsession.EventExit
		s.bcast.PublishCritical(ev)
		s.finishQuery(nil)
	default:
		ev.Type = gwsession.EventMessage
		s.bcast.Publish(ev)
	}

	if s.persistence != nil {
		_ = s.persistence.RecordEvent(s.id, ev.Type, msg.Raw)
	}
}
