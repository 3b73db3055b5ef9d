package gateway

import (
	"github.com/alehm/duet/pkg/agent"
)

// progressSink forwards agent progress and mode transitions to
// websocket clients. It satisfies agent.ProgressSink.
type progressSink struct {
	broadcaster *EventBroadcaster
	sessionKey  string
}

func (s *progressSink) OnProgress(message string) {
	s.broadcaster.BroadcastTyped(EventMessage{
		Event:   "agent.progress",
		Session: s.sessionKey,
		Data:    map[string]interface{}{"message": message},
	})
}

func (s *progressSink) OnModeChange(mode agent.Mode) {
	s.broadcaster.BroadcastTyped(EventMessage{
		Event:   "agent.mode",
		Session: s.sessionKey,
		Data:    map[string]interface{}{"mode": string(mode)},
	})
}

func (s *progressSink) OnImage(dataURL string) {
	s.broadcaster.BroadcastTyped(EventMessage{
		Event:   "agent.image",
		Session: s.sessionKey,
		Data:    map[string]interface{}{"data_url": dataURL},
	})
}
