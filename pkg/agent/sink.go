package agent

import "github.com/rs/zerolog"

// ProgressSink receives human-readable progress, mode transitions and
// extracted image payloads. It is a best-effort port: implementations
// may fail or panic, and the run must never notice.
type ProgressSink interface {
	OnProgress(message string)
	OnModeChange(mode Mode)
	// OnImage delivers an image result as a data URL. The binary
	// content never re-enters the conversation.
	OnImage(dataURL string)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) OnProgress(string) {}
func (NopSink) OnModeChange(Mode) {}
func (NopSink) OnImage(string)    {}

// safeSink shields the run from a failing sink.
type safeSink struct {
	inner  ProgressSink
	logger zerolog.Logger
}

func newSafeSink(inner ProgressSink, logger zerolog.Logger) *safeSink {
	if inner == nil {
		inner = NopSink{}
	}
	return &safeSink{inner: inner, logger: logger}
}

func (s *safeSink) OnProgress(message string) {
	defer s.recover("progress")
	s.inner.OnProgress(message)
}

func (s *safeSink) OnModeChange(mode Mode) {
	defer s.recover("mode_change")
	s.inner.OnModeChange(mode)
}

func (s *safeSink) OnImage(dataURL string) {
	defer s.recover("image")
	s.inner.OnImage(dataURL)
}

func (s *safeSink) recover(event string) {
	if r := recover(); r != nil {
		s.logger.Warn().Str("event", event).Interface("panic", r).Msg("Progress sink panicked")
	}
}
