package notify

import (
	"context"

	"clawd/internal/logging"
)

// ConsoleSender writes notifications to the application log. It is the
// default target when no external channel is configured.
type ConsoleSender struct {
	logger logging.Logger
}

// NewConsoleSender returns a console sender. logger may be nil.
func NewConsoleSender(logger logging.Logger) *ConsoleSender {
	return &ConsoleSender{logger: logging.OrNop(logger)}
}

func (s *ConsoleSender) Channel() string { return "console" }

func (s *ConsoleSender) Send(_ context.Context, _ Target, msg Message) error {
	s.logger.Info("%s", msg.Plain)
	return nil
}
