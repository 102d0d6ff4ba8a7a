package telegram

import (
	"context"
	"log/slog"
	"poweron-notifier/pkg/notifier"
)

// Mock logs messages instead of sending them. Used when no bot token is configured.
type Mock struct {
	logger *slog.Logger
}

// NewMock creates a mock transport.
func NewMock(logger *slog.Logger) *Mock {
	return &Mock{logger: logger}
}

// SendSchedule logs the schedule photo instead of sending it.
func (m *Mock) SendSchedule(_ context.Context, id notifier.SubscriberID, imageURL, caption string) error {
	m.logger.Info("MOCK TELEGRAM PHOTO",
		"chat_id", id,
		"image_url", imageURL,
		"caption", caption)
	return nil
}

// SendText logs the message instead of sending it.
func (m *Mock) SendText(_ context.Context, id notifier.SubscriberID, text string) error {
	m.logger.Info("MOCK TELEGRAM MESSAGE",
		"chat_id", id,
		"text_length", len(text))
	return nil
}
