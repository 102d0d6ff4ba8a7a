// Package telegram delivers schedule images and notices to Telegram chats.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"poweron-notifier/pkg/notifier"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// ScheduleNowData is the callback data of the "Графік зараз" button.
const ScheduleNowData = "schedule_now"

// Buttons on messages sent by earlier bot versions carry this data.
const legacyScheduleNowData = "SCHEDULE_NOW"

// IsScheduleNow reports whether callback data belongs to a "Графік зараз" button.
func IsScheduleNow(data string) bool {
	data = strings.TrimSpace(data)
	return data == ScheduleNowData || data == legacyScheduleNowData
}

// API is the part of *tele.Bot used for outbound messages.
type API interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

// Sender sends schedule photos and text messages through the Bot API.
type Sender struct {
	api    API
	logger *slog.Logger
	markup *tele.ReplyMarkup
}

// New creates a sender.
func New(api API, logger *slog.Logger) *Sender {
	return &Sender{
		api:    api,
		logger: logger,
		markup: Keyboard(),
	}
}

// Keyboard returns the inline keyboard attached to every bot message.
func Keyboard() *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	rm.Inline(rm.Row(tele.Btn{Text: "Графік зараз", Data: ScheduleNowData}))
	return rm
}

// SendSchedule sends the schedule image by URL with caption and the inline keyboard.
func (s *Sender) SendSchedule(ctx context.Context, id notifier.SubscriberID, imageURL, caption string) error {
	photo := &tele.Photo{File: tele.FromURL(imageURL), Caption: caption}
	return s.send(ctx, id, "sendPhoto", photo)
}

// SendText sends a plain text message with the inline keyboard.
func (s *Sender) SendText(ctx context.Context, id notifier.SubscriberID, text string) error {
	return s.send(ctx, id, "sendMessage", text)
}

// send makes exactly one API call. Transient failures are not retried here; the next
// broadcast carries the schedule again.
func (s *Sender) send(_ context.Context, id notifier.SubscriberID, method string, what any) error {
	startTime := time.Now()
	_, err := s.api.Send(tele.ChatID(id), what, &tele.SendOptions{ReplyMarkup: s.markup})
	duration := time.Since(startTime)

	if err != nil {
		derr := classify(id, fmt.Errorf("%s: %w", method, err))
		s.logger.Warn("Telegram API request failed",
			"method", method,
			"chat_id", id,
			"permanent", derr.Permanent,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return derr
	}

	s.logger.Info("Telegram API request completed",
		"method", method,
		"chat_id", id,
		"duration_ms", duration.Milliseconds(),
		"status", "success")
	return nil
}

// permanentErrors are Bot API failures after which the chat can never be reached again.
var permanentErrors = []error{
	tele.ErrBlockedByUser,
	tele.ErrChatNotFound,
	tele.ErrUserIsDeactivated,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
}

var permanentPhrases = []string{"blocked", "chat not found", "deactivated", "kicked"}

func classify(id notifier.SubscriberID, err error) *notifier.DeliveryError {
	derr := &notifier.DeliveryError{ID: id, Err: err}
	for _, target := range permanentErrors {
		if errors.Is(err, target) {
			derr.Permanent = true
			return derr
		}
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range permanentPhrases {
		if strings.Contains(msg, phrase) {
			derr.Permanent = true
			return derr
		}
	}
	return derr
}
