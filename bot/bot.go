// Package bot handles inbound Telegram updates: subscriptions and on-demand schedule requests.
package bot

import (
	"context"
	"log/slog"
	"poweron-notifier/pkg/notifier"
	"poweron-notifier/poll"
	"poweron-notifier/telegram"
	"slices"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// Store is the subscriber set.
type Store interface {
	Add(ctx context.Context, id notifier.SubscriberID) error
	Contains(id notifier.SubscriberID) bool
}

// Monitor runs on-demand cycles and reports state.
type Monitor interface {
	Refresh(ctx context.Context) (poll.Result, error)
	Status() poll.Status
	Interval() time.Duration
}

// Transport sends the schedule photo to a single chat.
type Transport interface {
	SendSchedule(ctx context.Context, id notifier.SubscriberID, imageURL, caption string) error
}

// ReplyFunc answers the chat that sent the update.
type ReplyFunc func(text string) error

// Handlers implements the bot's commands.
type Handlers struct {
	store     Store
	monitor   Monitor
	transport Transport
	format    *telegram.Formatter
	logger    *slog.Logger
	now       func() time.Time
	keywords  []string
}

// New creates bot handlers. Text containing any of keywords (case-insensitive) requests the schedule.
func New(store Store, monitor Monitor, transport Transport, format *telegram.Formatter, keywords []string, logger *slog.Logger) *Handlers {
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}
	return &Handlers{
		store:     store,
		monitor:   monitor,
		transport: transport,
		format:    format,
		logger:    logger,
		now:       time.Now,
		keywords:  lowered,
	}
}

// Start subscribes the chat, greets it and sends the current schedule.
func (h *Handlers) Start(ctx context.Context, id notifier.SubscriberID, reply ReplyFunc) error {
	if !h.subscribe(ctx, id, reply) {
		return nil
	}
	if err := reply(h.format.Welcome()); err != nil {
		return err
	}
	return h.sendCurrent(ctx, id, telegram.ExtraCurrent, reply)
}

// Status replies with subscriber count, last reference, site and interval.
func (h *Handlers) Status(ctx context.Context, id notifier.SubscriberID, reply ReplyFunc) error {
	if !h.store.Contains(id) {
		if err := h.store.Add(ctx, id); err != nil {
			h.logger.Warn("Failed to save subscriber on status request", "chat_id", id, "error", err)
		}
	}
	st := h.monitor.Status()
	return reply(h.format.Status(st.Subscribers, st.LastReference, st.TargetURL, h.monitor.Interval()))
}

// ScheduleNow handles the inline button: subscribe and send the current schedule.
func (h *Handlers) ScheduleNow(ctx context.Context, id notifier.SubscriberID, reply ReplyFunc) error {
	if !h.subscribe(ctx, id, reply) {
		return nil
	}
	return h.sendCurrent(ctx, id, telegram.ExtraButton, reply)
}

// Text subscribes the chat and sends the schedule if the text asks for it, otherwise a hint.
func (h *Handlers) Text(ctx context.Context, id notifier.SubscriberID, text string, reply ReplyFunc) error {
	if !h.subscribe(ctx, id, reply) {
		return nil
	}
	if !h.wantsSchedule(text) {
		return reply(h.format.Hint())
	}
	return h.sendCurrent(ctx, id, telegram.ExtraText, reply)
}

func (h *Handlers) wantsSchedule(text string) bool {
	t := strings.ToLower(text)
	for _, k := range h.keywords {
		if strings.Contains(t, k) {
			return true
		}
	}
	return false
}

// subscribe adds id and reports whether the request may continue. Known chats cost no write.
func (h *Handlers) subscribe(ctx context.Context, id notifier.SubscriberID, reply ReplyFunc) bool {
	if h.store.Contains(id) {
		return true
	}
	if err := h.store.Add(ctx, id); err != nil {
		h.logger.Error("Failed to save subscriber", "chat_id", id, "error", err)
		if rerr := reply(h.format.SubscribeFailed(err)); rerr != nil {
			h.logger.Warn("Failed to reply", "chat_id", id, "error", rerr)
		}
		return false
	}
	return true
}

// sendCurrent runs a manual cycle and sends the resulting schedule to id, unless the
// cycle's own broadcast already delivered it there.
func (h *Handlers) sendCurrent(ctx context.Context, id notifier.SubscriberID, extra string, reply ReplyFunc) error {
	res, err := h.monitor.Refresh(ctx)
	if err != nil {
		h.logger.Warn("Manual schedule request failed", "chat_id", id, "error", err)
		return reply(h.format.RequestFailed(extra, err))
	}
	if slices.Contains(res.Report.Delivered, id) {
		h.logger.Info("Schedule already delivered by broadcast", "chat_id", id, "reference", res.Reference)
		return nil
	}

	if err := h.transport.SendSchedule(ctx, id, res.Reference, h.format.Caption(h.now(), extra)); err != nil {
		h.logger.Warn("Failed to send schedule", "chat_id", id, "error", err)
		if notifier.IsUnreachable(err) {
			return nil
		}
		return reply(h.format.RequestFailed(extra, err))
	}
	return nil
}

// Register installs the handlers on b. ctx bounds the work triggered by updates.
func (h *Handlers) Register(ctx context.Context, b *tele.Bot) {
	b.Handle("/start", func(c tele.Context) error {
		return h.dispatch(c, "start", func(id notifier.SubscriberID, reply ReplyFunc) error {
			return h.Start(ctx, id, reply)
		})
	})

	b.Handle("/status", func(c tele.Context) error {
		return h.dispatch(c, "status", func(id notifier.SubscriberID, reply ReplyFunc) error {
			return h.Status(ctx, id, reply)
		})
	})

	b.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil {
			return nil
		}
		if err := c.Respond(); err != nil {
			h.logger.Warn("Failed to answer callback", "error", err)
		}
		if !telegram.IsScheduleNow(cb.Data) {
			h.logger.Debug("Unknown callback", "data", cb.Data)
			return nil
		}
		return h.dispatch(c, "button", func(id notifier.SubscriberID, reply ReplyFunc) error {
			return h.ScheduleNow(ctx, id, reply)
		})
	})

	b.Handle(tele.OnText, func(c tele.Context) error {
		return h.dispatch(c, "text", func(id notifier.SubscriberID, reply ReplyFunc) error {
			return h.Text(ctx, id, c.Text(), reply)
		})
	})
}

func (h *Handlers) dispatch(c tele.Context, kind string, fn func(notifier.SubscriberID, ReplyFunc) error) error {
	chat := c.Chat()
	if chat == nil {
		return nil
	}
	id := notifier.SubscriberID(chat.ID)
	h.logger.Info("Update received", "kind", kind, "chat_id", id)

	err := fn(id, func(text string) error {
		return c.Send(text, telegram.Keyboard())
	})
	if err != nil {
		h.logger.Error("Handler failed", "kind", kind, "chat_id", id, "error", err)
	}
	return err
}
