package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"poweron-notifier/pkg/notifier"
)

// ScheduleCache persists the last broadcast schedule so restarts don't resend it.
type ScheduleCache struct {
	backend Backend
	logger  *slog.Logger
}

// NewScheduleCache creates a cache over backend.
func NewScheduleCache(backend Backend, logger *slog.Logger) *ScheduleCache {
	return &ScheduleCache{backend: backend, logger: logger}
}

// Load returns the cached schedule, or nil when none is stored or the record is unreadable.
func (c *ScheduleCache) Load(ctx context.Context) *notifier.Schedule {
	data, err := c.backend.Read(ctx, ScheduleKey)
	if err != nil {
		if !IsNotFound(err) {
			c.logger.Warn("Failed to read schedule cache", "error", err)
		}
		return nil
	}

	var sched notifier.Schedule
	if err := json.Unmarshal(data, &sched); err != nil || sched.Reference == "" {
		c.logger.Warn("Ignoring malformed schedule cache", "error", err)
		return nil
	}
	return &sched
}

// Save overwrites the cached schedule.
func (c *ScheduleCache) Save(ctx context.Context, sched notifier.Schedule) error {
	data, err := json.MarshalIndent(sched, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	if err := c.backend.Write(ctx, ScheduleKey, data); err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	c.logger.Info("Schedule cache saved", "reference", sched.Reference)
	return nil
}
