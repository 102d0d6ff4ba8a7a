package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"poweron-notifier/pkg/notifier"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Subscribers is the durable set of chats receiving schedule updates.
// Every mutation is written through to the backend before it returns.
type Subscribers struct {
	backend Backend
	logger  *slog.Logger
	ids     map[notifier.SubscriberID]struct{}
	mu      sync.Mutex
}

// LoadSubscribers reads the subscriber list. Missing or malformed data yields an empty set.
func LoadSubscribers(ctx context.Context, backend Backend, logger *slog.Logger) *Subscribers {
	s := &Subscribers{
		backend: backend,
		logger:  logger,
		ids:     make(map[notifier.SubscriberID]struct{}),
	}

	data, err := backend.Read(ctx, SubscribersKey)
	switch {
	case IsNotFound(err):
		logger.Info("No subscriber list yet, starting empty")
		return s
	case err != nil:
		logger.Warn("Failed to read subscriber list, starting empty", "error", err)
		return s
	}

	ids, err := decodeSubscribers(data)
	if err != nil {
		logger.Warn("Malformed subscriber list, starting empty", "error", err, "bytes", len(data))
		return s
	}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}

	logger.Info("Subscribers loaded", "count", len(s.ids))
	return s
}

// Add subscribes id. Adding an existing subscriber is not an error.
func (s *Subscribers) Add(ctx context.Context, id notifier.SubscriberID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.ids[id]
	s.ids[id] = struct{}{}
	if err := s.persistLocked(ctx); err != nil {
		if !existed {
			delete(s.ids, id)
		}
		return fmt.Errorf("add subscriber %d: %w", id, err)
	}

	if !existed {
		s.logger.Info("Subscriber added", "chat_id", id, "count", len(s.ids))
	}
	return nil
}

// Remove unsubscribes id. Removing an unknown subscriber is not an error.
func (s *Subscribers) Remove(ctx context.Context, id notifier.SubscriberID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.ids[id]
	delete(s.ids, id)
	if err := s.persistLocked(ctx); err != nil {
		if existed {
			s.ids[id] = struct{}{}
		}
		return fmt.Errorf("remove subscriber %d: %w", id, err)
	}

	if existed {
		s.logger.Info("Subscriber removed", "chat_id", id, "count", len(s.ids))
	}
	return nil
}

// All returns a sorted snapshot of the current subscribers.
func (s *Subscribers) All() []notifier.SubscriberID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// Count returns the number of subscribers.
func (s *Subscribers) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// Contains reports whether id is subscribed.
func (s *Subscribers) Contains(id notifier.SubscriberID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (s *Subscribers) sortedLocked() []notifier.SubscriberID {
	out := make([]notifier.SubscriberID, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (s *Subscribers) persistLocked(ctx context.Context) error {
	data, err := json.MarshalIndent(s.sortedLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscribers: %w", err)
	}
	if err := s.backend.Write(ctx, SubscribersKey, data); err != nil {
		return fmt.Errorf("save subscribers: %w", err)
	}
	return nil
}

// decodeSubscribers parses a JSON array of chat ids. Entries that are not integral
// numbers (or numeric strings) are skipped.
func decodeSubscribers(data []byte) ([]notifier.SubscriberID, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode subscribers: %w", err)
	}
	if raw == nil {
		return nil, errors.New("decode subscribers: not an array")
	}

	ids := make([]notifier.SubscriberID, 0, len(raw))
	for _, v := range raw {
		var s string
		switch x := v.(type) {
		case json.Number:
			s = x.String()
		case string:
			s = strings.TrimSpace(x)
		default:
			continue
		}
		if id, ok := parseID(s); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func parseID(s string) (notifier.SubscriberID, bool) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return notifier.SubscriberID(n), true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) || f >= 0x1p63 || f < -0x1p63 {
		return 0, false
	}
	return notifier.SubscriberID(int64(f)), true
}
