// Package events fans committed inventory changes out to in-process
// subscribers and, when configured, to a remote broker.
package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aggiestack/aggiestack/internal/domain"
)

// Ensure Service implements domain.EventPublisher
var _ domain.EventPublisher = (*Service)(nil)

// Subscription represents a client subscription to events.
type Subscription struct {
	ID     string
	Filter Filter
	Events chan domain.Event

	cancelFn context.CancelFunc
}

// Filter selects which events a subscription receives. Zero fields match everything.
type Filter struct {
	Kind  domain.Kind
	Name  string
	Types []domain.EventType
}

// Matches reports whether event passes the filter.
func (f Filter) Matches(event domain.Event) bool {
	if f.Kind != "" && event.Kind != f.Kind {
		return false
	}
	if f.Name != "" && event.Name != f.Name {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == event.Type {
			return true
		}
	}
	return false
}

// Service manages event subscriptions.
type Service struct {
	logger *zap.Logger
	remote domain.EventPublisher

	mu            sync.RWMutex
	subscriptions map[string]*Subscription
}

// NewService creates a new event hub. remote may be nil.
func NewService(remote domain.EventPublisher, logger *zap.Logger) *Service {
	return &Service{
		logger:        logger.With(zap.String("service", "events")),
		remote:        remote,
		subscriptions: make(map[string]*Subscription),
	}
}

// Subscribe creates a new subscription. It is removed when ctx is done.
func (s *Service) Subscribe(ctx context.Context, filter Filter) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)

	sub := &Subscription{
		ID:       uuid.NewString(),
		Filter:   filter,
		Events:   make(chan domain.Event, 100),
		cancelFn: cancel,
	}

	s.mu.Lock()
	s.subscriptions[sub.ID] = sub
	s.mu.Unlock()

	s.logger.Debug("Client subscribed",
		zap.String("subscription_id", sub.ID),
		zap.String("kind", string(filter.Kind)),
		zap.String("name", filter.Name),
	)

	go func() {
		<-subCtx.Done()
		s.Unsubscribe(sub.ID)
	}()

	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (s *Service) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, exists := s.subscriptions[id]; exists {
		close(sub.Events)
		sub.cancelFn()
		delete(s.subscriptions, id)
		s.logger.Debug("Client unsubscribed", zap.String("subscription_id", id))
	}
}

// Publish delivers event to every matching subscription and forwards it to the
// remote broker. Slow subscribers lose events rather than block the publisher.
func (s *Service) Publish(ctx context.Context, event domain.Event) error {
	s.mu.RLock()
	for _, sub := range s.subscriptions {
		if !sub.Filter.Matches(event) {
			continue
		}
		select {
		case sub.Events <- event:
		default:
			s.logger.Warn("Subscription channel full, dropping event",
				zap.String("subscription_id", sub.ID),
				zap.String("event", string(event.Type)),
			)
		}
	}
	s.mu.RUnlock()

	if s.remote == nil {
		return nil
	}
	return s.remote.Publish(ctx, event)
}

// SubscriptionCount returns the number of active subscriptions.
func (s *Service) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions)
}

// Announce publishes events and logs, rather than returns, delivery failures.
// Inventory changes are already committed when they are announced.
func Announce(ctx context.Context, publisher domain.EventPublisher, logger *zap.Logger, evs ...domain.Event) {
	if publisher == nil {
		return
	}
	for _, ev := range evs {
		if err := publisher.Publish(ctx, ev); err != nil {
			logger.Warn("Failed to publish event",
				zap.String("event", string(ev.Type)),
				zap.String("name", ev.Name),
				zap.Error(err),
			)
		}
	}
}
