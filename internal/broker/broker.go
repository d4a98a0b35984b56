// Package broker provides cross-instance fan-out over Redis pub/sub.
// The broker is fire-and-forget: delivery is at-least-once to current
// subscribers only, and gap recovery against the durable store is the
// subscriber's responsibility.
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/infiniteloophole/soractic-final/internal/metrics"
	"github.com/infiniteloophole/soractic-final/internal/wire"
)

// Channel names are an internal contract between gateway instances;
// nothing outside this core may depend on them.

// RoomEvents is the sequenced message channel for a room.
func RoomEvents(roomID uuid.UUID) string {
	return fmt.Sprintf("room:%s:events", roomID)
}

// RoomPresence carries advisory presence and typing events for a room.
func RoomPresence(roomID uuid.UUID) string {
	return fmt.Sprintf("room:%s:presence", roomID)
}

// RoomDocs carries document and AI-response events for a room.
func RoomDocs(roomID uuid.UUID) string {
	return fmt.Sprintf("room:%s:docs", roomID)
}

// SystemNotices is the cluster-wide control channel (bans, rule
// changes, achievements).
const SystemNotices = "system:notices"

// Publisher is the narrow publish contract; the connection pipeline,
// the recovery sweep and moderation handlers depend on it rather than
// on the concrete broker.
type Publisher interface {
	Publish(ctx context.Context, channel string, ev wire.Event) error
}

// Broker wraps Redis pub/sub for event fan-out.
type Broker struct {
	client *redis.Client
	logger zerolog.Logger
}

// New creates a broker on the shared Redis handle.
func New(client *redis.Client, logger zerolog.Logger) *Broker {
	return &Broker{
		client: client,
		logger: logger.With().Str("component", "broker").Logger(),
	}
}

var _ Publisher = (*Broker)(nil)

// Publish fans the event out to every current subscriber of channel.
func (b *Broker) Publish(ctx context.Context, channel string, ev wire.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("broker publish encode: %w", err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		metrics.BrokerPublishFailures.Inc()
		return fmt.Errorf("broker publish: %w", err)
	}
	metrics.BrokerEventsPublished.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// Subscription is a cancellable stream of decoded events.
type Subscription struct {
	C      <-chan wire.Event
	ps     *redis.PubSub
	cancel context.CancelFunc
}

// Close tears down the subscription and its pump goroutine.
func (s *Subscription) Close() error {
	s.cancel()
	return s.ps.Close()
}

// Subscribe opens a stream over one or more channels. Events arrive in
// publish order per channel; the stream ends when ctx is cancelled or
// Close is called. Undecodable frames are dropped with a log line, not
// surfaced: a poisoned payload must not wedge delivery for a room.
func (b *Broker) Subscribe(ctx context.Context, channels ...string) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	ps := b.client.Subscribe(ctx, channels...)
	out := make(chan wire.Event, 256)

	go func() {
		defer close(out)
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var ev wire.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping undecodable event")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{C: out, ps: ps, cancel: cancel}
}
