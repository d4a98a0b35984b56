package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// NoticeKind enumerates cluster-wide control events.
type NoticeKind string

const (
	NoticeBan         NoticeKind = "ban"
	NoticeRuleChange  NoticeKind = "rule_change"
	NoticeAchievement NoticeKind = "achievement"
)

// Notice is a control message on the system channel. Notices are not
// client events: every instance reacts to them (grant eviction,
// connection teardown, achievement relay) before anything reaches a
// socket.
type Notice struct {
	Kind      NoticeKind      `json:"kind"`
	RoomID    uuid.UUID       `json:"room_id"`
	Principal string          `json:"principal,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NoticePublisher is the narrow contract moderation paths depend on.
type NoticePublisher interface {
	PublishNotice(ctx context.Context, n Notice) error
}

var _ NoticePublisher = (*Broker)(nil)

// PublishNotice broadcasts a control message to every gateway instance.
func (b *Broker) PublishNotice(ctx context.Context, n Notice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notice encode: %w", err)
	}
	if err := b.client.Publish(ctx, SystemNotices, data).Err(); err != nil {
		return fmt.Errorf("notice publish: %w", err)
	}
	return nil
}

// NoticeSubscription is a cancellable stream of control messages.
type NoticeSubscription struct {
	C      <-chan Notice
	close  func() error
	cancel context.CancelFunc
}

// Close tears down the subscription.
func (s *NoticeSubscription) Close() error {
	s.cancel()
	return s.close()
}

// SubscribeNotices opens the cluster-wide control stream.
func (b *Broker) SubscribeNotices(ctx context.Context) *NoticeSubscription {
	ctx, cancel := context.WithCancel(ctx)
	ps := b.client.Subscribe(ctx, SystemNotices)
	out := make(chan Notice, 64)

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
				var n Notice
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					b.logger.Warn().Err(err).Msg("dropping undecodable notice")
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return &NoticeSubscription{C: out, close: ps.Close, cancel: cancel}
}
