package session

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const revokeChannelPrefix = "session_events:"

// RevokeChannel 返回某个用户会话事件的 Pub/Sub 频道名。
func RevokeChannel(userID uint) string {
	return fmt.Sprintf("%s%d", revokeChannelPrefix, userID)
}

// PublishRevoked 在登出或改密后广播会话失效事件，
// 使该用户所有存活的守卫（如后台 WebSocket 连接）立即转入未认证态。
func PublishRevoked(ctx context.Context, client redis.UniversalClient, userID uint) error {
	if err := client.Publish(ctx, RevokeChannel(userID), "revoked").Err(); err != nil {
		return fmt.Errorf("publish session revoked: %w", err)
	}
	return nil
}

// RedisNotifier 基于 Redis Pub/Sub 推送某个用户的会话变更事件。
type RedisNotifier struct {
	client redis.UniversalClient
	userID uint
}

// NewRedisNotifier 构造指定用户的通知器。
func NewRedisNotifier(client redis.UniversalClient, userID uint) *RedisNotifier {
	return &RedisNotifier{client: client, userID: userID}
}

// Subscribe 订阅该用户的会话事件频道。
func (n *RedisNotifier) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	pubsub := n.client.Subscribe(ctx, RevokeChannel(n.userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", RevokeChannel(n.userID), err)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				select {
				case events <- Event{Revoked: true}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	unsubscribe := func() {
		_ = pubsub.Close()
	}
	return events, unsubscribe, nil
}
