// Package notify доставляет пользователю всплывающие уведомления о баллах и сериях.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrStreamUnavailable возвращается Subscribe, если Redis не настроен.
var ErrStreamUnavailable = errors.New("notifications stream not configured")

// Level определяет вид уведомления.
type Level string

const (
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification описывает сообщение, показываемое пользователю.
type Notification struct {
	UserID    string    `json:"userId"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Points    int64     `json:"points,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Channel возвращает имя канала Redis для уведомлений пользователя.
func Channel(userID string) string {
	return fmt.Sprintf("user_notifications:%s", userID)
}

// RedisNotifier публикует уведомления в Redis Pub/Sub и пишет их в лог.
// Ошибки доставки только логируются.
type RedisNotifier struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisNotifier создаёт уведомитель. При client == nil уведомления только логируются.
func NewRedisNotifier(client *redis.Client, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{
		client: client,
		logger: logger,
	}
}

// Notify отправляет уведомление.
func (n *RedisNotifier) Notify(ctx context.Context, note Notification) {
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now()
	}

	n.logger.Info("user notification",
		zap.String("userID", note.UserID),
		zap.String("level", string(note.Level)),
		zap.String("message", note.Message),
		zap.Int64("points", note.Points),
	)

	if n.client == nil {
		return
	}

	payload, err := json.Marshal(note)
	if err != nil {
		n.logger.Warn("marshal notification", zap.Error(err))
		return
	}

	if err := n.client.Publish(ctx, Channel(note.UserID), payload).Err(); err != nil {
		n.logger.Warn("publish notification", zap.Error(err), zap.String("userID", note.UserID))
	}
}

// Subscribe подписывается на уведомления пользователя. Возвращённая функция
// закрывает подписку, после чего канал сообщений закрывается.
func (n *RedisNotifier) Subscribe(ctx context.Context, userID string) (<-chan []byte, func(), error) {
	if n.client == nil {
		return nil, nil, ErrStreamUnavailable
	}

	pubsub := n.client.Subscribe(ctx, Channel(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = pubsub.Close() }, nil
}
