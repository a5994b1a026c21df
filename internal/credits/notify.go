package credits

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"creditflow/pkg/rediskey"
)

type NotificationKind string

const (
	NotifyInfo    NotificationKind = "info"
	NotifySuccess NotificationKind = "success"
	NotifyError   NotificationKind = "error"
)

// Display durations of the notifications emitted by the Controller.
const (
	ErrorDuration   = 5 * time.Second
	SuccessDuration = 3 * time.Second
	RefundDuration  = 4 * time.Second
)

// Notification is a short-lived, toast style message for the user.
type Notification struct {
	UserID      string           `json:"userId,omitempty"`
	Kind        NotificationKind `json:"kind"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Duration    time.Duration    `json:"-"`
	DurationMs  int64            `json:"durationMs"`
}

// Notifier delivers notifications. Notify must not block on delivery and
// never reports failures to the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// LogNotifier writes notifications to a zap logger, errors at error level.
type LogNotifier struct {
	Log *zap.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) {
	log := l.Log
	if log == nil {
		log = zap.L()
	}

	fields := []zap.Field{
		zap.String("title", n.Title),
		zap.String("description", n.Description),
		zap.Duration("duration", n.Duration),
	}
	switch n.Kind {
	case NotifyError:
		log.Error(n.Title+": "+n.Description, fields...)
	default:
		log.Info(n.Title+": "+n.Description, fields...)
	}
}

// RedisNotifier publishes notifications as JSON on the per-user channel
// "credits:notifications:{userID}" so connected frontends can render them.
type RedisNotifier struct {
	rdb     *redis.Client
	timeout time.Duration
}

func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, timeout: 2 * time.Second}
}

func (r *RedisNotifier) Notify(ctx context.Context, n Notification) {
	if r == nil || r.rdb == nil || n.UserID == "" {
		return
	}

	n.DurationMs = n.Duration.Milliseconds()
	payload, err := json.Marshal(n)
	if err != nil {
		zap.L().Warn("failed to encode notification", zap.Error(err))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		channel := rediskey.BuildNotificationChannel(n.UserID)
		if err := r.rdb.Publish(ctx, channel, payload).Err(); err != nil {
			zap.L().Warn("failed to publish notification", zap.String("channel", channel), zap.Error(err))
		}
	}()
}

// Fanout delivers every notification to all notifiers.
func Fanout(notifiers ...Notifier) Notifier {
	return NotifierFunc(func(ctx context.Context, n Notification) {
		for _, nt := range notifiers {
			if nt != nil {
				nt.Notify(ctx, n)
			}
		}
	})
}
