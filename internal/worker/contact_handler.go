package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"tutorbase/internal/database"
	"tutorbase/internal/errcode"
	"tutorbase/internal/tasks"
)

// ContactTaskHandler 消费新留言通知任务：给管理员发邮件，
// 并通过 Redis Pub/Sub 推送给在线的后台连接。
type ContactTaskHandler struct {
	db          *gorm.DB
	redisClient redis.UniversalClient
	mailer      Mailer
	adminEmail  string
	logger      *slog.Logger
}

// NewContactTaskHandler 创建任务处理器。
func NewContactTaskHandler(db *gorm.DB, redisClient redis.UniversalClient, mailer Mailer, adminEmail string, logger *slog.Logger) *ContactTaskHandler {
	return &ContactTaskHandler{
		db:          db,
		redisClient: redisClient,
		mailer:      mailer,
		adminEmail:  adminEmail,
		logger:      logger,
	}
}

// ProcessTask 实现 asynq.Handler。
// 留言已在 API 侧落库；这里只做通知，留言缺失时直接放弃重试。
func (h *ContactTaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	log := h.logger

	var payload tasks.ContactNotifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		log.Error("unmarshal task payload failed", slog.Any("error", err))
		return err
	}

	log = log.With(
		slog.String("correlation_id", payload.CorrelationID),
		slog.Uint64("message_id", uint64(payload.MessageID)),
	)

	var message database.ContactMessage
	if err := h.db.WithContext(ctx).First(&message, payload.MessageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("contact message not found, skipping task")
			notify := tasks.AdminNotifyMessage{
				Type:          "contact_message",
				MessageID:     payload.MessageID,
				Code:          errcode.ResourceMissing,
				CorrelationID: payload.CorrelationID,
			}
			if err := h.publishAdminNotify(ctx, notify); err != nil {
				log.Error("publish admin notification failed", slog.Any("error", err))
			}
			return nil
		}
		log.Error("query contact message failed", slog.Any("error", err))
		return err
	}

	subject := fmt.Sprintf("New contact message from %s", message.Name)
	body := fmt.Sprintf(
		"Name: %s\nEmail: %s\nRequested scheduling: %t\n\n%s\n",
		message.Name,
		message.Email,
		message.Scheduled,
		message.Message,
	)
	if err := h.mailer.Send(h.adminEmail, subject, body); err != nil {
		log.Error("send admin email failed", slog.Any("error", err))
		return err
	}

	notify := tasks.AdminNotifyMessage{
		Type:          "contact_message",
		MessageID:     message.ID,
		Name:          message.Name,
		Email:         message.Email,
		Code:          errcode.OK,
		CorrelationID: payload.CorrelationID,
	}
	if err := h.publishAdminNotify(ctx, notify); err != nil {
		log.Error("publish admin notification failed", slog.Any("error", err))
		return err
	}

	log.Info("contact notification delivered")
	return nil
}

func (h *ContactTaskHandler) publishAdminNotify(ctx context.Context, notify tasks.AdminNotifyMessage) error {
	data, err := json.Marshal(notify)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	if err := h.redisClient.Publish(ctx, tasks.ChannelAdminNotify, data).Err(); err != nil {
		return fmt.Errorf("publish redis notification to %q: %w", tasks.ChannelAdminNotify, err)
	}
	return nil
}
