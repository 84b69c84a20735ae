package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// 任务类型常量，确保队列生产者与消费者一致。
const (
	TypeContactNotify = "contact:notify"
)

// ChannelAdminNotify 是后台实时通知的广播频道，
// Worker 发布，所有在线的后台 WebSocket 连接消费。
const ChannelAdminNotify = "admin_notify"

// AdminNotifyMessage 是推送给后台前端的通知载荷。
type AdminNotifyMessage struct {
	Type          string `json:"type"`
	MessageID     uint   `json:"message_id"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ContactNotifyPayload 描述通知管理员新留言所需的最小信息。
type ContactNotifyPayload struct {
	MessageID     uint   `json:"message_id"`
	CorrelationID string `json:"correlation_id"`
}

// NewContactNotifyTask 构造一个新留言通知任务。
func NewContactNotifyTask(messageID uint, correlationID string) (*asynq.Task, error) {
	payload, err := json.Marshal(ContactNotifyPayload{
		MessageID:     messageID,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeContactNotify, payload), nil
}
