package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"tutorbase/internal/api/middleware"
	"tutorbase/internal/database"
	"tutorbase/internal/listing"
	"tutorbase/internal/tasks"
)

// messageTable 描述 contact_messages 表的过滤维度。留言按提交时间排序。
var messageTable = listing.Table{
	SearchColumns:  []string{"name", "email", "message"},
	ArchivedColumn: "archived",
	SortColumn:     "created_at",
}

// TaskEnqueuer 是处理器依赖的最小队列接口，由 *asynq.Client 实现。
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// MessageHandler 负责联系表单提交与后台收件箱。
type MessageHandler struct {
	db       *gorm.DB
	enqueuer TaskEnqueuer
}

// NewMessageHandler 构造 MessageHandler。
func NewMessageHandler(db *gorm.DB, enqueuer TaskEnqueuer) *MessageHandler {
	return &MessageHandler{db: db, enqueuer: enqueuer}
}

var errInvalidMessageID = errors.New("invalid message id")

type contactRequest struct {
	Name      string `json:"name" binding:"required"`
	Email     string `json:"email" binding:"required,email"`
	Message   string `json:"message" binding:"required"`
	Scheduled bool   `json:"scheduled"`
}

type messageResponse struct {
	ID        uint      `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Message   string    `json:"message"`
	Scheduled bool      `json:"scheduled"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateContactMessage 接收公开联系表单。留言先落库，再异步通知管理员；
// 入队失败只记日志，留言本身已经保存，对外仍返回成功。
func (h *MessageHandler) CreateContactMessage(c *gin.Context) {
	logger := middleware.LoggerFromContext(c)
	ctx := c.Request.Context()

	var req contactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	message := database.ContactMessage{
		Name:      req.Name,
		Email:     req.Email,
		Message:   req.Message,
		Scheduled: req.Scheduled,
	}
	if err := h.db.WithContext(ctx).Create(&message).Error; err != nil {
		logger.Error("create contact message failed", slog.Any("error", err))
		Internal(c, "failed to save message")
		return
	}

	task, err := tasks.NewContactNotifyTask(message.ID, middleware.GetCorrelationID(c))
	if err != nil {
		logger.Error("build notify task failed", slog.Any("error", err))
	} else if _, err := h.enqueuer.Enqueue(task, asynq.MaxRetry(5)); err != nil {
		logger.Error("enqueue notify task failed",
			slog.Uint64("message_id", uint64(message.ID)),
			slog.Any("error", err),
		)
	}

	c.JSON(http.StatusCreated, newMessageResponse(message))
}

// ListMessages 返回后台留言收件箱，支持文本搜索、归档三态与时间范围。
func (h *MessageHandler) ListMessages(c *gin.Context) {
	filters, err := parseListFilters(c)
	if err != nil {
		BadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	params := parsePageParams(c)

	var total int64
	if err := h.db.WithContext(ctx).
		Model(&database.ContactMessage{}).
		Scopes(listing.Scope(filters, messageTable)).
		Count(&total).Error; err != nil {
		Internal(c, "failed to count messages")
		return
	}

	var messages []database.ContactMessage
	if err := h.db.WithContext(ctx).
		Scopes(listing.Paged(filters, messageTable, params)).
		Find(&messages).Error; err != nil {
		Internal(c, "failed to list messages")
		return
	}

	items := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		items = append(items, newMessageResponse(m))
	}

	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"meta":  listing.BuildMeta(total, params),
	})
}

// ArchiveMessage 归档留言（从默认收件箱视图剔除，记录保留）。
func (h *MessageHandler) ArchiveMessage(c *gin.Context) {
	h.setMessageArchived(c, true)
}

// UnarchiveMessage 取消归档。
func (h *MessageHandler) UnarchiveMessage(c *gin.Context) {
	h.setMessageArchived(c, false)
}

func (h *MessageHandler) setMessageArchived(c *gin.Context, archived bool) {
	ctx := c.Request.Context()
	message, err := h.getMessage(ctx, c.Param("id"))
	if err != nil {
		h.respondMessageError(c, err)
		return
	}

	if err := h.db.WithContext(ctx).Model(message).Update("archived", archived).Error; err != nil {
		Internal(c, "failed to update message")
		return
	}

	c.Status(http.StatusNoContent)
}

// DeleteMessage 删除留言。
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	ctx := c.Request.Context()
	message, err := h.getMessage(ctx, c.Param("id"))
	if err != nil {
		h.respondMessageError(c, err)
		return
	}

	if err := h.db.WithContext(ctx).Delete(&database.ContactMessage{}, message.ID).Error; err != nil {
		Internal(c, "failed to delete message")
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *MessageHandler) getMessage(ctx context.Context, idParam string) (*database.ContactMessage, error) {
	messageID, err := strconv.ParseUint(idParam, 10, 64)
	if err != nil {
		return nil, errInvalidMessageID
	}

	var message database.ContactMessage
	if err := h.db.WithContext(ctx).First(&message, uint(messageID)).Error; err != nil {
		return nil, err
	}
	return &message, nil
}

func (h *MessageHandler) respondMessageError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errInvalidMessageID):
		BadRequest(c, "invalid message id")
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "message not found")
	default:
		Internal(c, "failed to query message")
	}
}

func newMessageResponse(m database.ContactMessage) messageResponse {
	return messageResponse{
		ID:        m.ID,
		Name:      m.Name,
		Email:     m.Email,
		Message:   m.Message,
		Scheduled: m.Scheduled,
		Archived:  m.Archived,
		CreatedAt: m.CreatedAt,
	}
}
