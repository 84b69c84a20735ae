package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"tutorbase/internal/api/middleware"
	"tutorbase/internal/database"
	"tutorbase/internal/listing"
)

// resourceTable 描述 resources 表的过滤维度到列的映射。
var resourceTable = listing.Table{
	SubjectColumn:  "subject_id",
	TagColumn:      "availability",
	SearchColumns:  []string{"title", "level", "type"},
	ArchivedColumn: "archived",
	SortColumn:     "updated_at",
}

// ResourceHandler 负责学习资源的公开列表与后台增删改。
type ResourceHandler struct {
	db        *gorm.DB
	storage   ObjectStorage
	clamdAddr string
}

// NewResourceHandler 构造 ResourceHandler。
func NewResourceHandler(db *gorm.DB, store ObjectStorage, clamdAddr string) *ResourceHandler {
	return &ResourceHandler{
		db:        db,
		storage:   store,
		clamdAddr: clamdAddr,
	}
}

var (
	errInvalidResourceID    = errors.New("invalid resource id")
	errResourceLinkRequired = errors.New("resource requires an uploaded file or an external link")
)

type resourceResponse struct {
	ID           uint      `json:"id"`
	Title        string    `json:"title"`
	Level        string    `json:"level"`
	SubjectID    uint      `json:"subject_id"`
	Type         string    `json:"type"`
	Link         *string   `json:"link"`
	ExternalLink *string   `json:"external_link"`
	Availability []string  `json:"availability"`
	Archived     bool      `json:"archived"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListPublicResources 返回公开资源列表：科目、可用性标签与文本搜索过滤，
// 归档行永远排除，按最近更新降序分页。
func (h *ResourceHandler) ListPublicResources(c *gin.Context) {
	filters, err := parseListFilters(c)
	if err != nil {
		BadRequest(c, err.Error())
		return
	}
	filters.Archive = listing.ActiveOnly

	h.respondResourceList(c, filters)
}

// ListResources 返回后台资源列表，额外支持归档三态与时间范围。
func (h *ResourceHandler) ListResources(c *gin.Context) {
	filters, err := parseListFilters(c)
	if err != nil {
		BadRequest(c, err.Error())
		return
	}

	h.respondResourceList(c, filters)
}

func (h *ResourceHandler) respondResourceList(c *gin.Context, filters listing.Filters) {
	ctx := c.Request.Context()
	params := parsePageParams(c)

	var total int64
	if err := h.db.WithContext(ctx).
		Model(&database.Resource{}).
		Scopes(listing.Scope(filters, resourceTable)).
		Count(&total).Error; err != nil {
		Internal(c, "failed to count resources")
		return
	}

	var resources []database.Resource
	if err := h.db.WithContext(ctx).
		Scopes(listing.Paged(filters, resourceTable, params)).
		Find(&resources).Error; err != nil {
		Internal(c, "failed to list resources")
		return
	}

	items := make([]resourceResponse, 0, len(resources))
	for _, r := range resources {
		items = append(items, newResourceResponse(r))
	}

	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"meta":  listing.BuildMeta(total, params),
	})
}

// CreateResource 新建资源。可选文件先扫描后上传，上传失败时不会产生任何数据库写入；
// 文件与外部链接至少要有一个，校验发生在任何远程调用之前。
func (h *ResourceHandler) CreateResource(c *gin.Context) {
	logger := middleware.LoggerFromContext(c)
	ctx := c.Request.Context()

	title := strings.TrimSpace(c.PostForm("title"))
	if title == "" {
		BadRequest(c, "title is required")
		return
	}

	subjectID, err := parseFormUint(c.PostForm("subject_id"))
	if err != nil || subjectID == 0 {
		BadRequest(c, "subject_id is required")
		return
	}

	externalLink := strings.TrimSpace(c.PostForm("external_link"))
	file, _ := c.FormFile("file")
	if file == nil && externalLink == "" {
		BadRequest(c, errResourceLinkRequired.Error())
		return
	}

	// 纯表单校验全部通过后才触碰数据库。
	if err := h.requireActiveSubject(ctx, subjectID); err != nil {
		BadRequest(c, err.Error())
		return
	}

	var fileKey, link string
	if file != nil {
		fileKey, link, err = scanAndUploadFile(ctx, h.storage, h.clamdAddr, "resources", file)
		if err != nil {
			if errors.Is(err, errMaliciousFile) {
				BadRequest(c, errMaliciousFile.Error())
				return
			}
			logger.Error("resource upload failed", slog.Any("error", err))
			Internal(c, "failed to upload file")
			return
		}
	}

	resource := database.Resource{
		Title:        title,
		Level:        strings.TrimSpace(c.PostForm("level")),
		SubjectID:    subjectID,
		Type:         strings.TrimSpace(c.PostForm("type")),
		Link:         link,
		FileKey:      fileKey,
		ExternalLink: externalLink,
		Availability: encodeTags(c.PostForm("availability")),
	}

	if err := h.db.WithContext(ctx).Create(&resource).Error; err != nil {
		// 入库失败时回收刚上传的对象，避免必然的孤儿文件。
		cleanupObject(ctx, h.storage, logger, fileKey)
		logger.Error("create resource failed", slog.Any("error", err))
		Internal(c, "failed to create resource")
		return
	}

	c.JSON(http.StatusCreated, newResourceResponse(resource))
}

// UpdateResource 更新资源。上传了新文件时先上传，再更新记录，
// 最后尽力清理旧对象；清理失败只告警。
func (h *ResourceHandler) UpdateResource(c *gin.Context) {
	logger := middleware.LoggerFromContext(c)
	ctx := c.Request.Context()

	resource, err := h.getResource(ctx, c.Param("id"))
	if err != nil {
		h.respondResourceError(c, err)
		return
	}

	updates := map[string]any{}

	if title, ok := c.GetPostForm("title"); ok {
		title = strings.TrimSpace(title)
		if title == "" {
			BadRequest(c, "title is required")
			return
		}
		updates["title"] = title
	}
	if level, ok := c.GetPostForm("level"); ok {
		updates["level"] = strings.TrimSpace(level)
	}
	if typ, ok := c.GetPostForm("type"); ok {
		updates["type"] = strings.TrimSpace(typ)
	}
	var newSubjectID uint
	if raw, ok := c.GetPostForm("subject_id"); ok {
		subjectID, err := parseFormUint(raw)
		if err != nil || subjectID == 0 {
			BadRequest(c, "invalid subject_id")
			return
		}
		newSubjectID = subjectID
		updates["subject_id"] = subjectID
	}
	if raw, ok := c.GetPostForm("availability"); ok {
		updates["availability"] = encodeTags(raw)
	}

	externalLink := resource.ExternalLink
	if raw, ok := c.GetPostForm("external_link"); ok {
		externalLink = strings.TrimSpace(raw)
		updates["external_link"] = externalLink
	}

	file, _ := c.FormFile("file")
	if file == nil && resource.Link == "" && externalLink == "" {
		BadRequest(c, errResourceLinkRequired.Error())
		return
	}

	// 纯表单校验全部通过后才触碰数据库。
	if newSubjectID != 0 {
		if err := h.requireActiveSubject(ctx, newSubjectID); err != nil {
			BadRequest(c, err.Error())
			return
		}
	}

	oldFileKey := resource.FileKey
	if file != nil {
		fileKey, link, err := scanAndUploadFile(ctx, h.storage, h.clamdAddr, "resources", file)
		if err != nil {
			if errors.Is(err, errMaliciousFile) {
				BadRequest(c, errMaliciousFile.Error())
				return
			}
			logger.Error("resource upload failed", slog.Any("error", err))
			Internal(c, "failed to upload file")
			return
		}
		updates["file_key"] = fileKey
		updates["link"] = link
	}

	if len(updates) > 0 {
		if err := h.db.WithContext(ctx).Model(resource).Updates(updates).Error; err != nil {
			logger.Error("update resource failed", slog.Any("error", err))
			Internal(c, "failed to update resource")
			return
		}
	}

	if file != nil && oldFileKey != "" {
		cleanupObject(ctx, h.storage, logger, oldFileKey)
	}

	if err := h.db.WithContext(ctx).First(resource, resource.ID).Error; err != nil {
		Internal(c, "failed to reload resource")
		return
	}

	c.JSON(http.StatusOK, newResourceResponse(*resource))
}

// ArchiveResource 归档资源（软删除：从默认视图剔除，记录保留）。
func (h *ResourceHandler) ArchiveResource(c *gin.Context) {
	h.setResourceArchived(c, true)
}

// UnarchiveResource 取消归档。
func (h *ResourceHandler) UnarchiveResource(c *gin.Context) {
	h.setResourceArchived(c, false)
}

func (h *ResourceHandler) setResourceArchived(c *gin.Context, archived bool) {
	ctx := c.Request.Context()
	resource, err := h.getResource(ctx, c.Param("id"))
	if err != nil {
		h.respondResourceError(c, err)
		return
	}

	if err := h.db.WithContext(ctx).Model(resource).Update("archived", archived).Error; err != nil {
		Internal(c, "failed to update resource")
		return
	}

	c.Status(http.StatusNoContent)
}

// DeleteResource 删除记录后尽力清理已上传的文件。
// 文件清理与记录删除之间没有事务耦合：清理失败只告警，不回滚删除。
func (h *ResourceHandler) DeleteResource(c *gin.Context) {
	logger := middleware.LoggerFromContext(c)
	ctx := c.Request.Context()

	resource, err := h.getResource(ctx, c.Param("id"))
	if err != nil {
		h.respondResourceError(c, err)
		return
	}

	if err := h.db.WithContext(ctx).Delete(&database.Resource{}, resource.ID).Error; err != nil {
		logger.Error("delete resource failed", slog.Any("error", err))
		Internal(c, "failed to delete resource")
		return
	}

	cleanupObject(ctx, h.storage, logger, resource.FileKey)

	c.Status(http.StatusNoContent)
}

func (h *ResourceHandler) getResource(ctx context.Context, idParam string) (*database.Resource, error) {
	resourceID, err := strconv.ParseUint(idParam, 10, 64)
	if err != nil {
		return nil, errInvalidResourceID
	}

	var resource database.Resource
	if err := h.db.WithContext(ctx).First(&resource, uint(resourceID)).Error; err != nil {
		return nil, err
	}
	return &resource, nil
}

func (h *ResourceHandler) respondResourceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errInvalidResourceID):
		BadRequest(c, "invalid resource id")
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "resource not found")
	default:
		Internal(c, "failed to query resource")
	}
}

func (h *ResourceHandler) requireActiveSubject(ctx context.Context, subjectID uint) error {
	var subject database.Subject
	err := h.db.WithContext(ctx).First(&subject, subjectID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errors.New("unknown subject")
	case err != nil:
		return errors.New("failed to verify subject")
	case subject.Archived:
		return errors.New("subject is archived")
	}
	return nil
}

func parseFormUint(raw string) (uint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(v), nil
}

// encodeTags 把逗号分隔的标签归一化为小写 JSONB 数组。
func encodeTags(raw string) datatypes.JSON {
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			tags = append(tags, p)
		}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return datatypes.JSON([]byte("[]"))
	}
	return datatypes.JSON(data)
}

func newResourceResponse(r database.Resource) resourceResponse {
	resp := resourceResponse{
		ID:           r.ID,
		Title:        r.Title,
		Level:        r.Level,
		SubjectID:    r.SubjectID,
		Type:         r.Type,
		Availability: r.TagList(),
		Archived:     r.Archived,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.Link != "" {
		link := r.Link
		resp.Link = &link
	}
	if r.ExternalLink != "" {
		external := r.ExternalLink
		resp.ExternalLink = &external
	}
	if resp.Availability == nil {
		resp.Availability = []string{}
	}
	return resp
}
