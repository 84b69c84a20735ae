package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"tutorbase/internal/api/middleware"
	"tutorbase/internal/database"
	"tutorbase/internal/listing"
)

// tutorTable 描述 tutors 表的过滤维度。科目过滤走 tutor_subjects
// 连接表，不在这里声明。
var tutorTable = listing.Table{
	SearchColumns:  []string{"name", "bio"},
	ArchivedColumn: "archived",
	SortColumn:     "updated_at",
}

// TutorHandler 负责导师的公开列表与后台增删改。
type TutorHandler struct {
	db        *gorm.DB
	storage   ObjectStorage
	clamdAddr string
}

// NewTutorHandler 构造 TutorHandler。
func NewTutorHandler(db *gorm.DB, store ObjectStorage, clamdAddr string) *TutorHandler {
	return &TutorHandler{
		db:        db,
		storage:   store,
		clamdAddr: clamdAddr,
	}
}

var errInvalidTutorID = errors.New("invalid tutor id")

type tutorResponse struct {
	ID        uint              `json:"id"`
	Name      string            `json:"name"`
	Bio       string            `json:"bio"`
	Mode      string            `json:"mode"`
	PhotoURL  *string           `json:"photo_url"`
	Subjects  []subjectResponse `json:"subjects"`
	Archived  bool              `json:"archived"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ListPublicTutors 返回公开导师列表：科目与文本搜索过滤，归档行永远排除。
func (h *TutorHandler) ListPublicTutors(c *gin.Context) {
	filters, err := parseListFilters(c)
	if err != nil {
		BadRequest(c, err.Error())
		return
	}
	filters.Archive = listing.ActiveOnly

	h.respondTutorList(c, filters)
}

// ListTutors 返回后台导师列表，额外支持归档三态与时间范围。
func (h *TutorHandler) ListTutors(c *gin.Context) {
	filters, err := parseListFilters(c)
	if err != nil {
		BadRequest(c, err.Error())
		return
	}

	h.respondTutorList(c, filters)
}

func (h *TutorHandler) respondTutorList(c *gin.Context, filters listing.Filters) {
	ctx := c.Request.Context()
	params := parsePageParams(c)

	// 科目维度走连接表，其余维度交给通用 Scope。
	subjectID := filters.SubjectID
	filters.SubjectID = nil

	base := h.db.WithContext(ctx).Model(&database.Tutor{}).
		Scopes(listing.Scope(filters, tutorTable))
	if subjectID != nil {
		base = base.Joins("JOIN tutor_subjects ON tutor_subjects.tutor_id = tutors.id").
			Where("tutor_subjects.subject_id = ?", *subjectID)
	}

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		Internal(c, "failed to count tutors")
		return
	}

	var tutors []database.Tutor
	if err := base.Session(&gorm.Session{}).
		Preload("Subjects").
		Offset(params.Offset()).
		Limit(params.Limit()).
		Find(&tutors).Error; err != nil {
		Internal(c, "failed to list tutors")
		return
	}

	items := make([]tutorResponse, 0, len(tutors))
	for _, t := range tutors {
		items = append(items, newTutorResponse(t))
	}

	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"meta":  listing.BuildMeta(total, params),
	})
}

// CreateTutor 新建导师。可选照片先扫描后上传；上传失败不会产生任何数据库写入。
func (h *TutorHandler) CreateTutor(c *gin.Context) {
	logger := middleware.LoggerFromContext(c)
	ctx := c.Request.Context()

	name := strings.TrimSpace(c.PostForm("name"))
	if name == "" {
		BadRequest(c, "name is required")
		return
	}

	mode := strings.TrimSpace(c.PostForm("mode"))
	if mode == "" {
		mode = database.TutorModeOnline
	}
	if !validTutorMode(mode) {
		BadRequest(c, "invalid mode")
		return
	}

	subjectIDs, err := parseSubjectIDs(c.PostForm("subject_ids"))
	if err != nil {
		BadRequest(c, "invalid subject_ids")
		return
	}
	subjects, err := h.loadActiveSubjects(ctx, subjectIDs)
	if err != nil {
		BadRequest(c, err.Error())
		return
	}

	var photoKey, photoURL string
	if file, _ := c.FormFile("photo"); file != nil {
		photoKey, photoURL, err = scanAndUploadFile(ctx, h.storage, h.clamdAddr, "tutors", file)
		if err != nil {
			if errors.Is(err, errMaliciousFile) {
				BadRequest(c, errMaliciousFile.Error())
				return
			}
			logger.Error("tutor photo upload failed", slog.Any("error", err))
			Internal(c, "failed to upload photo")
			return
		}
	}

	tutor := database.Tutor{
		Name:     name,
		Bio:      c.PostForm("bio"),
		Mode:     mode,
		PhotoURL: photoURL,
		PhotoKey: photoKey,
		Subjects: subjects,
	}

	if err := h.db.WithContext(ctx).Create(&tutor).Error; err != nil {
		cleanupObject(ctx, h.storage, logger, photoKey)
		logger.Error("create tutor failed", slog.Any("error", err))
		Internal(c, "failed to create tutor")
		return
	}

	c.JSON(http.StatusCreated, newTutorResponse(tutor))
}

// UpdateTutor 更新导师。新照片先上传再改记录，最后尽力清理旧对象。
func (h *TutorHandler) UpdateTutor(c *gin.Context) {
	logger := middleware.LoggerFromContext(c)
	ctx := c.Request.Context()

	tutor, err := h.getTutor(ctx, c.Param("id"))
	if err != nil {
		h.respondTutorError(c, err)
		return
	}

	updates := map[string]any{}

	if name, ok := c.GetPostForm("name"); ok {
		name = strings.TrimSpace(name)
		if name == "" {
			BadRequest(c, "name is required")
			return
		}
		updates["name"] = name
	}
	if bio, ok := c.GetPostForm("bio"); ok {
		updates["bio"] = bio
	}
	if mode, ok := c.GetPostForm("mode"); ok {
		mode = strings.TrimSpace(mode)
		if !validTutorMode(mode) {
			BadRequest(c, "invalid mode")
			return
		}
		updates["mode"] = mode
	}

	var subjects []database.Subject
	replaceSubjects := false
	if raw, ok := c.GetPostForm("subject_ids"); ok {
		subjectIDs, err := parseSubjectIDs(raw)
		if err != nil {
			BadRequest(c, "invalid subject_ids")
			return
		}
		subjects, err = h.loadActiveSubjects(ctx, subjectIDs)
		if err != nil {
			BadRequest(c, err.Error())
			return
		}
		replaceSubjects = true
	}

	oldPhotoKey := tutor.PhotoKey
	file, _ := c.FormFile("photo")
	if file != nil {
		photoKey, photoURL, err := scanAndUploadFile(ctx, h.storage, h.clamdAddr, "tutors", file)
		if err != nil {
			if errors.Is(err, errMaliciousFile) {
				BadRequest(c, errMaliciousFile.Error())
				return
			}
			logger.Error("tutor photo upload failed", slog.Any("error", err))
			Internal(c, "failed to upload photo")
			return
		}
		updates["photo_key"] = photoKey
		updates["photo_url"] = photoURL
	}

	if len(updates) > 0 {
		if err := h.db.WithContext(ctx).Model(tutor).Updates(updates).Error; err != nil {
			logger.Error("update tutor failed", slog.Any("error", err))
			Internal(c, "failed to update tutor")
			return
		}
	}

	if replaceSubjects {
		if err := h.db.WithContext(ctx).Model(tutor).Association("Subjects").Replace(subjects); err != nil {
			logger.Error("replace tutor subjects failed", slog.Any("error", err))
			Internal(c, "failed to update tutor subjects")
			return
		}
	}

	if file != nil && oldPhotoKey != "" {
		cleanupObject(ctx, h.storage, logger, oldPhotoKey)
	}

	if err := h.db.WithContext(ctx).Preload("Subjects").First(tutor, tutor.ID).Error; err != nil {
		Internal(c, "failed to reload tutor")
		return
	}

	c.JSON(http.StatusOK, newTutorResponse(*tutor))
}

// ArchiveTutor 归档导师。
func (h *TutorHandler) ArchiveTutor(c *gin.Context) {
	h.setTutorArchived(c, true)
}

// UnarchiveTutor 取消归档。
func (h *TutorHandler) UnarchiveTutor(c *gin.Context) {
	h.setTutorArchived(c, false)
}

func (h *TutorHandler) setTutorArchived(c *gin.Context, archived bool) {
	ctx := c.Request.Context()
	tutor, err := h.getTutor(ctx, c.Param("id"))
	if err != nil {
		h.respondTutorError(c, err)
		return
	}

	if err := h.db.WithContext(ctx).Model(tutor).Update("archived", archived).Error; err != nil {
		Internal(c, "failed to update tutor")
		return
	}

	c.Status(http.StatusNoContent)
}

// DeleteTutor 删除记录后尽力清理照片对象；清理失败只告警。
func (h *TutorHandler) DeleteTutor(c *gin.Context) {
	logger := middleware.LoggerFromContext(c)
	ctx := c.Request.Context()

	tutor, err := h.getTutor(ctx, c.Param("id"))
	if err != nil {
		h.respondTutorError(c, err)
		return
	}

	if err := h.db.WithContext(ctx).Select("Subjects").Delete(&database.Tutor{Model: gorm.Model{ID: tutor.ID}}).Error; err != nil {
		logger.Error("delete tutor failed", slog.Any("error", err))
		Internal(c, "failed to delete tutor")
		return
	}

	cleanupObject(ctx, h.storage, logger, tutor.PhotoKey)

	c.Status(http.StatusNoContent)
}

func (h *TutorHandler) getTutor(ctx context.Context, idParam string) (*database.Tutor, error) {
	tutorID, err := strconv.ParseUint(idParam, 10, 64)
	if err != nil {
		return nil, errInvalidTutorID
	}

	var tutor database.Tutor
	if err := h.db.WithContext(ctx).Preload("Subjects").First(&tutor, uint(tutorID)).Error; err != nil {
		return nil, err
	}
	return &tutor, nil
}

func (h *TutorHandler) respondTutorError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errInvalidTutorID):
		BadRequest(c, "invalid tutor id")
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "tutor not found")
	default:
		Internal(c, "failed to query tutor")
	}
}

// loadActiveSubjects 批量加载科目并校验全部存在且未归档。
func (h *TutorHandler) loadActiveSubjects(ctx context.Context, ids []uint) ([]database.Subject, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var subjects []database.Subject
	if err := h.db.WithContext(ctx).Where("id IN ?", ids).Find(&subjects).Error; err != nil {
		return nil, errors.New("failed to verify subjects")
	}
	if len(subjects) != len(ids) {
		return nil, errors.New("unknown subject")
	}
	for _, s := range subjects {
		if s.Archived {
			return nil, errors.New("subject is archived")
		}
	}
	return subjects, nil
}

func validTutorMode(mode string) bool {
	switch mode {
	case database.TutorModeOnline, database.TutorModeInPerson, database.TutorModeBoth:
		return true
	}
	return false
}

// parseSubjectIDs 解析逗号分隔的科目 ID 列表，去重保序。
func parseSubjectIDs(raw string) ([]uint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	seen := make(map[uint]bool)
	var ids []uint
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, err
		}
		id := uint(v)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func newTutorResponse(t database.Tutor) tutorResponse {
	subjects := make([]subjectResponse, 0, len(t.Subjects))
	for _, s := range t.Subjects {
		subjects = append(subjects, subjectResponse{ID: s.ID, Name: s.Name, Archived: s.Archived})
	}

	resp := tutorResponse{
		ID:        t.ID,
		Name:      t.Name,
		Bio:       t.Bio,
		Mode:      t.Mode,
		Subjects:  subjects,
		Archived:  t.Archived,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	if t.PhotoURL != "" {
		url := t.PhotoURL
		resp.PhotoURL = &url
	}
	return resp
}
