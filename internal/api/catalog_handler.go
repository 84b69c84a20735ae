package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"tutorbase/internal/api/middleware"
	"tutorbase/internal/database"
	"tutorbase/internal/listing"
)

// CatalogHandler 负责科目、服务分类与服务项的查询与后台维护。
type CatalogHandler struct {
	db *gorm.DB
}

// NewCatalogHandler 构造 CatalogHandler。
func NewCatalogHandler(db *gorm.DB) *CatalogHandler {
	return &CatalogHandler{db: db}
}

var errInvalidID = errors.New("invalid id")

type subjectResponse struct {
	ID       uint   `json:"id"`
	Name     string `json:"name"`
	Archived bool   `json:"archived"`
}

type serviceResponse struct {
	ID          uint   `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	CategoryID  uint   `json:"category_id"`
	Archived    bool   `json:"archived"`
}

type categoryResponse struct {
	ID          uint              `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Archived    bool              `json:"archived"`
	Services    []serviceResponse `json:"services"`
}

// ListSubjects 返回公开科目列表（按名称升序，排除归档）。
func (h *CatalogHandler) ListSubjects(c *gin.Context) {
	var subjects []database.Subject
	if err := h.db.WithContext(c.Request.Context()).
		Where("archived = ?", false).
		Order("name ASC").
		Find(&subjects).Error; err != nil {
		Internal(c, "failed to list subjects")
		return
	}

	items := make([]subjectResponse, 0, len(subjects))
	for _, s := range subjects {
		items = append(items, subjectResponse{ID: s.ID, Name: s.Name, Archived: s.Archived})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// ListAdminSubjects 返回后台科目列表，支持归档三态与文本搜索。
func (h *CatalogHandler) ListAdminSubjects(c *gin.Context) {
	filters, err := parseListFilters(c)
	if err != nil {
		BadRequest(c, err.Error())
		return
	}

	table := listing.Table{
		SearchColumns:  []string{"name"},
		ArchivedColumn: "archived",
		SortColumn:     "updated_at",
	}

	var subjects []database.Subject
	if err := h.db.WithContext(c.Request.Context()).
		Scopes(listing.Scope(filters, table)).
		Find(&subjects).Error; err != nil {
		Internal(c, "failed to list subjects")
		return
	}

	items := make([]subjectResponse, 0, len(subjects))
	for _, s := range subjects {
		items = append(items, subjectResponse{ID: s.ID, Name: s.Name, Archived: s.Archived})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type subjectRequest struct {
	Name string `json:"name" binding:"required"`
}

// CreateSubject 新建科目。
func (h *CatalogHandler) CreateSubject(c *gin.Context) {
	var req subjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	subject := database.Subject{Name: strings.TrimSpace(req.Name)}
	if subject.Name == "" {
		BadRequest(c, "name is required")
		return
	}

	if err := h.db.WithContext(c.Request.Context()).Create(&subject).Error; err != nil {
		Internal(c, "failed to create subject")
		return
	}
	c.JSON(http.StatusCreated, subjectResponse{ID: subject.ID, Name: subject.Name})
}

// UpdateSubject 重命名科目。
func (h *CatalogHandler) UpdateSubject(c *gin.Context) {
	var req subjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		BadRequest(c, "name is required")
		return
	}

	h.updateByID(c, &database.Subject{}, map[string]any{"name": name})
}

// ArchiveSubject 归档科目。
func (h *CatalogHandler) ArchiveSubject(c *gin.Context) {
	h.updateByID(c, &database.Subject{}, map[string]any{"archived": true})
}

// UnarchiveSubject 取消归档科目。
func (h *CatalogHandler) UnarchiveSubject(c *gin.Context) {
	h.updateByID(c, &database.Subject{}, map[string]any{"archived": false})
}

// DeleteSubject 删除科目。
func (h *CatalogHandler) DeleteSubject(c *gin.Context) {
	h.deleteByID(c, &database.Subject{})
}

// ListCategories 返回公开的服务分类及其未归档的服务项。
func (h *CatalogHandler) ListCategories(c *gin.Context) {
	var categories []database.Category
	if err := h.db.WithContext(c.Request.Context()).
		Where("archived = ?", false).
		Preload("Services", "archived = ?", false).
		Order("name ASC").
		Find(&categories).Error; err != nil {
		Internal(c, "failed to list categories")
		return
	}

	items := make([]categoryResponse, 0, len(categories))
	for _, cat := range categories {
		items = append(items, newCategoryResponse(cat))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// ListAdminCategories 返回后台分类列表（含归档，附全部服务项）。
func (h *CatalogHandler) ListAdminCategories(c *gin.Context) {
	filters, err := parseListFilters(c)
	if err != nil {
		BadRequest(c, err.Error())
		return
	}

	table := listing.Table{
		SearchColumns:  []string{"name", "description"},
		ArchivedColumn: "archived",
		SortColumn:     "updated_at",
	}

	var categories []database.Category
	if err := h.db.WithContext(c.Request.Context()).
		Scopes(listing.Scope(filters, table)).
		Preload("Services").
		Find(&categories).Error; err != nil {
		Internal(c, "failed to list categories")
		return
	}

	items := make([]categoryResponse, 0, len(categories))
	for _, cat := range categories {
		items = append(items, newCategoryResponse(cat))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type categoryRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// CreateCategory 新建服务分类。
func (h *CatalogHandler) CreateCategory(c *gin.Context) {
	var req categoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	category := database.Category{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
	}
	if category.Name == "" {
		BadRequest(c, "name is required")
		return
	}

	if err := h.db.WithContext(c.Request.Context()).Create(&category).Error; err != nil {
		Internal(c, "failed to create category")
		return
	}
	c.JSON(http.StatusCreated, newCategoryResponse(category))
}

// UpdateCategory 更新分类名称与描述。
func (h *CatalogHandler) UpdateCategory(c *gin.Context) {
	var req categoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		BadRequest(c, "name is required")
		return
	}

	h.updateByID(c, &database.Category{}, map[string]any{
		"name":        name,
		"description": req.Description,
	})
}

// ArchiveCategory 归档分类。
func (h *CatalogHandler) ArchiveCategory(c *gin.Context) {
	h.updateByID(c, &database.Category{}, map[string]any{"archived": true})
}

// UnarchiveCategory 取消归档分类。
func (h *CatalogHandler) UnarchiveCategory(c *gin.Context) {
	h.updateByID(c, &database.Category{}, map[string]any{"archived": false})
}

// DeleteCategory 删除分类。
func (h *CatalogHandler) DeleteCategory(c *gin.Context) {
	h.deleteByID(c, &database.Category{})
}

// ListServices 返回公开服务项，支持按分类过滤。
func (h *CatalogHandler) ListServices(c *gin.Context) {
	db := h.db.WithContext(c.Request.Context()).Where("archived = ?", false)

	if raw := strings.TrimSpace(c.Query("category_id")); raw != "" {
		categoryID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			BadRequest(c, "invalid category_id")
			return
		}
		db = db.Where("category_id = ?", uint(categoryID))
	}

	var services []database.Service
	if err := db.Order("title ASC").Find(&services).Error; err != nil {
		Internal(c, "failed to list services")
		return
	}

	items := make([]serviceResponse, 0, len(services))
	for _, s := range services {
		items = append(items, newServiceResponse(s))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type serviceRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	CategoryID  uint   `json:"category_id" binding:"required"`
}

// CreateService 在分类下新建服务项；分类必须存在且未归档。
func (h *CatalogHandler) CreateService(c *gin.Context) {
	var req serviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		BadRequest(c, "title is required")
		return
	}

	ctx := c.Request.Context()
	if err := h.requireActiveCategory(ctx, req.CategoryID); err != nil {
		BadRequest(c, err.Error())
		return
	}

	service := database.Service{
		Title:       title,
		Description: req.Description,
		CategoryID:  req.CategoryID,
	}
	if err := h.db.WithContext(ctx).Create(&service).Error; err != nil {
		Internal(c, "failed to create service")
		return
	}
	c.JSON(http.StatusCreated, newServiceResponse(service))
}

// UpdateService 更新服务项。
func (h *CatalogHandler) UpdateService(c *gin.Context) {
	var req serviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		BadRequest(c, "title is required")
		return
	}

	if err := h.requireActiveCategory(c.Request.Context(), req.CategoryID); err != nil {
		BadRequest(c, err.Error())
		return
	}

	h.updateByID(c, &database.Service{}, map[string]any{
		"title":       title,
		"description": req.Description,
		"category_id": req.CategoryID,
	})
}

// ArchiveService 归档服务项。
func (h *CatalogHandler) ArchiveService(c *gin.Context) {
	h.updateByID(c, &database.Service{}, map[string]any{"archived": true})
}

// UnarchiveService 取消归档服务项。
func (h *CatalogHandler) UnarchiveService(c *gin.Context) {
	h.updateByID(c, &database.Service{}, map[string]any{"archived": false})
}

// DeleteService 删除服务项。
func (h *CatalogHandler) DeleteService(c *gin.Context) {
	h.deleteByID(c, &database.Service{})
}

// updateByID 对单行执行更新，统一处理无效 ID 与缺行。
func (h *CatalogHandler) updateByID(c *gin.Context, model any, updates map[string]any) {
	id, err := parseIDParam(c)
	if err != nil {
		BadRequest(c, err.Error())
		return
	}

	result := h.db.WithContext(c.Request.Context()).Model(model).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		middleware.LoggerFromContext(c).Error("update failed", slog.Any("error", result.Error))
		Internal(c, "failed to update record")
		return
	}
	if result.RowsAffected == 0 {
		NotFound(c, "record not found")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CatalogHandler) deleteByID(c *gin.Context, model any) {
	id, err := parseIDParam(c)
	if err != nil {
		BadRequest(c, err.Error())
		return
	}

	result := h.db.WithContext(c.Request.Context()).Where("id = ?", id).Delete(model)
	if result.Error != nil {
		middleware.LoggerFromContext(c).Error("delete failed", slog.Any("error", result.Error))
		Internal(c, "failed to delete record")
		return
	}
	if result.RowsAffected == 0 {
		NotFound(c, "record not found")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CatalogHandler) requireActiveCategory(ctx context.Context, categoryID uint) error {
	var category database.Category
	err := h.db.WithContext(ctx).First(&category, categoryID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errors.New("unknown category")
	case err != nil:
		return errors.New("failed to verify category")
	case category.Archived:
		return errors.New("category is archived")
	}
	return nil
}

func parseIDParam(c *gin.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return 0, errInvalidID
	}
	return uint(id), nil
}

func newServiceResponse(s database.Service) serviceResponse {
	return serviceResponse{
		ID:          s.ID,
		Title:       s.Title,
		Description: s.Description,
		CategoryID:  s.CategoryID,
		Archived:    s.Archived,
	}
}

func newCategoryResponse(cat database.Category) categoryResponse {
	services := make([]serviceResponse, 0, len(cat.Services))
	for _, s := range cat.Services {
		services = append(services, newServiceResponse(s))
	}
	return categoryResponse{
		ID:          cat.ID,
		Name:        cat.Name,
		Description: cat.Description,
		Archived:    cat.Archived,
		Services:    services,
	}
}
