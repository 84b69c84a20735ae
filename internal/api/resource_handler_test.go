package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"tutorbase/internal/database"
)

type fakeStorage struct {
	uploaded map[string][]byte
	deleted  []string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{uploaded: map[string][]byte{}}
}

func (s *fakeStorage) UploadPublic(_ context.Context, objectKey string, reader io.Reader, _ int64, _ string) (string, string, error) {
	b, _ := io.ReadAll(reader)
	s.uploaded[objectKey] = b
	return objectKey, "https://cdn.example.com/site-files/" + objectKey, nil
}

func (s *fakeStorage) DeleteObject(_ context.Context, objectKey string) error {
	s.deleted = append(s.deleted, objectKey)
	delete(s.uploaded, objectKey)
	return nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:api_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedSubject(t *testing.T, db *gorm.DB, name string) database.Subject {
	t.Helper()
	s := database.Subject{Name: name}
	if err := db.Create(&s).Error; err != nil {
		t.Fatalf("seed subject: %v", err)
	}
	return s
}

type multipartForm struct {
	body        *bytes.Buffer
	contentType string
}

func buildMultipartForm(t *testing.T, fields map[string]string, fileField, filename string, content []byte) multipartForm {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if fileField != "" {
		part, err := writer.CreateFormFile(fileField, filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(content); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return multipartForm{body: body, contentType: writer.FormDataContentType()}
}

func performRequest(router *gin.Engine, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func newResourceRouter(db *gorm.DB, store *fakeStorage) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewResourceHandler(db, store, "")
	router := gin.New()
	router.GET("/resources", h.ListPublicResources)
	router.GET("/admin/resources", h.ListResources)
	router.POST("/admin/resources", h.CreateResource)
	router.PATCH("/admin/resources/:id", h.UpdateResource)
	router.POST("/admin/resources/:id/archive", h.ArchiveResource)
	router.POST("/admin/resources/:id/unarchive", h.UnarchiveResource)
	router.DELETE("/admin/resources/:id", h.DeleteResource)
	return router
}

func TestCreateResourceRequiresFileOrExternalLink(t *testing.T) {
	db := newTestDB(t)
	store := newFakeStorage()
	router := newResourceRouter(db, store)
	subject := seedSubject(t, db, "Math")

	form := buildMultipartForm(t, map[string]string{
		"title":      "Fractions",
		"subject_id": fmt.Sprint(subject.ID),
	}, "", "", nil)

	rec := performRequest(router, http.MethodPost, "/admin/resources", form.body, form.contentType)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	// 校验发生在任何远程调用与数据库写入之前。
	if len(store.uploaded) != 0 {
		t.Fatalf("upload happened despite validation failure")
	}
	var count int64
	db.Model(&database.Resource{}).Count(&count)
	if count != 0 {
		t.Fatalf("resource row created despite validation failure")
	}
}

func TestCreateResourceValidatesFormBeforeSubjectLookup(t *testing.T) {
	db := newTestDB(t)
	store := newFakeStorage()
	router := newResourceRouter(db, store)

	// 科目不存在且缺少文件/外链：表单校验先于任何查库执行，
	// 报错必须是链接缺失而不是科目问题。
	form := buildMultipartForm(t, map[string]string{
		"title":      "Orphan",
		"subject_id": "9999",
	}, "", "", nil)

	rec := performRequest(router, http.MethodPost, "/admin/resources", form.body, form.contentType)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != errResourceLinkRequired.Error() {
		t.Fatalf("error = %q, want link-required", body.Error)
	}
}

func TestUpdateResourceValidatesFormBeforeSubjectLookup(t *testing.T) {
	db := newTestDB(t)
	store := newFakeStorage()
	router := newResourceRouter(db, store)
	subject := seedSubject(t, db, "Math")

	r := database.Resource{
		Title:        "Linkless after edit",
		SubjectID:    subject.ID,
		ExternalLink: "https://example.org/x",
		Availability: datatypes.JSON([]byte(`[]`)),
	}
	if err := db.Create(&r).Error; err != nil {
		t.Fatalf("seed resource: %v", err)
	}

	form := buildMultipartForm(t, map[string]string{
		"subject_id":    "9999",
		"external_link": "",
	}, "", "", nil)

	rec := performRequest(router, http.MethodPatch, fmt.Sprintf("/admin/resources/%d", r.ID), form.body, form.contentType)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != errResourceLinkRequired.Error() {
		t.Fatalf("error = %q, want link-required", body.Error)
	}

	var kept database.Resource
	if err := db.First(&kept, r.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if kept.ExternalLink == "" || kept.SubjectID != subject.ID {
		t.Fatalf("rejected update mutated the row: %+v", kept)
	}
}

func TestCreateResourceWithExternalLinkOnly(t *testing.T) {
	db := newTestDB(t)
	store := newFakeStorage()
	router := newResourceRouter(db, store)
	subject := seedSubject(t, db, "Math")

	form := buildMultipartForm(t, map[string]string{
		"title":         "Khan Academy Fractions",
		"subject_id":    fmt.Sprint(subject.ID),
		"external_link": "https://example.org/fractions",
		"availability":  "Online, Weekends",
	}, "", "", nil)

	rec := performRequest(router, http.MethodPost, "/admin/resources", form.body, form.contentType)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp resourceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Link != nil {
		t.Fatalf("link = %v, want null", *resp.Link)
	}
	if resp.ExternalLink == nil || *resp.ExternalLink != "https://example.org/fractions" {
		t.Fatalf("external_link = %v", resp.ExternalLink)
	}
	// 标签统一小写入库。
	if len(resp.Availability) != 2 || resp.Availability[0] != "online" || resp.Availability[1] != "weekends" {
		t.Fatalf("availability = %v", resp.Availability)
	}
	if len(store.uploaded) != 0 {
		t.Fatal("no file was sent but something got uploaded")
	}
}

func TestCreateResourceWithFilePersistsKey(t *testing.T) {
	db := newTestDB(t)
	store := newFakeStorage()
	router := newResourceRouter(db, store)
	subject := seedSubject(t, db, "Math")

	form := buildMultipartForm(t, map[string]string{
		"title":      "Worksheet Pack",
		"subject_id": fmt.Sprint(subject.ID),
	}, "file", "pack.pdf", []byte("%PDF-1.4 fake"))

	rec := performRequest(router, http.MethodPost, "/admin/resources", form.body, form.contentType)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var saved database.Resource
	if err := db.First(&saved).Error; err != nil {
		t.Fatalf("load saved resource: %v", err)
	}
	if saved.FileKey == "" || !strings.HasPrefix(saved.FileKey, "resources/") {
		t.Fatalf("file key = %q", saved.FileKey)
	}
	if !strings.HasSuffix(saved.FileKey, ".pdf") {
		t.Fatalf("file key lost extension: %q", saved.FileKey)
	}
	if _, ok := store.uploaded[saved.FileKey]; !ok {
		t.Fatalf("object %q not uploaded", saved.FileKey)
	}
	if saved.Link == "" {
		t.Fatal("public link not persisted")
	}
}

func TestCreateResourceRejectsArchivedSubject(t *testing.T) {
	db := newTestDB(t)
	store := newFakeStorage()
	router := newResourceRouter(db, store)
	subject := seedSubject(t, db, "Retired")
	if err := db.Model(&subject).Update("archived", true).Error; err != nil {
		t.Fatalf("archive subject: %v", err)
	}

	form := buildMultipartForm(t, map[string]string{
		"title":         "Stale",
		"subject_id":    fmt.Sprint(subject.ID),
		"external_link": "https://example.org/stale",
	}, "", "", nil)

	rec := performRequest(router, http.MethodPost, "/admin/resources", form.body, form.contentType)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDeleteResourceCleansUpStoredFile(t *testing.T) {
	db := newTestDB(t)
	store := newFakeStorage()
	router := newResourceRouter(db, store)
	subject := seedSubject(t, db, "Math")

	r := database.Resource{
		Title:        "To delete",
		SubjectID:    subject.ID,
		Link:         "https://cdn.example.com/site-files/resources/abc.pdf",
		FileKey:      "resources/abc.pdf",
		Availability: datatypes.JSON([]byte(`[]`)),
	}
	if err := db.Create(&r).Error; err != nil {
		t.Fatalf("seed resource: %v", err)
	}

	rec := performRequest(router, http.MethodDelete, fmt.Sprintf("/admin/resources/%d", r.ID), nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if len(store.deleted) != 1 || store.deleted[0] != "resources/abc.pdf" {
		t.Fatalf("deleted objects = %v", store.deleted)
	}
	var count int64
	db.Model(&database.Resource{}).Count(&count)
	if count != 0 {
		t.Fatal("resource row still present")
	}
}

func TestArchiveHidesFromPublicList(t *testing.T) {
	db := newTestDB(t)
	store := newFakeStorage()
	router := newResourceRouter(db, store)
	subject := seedSubject(t, db, "Math")

	r := database.Resource{
		Title:        "Fractions",
		SubjectID:    subject.ID,
		ExternalLink: "https://example.org/fractions",
		Availability: datatypes.JSON([]byte(`["online"]`)),
	}
	if err := db.Create(&r).Error; err != nil {
		t.Fatalf("seed resource: %v", err)
	}

	rec := performRequest(router, http.MethodPost, fmt.Sprintf("/admin/resources/%d/archive", r.ID), nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("archive status = %d", rec.Code)
	}

	listPublic := func() []resourceResponse {
		rec := performRequest(router, http.MethodGet, "/resources", nil, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("list status = %d", rec.Code)
		}
		var body struct {
			Items []resourceResponse `json:"items"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode list: %v", err)
		}
		return body.Items
	}

	if items := listPublic(); len(items) != 0 {
		t.Fatalf("archived resource leaked to public list: %v", items)
	}

	// 公开端点无视 archive=all 参数。
	rec = performRequest(router, http.MethodGet, "/resources?archive=all", nil, "")
	var body struct {
		Items []resourceResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(body.Items) != 0 {
		t.Fatal("public endpoint honored archive=all")
	}

	rec = performRequest(router, http.MethodPost, fmt.Sprintf("/admin/resources/%d/unarchive", r.ID), nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unarchive status = %d", rec.Code)
	}
	if items := listPublic(); len(items) != 1 {
		t.Fatalf("unarchived resource missing from public list")
	}
}

func TestUpdateResourceReplacesFileAndCleansOldObject(t *testing.T) {
	db := newTestDB(t)
	store := newFakeStorage()
	router := newResourceRouter(db, store)
	subject := seedSubject(t, db, "Math")

	r := database.Resource{
		Title:        "Worksheet",
		SubjectID:    subject.ID,
		Link:         "https://cdn.example.com/site-files/resources/old.pdf",
		FileKey:      "resources/old.pdf",
		Availability: datatypes.JSON([]byte(`[]`)),
	}
	if err := db.Create(&r).Error; err != nil {
		t.Fatalf("seed resource: %v", err)
	}
	store.uploaded["resources/old.pdf"] = []byte("old")

	form := buildMultipartForm(t, nil, "file", "new.pdf", []byte("%PDF new"))
	rec := performRequest(router, http.MethodPatch, fmt.Sprintf("/admin/resources/%d", r.ID), form.body, form.contentType)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var updated database.Resource
	if err := db.First(&updated, r.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if updated.FileKey == "resources/old.pdf" {
		t.Fatal("file key not rotated")
	}
	if len(store.deleted) != 1 || store.deleted[0] != "resources/old.pdf" {
		t.Fatalf("old object not cleaned: %v", store.deleted)
	}
}

func TestPublicListFiltersBySubjectTagAndSearch(t *testing.T) {
	db := newTestDB(t)
	store := newFakeStorage()
	router := newResourceRouter(db, store)
	math := seedSubject(t, db, "Math")
	english := seedSubject(t, db, "English")

	seed := func(title string, subjectID uint, tags string) {
		r := database.Resource{
			Title:        title,
			SubjectID:    subjectID,
			ExternalLink: "https://example.org/" + url.PathEscape(title),
			Availability: datatypes.JSON([]byte(tags)),
		}
		if err := db.Create(&r).Error; err != nil {
			t.Fatalf("seed %s: %v", title, err)
		}
	}
	seed("Algebra Drills", math.ID, `["online"]`)
	seed("Essay Guide", english.ID, `["in-person"]`)
	seed("Geometry Notes", math.ID, `["in-person","weekends"]`)

	titles := func(query string) []string {
		rec := performRequest(router, http.MethodGet, "/resources"+query, nil, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("list %q status = %d", query, rec.Code)
		}
		var body struct {
			Items []resourceResponse `json:"items"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		out := make([]string, 0, len(body.Items))
		for _, it := range body.Items {
			out = append(out, it.Title)
		}
		return out
	}

	if got := titles("?subject_id=" + fmt.Sprint(math.ID)); len(got) != 2 {
		t.Fatalf("subject filter = %v", got)
	}
	if got := titles("?tag=ONLINE"); len(got) != 1 || got[0] != "Algebra Drills" {
		t.Fatalf("tag filter = %v", got)
	}
	if got := titles("?q=essay"); len(got) != 1 || got[0] != "Essay Guide" {
		t.Fatalf("search = %v", got)
	}
	if got := titles("?subject_id=" + fmt.Sprint(math.ID) + "&tag=weekends"); len(got) != 1 || got[0] != "Geometry Notes" {
		t.Fatalf("combined filters = %v", got)
	}
}
