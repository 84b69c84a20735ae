// Package listing 实现资源浏览、后台列表与留言收件箱共用的
// 过滤/分页管线：同一组过滤维度既能在内存中对已取回的行求值，
// 也能编译为服务端查询条件。
package listing

import (
	"strings"
	"time"
)

// ArchiveState 表示归档过滤的三态。
type ArchiveState int

const (
	// ActiveOnly 为默认态：仅返回未归档的行。
	ActiveOnly ArchiveState = iota
	ArchivedOnly
	All
)

// Item 是控制器与谓词操作的最小行视图。
// 不涉及某个维度的模型返回零值即可（如留言没有科目）。
type Item interface {
	SubjectIDs() []uint
	TagList() []string
	SearchText() []string
	IsArchived() bool
	LastChangedAt() time.Time
}

// Filters 是一组可独立启停的过滤维度，激活的维度之间恒为 AND 关系。
// nil 指针表示该维度未启用；Search 为空串表示未启用。
type Filters struct {
	SubjectID *uint
	Tag       *string
	Search    string
	Archive   ArchiveState
	DateFrom  *time.Time
	DateTo    *time.Time
}

// Matches 对单行求值所有激活的过滤维度。
func (f Filters) Matches(it Item) bool {
	switch f.Archive {
	case ActiveOnly:
		if it.IsArchived() {
			return false
		}
	case ArchivedOnly:
		if !it.IsArchived() {
			return false
		}
	}

	if f.SubjectID != nil && !containsUint(it.SubjectIDs(), *f.SubjectID) {
		return false
	}

	if f.Tag != nil && !containsFold(it.TagList(), *f.Tag) {
		return false
	}

	if q := strings.TrimSpace(f.Search); q != "" {
		if !anyContainsFold(it.SearchText(), q) {
			return false
		}
	}

	if f.DateFrom != nil && it.LastChangedAt().Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && it.LastChangedAt().After(*f.DateTo) {
		return false
	}

	return true
}

func containsUint(ids []uint, want uint) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}

func containsFold(tags []string, want string) bool {
	for _, tag := range tags {
		if strings.EqualFold(strings.TrimSpace(tag), strings.TrimSpace(want)) {
			return true
		}
	}
	return false
}

func anyContainsFold(fields []string, q string) bool {
	lowered := strings.ToLower(q)
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), lowered) {
			return true
		}
	}
	return false
}
