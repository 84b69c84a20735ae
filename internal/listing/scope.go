package listing

import (
	"strings"

	"gorm.io/gorm"
)

// Table 描述某张表如何映射过滤维度到列名。
// 空字符串表示该表不支持对应维度；列名只允许出现在这里，
// 外部输入永远不会拼进 SQL。
type Table struct {
	SubjectColumn  string
	TagColumn      string
	SearchColumns  []string
	ArchivedColumn string
	SortColumn     string
}

// Scope 把一组过滤维度编译为 GORM 查询条件（服务端模式）。
// 排序恒为 SortColumn DESC，主键降序兜底，保证相同时间戳下分页稳定。
func Scope(f Filters, t Table) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if t.ArchivedColumn != "" {
			switch f.Archive {
			case ActiveOnly:
				db = db.Where(t.ArchivedColumn+" = ?", false)
			case ArchivedOnly:
				db = db.Where(t.ArchivedColumn+" = ?", true)
			}
		}

		if f.SubjectID != nil && t.SubjectColumn != "" {
			db = db.Where(t.SubjectColumn+" = ?", *f.SubjectID)
		}

		if f.Tag != nil && t.TagColumn != "" {
			// 标签写入时统一小写，JSONB 文本中按带引号的字面量精确匹配，
			// 避免 "line" 误中 "online"。
			needle := `%"` + strings.ToLower(strings.TrimSpace(*f.Tag)) + `"%`
			db = db.Where("LOWER(CAST("+t.TagColumn+" AS TEXT)) LIKE ?", needle)
		}

		if q := strings.TrimSpace(f.Search); q != "" && len(t.SearchColumns) > 0 {
			needle := "%" + strings.ToLower(q) + "%"
			clauses := make([]string, 0, len(t.SearchColumns))
			args := make([]any, 0, len(t.SearchColumns))
			for _, col := range t.SearchColumns {
				clauses = append(clauses, "LOWER("+col+") LIKE ?")
				args = append(args, needle)
			}
			db = db.Where(strings.Join(clauses, " OR "), args...)
		}

		if t.SortColumn != "" {
			if f.DateFrom != nil {
				db = db.Where(t.SortColumn+" >= ?", *f.DateFrom)
			}
			if f.DateTo != nil {
				db = db.Where(t.SortColumn+" <= ?", *f.DateTo)
			}
			db = db.Order(t.SortColumn + " DESC").Order("id DESC")
		}

		return db
	}
}

// Paged 在 Scope 之上追加分页窗口。
func Paged(f Filters, t Table, p Params) func(*gorm.DB) *gorm.DB {
	scope := Scope(f, t)
	return func(db *gorm.DB) *gorm.DB {
		return scope(db).Offset(p.Offset()).Limit(p.Limit())
	}
}
