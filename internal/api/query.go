package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tutorbase/internal/listing"
)

// parseListFilters 从查询参数构造过滤配置。
// 公开端点无视 archive 参数（由处理器强制 ActiveOnly）。
func parseListFilters(c *gin.Context) (listing.Filters, error) {
	var f listing.Filters

	if raw := strings.TrimSpace(c.Query("subject_id")); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid subject_id")
		}
		subjectID := uint(id)
		f.SubjectID = &subjectID
	}

	if raw := strings.TrimSpace(c.Query("tag")); raw != "" {
		tag := raw
		f.Tag = &tag
	}

	f.Search = strings.TrimSpace(c.Query("q"))

	switch strings.ToLower(strings.TrimSpace(c.Query("archive"))) {
	case "", "active":
		f.Archive = listing.ActiveOnly
	case "archived":
		f.Archive = listing.ArchivedOnly
	case "all":
		f.Archive = listing.All
	default:
		return f, fmt.Errorf("invalid archive state")
	}

	if raw := strings.TrimSpace(c.Query("date_from")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("invalid date_from")
		}
		f.DateFrom = &t
	}
	if raw := strings.TrimSpace(c.Query("date_to")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("invalid date_to")
		}
		f.DateTo = &t
	}

	return f, nil
}

func parsePageParams(c *gin.Context) listing.Params {
	return listing.ParseParams(c.Query("page"), c.Query("per_page"))
}
