package database

import (
	"encoding/json"
	"time"
)

// 以下方法让业务模型满足 listing.Item，供客户端模式的过滤控制器复用。

func (r Resource) SubjectIDs() []uint { return []uint{r.SubjectID} }

func (r Resource) TagList() []string {
	if len(r.Availability) == 0 {
		return nil
	}
	var tags []string
	if err := json.Unmarshal(r.Availability, &tags); err != nil {
		return nil
	}
	return tags
}

func (r Resource) SearchText() []string     { return []string{r.Title, r.Level, r.Type} }
func (r Resource) IsArchived() bool         { return r.Archived }
func (r Resource) LastChangedAt() time.Time { return r.UpdatedAt }

func (t Tutor) SubjectIDs() []uint {
	ids := make([]uint, 0, len(t.Subjects))
	for _, s := range t.Subjects {
		ids = append(ids, s.ID)
	}
	return ids
}

func (t Tutor) TagList() []string        { return nil }
func (t Tutor) SearchText() []string     { return []string{t.Name, t.Bio} }
func (t Tutor) IsArchived() bool         { return t.Archived }
func (t Tutor) LastChangedAt() time.Time { return t.UpdatedAt }

func (m ContactMessage) SubjectIDs() []uint { return nil }
func (m ContactMessage) TagList() []string  { return nil }

func (m ContactMessage) SearchText() []string {
	return []string{m.Name, m.Email, m.Message}
}

func (m ContactMessage) IsArchived() bool         { return m.Archived }
func (m ContactMessage) LastChangedAt() time.Time { return m.CreatedAt }
