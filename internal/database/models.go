package database

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Tutor.Mode 的取值。
const (
	TutorModeOnline   = "online"
	TutorModeInPerson = "in_person"
	TutorModeBoth     = "both"
)

// User 表示后台管理员账号。
type User struct {
	gorm.Model
	Username           string `gorm:"uniqueIndex;size:64"`
	PasswordHash       string `gorm:"size:255"`
	MustChangePassword bool   `gorm:"default:false"`
}

// Subject 表示科目，被资源与导师引用。
// Archived 为软删除标记：归档后从公开查询中剔除，但保留记录直至显式删除。
type Subject struct {
	gorm.Model
	Name     string `gorm:"size:128;not null"`
	Archived bool   `gorm:"default:false;index"`
}

// Category 表示服务分类，一对多关联 Service。
type Category struct {
	gorm.Model
	Name        string `gorm:"size:128;not null"`
	Description string `gorm:"type:text"`
	Archived    bool   `gorm:"default:false;index"`
	Services    []Service
}

// Service 表示分类下的单项服务。
type Service struct {
	gorm.Model
	Title       string `gorm:"size:255;not null"`
	Description string `gorm:"type:text"`
	CategoryID  uint   `gorm:"index"`
	Archived    bool   `gorm:"default:false;index"`
}

// Tutor 表示导师信息。
// PhotoKey 在写入时与公开 URL 一并持久化，删除时直接按 Key 清理对象，
// 不再从 URL 反推存储路径。
type Tutor struct {
	gorm.Model
	Name     string    `gorm:"size:128;not null"`
	Bio      string    `gorm:"type:text"`
	Mode     string    `gorm:"size:16;default:online"`
	PhotoURL string    `gorm:"size:512"`
	PhotoKey string    `gorm:"size:512"`
	Archived bool      `gorm:"default:false;index"`
	Subjects []Subject `gorm:"many2many:tutor_subjects"`
}

// Resource 表示学习资源。Link 与 ExternalLink 至少要有一个，由写入端校验。
// Availability 为 JSONB 字符串数组，标签统一小写存储。
type Resource struct {
	gorm.Model
	Title        string         `gorm:"size:255;not null"`
	Level        string         `gorm:"size:64"`
	SubjectID    uint           `gorm:"index"`
	Subject      Subject
	Type         string         `gorm:"size:64"`
	Link         string         `gorm:"size:512"`
	FileKey      string         `gorm:"size:512"`
	ExternalLink string         `gorm:"size:512"`
	Availability datatypes.JSON `gorm:"type:jsonb"`
	Archived     bool           `gorm:"default:false;index"`
}

// ContactMessage 表示联系表单提交的留言，仅由后台归档/删除。
type ContactMessage struct {
	gorm.Model
	Name      string `gorm:"size:128;not null"`
	Email     string `gorm:"size:255;not null"`
	Message   string `gorm:"type:text;not null"`
	Scheduled bool   `gorm:"default:false"`
	Archived  bool   `gorm:"default:false;index"`
}
