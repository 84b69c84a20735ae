package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"tutorbase/internal/api/middleware"
	"tutorbase/internal/auth"
)

// Deps 汇集路由注册所需的共享依赖。
type Deps struct {
	DB             *gorm.DB
	AuthService    *auth.AuthService
	Redis          redis.UniversalClient
	Logger         *slog.Logger
	Storage        ObjectStorage
	Enqueuer       TaskEnqueuer
	ClamdAddr      string
	AllowedOrigins []string

	LoginRateLimitPerHour int
	LoginLockThreshold    int
	LoginLockTTL          time.Duration
	CookieDomain          string
}

// RegisterRoutes 注册 API 路由，不包含 /api 前缀。
// 公开端点只读且强制排除归档内容；/admin 下的端点要求访问令牌，
// 且临时密码未更换前只放行改密。
func RegisterRoutes(router *gin.Engine, deps Deps) {
	catalogHandler := NewCatalogHandler(deps.DB)
	tutorHandler := NewTutorHandler(deps.DB, deps.Storage, deps.ClamdAddr)
	resourceHandler := NewResourceHandler(deps.DB, deps.Storage, deps.ClamdAddr)
	messageHandler := NewMessageHandler(deps.DB, deps.Enqueuer)
	authHandler := NewAuthHandler(deps.DB, deps.AuthService, deps.Redis, deps.Logger, deps.LoginRateLimitPerHour, deps.LoginLockThreshold, deps.LoginLockTTL, deps.CookieDomain)
	wsHandler := NewWsHandler(deps.Redis, deps.AuthService, deps.Logger, deps.AllowedOrigins)
	authMiddleware := middleware.AuthMiddleware(deps.AuthService)
	passwordGate := middleware.RequirePasswordChangeCompletedMiddleware()

	v1 := router.Group("/v1")
	{
		v1.GET("/ws", wsHandler.HandleConnection)

		v1.GET("/subjects", catalogHandler.ListSubjects)
		v1.GET("/categories", catalogHandler.ListCategories)
		v1.GET("/services", catalogHandler.ListServices)
		v1.GET("/tutors", tutorHandler.ListPublicTutors)
		v1.GET("/resources", resourceHandler.ListPublicResources)
		v1.POST("/contact", messageHandler.CreateContactMessage)

		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/login", authHandler.Login)
			authGroup.POST("/refresh", authHandler.Refresh)
			authGroup.POST("/logout", authMiddleware, authHandler.Logout)
			authGroup.POST("/change-password", authMiddleware, authHandler.ChangePassword)
		}

		admin := v1.Group("/admin")
		admin.Use(authMiddleware, passwordGate)
		{
			admin.GET("/subjects", catalogHandler.ListAdminSubjects)
			admin.POST("/subjects", catalogHandler.CreateSubject)
			admin.PATCH("/subjects/:id", catalogHandler.UpdateSubject)
			admin.POST("/subjects/:id/archive", catalogHandler.ArchiveSubject)
			admin.POST("/subjects/:id/unarchive", catalogHandler.UnarchiveSubject)
			admin.DELETE("/subjects/:id", catalogHandler.DeleteSubject)

			admin.GET("/categories", catalogHandler.ListAdminCategories)
			admin.POST("/categories", catalogHandler.CreateCategory)
			admin.PATCH("/categories/:id", catalogHandler.UpdateCategory)
			admin.POST("/categories/:id/archive", catalogHandler.ArchiveCategory)
			admin.POST("/categories/:id/unarchive", catalogHandler.UnarchiveCategory)
			admin.DELETE("/categories/:id", catalogHandler.DeleteCategory)

			admin.POST("/services", catalogHandler.CreateService)
			admin.PATCH("/services/:id", catalogHandler.UpdateService)
			admin.POST("/services/:id/archive", catalogHandler.ArchiveService)
			admin.POST("/services/:id/unarchive", catalogHandler.UnarchiveService)
			admin.DELETE("/services/:id", catalogHandler.DeleteService)

			admin.GET("/tutors", tutorHandler.ListTutors)
			admin.POST("/tutors", tutorHandler.CreateTutor)
			admin.PATCH("/tutors/:id", tutorHandler.UpdateTutor)
			admin.POST("/tutors/:id/archive", tutorHandler.ArchiveTutor)
			admin.POST("/tutors/:id/unarchive", tutorHandler.UnarchiveTutor)
			admin.DELETE("/tutors/:id", tutorHandler.DeleteTutor)

			admin.GET("/resources", resourceHandler.ListResources)
			admin.POST("/resources", resourceHandler.CreateResource)
			admin.PATCH("/resources/:id", resourceHandler.UpdateResource)
			admin.POST("/resources/:id/archive", resourceHandler.ArchiveResource)
			admin.POST("/resources/:id/unarchive", resourceHandler.UnarchiveResource)
			admin.DELETE("/resources/:id", resourceHandler.DeleteResource)

			admin.GET("/messages", messageHandler.ListMessages)
			admin.POST("/messages/:id/archive", messageHandler.ArchiveMessage)
			admin.POST("/messages/:id/unarchive", messageHandler.UnarchiveMessage)
			admin.DELETE("/messages/:id", messageHandler.DeleteMessage)
		}
	}
}
