package rest

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/jroosing/packetforge/internal/mgmt/rest/docs" // swagger docs
	"github.com/jroosing/packetforge/internal/mgmt/runtime"
)

func registerRoutes(r *gin.Engine, rt *runtime.Runtime) {
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	h := newHandler(rt)

	api := r.Group("/api/v1")
	if key := rt.Config().Mgmt.APIKey; key != "" {
		api.Use(requireAPIKey(key))
	}

	api.GET("/health", h.Health)
	api.GET("/stats", h.Stats)
	api.GET("/metrics", h.Metrics)

	api.GET("/config", h.GetConfig)
	api.PUT("/config", h.PutConfig)

	api.POST("/start", h.Start)
	api.POST("/stop", h.Stop)

	api.GET("/profiles", h.ListProfiles)
	api.POST("/profiles/:name", h.SaveProfile)
	api.POST("/profiles/:name/load", h.LoadProfile)
}
