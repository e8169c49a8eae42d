package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sambitmohanty1/payment-webhooks/internal/metrics"
	"github.com/sambitmohanty1/payment-webhooks/internal/services"
)

// RouterDeps holds what NewRouter needs.
type RouterDeps struct {
	Handlers       *Handlers
	WebhookService *services.WebhookService
	DB             *gorm.DB
	AdminJWTSecret string
	Logger         *zap.Logger
}

// NewRouter builds the HTTP surface.
func NewRouter(d RouterDeps) *gin.Engine {
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(RequestLogger(d.Logger))
	router.Use(metrics.MetricsMiddleware())

	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
	})
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	router.GET("/health", healthHandler(d.DB))
	router.GET("/metrics", metrics.PrometheusHandler())

	router.POST("/webhooks/provider", d.WebhookService.HandleProviderWebhook)

	router.POST("/products/:id/claim", d.Handlers.ClaimFreeProduct)

	admin := router.Group("/", AdminAuth(d.AdminJWTSecret, d.Logger))
	{
		endpoints := admin.Group("/webhook-endpoints")
		{
			endpoints.GET("", d.Handlers.ListEndpoints)
			endpoints.POST("", d.Handlers.CreateEndpoint)
			endpoints.GET("/:id", d.Handlers.GetEndpoint)
			endpoints.PUT("/:id", d.Handlers.UpdateEndpoint)
			endpoints.DELETE("/:id", d.Handlers.DeleteEndpoint)
			endpoints.POST("/:id/rotate-secret", d.Handlers.RotateEndpointSecret)
		}

		admin.GET("/webhook-logs", d.Handlers.ListDeliveryLogs)

		transactions := admin.Group("/transactions")
		{
			transactions.GET("/:id", d.Handlers.GetTransaction)
			transactions.POST("/:id/refunds", d.Handlers.RefundTransaction)
		}
	}

	return router
}

func healthHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "healthy"
		code := http.StatusOK
		if db != nil {
			if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
				status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
		c.JSON(code, gin.H{
			"status":    status,
			"service":   "payment-webhooks",
			"version":   "v1.0",
			"timestamp": time.Now().UTC(),
		})
	}
}
