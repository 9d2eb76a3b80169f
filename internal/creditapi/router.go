package creditapi

import (
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/healingcredits/internal/auth"
	"github.com/MarkoPoloResearchLab/healingcredits/internal/observability"
	"github.com/MarkoPoloResearchLab/healingcredits/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterDependencies are the collaborators NewRouter wires into the handlers.
type RouterDependencies struct {
	Service        *ledger.Service
	Validator      *auth.Validator
	Logger         *zap.Logger
	Metrics        *observability.Metrics
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter builds the HTTP surface. Service and Validator are required. Metrics and Gatherer
// are optional; empty AllowedOrigins and RequestTimeout fall back to the Config defaults.
func NewRouter(deps RouterDependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	requestTimeout := deps.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	allowedOrigins := deps.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{defaultAllowedOrigin}
	}
	handler := &httpHandler{
		logger:         logger,
		service:        deps.Service,
		requestTimeout: requestTimeout,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware())
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	router.GET("/plans", handler.handlePlans)
	router.GET("/generation-cost", handler.handleGenerationCost)

	authenticated := router.Group("/", deps.Validator.Middleware())
	authenticated.POST("/check-credits", handler.handleCheckCredits)
	authenticated.POST("/deduct-credits", handler.handleDeductCredits)
	authenticated.POST("/refund-credits", handler.handleRefundCredits)
	authenticated.GET("/transactions", handler.handleTransactions)

	admin := authenticated.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/bonus", handler.handleAdminBonus)
	admin.POST("/subscriptions", handler.handleAdminSubscription)

	return router
}
