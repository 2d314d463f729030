package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/havenhealth/auditvault/internal/health"
	"go.uber.org/zap"
)

// Config holds router-level settings.
type Config struct {
	CORSOrigins      []string
	RateLimitRPS     int
	AuditorSecret    string
	ComplianceSecret string
}

// Deps are the wired subsystem handlers the router mounts.
type Deps struct {
	Tokens    *TokenIssuer
	Events    *EventHandler
	Chain     *ChainHandler
	Vault     *VaultHandler
	Retention *RetentionHandler
	Health    *health.Checker
}

// NewRouter builds the Gin engine with the full middleware stack and all
// API routes mounted under /api/v1.
func NewRouter(cfg Config, deps Deps, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: !containsWildcard(cfg.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}

	router.Use(PrometheusMiddleware())
	router.Use(requestLogger(logger))

	// Health and metrics (public, no auth)
	router.GET("/healthz", func(c *gin.Context) {
		if deps.Health == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		report := deps.Health.Report()
		code := http.StatusOK
		if report.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	})
	router.GET("/metrics", MetricsHandler())

	v1 := router.Group("/api/v1")

	authHandler := NewAuthHandler(deps.Tokens, cfg.AuditorSecret, cfg.ComplianceSecret, logger)
	authHandler.Register(v1)

	// Read surface: auditors and compliance officers.
	read := v1.Group("", RequireRole(deps.Tokens, RoleAuditor))
	// Mutating surface: compliance officers only.
	manage := v1.Group("", RequireRole(deps.Tokens, RoleCompliance))

	deps.Events.RegisterRead(read)
	deps.Events.RegisterWrite(manage)
	deps.Chain.RegisterRead(read)
	deps.Chain.RegisterWrite(manage)
	deps.Vault.Register(read, manage)
	deps.Retention.Register(read, manage)

	return router
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
