package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/InspectionAudit/internal/api/handler"
	"github.com/jmerrifield20/InspectionAudit/internal/audit"
	"github.com/jmerrifield20/InspectionAudit/internal/config"
	"github.com/jmerrifield20/InspectionAudit/internal/health"
	"github.com/jmerrifield20/InspectionAudit/internal/identity"
	"github.com/jmerrifield20/InspectionAudit/internal/webhooks"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("auditd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	cfg, err := config.Load(os.Getenv("AUDITD_CONFIG"))
	if err != nil {
		return err
	}
	if cfg.File == "" {
		logger.Warn("no config file found, using defaults and env vars")
	} else {
		logger.Info("config loaded", zap.String("file", cfg.File))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Audit ledger ─────────────────────────────────────────────────────────
	ledger, closeLedger, err := audit.Open(ctx, cfg.Store(), logger)
	if err != nil {
		return err
	}
	defer closeLedger()
	logger.Info("audit ledger ready",
		zap.String("driver", cfg.Database.Driver),
		zap.Int("max_append_attempts", cfg.Audit.MaxAppendAttempts),
	)

	// ── Chain integrity checks ───────────────────────────────────────────────
	checker := health.New(ledger, health.Config{
		CheckInterval: cfg.Audit.VerifyInterval,
		Concurrency:   cfg.Audit.VerifyConcurrency,
		Tenants:       cfg.Audit.VerifyTenants,
	}, logger)
	checker.SetMetricsRecord(func(valid bool) {
		if !valid {
			handler.RecordVerifyFailure()
		}
	})
	if cfg.Alerts.WebhookURL != "" {
		notifier := webhooks.NewNotifier(cfg.Alerts.WebhookURL, cfg.Alerts.WebhookSecret, logger)
		notifier.SetMetricsRecorder(handler.RecordAlertDelivery)
		checker.SetBrokenCallback(func(ctx context.Context, report *audit.Report) {
			if err := notifier.ChainBroken(ctx, report); err != nil {
				logger.Error("chain-broken alert not delivered", zap.String("tenant_id", report.TenantID), zap.Error(err))
			}
		})
		logger.Info("chain-broken alerts enabled", zap.String("url", cfg.Alerts.WebhookURL))
	}
	if cfg.Audit.VerifyOnStart {
		checker.CheckAll(ctx)
		for _, st := range checker.Statuses() {
			if st.Valid {
				logger.Info("audit chain verified",
					zap.String("tenant_id", st.TenantID),
					zap.Int("entries", st.Entries),
					zap.String("root", st.Root),
				)
			}
		}
	}
	if cfg.Audit.VerifyInterval > 0 {
		go checker.Start(ctx)
		logger.Info("periodic chain verification enabled", zap.Duration("interval", cfg.Audit.VerifyInterval))
	}

	// ── Identity ─────────────────────────────────────────────────────────────
	var verifier *identity.Verifier
	if cfg.Auth.JWTSecret != "" {
		verifier = identity.NewVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer)
	}
	if verifier == nil && !cfg.Auth.TrustHeaders {
		return errors.New("no caller identity source: set auth.jwt_secret or auth.trust_headers")
	}
	if cfg.Auth.TrustHeaders {
		logger.Warn("trusting gateway identity headers; only expose auditd behind the gateway")
	}

	auditHandler := handler.NewAuditHandler(ledger, identity.RequireActor(verifier, cfg.Auth.TrustHeaders), logger)

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := cfg.Server.CORSOrigins
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

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

	if rps := cfg.Server.RateLimitRPS; rps > 0 {
		router.Use(handler.RateLimiter(ctx, rps, rps*2))
	}
	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		statuses := checker.Statuses()
		broken := 0
		for _, st := range statuses {
			if !st.Valid && st.Violation != nil {
				broken++
			}
		}
		status := "ok"
		if broken > 0 {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":         status,
			"chains_checked": len(statuses),
			"chains_broken":  broken,
		})
	})
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	auditHandler.Register(v1)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("auditd HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("HTTP listen: %w", err)
	}
	logger.Info("shutting down auditd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("auditd stopped")
	return nil
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
