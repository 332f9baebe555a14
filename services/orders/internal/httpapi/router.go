// Package httpapi содержит HTTP API сервиса заказов: команды, чтение
// заказа и просмотр зависших записей outbox.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/swiftparcel/pkg/metrics"
	"example.com/swiftparcel/pkg/middleware"
	"example.com/swiftparcel/pkg/outbox"
	"example.com/swiftparcel/services/orders/internal/domain"
)

// ReadinessChecker — функция проверки готовности сервиса.
type ReadinessChecker func(ctx context.Context) error

// OrderReader читает заказ по ID.
type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
}

// DeadLetterLister возвращает poison записи outbox.
type DeadLetterLister interface {
	ListDeadLetters(ctx context.Context, maxAttempts, limit int) ([]*outbox.Message, error)
}

// RouterConfig — параметры для создания роутера.
type RouterConfig struct {
	Service        string
	Commands       map[string]outbox.Handler // Обработчики по типу команды, уже обёрнутые outbox.Decorate
	Orders         OrderReader
	DeadLetters    DeadLetterLister
	MaxAttempts    int              // Порог poison записей, как у релея
	ReadinessCheck ReadinessChecker // опциональная проверка готовности для /readyz
	Debug          bool
}

// Router — HTTP роутер сервиса.
type Router struct {
	engine         *gin.Engine
	service        string
	orders         *OrderHandler
	admin          *AdminHandler
	readinessCheck ReadinessChecker
}

// NewRouter создаёт и настраивает HTTP роутер.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Service == "" {
		cfg.Service = "orders"
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.Correlation())
	engine.Use(middleware.RequestLogger())
	engine.Use(metrics.GinMetricsMiddleware(cfg.Service))

	r := &Router{
		engine:         engine,
		service:        cfg.Service,
		orders:         NewOrderHandler(cfg.Commands, cfg.Orders),
		readinessCheck: cfg.ReadinessCheck,
	}
	if cfg.DeadLetters != nil {
		r.admin = NewAdminHandler(cfg.DeadLetters, cfg.MaxAttempts)
	}

	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.healthCheck)
	r.engine.GET("/healthz", r.livenessCheck)
	r.engine.GET("/readyz", r.readinessCheckHandler)

	orders := r.engine.Group("/api/v1/orders")
	{
		orders.POST("", r.orders.CreateOrder)
		orders.GET("/:id", r.orders.GetOrder)
		orders.POST("/:id/approve", r.orders.ApproveOrder)
		orders.POST("/:id/cancel", r.orders.CancelOrder)
	}

	if r.admin != nil {
		admin := r.engine.Group("/admin/outbox")
		admin.GET("/dead-letters", r.admin.ListDeadLetters)
	}
}

// Engine возвращает Gin engine для запуска сервера.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func (r *Router) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": r.service,
	})
}

func (r *Router) livenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessCheckHandler — 200, если все зависимости доступны.
func (r *Router) readinessCheckHandler(c *gin.Context) {
	if r.readinessCheck == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := r.readinessCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
